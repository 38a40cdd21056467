// Package transport speaks the challenge protocol: a stage header and a
// base64 gadget blob from the service, a base64 payload back, a status
// word, and a proof after the last round.
package transport

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrProtocolDesync is returned when the peer's bytes do not match the
// expected framing.
var ErrProtocolDesync = errors.New("protocol desync")

const (
	// DefaultPreamble precedes every stage number.
	DefaultPreamble = "STAGE "
	// DefaultSeparator follows the stage number.
	DefaultSeparator = ": \n"
	// ProofSize is the length of the final proof message.
	ProofSize = 128
	// StatusSize is the length of a status message.
	StatusSize = 3
	// DefaultMaxLine bounds base64 lines.
	DefaultMaxLine = 1 << 20
)

const (
	statusOK = "OK"
	statusNG = "NG"
)

// padding is stripped from fixed-size status and proof messages.
const padding = "\x00 \r\n\t"

// Framing holds the protocol constants.
type Framing struct {
	Preamble  string
	Separator string
	MaxLine   int
}

// DefaultFraming returns the framing the challenge service uses.
func DefaultFraming() Framing {
	return Framing{Preamble: DefaultPreamble, Separator: DefaultSeparator, MaxLine: DefaultMaxLine}
}

// WriteChallenge sends a stage header followed by the base64 blob.
func (f Framing) WriteChallenge(w io.Writer, stage byte, blob []byte) error {
	var buf bytes.Buffer
	buf.WriteString(f.Preamble)
	buf.WriteByte(stage)
	buf.WriteString(f.Separator)
	buf.WriteString(base64.StdEncoding.EncodeToString(blob))
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// HeaderSize is the length of the fixed part of a stage header.
func (f Framing) HeaderSize() int {
	return len(f.Preamble) + 1 + len(f.Separator)
}

// ParseHeader checks a stage header of HeaderSize bytes and returns the
// stage byte.
func (f Framing) ParseHeader(hdr []byte) (byte, error) {
	if len(hdr) != f.HeaderSize() {
		return 0, fmt.Errorf("%w: header is %d bytes, want %d", ErrProtocolDesync, len(hdr), f.HeaderSize())
	}
	pre, stage, sep := hdr[:len(f.Preamble)], hdr[len(f.Preamble)], hdr[len(f.Preamble)+1:]
	if string(pre) != f.Preamble {
		return 0, fmt.Errorf("%w: expected %q, got %q", ErrProtocolDesync, f.Preamble, pre)
	}
	if string(sep) != f.Separator {
		return 0, fmt.Errorf("%w: expected %q, got %q", ErrProtocolDesync, f.Separator, sep)
	}
	return stage, nil
}

// DecodeLine decodes one base64 line. The trailing newline is optional.
func (f Framing) DecodeLine(line []byte) ([]byte, error) {
	if f.MaxLine > 0 && len(line) > f.MaxLine+1 {
		return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrProtocolDesync, f.MaxLine)
	}
	data, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(line)))
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrProtocolDesync, err)
	}
	return data, nil
}

// ReadChallenge reads a stage header and decodes the gadget blob.
func (f Framing) ReadChallenge(r *bufio.Reader) (byte, []byte, error) {
	hdr := make([]byte, f.HeaderSize())
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, fmt.Errorf("reading stage header: %w", err)
	}
	stage, err := f.ParseHeader(hdr)
	if err != nil {
		return 0, nil, err
	}
	blob, err := f.readBase64Line(r)
	if err != nil {
		return 0, nil, err
	}
	return stage, blob, nil
}

// EncodeSubmission returns the base64 line for payload, without the
// newline.
func (f Framing) EncodeSubmission(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// WriteSubmission sends a payload as one base64 line.
func (f Framing) WriteSubmission(w io.Writer, payload []byte) error {
	_, err := io.WriteString(w, f.EncodeSubmission(payload)+"\n")
	return err
}

// ReadSubmission reads one base64 payload line.
func (f Framing) ReadSubmission(r *bufio.Reader) ([]byte, error) {
	return f.readBase64Line(r)
}

// WriteStatus sends OK or NG.
func (f Framing) WriteStatus(w io.Writer, ok bool) error {
	status := statusNG
	if ok {
		status = statusOK
	}
	_, err := io.WriteString(w, status+"\n")
	return err
}

// ParseStatus interprets a StatusSize status message. Surrounding
// whitespace and NUL padding are ignored.
func (f Framing) ParseStatus(b []byte) (bool, error) {
	switch string(bytes.Trim(b, padding)) {
	case statusOK:
		return true, nil
	case statusNG:
		return false, nil
	}
	return false, fmt.Errorf("%w: unexpected status %q", ErrProtocolDesync, b)
}

// ReadStatus reads a status word.
func (f Framing) ReadStatus(r *bufio.Reader) (bool, error) {
	buf := make([]byte, StatusSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}
	return f.ParseStatus(buf)
}

// WriteProof sends msg padded with NUL bytes to ProofSize.
func (f Framing) WriteProof(w io.Writer, msg string) error {
	if len(msg) > ProofSize {
		return fmt.Errorf("proof is %d bytes, limit %d", len(msg), ProofSize)
	}
	buf := make([]byte, ProofSize)
	copy(buf, msg)
	_, err := w.Write(buf)
	return err
}

// ParseProof strips the padding from a proof message.
func (f Framing) ParseProof(b []byte) string {
	return string(bytes.Trim(b, padding))
}

// ReadProof reads the proof and strips its padding.
func (f Framing) ReadProof(r *bufio.Reader) (string, error) {
	buf := make([]byte, ProofSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !(errors.Is(err, io.ErrUnexpectedEOF) && n > 0) {
		return "", fmt.Errorf("reading proof: %w", err)
	}
	return f.ParseProof(buf[:n]), nil
}

func (f Framing) readBase64Line(r *bufio.Reader) ([]byte, error) {
	line, err := readLine(r, f.MaxLine)
	if err != nil {
		return nil, err
	}
	return f.DecodeLine(line)
}

// readLine reads up to and excluding '\n', failing once max bytes have
// been read without a newline.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if max > 0 && len(line) > max {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrProtocolDesync, max)
		}
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, fmt.Errorf("reading line: %w", err)
		}
	}
}
