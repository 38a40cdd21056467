package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	pwn "github.com/tonythetender/pwngears/process"

	"github.com/zjy-dev/ropsynth/internal/config"
	"github.com/zjy-dev/ropsynth/internal/logger"
)

func init() {
	// pwngears prints to stdout, which carries the proof. Connection
	// events are logged through the logger instead.
	pwn.SetLogLevel(pwn.LogError)
}

type killer interface {
	Kill() error
}

type waiter interface {
	Wait() error
}

// Session is the client side of one connection to the service.
type Session struct {
	tube    pwn.Tube
	framing Framing
	timeout time.Duration
}

// NewSession wraps an established tube.
func NewSession(tube pwn.Tube, framing Framing, timeout time.Duration) *Session {
	return &Session{tube: tube, framing: framing, timeout: timeout}
}

// Dial connects according to cfg: a TCP address or a spawned process
// whose stdin and stdout carry the protocol.
func Dial(ctx context.Context, cfg config.TransportConfig) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	framing := Framing{Preamble: cfg.Preamble, Separator: cfg.Separator, MaxLine: cfg.MaxLine}
	timeout := time.Duration(cfg.Timeout) * time.Second

	switch cfg.Mode {
	case "tcp":
		host, portStr, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", cfg.Address, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", cfg.Address, err)
		}
		r, err := pwn.Remote(host, port)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address, err)
		}
		logger.Info("Connected to %s", cfg.Address)
		return NewSession(r, framing, timeout), nil
	case "process":
		if cfg.Command == "" {
			return nil, errors.New("process mode needs a command")
		}
		p, err := pwn.NewProcess(append([]string{cfg.Command}, cfg.Args...), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", cfg.Command, err)
		}
		logger.Info("Started %s (pid %d)", cfg.Command, p.GetPID())
		return NewSession(p, framing, timeout), nil
	}
	return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
}

// ReadChallenge returns the stage tag and gadget blob of the next round.
func (s *Session) ReadChallenge(ctx context.Context) (string, []byte, error) {
	var (
		stage byte
		blob  []byte
	)
	err := s.do(ctx, func() error {
		hdr, err := s.tube.Recv(s.framing.HeaderSize())
		if err != nil {
			return fmt.Errorf("reading stage header: %w", err)
		}
		if stage, err = s.framing.ParseHeader(hdr); err != nil {
			return err
		}
		line, err := s.tube.RecvLine()
		if err != nil {
			return fmt.Errorf("reading line: %w", err)
		}
		blob, err = s.framing.DecodeLine(line)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	logger.Debug("stage %c: %d gadget bytes", stage, len(blob))
	return string(stage), blob, nil
}

// Submit sends a payload.
func (s *Session) Submit(ctx context.Context, payload []byte) error {
	return s.do(ctx, func() error {
		return s.tube.SendLine(s.framing.EncodeSubmission(payload))
	})
}

// ReadStatus reports whether the service accepted the last payload.
func (s *Session) ReadStatus(ctx context.Context) (bool, error) {
	var ok bool
	err := s.do(ctx, func() error {
		buf, err := s.tube.Recv(StatusSize)
		if err != nil {
			return fmt.Errorf("reading status: %w", err)
		}
		ok, err = s.framing.ParseStatus(buf)
		return err
	})
	return ok, err
}

// ReadProof reads the final proof. A proof cut short by the peer closing
// the connection is accepted as long as it is not empty.
func (s *Session) ReadProof(ctx context.Context) (string, error) {
	var proof string
	err := s.do(ctx, func() error {
		buf, err := s.tube.Recv(ProofSize)
		proof = s.framing.ParseProof(buf)
		if err != nil && !(errors.Is(err, io.ErrUnexpectedEOF) && proof != "") {
			return fmt.Errorf("reading proof: %w", err)
		}
		return nil
	})
	return proof, err
}

// Close closes the tube and reaps a spawned process.
func (s *Session) Close() error {
	err := s.tube.Close()
	if k, ok := s.tube.(killer); ok {
		_ = k.Kill()
	}
	if w, ok := s.tube.(waiter); ok {
		_ = w.Wait()
	}
	return err
}

// do runs op under the per-operation timeout and tears the tube down when
// ctx is cancelled or the timeout expires.
func (s *Session) do(ctx context.Context, op func() error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	err := op()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (s *Session) interrupt() {
	if k, ok := s.tube.(killer); ok {
		_ = k.Kill()
	}
	_ = s.tube.Close()
}
