package challenge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/zjy-dev/ropsynth/internal/config"
	"github.com/zjy-dev/ropsynth/internal/image"
	"github.com/zjy-dev/ropsynth/internal/logger"
	"github.com/zjy-dev/ropsynth/internal/transport"
)

// ErrRejected is returned by Serve when a submitted payload fails.
var ErrRejected = errors.New("payload rejected")

// Server plays the challenge service.
type Server struct {
	cfg      config.ChallengeConfig
	rounds   int
	framing  transport.Framing
	verifier *Verifier

	mu   sync.Mutex
	seed int64
}

// NewServer builds a server from the tool configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	builder, err := image.NewBuilder(cfg.Image.TemplatePath, cfg.Image.BaseAddr, cfg.Image.PageSize)
	if err != nil {
		return nil, err
	}
	seed := cfg.Challenge.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Server{
		cfg:    cfg.Challenge,
		rounds: cfg.Rounds,
		framing: transport.Framing{
			Preamble:  cfg.Transport.Preamble,
			Separator: cfg.Transport.Separator,
			MaxLine:   cfg.Transport.MaxLine,
		},
		verifier: NewVerifier(builder, cfg.Chain.PathAddr, []byte(cfg.Challenge.Secret), cfg.Challenge.MaxStep),
		seed:     seed,
	}, nil
}

// nextGenerator gives every connection its own generator.
func (s *Server) nextGenerator() *Generator {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := NewGenerator(s.seed, s.cfg.Decoys)
	s.seed++
	return g
}

// Serve runs all rounds on rw and sends the flag when every payload
// passes.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	gen := s.nextGenerator()
	r := bufio.NewReader(rw)

	for round := 1; round <= s.rounds; round++ {
		blob, err := gen.Generate()
		if err != nil {
			return err
		}
		stage := byte('0' + round%10)
		if err := s.framing.WriteChallenge(rw, stage, blob.Code); err != nil {
			return fmt.Errorf("sending stage %d: %w", round, err)
		}
		logger.Debug("stage %d: %d gadgets, %d bytes", round, len(blob.Gadgets), len(blob.Code))

		payload, err := s.framing.ReadSubmission(r)
		if err != nil {
			return fmt.Errorf("reading payload of stage %d: %w", round, err)
		}
		verdict, err := s.verifier.Verify(ctx, blob.Code, payload)
		if err != nil {
			return err
		}
		if err := s.framing.WriteStatus(rw, verdict.OK); err != nil {
			return err
		}
		if !verdict.OK {
			return fmt.Errorf("%w: stage %d: %s", ErrRejected, round, verdict.Reason)
		}
		logger.Info("Stage %d passed in %d steps", round, verdict.Steps)
	}
	return s.framing.WriteProof(rw, s.cfg.Flag)
}

// ListenAndServe accepts TCP connections on addr until ctx is done,
// serving each in its own goroutine.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logger.Info("Listening on %s", ln.Addr())
	return s.ServeListener(ctx, ln)
}

// ServeListener serves connections accepted from ln and closes it when
// ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			stopConn := context.AfterFunc(ctx, func() { conn.Close() })
			defer stopConn()
			if err := s.Serve(ctx, conn); err != nil {
				logger.Warn("%s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}
