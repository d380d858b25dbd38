package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fleetlink/gv50d/pkg/config"
	"github.com/fleetlink/gv50d/pkg/handler"
	"github.com/fleetlink/gv50d/pkg/util"
)

const (
	// acceptBackoff paces retries when accept fails transiently, for
	// example on fd exhaustion.
	acceptBackoff = 2 * time.Second

	// sweepInterval is how often idle sessions are reaped.
	sweepInterval = time.Minute

	// shutdownGrace bounds how long Serve waits for connection
	// goroutines after the listener closes.
	shutdownGrace = 10 * time.Second
)

// Server is the tracker-facing TCP front end.
type Server struct {
	cfg      *config.Config
	handler  *handler.Handler
	registry *Registry

	ln net.Listener
	wg sync.WaitGroup
}

func New(cfg *config.Config, h *handler.Handler) *Server {
	return &Server{
		cfg:      cfg,
		handler:  h,
		registry: NewRegistry(cfg.MaxConnections, cfg.CommandRetry()),
	}
}

// Registry exposes the fleet registry, mainly for tests and diagnostics.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.cfg.ListenAddr(), err)
	}
	s.ln = ln
	util.Logger.WithField("addr", ln.Addr().String()).Info("listening for trackers")
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled, then closes every
// live session and waits out the shutdown grace period. Each accepted
// socket gets its own goroutine; they share nothing but the registry and
// the stores behind the handler.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	sweepDone := make(chan struct{})
	go s.sweep(ctx, sweepDone)

	for {
		sock, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			util.Logger.WithError(err).Error("accept failed, backing off")
			time.Sleep(acceptBackoff)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, sock)
		}()
	}

	for _, c := range s.registry.All() {
		c.Close()
	}
	<-sweepDone

	if !waitTimeout(&s.wg, shutdownGrace) {
		util.Logger.Warn("shutdown grace period elapsed with connections still draining")
	}
	util.Logger.Info("server stopped")
	return nil
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// sweep closes sessions that have been silent past the configured
// timeout. Sockets are closed outside the registry lock; each read loop
// then deregisters itself.
func (s *Server) sweep(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			stale := s.registry.Expired(s.cfg.ConnectionTimeout(), now)
			for _, c := range stale {
				util.WithConn(c.ID).WithField("imei", c.IMEI).
					Info("closing idle connection")
				c.Close()
			}
		}
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
