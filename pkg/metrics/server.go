package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/nfsclient/internal/logger"
)

// DefaultPort is the conventional exporter port.
const DefaultPort = 9090

// shutdownGrace bounds the drain of in-flight scrapes once Start's context
// is cancelled.
const shutdownGrace = 5 * time.Second

// ServerConfig configures the exporter.
type ServerConfig struct {
	// Port to listen on. Zero picks a free port; see Addr.
	Port int

	// Host restricts the listener to one interface. Empty listens on all.
	Host string
}

// Server is the HTTP exporter for the registry. It serves /metrics and a
// /healthz probe.
type Server struct {
	server *http.Server
	addr   string

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
}

// NewServer creates an exporter in the stopped state.
func NewServer(cfg ServerConfig) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Listen binds the listener without serving. Start calls it when needed;
// calling it first lets the caller learn the bound address of port 0
// before serving begins.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Start serves scrapes until ctx is cancelled, then shuts down gracefully.
// It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening on %s", ln.Addr())
		errc <- s.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the exporter down. Only the first call has an effect.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if err = s.server.Shutdown(ctx); err != nil {
			logger.Error("Metrics server shutdown error: %v", err)
			err = fmt.Errorf("metrics server shutdown: %w", err)
			return
		}
		logger.Debug("Metrics server stopped")
	})
	return err
}

// Addr returns the bound address once listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
