package rpcio

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/nfsclient/internal/protocol/rpc"
	"github.com/marmos91/nfsclient/internal/ratelimiter"
)

// Default endpoint timing.
const (
	DefaultInitialRetry = 250 * time.Millisecond
	DefaultMinRetry     = 10 * time.Millisecond
	DefaultMaxRetry     = 3 * time.Second
	DefaultTimeout      = 10 * time.Second
)

// ============================================================================
// Credentials
// ============================================================================

// Auth is an endpoint credential. The marshaled body is rebuilt under the
// lock whenever the identity changes, so a caller may refresh it while other
// calls to the same endpoint are being encoded.
type Auth struct {
	mu     sync.Mutex
	flavor uint32
	unix   rpc.UnixAuth
	body   []byte
}

// NewUnixAuth returns an AUTH_UNIX credential.
func NewUnixAuth(machine string, uid, gid uint32, gids []uint32) (*Auth, error) {
	a := &Auth{flavor: rpc.AuthUnix}
	a.unix.MachineName = machine
	if err := a.SetIdentity(uid, gid, gids); err != nil {
		return nil, err
	}
	return a, nil
}

// NewNullAuth returns an AUTH_NULL credential.
func NewNullAuth() *Auth {
	return &Auth{flavor: rpc.AuthNull}
}

// SetIdentity changes the uid/gid presented to the server.
func (a *Auth) SetIdentity(uid, gid uint32, gids []uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.flavor != rpc.AuthUnix {
		return fmt.Errorf("credential flavor %d carries no identity", a.flavor)
	}

	next := a.unix
	next.Stamp = uint32(time.Now().Unix())
	next.UID = uid
	next.GID = gid
	next.GIDs = append([]uint32(nil), gids...)

	body, err := next.Encode()
	if err != nil {
		return err
	}
	a.unix = next
	a.body = body
	return nil
}

// Identity returns the uid and gid presented to the server.
func (a *Auth) Identity() (uid, gid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unix.UID, a.unix.GID
}

// opaque returns the marshaled credential.
func (a *Auth) opaque() rpc.OpaqueAuth {
	a.mu.Lock()
	defer a.mu.Unlock()
	return rpc.OpaqueAuth{Flavor: a.flavor, Body: a.body}
}

// ============================================================================
// Endpoint
// ============================================================================

// ServerConfig describes a remote call target.
type ServerConfig struct {
	// Addr is the server's host:port.
	Addr string

	Program uint32
	Version uint32

	// Auth defaults to AUTH_NULL.
	Auth *Auth

	// InitialRetry is the first retransmission interval. The daemon adapts
	// it to observed round-trip times within [MinRetry, MaxRetry].
	InitialRetry time.Duration
	MinRetry     time.Duration
	MaxRetry     time.Duration

	// Timeout is the default call lifetime.
	Timeout time.Duration

	// RateLimit caps calls per second; zero is unlimited.
	RateLimit uint
	RateBurst uint
}

func (c *ServerConfig) applyDefaults() {
	if c.Auth == nil {
		c.Auth = NewNullAuth()
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.MinRetry <= 0 {
		c.MinRetry = DefaultMinRetry
	}
	if c.MinRetry > c.MaxRetry {
		c.MinRetry = c.MaxRetry
	}
	if c.InitialRetry <= 0 {
		c.InitialRetry = DefaultInitialRetry
	}
	c.InitialRetry = min(max(c.InitialRetry, c.MinRetry), c.MaxRetry)
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Server is a remote call endpoint: address, program, credential and the
// adaptive retransmission interval. The interval is written only by the
// dispatch daemon; counters are updated atomically from any goroutine.
type Server struct {
	addr     *net.UDPAddr
	program  uint32
	version  uint32
	auth     *Auth
	timeout  time.Duration
	minRetry time.Duration
	maxRetry time.Duration
	limiter  *ratelimiter.RateLimiter

	retry atomic.Int64

	requests    atomic.Uint64
	retransmits atomic.Uint64
	timeouts    atomic.Uint64
	errors      atomic.Uint64

	closed atomic.Bool
}

// NewServer resolves the endpoint address and returns a ready Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	cfg.applyDefaults()

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", cfg.Addr, err)
	}

	s := &Server{
		addr:     addr,
		program:  cfg.Program,
		version:  cfg.Version,
		auth:     cfg.Auth,
		timeout:  cfg.Timeout,
		minRetry: cfg.MinRetry,
		maxRetry: cfg.MaxRetry,
		limiter:  ratelimiter.New(cfg.RateLimit, cfg.RateBurst),
	}
	s.retry.Store(int64(cfg.InitialRetry))
	return s, nil
}

// Addr returns the resolved server address.
func (s *Server) Addr() *net.UDPAddr { return s.addr }

// Program returns the RPC program number.
func (s *Server) Program() uint32 { return s.program }

// Version returns the RPC program version.
func (s *Server) Version() uint32 { return s.version }

// Auth returns the endpoint credential.
func (s *Server) Auth() *Auth { return s.auth }

// Close destroys the endpoint; later calls fail with ErrShutdown.
func (s *Server) Close() {
	s.closed.Store(true)
}

// RetryInterval returns the current retransmission interval.
func (s *Server) RetryInterval() time.Duration {
	return time.Duration(s.retry.Load())
}

// observeRTT folds a round-trip sample into the retransmission interval:
// three parts old value, one part eight times the sample. The result never
// drops below the sample itself nor leaves [minRetry, maxRetry].
func (s *Server) observeRTT(rtt time.Duration) {
	old := s.RetryInterval()
	next := (3*old + 8*rtt) / 4
	next = max(next, rtt, s.minRetry)
	next = min(next, s.maxRetry)
	s.retry.Store(int64(next))
}

// backoff doubles the retransmission interval up to the cap.
func (s *Server) backoff() {
	s.retry.Store(int64(min(2*s.RetryInterval(), s.maxRetry)))
}

func (s *Server) throttle(ctx context.Context) error {
	if s.limiter.Unlimited() {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// ServerStats is a snapshot of endpoint counters.
type ServerStats struct {
	Requests      uint64
	Retransmits   uint64
	Timeouts      uint64
	Errors        uint64
	RetryInterval time.Duration
}

// Stats returns a snapshot of the endpoint counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Requests:      s.requests.Load(),
		Retransmits:   s.retransmits.Load(),
		Timeouts:      s.timeouts.Load(),
		Errors:        s.errors.Load(),
		RetryInterval: s.RetryInterval(),
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("%s prog %d vers %d", s.addr, s.program, s.version)
}
