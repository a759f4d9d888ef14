// Package nfstest runs an in-process MOUNT v1 + NFSv2 server over UDP.
//
// The server keeps its tree in memory and can inject the faults a UDP
// client has to survive: dropped requests, duplicated replies, stale or
// foreign replies, delays and forced error statuses.
package nfstest

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/nfsclient/internal/logger"
	"github.com/marmos91/nfsclient/internal/protocol/mount"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/internal/protocol/rpc"
)

// Config configures a test server.
type Config struct {
	// Addr to listen on. Defaults to 127.0.0.1:0.
	Addr string

	// Exports maps export paths to directories of the tree; each is
	// created on start. Defaults to {"/export": "/"}.
	Exports map[string]string

	// RequireAuthUnix rejects AUTH_NULL calls with AUTH_TOOWEAK.
	RequireAuthUnix bool

	// Now supplies timestamps for the tree. Defaults to time.Now.
	Now func() time.Time
}

// Server is a running test server.
type Server struct {
	conn  *net.UDPConn
	spoof *net.UDPConn

	mu       sync.Mutex
	fs       *memFS
	exports  map[string]string
	requireU bool
	faults   faults
	calls    map[callKey]int
	lastCred *rpc.UnixAuth

	wg   sync.WaitGroup
	done chan struct{}
}

type callKey struct {
	program   uint32
	procedure uint32
}

type faults struct {
	drop      int
	duplicate bool
	stale     uint32
	foreign   bool
	delay     time.Duration
	status    map[uint32]uint32
	before    map[uint32]func()
}

// Start creates the tree and begins serving.
func Start(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Exports == nil {
		cfg.Exports = map[string]string{"/export": "/"}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	spoof, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr.IP})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("listen spoof socket: %w", err)
	}

	s := &Server{
		conn:     conn,
		spoof:    spoof,
		fs:       newMemFS(cfg.Now),
		exports:  make(map[string]string),
		requireU: cfg.RequireAuthUnix,
		calls:    make(map[callKey]int),
		done:     make(chan struct{}),
	}
	s.faults.status = make(map[uint32]uint32)
	s.faults.before = make(map[uint32]func())

	for export, dir := range cfg.Exports {
		if err := s.MkdirAll(dir); err != nil {
			s.Close()
			return nil, err
		}
		s.exports[export] = dir
	}

	s.wg.Add(1)
	go s.serve()

	logger.Debug("nfstest: serving on %s", conn.LocalAddr())
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.conn.LocalAddr().String()
}

// Close stops the server.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	_ = s.conn.Close()
	_ = s.spoof.Close()
	s.wg.Wait()
}

// ============================================================================
// Fault injection
// ============================================================================

// DropRequests silently discards the next n requests.
func (s *Server) DropRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.drop = n
}

// DuplicateReplies makes the server send every reply twice.
func (s *Server) DuplicateReplies(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.duplicate = on
}

// SendStaleReplies precedes every reply with a copy whose XID is the given
// number of generations (2048 apart) behind the request's XID. Zero
// disables it.
func (s *Server) SendStaleReplies(generations uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.stale = generations
}

// SendForeignReplies precedes every reply with a copy sent from a
// different port.
func (s *Server) SendForeignReplies(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.foreign = on
}

// Delay postpones every reply.
func (s *Server) Delay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults.delay = d
}

// ForceStatus makes NFS procedure proc fail with status until cleared with
// NFSOK. The procedure is not executed.
func (s *Server) ForceStatus(proc uint32, status uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == nfs.NFSOK {
		delete(s.faults.status, proc)
		return
	}
	s.faults.status[proc] = status
}

// Before runs fn (with the tree unlocked) before each NFS call of proc is
// handled. A nil fn removes the hook.
func (s *Server) Before(proc uint32, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.faults.before, proc)
		return
	}
	s.faults.before[proc] = fn
}

// Calls returns how many calls of program/procedure were handled.
func (s *Server) Calls(program, procedure uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callKey{program, procedure}]
}

// ResetCalls clears the call counters.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[callKey]int)
}

// LastCredential returns the most recent AUTH_UNIX credential seen.
func (s *Server) LastCredential() *rpc.UnixAuth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCred
}

// ============================================================================
// Serving
// ============================================================================

func (s *Server) serve() {
	defer s.wg.Done()

	buf := make([]byte, 64<<10)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("nfstest: read: %v", err)
			continue
		}

		msg := append([]byte(nil), buf[:n]...)
		reply, xid, ok := s.dispatch(msg)
		if !ok {
			continue
		}
		s.respond(reply, xid, addr)
	}
}

func (s *Server) respond(reply []byte, xid uint32, addr *net.UDPAddr) {
	s.mu.Lock()
	f := s.faults
	s.mu.Unlock()

	send := func() {
		if f.foreign {
			_, _ = s.spoof.WriteToUDP(reply, addr)
		}
		if f.stale > 0 {
			stale := append([]byte(nil), reply...)
			rpc.PutXID(stale, xid-f.stale*2048)
			_, _ = s.conn.WriteToUDP(stale, addr)
		}
		_, _ = s.conn.WriteToUDP(reply, addr)
		if f.duplicate {
			_, _ = s.conn.WriteToUDP(reply, addr)
		}
	}

	if f.delay > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-time.After(f.delay):
				send()
			case <-s.done:
			}
		}()
		return
	}
	send()
}

// dispatch decodes the call header and routes it. ok is false when the
// request is dropped.
func (s *Server) dispatch(msg []byte) ([]byte, uint32, bool) {
	call, err := rpc.ReadCall(msg)
	if err != nil {
		logger.Debug("nfstest: bad call: %v", err)
		return nil, 0, false
	}

	s.mu.Lock()
	if s.faults.drop > 0 {
		s.faults.drop--
		s.mu.Unlock()
		return nil, 0, false
	}
	hook := s.faults.before[call.Procedure]
	if call.Program != rpc.ProgramNFS {
		hook = nil
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[callKey{call.Program, call.Procedure}]++

	switch call.Cred.Flavor {
	case rpc.AuthUnix:
		if cred, err := rpc.ParseUnixAuth(call.Cred.Body); err == nil {
			s.lastCred = cred
		}
	default:
		if s.requireU {
			return rpc.MakeDeniedReply(call.XID, rpc.AuthTooWeak), call.XID, true
		}
	}

	data, err := rpc.ReadData(msg, call)
	if err != nil {
		reply, _ := rpc.MakeErrorReply(call.XID, rpc.RPCGarbageArgs)
		return reply, call.XID, true
	}

	var body []byte
	switch call.Program {
	case rpc.ProgramNFS:
		if call.Version != nfs.Version {
			reply, _ := rpc.MakeProgMismatchReply(call.XID, nfs.Version, nfs.Version)
			return reply, call.XID, true
		}
		body, err = s.handleNFS(call.Procedure, data)
	case rpc.ProgramMount:
		if call.Version != mount.Version {
			reply, _ := rpc.MakeProgMismatchReply(call.XID, mount.Version, mount.Version)
			return reply, call.XID, true
		}
		body, err = s.handleMount(call.Procedure, data)
	default:
		reply, _ := rpc.MakeErrorReply(call.XID, rpc.RPCProgUnavail)
		return reply, call.XID, true
	}

	var reply []byte
	switch {
	case errors.Is(err, errProcUnavail):
		reply, err = rpc.MakeErrorReply(call.XID, rpc.RPCProcUnavail)
	case errors.Is(err, errGarbage):
		reply, err = rpc.MakeErrorReply(call.XID, rpc.RPCGarbageArgs)
	case err != nil:
		reply, err = rpc.MakeErrorReply(call.XID, rpc.RPCSystemErr)
	default:
		reply, err = rpc.MakeSuccessReply(call.XID, body)
	}
	if err != nil {
		logger.Debug("nfstest: encode reply: %v", err)
		return nil, 0, false
	}
	return reply, call.XID, true
}
