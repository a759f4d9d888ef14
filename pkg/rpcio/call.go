package rpcio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/nfsclient/internal/logger"
	"github.com/marmos91/nfsclient/internal/protocol/rpc"
	"github.com/marmos91/nfsclient/internal/protocol/xdr"
)

// Call makes one remote call through a transaction borrowed from p: it
// encodes args, waits for the daemon to complete the exchange, checks the
// reply header and decodes the result into res. A zero timeout uses the
// endpoint default.
//
// Transport failures are logged with the procedure number; the returned
// error carries an errno. Statuses inside a successful reply are left for
// res to interpret.
func (p *Pool) Call(ctx context.Context, srv *Server, proc uint32, args Encoder, res Decoder, mode GetMode, timeout time.Duration) error {
	if srv.closed.Load() {
		return ErrShutdown.Here().WithMessagef("rpc: endpoint %s destroyed", srv)
	}
	if srv.program != p.program || srv.version != p.version {
		return ErrCantEncode.Here().WithMessagef(
			"rpc: endpoint %s used with pool for prog %d vers %d", srv, p.program, p.version)
	}
	if err := srv.throttle(ctx); err != nil {
		return err
	}

	x, err := p.Get(ctx, mode)
	if err != nil {
		return err
	}
	defer p.Put(x)

	if timeout <= 0 {
		timeout = srv.timeout
	}
	x.lifetime = timeout

	started := time.Now()
	err = p.call(x, srv, proc, args, res)
	p.daemon.metrics.RecordCall(p.program, proc, time.Since(started), err)
	if err != nil {
		srv.errors.Add(1)
		logger.Warn("rpc: %s proc %d: %v", srv, proc, err)
	}
	return err
}

func (p *Pool) call(x *Xact, srv *Server, proc uint32, args Encoder, res Decoder) error {
	if err := x.encode(srv, proc, args); err != nil {
		if errors.Is(err, xdr.ErrBufferFull) {
			return ErrCantEncode.Here().WithMessagef("rpc: arguments exceed %d byte buffer", x.args.Cap())
		}
		return ErrCantEncode.Here().WithMessagef("rpc: encode arguments: %v", err)
	}

	if err := p.daemon.Do(x); err != nil {
		return err
	}

	reply, err := rpc.ParseReply(x.reply)
	if err != nil {
		return ErrCantDecode.Here().WithMessagef("rpc: reply header: %v", err)
	}
	if err := replyError(reply); err != nil {
		return err
	}

	if res == nil {
		return nil
	}
	if err := res.DecodeXDR(bytes.NewReader(x.reply[reply.Offset:])); err != nil {
		return ErrCantDecode.Here().WithMessagef("rpc: decode result: %v", err)
	}
	return nil
}

// replyError maps a failed reply header onto a call-level error.
func replyError(reply *rpc.Reply) error {
	if reply.Success() {
		return nil
	}

	if reply.ReplyState == rpc.RPCMsgDenied {
		if reply.RejectStat == rpc.RPCAuthError {
			return ErrAuth.Here().WithMessagef("rpc: %s", authStatString(reply.AuthStat))
		}
		return ErrRPCMismatch.Here().WithMessagef(
			"rpc: server speaks rpc versions %d-%d", reply.MismatchLow, reply.MismatchHigh)
	}

	switch reply.AcceptStat {
	case rpc.RPCProgUnavail:
		return ErrProgUnavail.Here()
	case rpc.RPCProgMismatch:
		return ErrProgMismatch.Here().WithMessagef(
			"rpc: server supports versions %d-%d", reply.MismatchLow, reply.MismatchHigh)
	case rpc.RPCProcUnavail:
		return ErrProcUnavail.Here()
	case rpc.RPCGarbageArgs:
		return ErrGarbageArgs.Here()
	default:
		return ErrSystem.Here().WithMessagef("rpc: accept status %d", reply.AcceptStat)
	}
}

func authStatString(stat uint32) string {
	switch stat {
	case rpc.AuthBadCred:
		return "bad credential"
	case rpc.AuthRejectedCred:
		return "credential rejected"
	case rpc.AuthBadVerf:
		return "bad verifier"
	case rpc.AuthRejectedVerf:
		return "verifier rejected"
	case rpc.AuthTooWeak:
		return "credential too weak"
	default:
		return fmt.Sprintf("auth status %d", stat)
	}
}

// ============================================================================
// Size-class selection
// ============================================================================

// Caller routes calls of one program to a small or a large transaction
// class. Procedures with bulk arguments go to Large.
type Caller struct {
	Small *Pool
	Large *Pool

	// Bulk reports whether a procedure carries bulk arguments.
	Bulk func(proc uint32) bool

	Mode GetMode
}

// Call selects the pool for proc and makes the call.
func (c *Caller) Call(ctx context.Context, srv *Server, proc uint32, args Encoder, res Decoder, timeout time.Duration) error {
	pool := c.Small
	if c.Large != nil && c.Bulk != nil && c.Bulk(proc) {
		pool = c.Large
	}
	return pool.Call(ctx, srv, proc, args, res, c.Mode, timeout)
}

// Close closes both pools.
func (c *Caller) Close() {
	c.Small.Close()
	if c.Large != nil {
		c.Large.Close()
	}
}
