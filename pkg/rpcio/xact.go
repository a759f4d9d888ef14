package rpcio

import (
	"io"
	"time"

	"github.com/marmos91/nfsclient/internal/protocol/rpc"
	"github.com/marmos91/nfsclient/internal/protocol/xdr"
)

// Encoder writes procedure arguments in XDR.
type Encoder interface {
	EncodeXDR(w io.Writer) error
}

// Decoder reads a procedure result in XDR.
type Decoder interface {
	DecodeXDR(r io.Reader) error
}

// Xact is the state of one remote call.
//
// Between submission and completion every field below the divider belongs
// to the dispatch daemon; the caller only touches them again after done
// fires.
type Xact struct {
	slot     uint32
	registry *Registry
	pool     *Pool

	program uint32
	version uint32

	args *xdr.Buffer

	server    *Server
	procedure uint32
	lifetime  time.Duration

	// ------------------------------------------------------------------

	xid   uint32
	sends int

	// Offsets from the daemon epoch.
	expiry time.Duration
	entry  retryEntry

	started time.Time
	sentAt  time.Time
	trip    time.Duration

	reply []byte
	err   error
	done  chan struct{}
}

func newXact(reg *Registry, pool *Pool, program, version uint32, size int) (*Xact, bool) {
	x := &Xact{
		registry: reg,
		pool:     pool,
		program:  program,
		version:  version,
		args:     xdr.NewBuffer(make([]byte, size)),
		done:     make(chan struct{}, 1),
	}
	if !reg.alloc(x) {
		return nil, false
	}
	return x, true
}

// encode writes the call header and arguments into the argument buffer.
// The XID is a placeholder; the daemon stamps the real one on every send.
func (x *Xact) encode(srv *Server, proc uint32, args Encoder) error {
	x.args.Reset(0)
	x.server = srv
	x.procedure = proc

	call := rpc.RPCCallMessage{
		XID:       x.xid,
		Program:   x.program,
		Version:   x.version,
		Procedure: proc,
		Cred:      srv.auth.opaque(),
		Verf:      rpc.OpaqueAuth{Flavor: rpc.AuthNull},
	}
	if err := rpc.EncodeCall(x.args, &call); err != nil {
		return err
	}
	if args != nil {
		return args.EncodeXDR(x.args)
	}
	return nil
}

// XID returns the identifier of the most recent transmission.
func (x *Xact) XID() uint32 { return x.xid }

// Slot returns the registry slot owned by this transaction.
func (x *Xact) Slot() uint32 { return x.slot }

// Trip returns the time from submission to completion of the last call.
func (x *Xact) Trip() time.Duration { return x.trip }

// Reply returns the raw reply datagram of the last call, valid until the
// transaction is returned to its pool.
func (x *Xact) Reply() []byte { return x.reply }

func (x *Xact) releaseReply() {
	if x.reply != nil {
		globalBufferPool.Put(x.reply)
		x.reply = nil
	}
}

func (x *Xact) destroy() {
	x.releaseReply()
	x.registry.release(x)
}
