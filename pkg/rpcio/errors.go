package rpcio

import (
	"github.com/ansel1/merry"
	"github.com/marmos91/nfsclient/internal/errno"
	"golang.org/x/sys/unix"
)

// Call-level failures. Each carries an errno (see errno.Of) and can be
// matched with merry.Is.
var (
	ErrTimedOut          = errno.Sentinel(unix.ETIMEDOUT, "rpc: call timed out")
	ErrCantEncode        = errno.Sentinel(unix.EINVAL, "rpc: cannot encode arguments")
	ErrCantSend          = errno.Sentinel(unix.EIO, "rpc: cannot send")
	ErrCantDecode        = errno.Sentinel(unix.EIO, "rpc: cannot decode reply")
	ErrAuth              = errno.Sentinel(unix.EACCES, "rpc: authentication error")
	ErrRPCMismatch       = errno.Sentinel(unix.EPROTONOSUPPORT, "rpc: version mismatch")
	ErrProgUnavail       = errno.Sentinel(unix.EPROTONOSUPPORT, "rpc: program unavailable")
	ErrProgMismatch      = errno.Sentinel(unix.EPROTONOSUPPORT, "rpc: program version mismatch")
	ErrProcUnavail       = errno.Sentinel(unix.ENOSYS, "rpc: procedure unavailable")
	ErrGarbageArgs       = errno.Sentinel(unix.EINVAL, "rpc: server could not decode arguments")
	ErrSystem            = errno.Sentinel(unix.EIO, "rpc: remote system error")
	ErrOutOfTransactions = errno.Sentinel(unix.ENOMEM, "rpc: out of transactions")
	ErrShutdown          = errno.Sentinel(unix.ESHUTDOWN, "rpc: daemon is shut down")
	ErrBusy              = errno.Sentinel(unix.EBUSY, "rpc: transactions still in flight")
)

// IsTransport reports whether err is one of the failures above, as opposed
// to a status returned inside a successful reply.
func IsTransport(err error) bool {
	return merry.Is(err,
		ErrTimedOut, ErrCantEncode, ErrCantSend, ErrCantDecode, ErrAuth,
		ErrRPCMismatch, ErrProgUnavail, ErrProgMismatch, ErrProcUnavail,
		ErrGarbageArgs, ErrSystem, ErrOutOfTransactions, ErrShutdown, ErrBusy)
}
