package nfsclient

import (
	"github.com/marmos91/nfsclient/internal/errno"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"golang.org/x/sys/unix"
)

// Errno returns the POSIX error code carried by err: 0 for nil, EIO when
// err carries none. Every error returned by this package carries one.
func Errno(err error) unix.Errno {
	return errno.Of(err)
}

// remoteError maps a status returned inside a successful reply. These are
// expected outcomes (a missing file, a non-empty directory) and are never
// logged.
func remoteError(status uint32, op, name string) error {
	return errno.New(nfs.StatusToErrno(status), "nfs: %s %q: %s", op, name, nfs.StatusToString(status))
}

func localError(value unix.Errno, op, name string) error {
	return errno.New(value, "nfs: %s %q: %s", op, name, value.Error())
}
