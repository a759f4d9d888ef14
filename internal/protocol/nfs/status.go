package nfs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatusToString converts an NFSv2 status code to a human-readable string.
// Unknown codes are returned as "UNKNOWN_<code>".
func StatusToString(status uint32) string {
	switch status {
	case NFSOK:
		return "NFS_OK"
	case NFSErrPerm:
		return "NFSERR_PERM"
	case NFSErrNoEnt:
		return "NFSERR_NOENT"
	case NFSErrIO:
		return "NFSERR_IO"
	case NFSErrNXIO:
		return "NFSERR_NXIO"
	case NFSErrAcces:
		return "NFSERR_ACCES"
	case NFSErrExist:
		return "NFSERR_EXIST"
	case NFSErrNoDev:
		return "NFSERR_NODEV"
	case NFSErrNotDir:
		return "NFSERR_NOTDIR"
	case NFSErrIsDir:
		return "NFSERR_ISDIR"
	case NFSErrFBig:
		return "NFSERR_FBIG"
	case NFSErrNoSpc:
		return "NFSERR_NOSPC"
	case NFSErrROFS:
		return "NFSERR_ROFS"
	case NFSErrNameTooLong:
		return "NFSERR_NAMETOOLONG"
	case NFSErrNotEmpty:
		return "NFSERR_NOTEMPTY"
	case NFSErrDQuot:
		return "NFSERR_DQUOT"
	case NFSErrStale:
		return "NFSERR_STALE"
	case NFSErrWFlush:
		return "NFSERR_WFLUSH"
	default:
		return fmt.Sprintf("UNKNOWN_%d", status)
	}
}

// StatusToErrno maps an NFSv2 status 1:1 onto the local errno space.
// Unknown codes become EIO.
func StatusToErrno(status uint32) unix.Errno {
	switch status {
	case NFSOK:
		return 0
	case NFSErrPerm:
		return unix.EPERM
	case NFSErrNoEnt:
		return unix.ENOENT
	case NFSErrIO:
		return unix.EIO
	case NFSErrNXIO:
		return unix.ENXIO
	case NFSErrAcces:
		return unix.EACCES
	case NFSErrExist:
		return unix.EEXIST
	case NFSErrNoDev:
		return unix.ENODEV
	case NFSErrNotDir:
		return unix.ENOTDIR
	case NFSErrIsDir:
		return unix.EISDIR
	case NFSErrFBig:
		return unix.EFBIG
	case NFSErrNoSpc:
		return unix.ENOSPC
	case NFSErrROFS:
		return unix.EROFS
	case NFSErrNameTooLong:
		return unix.ENAMETOOLONG
	case NFSErrNotEmpty:
		return unix.ENOTEMPTY
	case NFSErrDQuot:
		return unix.EDQUOT
	case NFSErrStale:
		return unix.ESTALE
	default:
		return unix.EIO
	}
}

// ErrnoToStatus is the inverse mapping, used by the test server.
func ErrnoToStatus(errno unix.Errno) uint32 {
	switch errno {
	case 0:
		return NFSOK
	case unix.EPERM:
		return NFSErrPerm
	case unix.ENOENT:
		return NFSErrNoEnt
	case unix.ENXIO:
		return NFSErrNXIO
	case unix.EACCES:
		return NFSErrAcces
	case unix.EEXIST:
		return NFSErrExist
	case unix.ENODEV:
		return NFSErrNoDev
	case unix.ENOTDIR:
		return NFSErrNotDir
	case unix.EISDIR:
		return NFSErrIsDir
	case unix.EFBIG:
		return NFSErrFBig
	case unix.ENOSPC:
		return NFSErrNoSpc
	case unix.EROFS:
		return NFSErrROFS
	case unix.ENAMETOOLONG:
		return NFSErrNameTooLong
	case unix.ENOTEMPTY:
		return NFSErrNotEmpty
	case unix.EDQUOT:
		return NFSErrDQuot
	case unix.ESTALE:
		return NFSErrStale
	default:
		return NFSErrIO
	}
}
