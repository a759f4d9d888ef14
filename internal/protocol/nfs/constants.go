package nfs

// Version is the NFS protocol version spoken by this client (RFC 1094).
const Version = 2

// Protocol limits (RFC 1094 Section 2.3).
const (
	// FHSize is the size in bytes of an opaque file handle.
	FHSize = 32

	// MaxData is the largest READ/WRITE payload.
	MaxData = 8192

	// MaxPathLen is the longest path name (READLINK/SYMLINK).
	MaxPathLen = 1024

	// MaxNameLen is the longest directory entry name.
	MaxNameLen = 255

	// CookieSize is the size of an opaque READDIR cookie.
	CookieSize = 4
)

// NFSv2 Procedure Numbers
const (
	// ProcNull - Do nothing (connectivity test)
	ProcNull = 0

	// ProcGetAttr - Get file attributes
	ProcGetAttr = 1

	// ProcSetAttr - Set file attributes
	ProcSetAttr = 2

	// ProcRoot - Obsolete
	ProcRoot = 3

	// ProcLookup - Look up file name
	ProcLookup = 4

	// ProcReadLink - Read from symbolic link
	ProcReadLink = 5

	// ProcRead - Read from file
	ProcRead = 6

	// ProcWriteCache - Unused
	ProcWriteCache = 7

	// ProcWrite - Write to file
	ProcWrite = 8

	// ProcCreate - Create file
	ProcCreate = 9

	// ProcRemove - Remove file
	ProcRemove = 10

	// ProcRename - Rename file
	ProcRename = 11

	// ProcLink - Create link to file
	ProcLink = 12

	// ProcSymlink - Create symbolic link
	ProcSymlink = 13

	// ProcMkdir - Create directory
	ProcMkdir = 14

	// ProcRmdir - Remove directory
	ProcRmdir = 15

	// ProcReadDir - Read from directory
	ProcReadDir = 16

	// ProcStatFS - Get filesystem attributes
	ProcStatFS = 17
)

// NFS Status Codes (nfsstat, RFC 1094 Section 2.3.1).
// The numeric values coincide with the historical UNIX errno values.
const (
	NFSOK             = 0
	NFSErrPerm        = 1
	NFSErrNoEnt       = 2
	NFSErrIO          = 5
	NFSErrNXIO        = 6
	NFSErrAcces       = 13
	NFSErrExist       = 17
	NFSErrNoDev       = 19
	NFSErrNotDir      = 20
	NFSErrIsDir       = 21
	NFSErrFBig        = 27
	NFSErrNoSpc       = 28
	NFSErrROFS        = 30
	NFSErrNameTooLong = 63
	NFSErrNotEmpty    = 66
	NFSErrDQuot       = 69
	NFSErrStale       = 70
	NFSErrWFlush      = 99
)

// FileType is the ftype enumeration carried in fattr.
type FileType uint32

const (
	NFNON  FileType = 0
	NFREG  FileType = 1
	NFDIR  FileType = 2
	NFBLK  FileType = 3
	NFCHR  FileType = 4
	NFLNK  FileType = 5
	NFSOCK FileType = 6
	NFBAD  FileType = 7
	NFFIFO FileType = 8
)

// Mode type bits as carried in fattr.mode (the server reports the full
// st_mode, including the format bits).
const (
	ModeFmt  = 0170000
	ModeDir  = 0040000
	ModeChr  = 0020000
	ModeBlk  = 0060000
	ModeReg  = 0100000
	ModeLnk  = 0120000
	ModeSock = 0140000
	ModeFifo = 0010000
	ModePerm = 07777
)

// DontChange marks an sattr field that must be left untouched.
const DontChange = ^uint32(0)

func (t FileType) String() string {
	switch t {
	case NFNON:
		return "NFNON"
	case NFREG:
		return "NFREG"
	case NFDIR:
		return "NFDIR"
	case NFBLK:
		return "NFBLK"
	case NFCHR:
		return "NFCHR"
	case NFLNK:
		return "NFLNK"
	case NFSOCK:
		return "NFSOCK"
	case NFBAD:
		return "NFBAD"
	case NFFIFO:
		return "NFFIFO"
	default:
		return "NFUNKNOWN"
	}
}
