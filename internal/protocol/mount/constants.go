package mount

// Version is the MOUNT protocol version paired with NFSv2.
const Version = 1

// MaxPathLen bounds the dirpath argument.
const MaxPathLen = 1024

// MaxNameLen bounds host and group names in export lists.
const MaxNameLen = 255

// Mount Protocol Procedure Numbers (RFC 1094 Appendix A).
const (
	// ProcNull - Do nothing (connectivity test)
	ProcNull = 0

	// ProcMnt - Add mount entry, returns the root file handle
	ProcMnt = 1

	// ProcDump - Return mount entries
	ProcDump = 2

	// ProcUmnt - Remove mount entry
	ProcUmnt = 3

	// ProcUmntAll - Remove all mount entries
	ProcUmntAll = 4

	// ProcExport - Return export list
	ProcExport = 5
)

// Mount status codes. Version 1 reuses UNIX errno values.
const (
	// MountOK - Success
	MountOK = 0

	// MountErrPerm - Not owner
	MountErrPerm = 1

	// MountErrNoEnt - No such file or directory
	MountErrNoEnt = 2

	// MountErrIO - I/O error
	MountErrIO = 5

	// MountErrAccess - Permission denied
	MountErrAccess = 13

	// MountErrNotDir - Not a directory
	MountErrNotDir = 20
)
