package nfs

import (
	"encoding/hex"
	"time"
)

// ============================================================================
// NFSv2 Protocol Types - RFC 1094 Wire Format Structures
// ============================================================================

// FileHandle is the opaque, server-assigned identity of a file.
type FileHandle [FHSize]byte

// String renders the handle in hex for diagnostics.
func (h FileHandle) String() string {
	return hex.EncodeToString(h[:])
}

// TimeVal is the NFSv2 timestamp: seconds and microseconds since the epoch.
type TimeVal struct {
	Seconds  uint32
	Useconds uint32
}

// Time converts the wire timestamp.
func (tv TimeVal) Time() time.Time {
	return time.Unix(int64(tv.Seconds), int64(tv.Useconds)*int64(time.Microsecond))
}

// TimeValOf converts a Go time to the wire representation.
func TimeValOf(t time.Time) TimeVal {
	return TimeVal{
		Seconds:  uint32(t.Unix()),
		Useconds: uint32(t.Nanosecond() / int(time.Microsecond)),
	}
}

// FileAttr is the NFSv2 fattr structure (RFC 1094 Section 2.3.5).
type FileAttr struct {
	Type      FileType
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Size      uint32
	BlockSize uint32
	Rdev      uint32
	Blocks    uint32
	Fsid      uint32
	Fileid    uint32
	Atime     TimeVal
	Mtime     TimeVal
	Ctime     TimeVal
}

// SetAttr is the NFSv2 sattr structure. A field set to DontChange (for
// times: both words) is left untouched by the server.
type SetAttr struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  uint32
	Atime TimeVal
	Mtime TimeVal
}

// NewSetAttr returns an sattr that changes nothing.
func NewSetAttr() SetAttr {
	return SetAttr{
		Mode:  DontChange,
		UID:   DontChange,
		GID:   DontChange,
		Size:  DontChange,
		Atime: TimeVal{DontChange, DontChange},
		Mtime: TimeVal{DontChange, DontChange},
	}
}

// Cookie is the opaque READDIR continuation token.
type Cookie [CookieSize]byte

// DirEntry is one decoded READDIR entry.
type DirEntry struct {
	FileID uint32
	Name   string
	Cookie Cookie
}

// ============================================================================
// Procedure arguments
// ============================================================================

// FHArgs carries a bare file handle (GETATTR, READLINK, STATFS).
type FHArgs struct {
	File FileHandle
}

// SAttrArgs are the SETATTR arguments.
type SAttrArgs struct {
	File FileHandle
	Attr SetAttr
}

// DirOpArgs names an entry of a directory (LOOKUP, REMOVE, RMDIR).
type DirOpArgs struct {
	Dir  FileHandle
	Name string
}

// ReadArgs are the READ arguments. TotalCount is unused by the protocol.
type ReadArgs struct {
	File       FileHandle
	Offset     uint32
	Count      uint32
	TotalCount uint32
}

// WriteArgs are the WRITE arguments. BeginOffset and TotalCount are unused.
type WriteArgs struct {
	File        FileHandle
	BeginOffset uint32
	Offset      uint32
	TotalCount  uint32
	Data        []byte
}

// CreateArgs are the CREATE and MKDIR arguments.
type CreateArgs struct {
	Where DirOpArgs
	Attr  SetAttr
}

// RenameArgs are the RENAME arguments.
type RenameArgs struct {
	From DirOpArgs
	To   DirOpArgs
}

// LinkArgs are the LINK arguments.
type LinkArgs struct {
	From FileHandle
	To   DirOpArgs
}

// SymlinkArgs are the SYMLINK arguments.
type SymlinkArgs struct {
	From DirOpArgs
	To   string
	Attr SetAttr
}

// ReadDirArgs are the READDIR arguments.
type ReadDirArgs struct {
	Dir    FileHandle
	Cookie Cookie
	Count  uint32
}

// ============================================================================
// Procedure results
// ============================================================================

// StatRes is a bare status result (REMOVE, RENAME, LINK, SYMLINK, RMDIR).
type StatRes struct {
	Status uint32
}

// AttrStat is the GETATTR/SETATTR/WRITE result.
type AttrStat struct {
	Status uint32
	Attr   FileAttr
}

// DirOpRes is the LOOKUP/CREATE/MKDIR result.
type DirOpRes struct {
	Status uint32
	File   FileHandle
	Attr   FileAttr
}

// ReadLinkRes is the READLINK result.
type ReadLinkRes struct {
	Status uint32
	Path   string
}

// ReadRes is the READ result. Data is supplied by the caller and receives
// the payload in place; Count reports how many bytes were stored.
type ReadRes struct {
	Status uint32
	Attr   FileAttr
	Data   []byte
	Count  int
}

// StatFSRes is the STATFS result.
type StatFSRes struct {
	Status uint32
	TSize  uint32
	BSize  uint32
	Blocks uint32
	BFree  uint32
	BAvail uint32
}

// ReadDirRes is the READDIR result. Entries are not materialised: Visit is
// called for each decoded entry and may return false to stop consuming the
// reply. EOF is only reported when every entry was consumed and the server
// set its end-of-directory flag.
type ReadDirRes struct {
	Status uint32
	Visit  func(entry *DirEntry) bool

	// Consumed counts entries accepted by Visit.
	Consumed int

	// Stopped is true when Visit refused an entry.
	Stopped bool

	EOF bool
}
