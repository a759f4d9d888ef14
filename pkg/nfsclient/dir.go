package nfsclient

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/NVIDIA/cstruct"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"golang.org/x/sys/unix"
)

// Dirent is the fixed-size directory record DirIterator.Read packs into the
// caller's buffer, little-endian. Off is the position of the next record.
// Name is NUL terminated.
type Dirent struct {
	Ino    uint64
	Off    int64
	Reclen uint16
	Namlen uint16
	Name   [nfs.MaxNameLen + 1]uint8
	Pad    [4]uint8
}

// DirentSize is the packed size of a Dirent.
const DirentSize = 8 + 8 + 2 + 2 + nfs.MaxNameLen + 1 + 4

// averageEntry estimates the encoded size of one READDIR entry when sizing
// a request for a given number of records.
const averageEntry = 32

// NameString returns the entry name.
func (d *Dirent) NameString() string {
	return string(d.Name[:d.Namlen])
}

// UnpackDirents decodes the records written by DirIterator.Read.
func UnpackDirents(buf []byte) ([]Dirent, error) {
	out := make([]Dirent, 0, len(buf)/DirentSize)
	for off := 0; off+DirentSize <= len(buf); off += DirentSize {
		var d Dirent
		if _, err := cstruct.Unpack(buf[off:off+DirentSize], &d, cstruct.LittleEndian); err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DirIterator enumerates a directory. It resumes from the cookie of the last
// entry delivered, so a reply that does not fit the caller's buffer is never
// mistaken for the end of the directory.
type DirIterator struct {
	node *Node

	mu     sync.Mutex
	cookie nfs.Cookie
	eof    bool
	pos    int64
	closed bool
}

func newDirIterator(n *Node) (*DirIterator, error) {
	c, err := n.Clone()
	if err != nil {
		return nil, err
	}
	return &DirIterator{node: c}, nil
}

// Node returns the directory node. It stays valid until Close.
func (it *DirIterator) Node() *Node { return it.node }

// Read fills buf with whole Dirent records and returns the number of bytes
// used. It returns 0 at the end of the directory, and also when buf cannot
// hold a single record, in which case no call is made and the position is
// unchanged.
func (it *DirIterator) Read(ctx context.Context, buf []byte) (used int, err error) {
	m := it.node.mount
	defer m.track("readdir", time.Now(), &err)

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return 0, localError(unix.EBADF, "readdir", it.node.Name())
	}
	capacity := len(buf) / DirentSize
	if capacity == 0 || it.eof {
		return 0, nil
	}

	rsize := int(m.opts.ReadSize)
	handle := it.node.Handle()
	filled := 0
	grow := false
	var packErr error

	for filled < capacity && !it.eof {
		count := rsize
		if !grow {
			count = min(nfs.ReadDirOverhead+(capacity-filled)*averageEntry, rsize)
		}

		res := &nfs.ReadDirRes{
			Visit: func(e *nfs.DirEntry) bool {
				if filled == capacity {
					return false
				}
				if err := it.pack(buf[filled*DirentSize:], e); err != nil {
					packErr = err
					return false
				}
				it.cookie = e.Cookie
				filled++
				return true
			},
		}
		args := &nfs.ReadDirArgs{Dir: handle, Cookie: it.cookie, Count: uint32(count)}
		if err := m.call(ctx, nfs.ProcReadDir, args, res); err != nil {
			return filled * DirentSize, err
		}
		if packErr != nil {
			return filled * DirentSize, localError(unix.EIO, "readdir", packErr.Error())
		}
		if res.Status != nfs.NFSOK {
			return filled * DirentSize, remoteError(res.Status, "readdir", it.node.Name())
		}
		if res.Stopped {
			break
		}
		it.eof = res.EOF

		if res.Consumed == 0 && !res.EOF {
			// Not even one entry fit the reply size we asked for.
			if grow || count >= rsize {
				return filled * DirentSize, localError(unix.EIO, "readdir", "entry exceeds transfer size")
			}
			grow = true
			continue
		}
		grow = false
	}
	return filled * DirentSize, nil
}

func (it *DirIterator) pack(dst []byte, e *nfs.DirEntry) error {
	d := Dirent{
		Reclen: DirentSize,
		Namlen: uint16(len(e.Name)),
	}
	ino := uint64(e.FileID)
	if it.node.mount.driver.cfg.NarrowInodes {
		ino &= 0xffff
	}
	d.Ino = ino
	it.pos++
	d.Off = it.pos * DirentSize
	copy(d.Name[:], e.Name)

	packed, err := cstruct.Pack(&d, cstruct.LittleEndian)
	if err != nil {
		it.pos--
		return err
	}
	copy(dst, packed)
	return nil
}

// ReadAll returns the remaining entries, skipping "." and "..".
func (it *DirIterator) ReadAll(ctx context.Context) ([]Dirent, error) {
	buf := make([]byte, 64*DirentSize)
	var out []Dirent
	for {
		used, err := it.Read(ctx, buf)
		if err != nil {
			return out, err
		}
		if used == 0 {
			return out, nil
		}
		records, err := UnpackDirents(buf[:used])
		if err != nil {
			return out, err
		}
		for _, d := range records {
			if name := d.Name[:d.Namlen]; bytes.Equal(name, []byte(".")) || bytes.Equal(name, []byte("..")) {
				continue
			}
			out = append(out, d)
		}
	}
}

// Rewind restarts enumeration from the beginning of the directory.
func (it *DirIterator) Rewind() {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.cookie = nfs.Cookie{}
	it.eof = false
	it.pos = 0
}

// Close releases the directory node.
func (it *DirIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return localError(unix.EBADF, "closedir", it.node.Name())
	}
	it.closed = true
	it.node.Release()
	return nil
}
