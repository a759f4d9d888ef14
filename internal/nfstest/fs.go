package nfstest

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
)

// handleMagic prefixes every handle minted by the test server.
var handleMagic = [4]byte{'n', 'f', 's', 't'}

// Fsid is the filesystem id reported in every fattr.
const Fsid = 0x00c0ffee

// memNode is one object of the in-memory tree.
type memNode struct {
	attr    nfs.FileAttr
	data    []byte
	target  string
	entries sortedmap.LLRBTree // name -> fileid, directories only
	parent  uint32
}

// memFS is the in-memory filesystem served by Server. It is not
// goroutine-safe; Server serializes access.
type memFS struct {
	nodes  map[uint32]*memNode
	nextID uint32
	rootID uint32
	now    func() time.Time
}

func newMemFS(now func() time.Time) *memFS {
	fs := &memFS{nodes: make(map[uint32]*memNode), nextID: 2, now: now}
	root := fs.alloc(nfs.NFDIR, nfs.ModeDir|0o755, 0, 0)
	root.parent = root.attr.Fileid
	fs.rootID = root.attr.Fileid
	return fs
}

func (fs *memFS) alloc(kind nfs.FileType, mode, uid, gid uint32) *memNode {
	id := fs.nextID
	fs.nextID++

	ts := nfs.TimeValOf(fs.now())
	n := &memNode{attr: nfs.FileAttr{
		Type:      kind,
		Mode:      mode,
		Nlink:     1,
		UID:       uid,
		GID:       gid,
		BlockSize: 4096,
		Fsid:      Fsid,
		Fileid:    id,
		Atime:     ts,
		Mtime:     ts,
		Ctime:     ts,
	}}
	if kind == nfs.NFDIR {
		n.attr.Nlink = 2
		n.attr.Size = 512
		n.entries = sortedmap.NewLLRBTree(sortedmap.CompareString, nil)
	}
	fs.nodes[id] = n
	return n
}

func (fs *memFS) handle(id uint32) nfs.FileHandle {
	var h nfs.FileHandle
	copy(h[0:4], handleMagic[:])
	binary.BigEndian.PutUint32(h[4:8], Fsid)
	binary.BigEndian.PutUint32(h[8:12], id)
	return h
}

func (fs *memFS) resolve(h nfs.FileHandle) (uint32, *memNode, uint32) {
	if [4]byte(h[0:4]) != handleMagic || binary.BigEndian.Uint32(h[4:8]) != Fsid {
		return 0, nil, nfs.NFSErrStale
	}
	id := binary.BigEndian.Uint32(h[8:12])
	n, ok := fs.nodes[id]
	if !ok {
		return 0, nil, nfs.NFSErrStale
	}
	return id, n, nfs.NFSOK
}

func (fs *memFS) dir(h nfs.FileHandle) (uint32, *memNode, uint32) {
	id, n, status := fs.resolve(h)
	if status != nfs.NFSOK {
		return 0, nil, status
	}
	if n.attr.Type != nfs.NFDIR {
		return 0, nil, nfs.NFSErrNotDir
	}
	return id, n, nfs.NFSOK
}

func (fs *memFS) child(dir *memNode, name string) (uint32, bool) {
	v, ok, err := dir.entries.GetByKey(name)
	if err != nil || !ok {
		return 0, false
	}
	return v.(uint32), true
}

// lookup resolves one component, including "." and "..".
func (fs *memFS) lookup(dirID uint32, dir *memNode, name string) (uint32, uint32) {
	switch name {
	case ".":
		return dirID, nfs.NFSOK
	case "..":
		return dir.parent, nfs.NFSOK
	}
	if len(name) > nfs.MaxNameLen {
		return 0, nfs.NFSErrNameTooLong
	}
	id, ok := fs.child(dir, name)
	if !ok {
		return 0, nfs.NFSErrNoEnt
	}
	return id, nfs.NFSOK
}

func (fs *memFS) link(dirID uint32, dir *memNode, name string, id uint32) uint32 {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return nfs.NFSErrAcces
	}
	if len(name) > nfs.MaxNameLen {
		return nfs.NFSErrNameTooLong
	}
	ok, err := dir.entries.Put(name, id)
	if err != nil || !ok {
		return nfs.NFSErrExist
	}
	if child := fs.nodes[id]; child != nil && child.attr.Type == nfs.NFDIR {
		child.parent = dirID
		dir.attr.Nlink++
	}
	fs.touch(dir)
	return nfs.NFSOK
}

func (fs *memFS) unlink(dir *memNode, name string) {
	id, ok := fs.child(dir, name)
	if !ok {
		return
	}
	_, _ = dir.entries.DeleteByKey(name)
	fs.touch(dir)

	n := fs.nodes[id]
	if n == nil {
		return
	}
	if n.attr.Type == nfs.NFDIR {
		dir.attr.Nlink--
		delete(fs.nodes, id)
		return
	}
	n.attr.Nlink--
	if n.attr.Nlink == 0 {
		delete(fs.nodes, id)
	}
}

func (fs *memFS) touch(n *memNode) {
	ts := nfs.TimeValOf(fs.now())
	n.attr.Mtime = ts
	n.attr.Ctime = ts
}

func (fs *memFS) setAttr(n *memNode, sa *nfs.SetAttr) uint32 {
	if sa.Mode != nfs.DontChange {
		n.attr.Mode = n.attr.Mode&^0o7777 | sa.Mode&0o7777
	}
	if sa.UID != nfs.DontChange {
		n.attr.UID = sa.UID
	}
	if sa.GID != nfs.DontChange {
		n.attr.GID = sa.GID
	}
	if sa.Size != nfs.DontChange {
		if n.attr.Type == nfs.NFDIR {
			return nfs.NFSErrIsDir
		}
		fs.resize(n, sa.Size)
	}
	if sa.Atime.Seconds != nfs.DontChange {
		n.attr.Atime = sa.Atime
	}
	if sa.Mtime.Seconds != nfs.DontChange {
		n.attr.Mtime = sa.Mtime
	}
	n.attr.Ctime = nfs.TimeValOf(fs.now())
	return nfs.NFSOK
}

func (fs *memFS) resize(n *memNode, size uint32) {
	if int(size) <= len(n.data) {
		n.data = n.data[:size]
	} else {
		n.data = append(n.data, make([]byte, int(size)-len(n.data))...)
	}
	n.attr.Size = size
	n.attr.Blocks = (size + 511) / 512
}

func (fs *memFS) write(n *memNode, offset uint32, data []byte) {
	end := offset + uint32(len(data))
	if end > n.attr.Size {
		fs.resize(n, end)
	}
	copy(n.data[offset:], data)
	fs.touch(n)
}

// walk resolves a slash-separated path from the root without following
// symbolic links. Used by the test helpers only.
func (fs *memFS) walk(path string) (uint32, *memNode, error) {
	id := fs.rootID
	n := fs.nodes[id]
	for _, comp := range strings.Split(strings.Trim(path, "/"), "/") {
		if comp == "" {
			continue
		}
		if n.attr.Type != nfs.NFDIR {
			return 0, nil, fmt.Errorf("%s: not a directory", path)
		}
		next, status := fs.lookup(id, n, comp)
		if status != nfs.NFSOK {
			return 0, nil, fmt.Errorf("%s: %s", path, nfs.StatusToString(status))
		}
		id, n = next, fs.nodes[next]
	}
	return id, n, nil
}

// walkParent resolves everything but the last component of path.
func (fs *memFS) walkParent(path string) (uint32, *memNode, string, error) {
	path = strings.Trim(path, "/")
	dirPath, name := "", path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		dirPath, name = path[:i], path[i+1:]
	}
	id, n, err := fs.walk(dirPath)
	if err != nil {
		return 0, nil, "", err
	}
	if n.attr.Type != nfs.NFDIR {
		return 0, nil, "", fmt.Errorf("%s: not a directory", dirPath)
	}
	return id, n, name, nil
}

// listing returns the entries of a directory in READDIR order: ".", ".."
// and then the children sorted by name.
func (fs *memFS) listing(dirID uint32, dir *memNode) []nfs.DirEntry {
	count, _ := dir.entries.Len()
	out := make([]nfs.DirEntry, 0, count+2)
	out = append(out,
		nfs.DirEntry{FileID: dirID, Name: "."},
		nfs.DirEntry{FileID: dir.parent, Name: ".."},
	)
	for i := 0; i < count; i++ {
		k, v, ok, err := dir.entries.GetByIndex(i)
		if err != nil || !ok {
			break
		}
		out = append(out, nfs.DirEntry{FileID: v.(uint32), Name: k.(string)})
	}
	for i := range out {
		binary.BigEndian.PutUint32(out[i].Cookie[:], uint32(i+1))
	}
	return out
}
