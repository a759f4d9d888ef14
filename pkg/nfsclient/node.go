package nfsclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/nfsclient/internal/protocol/nfs"
)

// Kind is the operation class of a node, decided by its remote file type.
type Kind int

const (
	KindOther Kind = iota
	KindDirectory
	KindRegular
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindRegular:
		return "regular"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Node is the client-side view of one remote file: its handle, its cached
// attributes and, when known, the directory and name it was looked up by.
//
// Nodes are reference counted against their mount. Every node returned by
// this package must be released, except a mount's root which lives until
// unmount.
type Node struct {
	mount *Mount
	root  bool

	mu      sync.Mutex
	ops     nodeOps
	handle  nfs.FileHandle
	attr    nfs.FileAttr
	fetched time.Time

	// Lookup arguments. hasDir is false for the root and for nodes reached
	// through "..", whose name in their parent is unknown.
	dir    nfs.FileHandle
	name   string
	hasDir bool

	released atomic.Bool
}

// Stat is the POSIX view of a node's attributes.
type Stat struct {
	Dev       uint64
	Ino       uint64
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint64
	Size      int64
	BlockSize int64
	Blocks    int64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// IsDir reports whether the format bits denote a directory.
func (s *Stat) IsDir() bool { return s.Mode&nfs.ModeFmt == nfs.ModeDir }

// newNode creates a live node for a handle obtained from dir under name.
func (m *Mount) newNode(handle nfs.FileHandle, attr nfs.FileAttr, dir nfs.FileHandle, name string) (*Node, error) {
	if err := m.pin(); err != nil {
		return nil, err
	}
	n := &Node{mount: m, handle: handle, dir: dir, name: name, hasDir: true}
	n.update(attr)
	return n, nil
}

// Clone returns an independent copy of n that pins the mount until
// released. Cloning the root yields a private, non-root copy. It fails with
// ESTALE once the mount has been unmounted.
func (n *Node) Clone() (*Node, error) {
	if err := n.mount.pin(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	c := &Node{
		mount:   n.mount,
		ops:     n.ops,
		handle:  n.handle,
		attr:    n.attr,
		fetched: n.fetched,
		dir:     n.dir,
		name:    n.name,
		hasDir:  n.hasDir,
	}
	n.mu.Unlock()
	return c, nil
}

// Release drops the node's reference on its mount. Releasing a mount root
// or an already released node does nothing.
func (n *Node) Release() {
	if n == nil || n.root || !n.released.CompareAndSwap(false, true) {
		return
	}
	n.mount.live.Add(-1)
	n.mount.driver.nodeReleased()
}

// Mount returns the owning mount.
func (n *Node) Mount() *Mount { return n.mount }

// IsRoot reports whether n refers to its mount's root directory.
func (n *Node) IsRoot() bool {
	return n.root || n.Handle() == n.mount.root.Handle()
}

// Equal reports whether a and b refer to the same remote file.
func (n *Node) Equal(other *Node) bool {
	if n == other {
		return true
	}
	if n == nil || other == nil {
		return false
	}
	return n.mount == other.mount && n.Handle() == other.Handle()
}

// Kind returns the node's operation class.
func (n *Node) Kind() Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ops.kind()
}

// Handle returns the remote file handle.
func (n *Node) Handle() nfs.FileHandle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle
}

// Attr returns the cached attributes without revalidating them.
func (n *Node) Attr() nfs.FileAttr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attr
}

// Name returns the name the node was looked up by, if known.
func (n *Node) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

// Fetched returns when the cached attributes were obtained.
func (n *Node) Fetched() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fetched
}

// Refresh revalidates the cached attributes. Without force it issues no
// call while the attributes are younger than the TTL. The fetch time only
// moves on success.
func (n *Node) Refresh(ctx context.Context, force bool) error {
	metrics := n.mount.driver.cfg.Metrics
	if !force && n.fresh() {
		metrics.RecordAttrCacheHit()
		return nil
	}
	metrics.RecordAttrCacheMiss()

	var res nfs.AttrStat
	if err := n.mount.call(ctx, nfs.ProcGetAttr, &nfs.FHArgs{File: n.Handle()}, &res); err != nil {
		return err
	}
	if res.Status != nfs.NFSOK {
		return remoteError(res.Status, "getattr", n.Name())
	}
	n.update(res.Attr)
	return nil
}

// Stat revalidates the attributes if stale and converts them.
func (n *Node) Stat(ctx context.Context) (Stat, error) {
	if err := n.Refresh(ctx, false); err != nil {
		return Stat{}, err
	}
	return n.stat(), nil
}

func (n *Node) stat() Stat {
	attr := n.Attr()
	dev, ino := n.mount.device(&attr)
	return Stat{
		Dev:       dev,
		Ino:       ino,
		Mode:      modeOf(&attr),
		Nlink:     attr.Nlink,
		UID:       attr.UID,
		GID:       attr.GID,
		Rdev:      uint64(attr.Rdev),
		Size:      int64(attr.Size),
		BlockSize: int64(attr.BlockSize),
		Blocks:    int64(attr.Blocks),
		Atime:     attr.Atime.Time(),
		Mtime:     attr.Mtime.Time(),
		Ctime:     attr.Ctime.Time(),
	}
}

func (n *Node) fresh() bool {
	cfg := &n.mount.driver.cfg

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fetched.IsZero() {
		return false
	}
	if cfg.DisableAttrTTL {
		return true
	}
	return cfg.Clock.Since(n.fetched) < cfg.AttrTTL
}

// update installs freshly fetched attributes and reselects the node's
// operations for its file type.
func (n *Node) update(attr nfs.FileAttr) {
	now := n.mount.driver.cfg.Clock.Now()

	n.mu.Lock()
	n.attr = attr
	n.fetched = now
	n.ops = opsFor(attr.Type)
	n.mu.Unlock()
}

// invalidate forces the next Refresh to reach the server.
func (n *Node) invalidate() {
	n.mu.Lock()
	n.fetched = time.Time{}
	n.mu.Unlock()
}

// bestEffortRefresh resynchronizes the cache after a failed mutation.
func (n *Node) bestEffortRefresh(ctx context.Context) {
	n.invalidate()
	_ = n.Refresh(ctx, true)
}

// descend moves n in place to the child handle found under name.
func (n *Node) descend(handle nfs.FileHandle, attr nfs.FileAttr, name string, known bool) {
	n.mu.Lock()
	n.dir = n.handle
	n.name = name
	n.hasDir = known
	n.handle = handle
	n.mu.Unlock()
	n.update(attr)
}

// lookupArgs returns the directory entry the node was found by.
func (n *Node) lookupArgs() (nfs.DirOpArgs, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return nfs.DirOpArgs{Dir: n.dir, Name: n.name}, n.hasDir
}

func modeOf(attr *nfs.FileAttr) uint32 {
	perm := attr.Mode & nfs.ModePerm
	switch attr.Type {
	case nfs.NFREG:
		return perm | nfs.ModeReg
	case nfs.NFDIR:
		return perm | nfs.ModeDir
	case nfs.NFBLK:
		return perm | nfs.ModeBlk
	case nfs.NFCHR:
		return perm | nfs.ModeChr
	case nfs.NFLNK:
		return perm | nfs.ModeLnk
	case nfs.NFSOCK:
		return perm | nfs.ModeSock
	case nfs.NFFIFO:
		return perm | nfs.ModeFifo
	default:
		return attr.Mode
	}
}
