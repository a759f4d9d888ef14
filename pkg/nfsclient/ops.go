package nfsclient

import (
	"context"
	"math"
	"time"

	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Directory operations
// ============================================================================

// Lookup returns the child of directory n named name.
func (n *Node) Lookup(ctx context.Context, name string) (child *Node, err error) {
	m := n.mount
	defer m.track("lookup", time.Now(), &err)

	if err := n.checkEntry("lookup", name); err != nil {
		return nil, err
	}
	var res nfs.DirOpRes
	if err := m.call(ctx, nfs.ProcLookup, &nfs.DirOpArgs{Dir: n.Handle(), Name: name}, &res); err != nil {
		return nil, err
	}
	if res.Status != nfs.NFSOK {
		return nil, remoteError(res.Status, "lookup", name)
	}
	if child, err = m.newNode(res.File, res.Attr, n.Handle(), name); err != nil {
		return nil, err
	}
	return m.canonical(child), nil
}

// Create makes a regular file in directory n. The new file belongs to the
// mount's current identity.
func (n *Node) Create(ctx context.Context, name string, perm uint32) (child *Node, err error) {
	defer n.mount.track("create", time.Now(), &err)
	return n.make(ctx, nfs.ProcCreate, "create", name, perm&nfs.ModePerm, nfs.DontChange)
}

// Mkdir makes a directory in n.
func (n *Node) Mkdir(ctx context.Context, name string, perm uint32) (child *Node, err error) {
	defer n.mount.track("mkdir", time.Now(), &err)
	return n.make(ctx, nfs.ProcMkdir, "mkdir", name, perm&nfs.ModePerm, nfs.DontChange)
}

// Mknod makes a special file in n. NFSv2 has no MKNOD procedure: the file
// type travels in the format bits of mode and the device number in size.
func (n *Node) Mknod(ctx context.Context, name string, mode uint32, dev uint32) (child *Node, err error) {
	defer n.mount.track("mknod", time.Now(), &err)

	switch mode & nfs.ModeFmt {
	case nfs.ModeChr, nfs.ModeBlk, nfs.ModeFifo, nfs.ModeSock:
	case nfs.ModeDir:
		return n.make(ctx, nfs.ProcMkdir, "mknod", name, mode&nfs.ModePerm, nfs.DontChange)
	case 0, nfs.ModeReg:
		return n.make(ctx, nfs.ProcCreate, "mknod", name, mode&nfs.ModePerm, nfs.DontChange)
	default:
		return nil, localError(unix.EINVAL, "mknod", name)
	}
	return n.make(ctx, nfs.ProcCreate, "mknod", name, mode&(nfs.ModeFmt|nfs.ModePerm), dev)
}

func (n *Node) make(ctx context.Context, proc uint32, op, name string, mode, size uint32) (*Node, error) {
	if err := n.checkEntry(op, name); err != nil {
		return nil, err
	}
	m := n.mount
	dir := n.Handle()

	attr := nfs.NewSetAttr()
	attr.Mode = mode
	attr.UID, attr.GID = m.Identity()
	attr.Size = size

	var res nfs.DirOpRes
	if err := m.call(ctx, proc, &nfs.CreateArgs{Where: nfs.DirOpArgs{Dir: dir, Name: name}, Attr: attr}, &res); err != nil {
		return nil, err
	}
	if res.Status != nfs.NFSOK {
		return nil, remoteError(res.Status, op, name)
	}
	n.invalidate()
	return m.newNode(res.File, res.Attr, dir, name)
}

// Symlink makes a symbolic link named name in n pointing at target.
func (n *Node) Symlink(ctx context.Context, name, target string) (err error) {
	m := n.mount
	defer m.track("symlink", time.Now(), &err)

	if err := n.checkEntry("symlink", name); err != nil {
		return err
	}
	if len(target) > nfs.MaxPathLen {
		return localError(unix.ENAMETOOLONG, "symlink", target)
	}

	attr := nfs.NewSetAttr()
	attr.Mode = 0o777
	attr.UID, attr.GID = m.Identity()

	var res nfs.StatRes
	args := &nfs.SymlinkArgs{From: nfs.DirOpArgs{Dir: n.Handle(), Name: name}, To: target, Attr: attr}
	if err := m.call(ctx, nfs.ProcSymlink, args, &res); err != nil {
		return err
	}
	if res.Status != nfs.NFSOK {
		return remoteError(res.Status, "symlink", name)
	}
	n.invalidate()
	return nil
}

// checkEntry validates that n is a directory and name a single component.
func (n *Node) checkEntry(op, name string) error {
	switch {
	case n.Kind() != KindDirectory:
		return localError(unix.ENOTDIR, op, n.Name())
	case name == "" || name == "." || name == "..":
		return localError(unix.EINVAL, op, name)
	case len(name) > nfs.MaxNameLen:
		return localError(unix.ENAMETOOLONG, op, name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return localError(unix.EINVAL, op, name)
		}
	}
	return nil
}

// ============================================================================
// Node operations
// ============================================================================

// Remove unlinks n from the directory it was looked up in, with RMDIR for
// directories. Nodes whose entry is unknown (the root, results of "..")
// cannot be removed.
func (n *Node) Remove(ctx context.Context) (err error) {
	m := n.mount
	defer m.track("remove", time.Now(), &err)

	args, ok := n.lookupArgs()
	if !ok || n.IsRoot() {
		return localError(unix.EBUSY, "remove", n.Name())
	}

	n.mu.Lock()
	proc := n.ops.removeProc()
	n.mu.Unlock()

	var res nfs.StatRes
	if err := m.call(ctx, proc, &args, &res); err != nil {
		return err
	}
	if res.Status != nfs.NFSOK {
		return remoteError(res.Status, "remove", args.Name)
	}
	n.invalidate()
	return nil
}

// Rename moves n to name in directory dir. Both must be on the same mount.
func (n *Node) Rename(ctx context.Context, dir *Node, name string) (err error) {
	m := n.mount
	defer m.track("rename", time.Now(), &err)

	if dir.mount != m {
		return localError(unix.EXDEV, "rename", name)
	}
	from, ok := n.lookupArgs()
	if !ok || n.IsRoot() {
		return localError(unix.EBUSY, "rename", n.Name())
	}
	if err := dir.checkEntry("rename", name); err != nil {
		return err
	}

	to := nfs.DirOpArgs{Dir: dir.Handle(), Name: name}
	var res nfs.StatRes
	if err := m.call(ctx, nfs.ProcRename, &nfs.RenameArgs{From: from, To: to}, &res); err != nil {
		return err
	}
	if res.Status != nfs.NFSOK {
		return remoteError(res.Status, "rename", from.Name)
	}

	n.mu.Lock()
	n.dir = to.Dir
	n.name = to.Name
	n.fetched = time.Time{}
	n.mu.Unlock()
	return nil
}

// Link makes a hard link to n named name in directory dir.
func (n *Node) Link(ctx context.Context, dir *Node, name string) (err error) {
	m := n.mount
	defer m.track("link", time.Now(), &err)

	if dir.mount != m {
		return localError(unix.EXDEV, "link", name)
	}
	if err := dir.checkEntry("link", name); err != nil {
		return err
	}

	var res nfs.StatRes
	args := &nfs.LinkArgs{From: n.Handle(), To: nfs.DirOpArgs{Dir: dir.Handle(), Name: name}}
	if err := m.call(ctx, nfs.ProcLink, args, &res); err != nil {
		return err
	}
	if res.Status != nfs.NFSOK {
		return remoteError(res.Status, "link", name)
	}
	n.invalidate()
	return nil
}

// Readlink returns the target of a symbolic link.
func (n *Node) Readlink(ctx context.Context) (target string, err error) {
	defer n.mount.track("readlink", time.Now(), &err)

	if n.Kind() != KindSymlink {
		return "", localError(unix.EINVAL, "readlink", n.Name())
	}
	return n.readlink(ctx)
}

// ============================================================================
// Attribute updates
// ============================================================================

// SetAttrRequest selects the attributes to change; nil fields are left
// untouched.
type SetAttrRequest struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *int64
	Atime *time.Time
	Mtime *time.Time
}

// SetAttr applies req. When the call fails after reaching the server the
// cached attributes are refetched so they do not diverge from its state.
func (n *Node) SetAttr(ctx context.Context, req SetAttrRequest) (err error) {
	defer n.mount.track("setattr", time.Now(), &err)

	attr := nfs.NewSetAttr()
	if req.Mode != nil {
		attr.Mode = *req.Mode & nfs.ModePerm
	}
	if req.UID != nil {
		attr.UID = *req.UID
	}
	if req.GID != nil {
		attr.GID = *req.GID
	}
	if req.Size != nil {
		switch {
		case *req.Size < 0:
			return localError(unix.EINVAL, "truncate", n.Name())
		case *req.Size >= math.MaxUint32:
			return localError(unix.EFBIG, "truncate", n.Name())
		}
		attr.Size = uint32(*req.Size)
	}
	if req.Atime != nil {
		attr.Atime = nfs.TimeValOf(*req.Atime)
	}
	if req.Mtime != nil {
		attr.Mtime = nfs.TimeValOf(*req.Mtime)
	}

	var res nfs.AttrStat
	if err := n.mount.call(ctx, nfs.ProcSetAttr, &nfs.SAttrArgs{File: n.Handle(), Attr: attr}, &res); err != nil {
		n.bestEffortRefresh(ctx)
		return err
	}
	if res.Status != nfs.NFSOK {
		n.bestEffortRefresh(ctx)
		return remoteError(res.Status, "setattr", n.Name())
	}
	n.update(res.Attr)
	return nil
}

// Chmod changes the permission bits.
func (n *Node) Chmod(ctx context.Context, mode uint32) error {
	return n.SetAttr(ctx, SetAttrRequest{Mode: &mode})
}

// Chown changes the owner and group.
func (n *Node) Chown(ctx context.Context, uid, gid uint32) error {
	return n.SetAttr(ctx, SetAttrRequest{UID: &uid, GID: &gid})
}

// Truncate changes the file size.
func (n *Node) Truncate(ctx context.Context, size int64) error {
	if n.Kind() == KindDirectory {
		return localError(unix.EISDIR, "truncate", n.Name())
	}
	return n.SetAttr(ctx, SetAttrRequest{Size: &size})
}

// Utime changes the access and modification times.
func (n *Node) Utime(ctx context.Context, atime, mtime time.Time) error {
	return n.SetAttr(ctx, SetAttrRequest{Atime: &atime, Mtime: &mtime})
}

// ============================================================================
// Open
// ============================================================================

// Open opens a regular file. flags are the os.O_* access and O_APPEND,
// O_TRUNC flags; creation is resolved by the caller.
func (n *Node) Open(ctx context.Context, flags int) (*File, error) {
	n.mu.Lock()
	ops := n.ops
	n.mu.Unlock()
	return ops.openFile(ctx, n, flags)
}

// OpenDir opens a directory for enumeration.
func (n *Node) OpenDir(ctx context.Context) (*DirIterator, error) {
	n.mu.Lock()
	ops := n.ops
	n.mu.Unlock()
	return ops.openDir(ctx, n)
}
