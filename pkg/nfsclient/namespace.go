package nfsclient

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/marmos91/nfsclient/internal/errno"
	"golang.org/x/sys/unix"
)

// maxCrossings bounds mount boundary crossings within one resolution.
const maxCrossings = 32

// Namespace maps local mount points to mounts and resolves absolute paths
// across them, continuing wherever a mount's evaluator reports a crossing.
//
// Mount points are matched lexically: the longest mount point that is a
// prefix of the path after dropping empty and "." components wins; ".."
// components are left to the evaluators.
type Namespace struct {
	mu     sync.RWMutex
	points map[string]*Mount
}

// NewNamespace returns an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{points: make(map[string]*Mount)}
}

// Attach makes m reachable at point, an absolute path.
func (ns *Namespace) Attach(point string, m *Mount) error {
	if !path.IsAbs(point) {
		return errno.New(unix.EINVAL, "nfs: mount point %q is not absolute", point)
	}
	point = path.Clean(point)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.points[point]; ok {
		return errno.New(unix.EBUSY, "nfs: %s already mounted", point)
	}
	ns.points[point] = m
	return nil
}

// Detach removes the mount at point and returns it.
func (ns *Namespace) Detach(point string) (*Mount, error) {
	point = path.Clean(point)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	m, ok := ns.points[point]
	if !ok {
		return nil, errno.New(unix.EINVAL, "nfs: %s is not a mount point", point)
	}
	delete(ns.points, point)
	return m, nil
}

// Points returns the mount points in use.
func (ns *Namespace) Points() map[string]*Mount {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	out := make(map[string]*Mount, len(ns.points))
	for k, v := range ns.points {
		out[k] = v
	}
	return out
}

// match returns the mount owning p and the path relative to its root.
func (ns *Namespace) match(p string) (string, *Mount, string) {
	comps := make([]string, 0, 8)
	for _, c := range strings.Split(p, "/") {
		if c != "" && c != "." {
			comps = append(comps, c)
		}
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()
	for i := len(comps); i >= 0; i-- {
		point := "/" + strings.Join(comps[:i], "/")
		if m, ok := ns.points[point]; ok {
			return point, m, strings.Join(comps[i:], "/")
		}
	}
	return "", nil, ""
}

// Resolve returns the node named by the absolute path p. The node must be
// released.
func (ns *Namespace) Resolve(ctx context.Context, p string, follow bool) (*Node, error) {
	for crossings := 0; crossings <= maxCrossings; crossings++ {
		point, m, rel := ns.match(p)
		if m == nil {
			return nil, localError(unix.ENOENT, "lookup", p)
		}
		n, c, err := m.Eval(ctx, nil, rel, follow)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return n, nil
		}
		p = continuation(point, c)
	}
	return nil, localError(unix.ELOOP, "lookup", p)
}

// ResolveForMake returns the directory that would hold the last component
// of p, and that component.
func (ns *Namespace) ResolveForMake(ctx context.Context, p string) (*Node, string, error) {
	for crossings := 0; crossings <= maxCrossings; crossings++ {
		point, m, rel := ns.match(p)
		if m == nil {
			return nil, "", localError(unix.ENOENT, "lookup", p)
		}
		dir, name, c, err := m.EvalForMake(ctx, nil, rel)
		if err != nil {
			return nil, "", err
		}
		if c == nil {
			return dir, name, nil
		}
		p = continuation(point, c)
	}
	return nil, "", localError(unix.ELOOP, "lookup", p)
}

func continuation(point string, c *Crossing) string {
	if c.Absolute {
		return c.Path
	}
	return strings.TrimSuffix(path.Dir(point), "/") + "/" + c.Path
}

// OpenFile opens the regular file at p with os.OpenFile semantics for
// O_CREATE and O_EXCL.
func (ns *Namespace) OpenFile(ctx context.Context, p string, flags int, perm uint32) (*File, error) {
	if flags&os.O_CREATE == 0 {
		n, err := ns.Resolve(ctx, p, true)
		if err != nil {
			return nil, err
		}
		defer n.Release()
		return n.Open(ctx, flags)
	}

	dir, name, err := ns.ResolveForMake(ctx, p)
	if err != nil {
		return nil, err
	}
	defer dir.Release()

	n, err := dir.Lookup(ctx, name)
	switch {
	case err == nil:
		if flags&os.O_EXCL != 0 {
			n.Release()
			return nil, localError(unix.EEXIST, "open", name)
		}
		if n.Kind() == KindSymlink {
			n.Release()
			if n, err = ns.Resolve(ctx, p, true); err != nil {
				return nil, err
			}
		}
	case Errno(err) == unix.ENOENT:
		if n, err = dir.Create(ctx, name, perm); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	defer n.Release()
	return n.Open(ctx, flags)
}

// OpenDir opens the directory at p.
func (ns *Namespace) OpenDir(ctx context.Context, p string) (*DirIterator, error) {
	n, err := ns.Resolve(ctx, p, true)
	if err != nil {
		return nil, err
	}
	defer n.Release()
	return n.OpenDir(ctx)
}

// Stat returns the attributes of the file at p, following a final link.
func (ns *Namespace) Stat(ctx context.Context, p string) (Stat, error) {
	n, err := ns.Resolve(ctx, p, true)
	if err != nil {
		return Stat{}, err
	}
	defer n.Release()
	return n.Stat(ctx)
}

// Mkdir creates the directory p.
func (ns *Namespace) Mkdir(ctx context.Context, p string, perm uint32) error {
	dir, name, err := ns.ResolveForMake(ctx, p)
	if err != nil {
		return err
	}
	defer dir.Release()

	n, err := dir.Mkdir(ctx, name, perm)
	if err != nil {
		return err
	}
	n.Release()
	return nil
}

// Remove removes the file or empty directory p without following a final
// link.
func (ns *Namespace) Remove(ctx context.Context, p string) error {
	n, err := ns.Resolve(ctx, p, false)
	if err != nil {
		return err
	}
	defer n.Release()
	return n.Remove(ctx)
}
