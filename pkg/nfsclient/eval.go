package nfsclient

import (
	"context"
	"strings"
	"time"

	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"golang.org/x/sys/unix"
)

// maxLinks bounds symbolic link expansions within one resolution.
const maxLinks = 32

// Crossing reports that resolution left the mount. The caller continues
// with Path: relative to the parent of the mount point when the mount root
// was ascended through "..", or from the namespace root when a symbolic
// link pointed at an absolute path.
type Crossing struct {
	Absolute bool
	Path     string
}

// Eval resolves path relative to start (the mount root when nil). Leading
// separators are ignored. The final component is followed if it is a
// symbolic link and follow is set or path ends in a separator; intermediate
// links are always followed.
//
// On success exactly one of the returned node and crossing is non-nil. A
// returned node must be released. Paths naming the mount root yield the
// canonical root node.
func (m *Mount) Eval(ctx context.Context, start *Node, path string, follow bool) (n *Node, c *Crossing, err error) {
	defer m.track("lookup", time.Now(), &err)

	r, err := m.eval(ctx, start, path, follow, false)
	return r.node, r.crossing, err
}

// EvalForMake resolves every component of path but the last and returns
// the parent directory with the final name, which is not looked up.
func (m *Mount) EvalForMake(ctx context.Context, start *Node, path string) (dir *Node, name string, c *Crossing, err error) {
	defer m.track("lookup", time.Now(), &err)

	r, err := m.eval(ctx, start, path, false, true)
	return r.node, r.name, r.crossing, err
}

type evalResult struct {
	node     *Node
	name     string
	crossing *Crossing
}

// eval is an explicit state machine over the remaining path. Symbolic links
// are spliced into the remainder instead of recursing, so stack depth stays
// bounded for any link chain.
func (m *Mount) eval(ctx context.Context, start *Node, path string, follow, forMake bool) (evalResult, error) {
	if start == nil {
		start = m.root
	}
	if start.mount != m {
		return evalResult{}, localError(unix.EXDEV, "lookup", path)
	}
	if len(path) > nfs.MaxPathLen {
		return evalResult{}, localError(unix.ENAMETOOLONG, "lookup", path)
	}

	// The clone pins the mount for the whole resolution and is the only
	// node mutated in place.
	n, err := start.Clone()
	if err != nil {
		return evalResult{}, err
	}
	done := false
	defer func() {
		if !done {
			n.Release()
		}
	}()

	// A trailing separator names a directory, so a final link is followed
	// whatever the caller asked.
	trailing := strings.HasSuffix(path, "/")
	if trailing {
		follow = true
	}

	rest := path
	links := 0
	for {
		rest = strings.TrimLeft(rest, "/")

		if n.Kind() == KindSymlink && (rest != "" || follow) {
			if links++; links > maxLinks {
				return evalResult{}, localError(unix.ELOOP, "lookup", path)
			}
			target, err := n.readlink(ctx)
			if err != nil {
				return evalResult{}, err
			}
			if strings.HasPrefix(target, "/") {
				return evalResult{crossing: &Crossing{Absolute: true, Path: target + "/" + rest}}, nil
			}
			if err := n.ascend(ctx); err != nil {
				return evalResult{}, err
			}
			rest = target + "/" + rest
			continue
		}

		if rest == "" {
			break
		}

		comp, tail, _ := strings.Cut(rest, "/")
		tail = strings.TrimLeft(tail, "/")

		if forMake && tail == "" {
			if comp == "." || comp == ".." {
				return evalResult{}, localError(unix.EINVAL, "create", path)
			}
			if len(comp) > nfs.MaxNameLen {
				return evalResult{}, localError(unix.ENAMETOOLONG, "create", comp)
			}
			if n.Kind() != KindDirectory {
				return evalResult{}, localError(unix.ENOTDIR, "create", path)
			}
			done = true
			return evalResult{node: m.canonical(n), name: comp}, nil
		}

		switch comp {
		case ".":
			if n.Kind() != KindDirectory {
				return evalResult{}, localError(unix.ENOTDIR, "lookup", path)
			}

		case "..":
			switch {
			case n.Kind() != KindDirectory:
				// The directory this node was looked up in.
				if err := n.ascend(ctx); err != nil {
					return evalResult{}, err
				}
			case n.IsRoot():
				return evalResult{crossing: &Crossing{Path: tail}}, nil
			default:
				if err := m.lookupInPlace(ctx, n, "..", false); err != nil {
					return evalResult{}, err
				}
			}

		default:
			if n.Kind() != KindDirectory {
				return evalResult{}, localError(unix.ENOTDIR, "lookup", path)
			}
			if len(comp) > nfs.MaxNameLen {
				return evalResult{}, localError(unix.ENAMETOOLONG, "lookup", comp)
			}
			if err := m.lookupInPlace(ctx, n, comp, true); err != nil {
				return evalResult{}, err
			}
		}

		rest = tail
	}

	if forMake {
		return evalResult{}, localError(unix.EINVAL, "create", path)
	}
	if trailing && n.Kind() != KindDirectory {
		return evalResult{}, localError(unix.ENOTDIR, "lookup", path)
	}
	done = true
	return evalResult{node: m.canonical(n)}, nil
}

// canonical swaps a private node naming the mount root for the root itself.
func (m *Mount) canonical(n *Node) *Node {
	if n.Handle() == m.root.Handle() {
		n.Release()
		return m.root
	}
	return n
}

// lookupInPlace issues LOOKUP for name in directory n and moves n to the
// result.
func (m *Mount) lookupInPlace(ctx context.Context, n *Node, name string, known bool) error {
	var res nfs.DirOpRes
	if err := m.call(ctx, nfs.ProcLookup, &nfs.DirOpArgs{Dir: n.Handle(), Name: name}, &res); err != nil {
		return err
	}
	if res.Status != nfs.NFSOK {
		return remoteError(res.Status, "lookup", name)
	}
	n.descend(res.File, res.Attr, name, known)
	return nil
}

// ascend moves n in place to the directory it was looked up in.
func (n *Node) ascend(ctx context.Context) error {
	args, ok := n.lookupArgs()
	if !ok {
		return localError(unix.ENOENT, "lookup", "..")
	}

	n.mu.Lock()
	n.handle = args.Dir
	n.name = ""
	n.hasDir = false
	n.fetched = time.Time{}
	n.mu.Unlock()

	return n.Refresh(ctx, true)
}

// readlink returns the target of a symbolic link node.
func (n *Node) readlink(ctx context.Context) (string, error) {
	var res nfs.ReadLinkRes
	if err := n.mount.call(ctx, nfs.ProcReadLink, &nfs.FHArgs{File: n.Handle()}, &res); err != nil {
		return "", err
	}
	if res.Status != nfs.NFSOK {
		return "", remoteError(res.Status, "readlink", n.Name())
	}
	return res.Path, nil
}
