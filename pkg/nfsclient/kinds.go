package nfsclient

import (
	"context"

	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"golang.org/x/sys/unix"
)

// nodeOps is the per-kind operation table of a node. It is reselected every
// time the node's file type becomes known.
type nodeOps interface {
	kind() Kind
	removeProc() uint32
	openFile(ctx context.Context, n *Node, flags int) (*File, error)
	openDir(ctx context.Context, n *Node) (*DirIterator, error)
}

type (
	dirOps   struct{}
	fileOps  struct{}
	linkOps  struct{}
	otherOps struct{}
)

func opsFor(t nfs.FileType) nodeOps {
	switch t {
	case nfs.NFDIR:
		return dirOps{}
	case nfs.NFREG:
		return fileOps{}
	case nfs.NFLNK:
		return linkOps{}
	default:
		return otherOps{}
	}
}

func (dirOps) kind() Kind         { return KindDirectory }
func (dirOps) removeProc() uint32 { return nfs.ProcRmdir }

func (dirOps) openFile(_ context.Context, n *Node, _ int) (*File, error) {
	return nil, localError(unix.EISDIR, "open", n.Name())
}

func (dirOps) openDir(_ context.Context, n *Node) (*DirIterator, error) {
	return newDirIterator(n)
}

func (fileOps) kind() Kind         { return KindRegular }
func (fileOps) removeProc() uint32 { return nfs.ProcRemove }

func (fileOps) openFile(ctx context.Context, n *Node, flags int) (*File, error) {
	return openFile(ctx, n, flags)
}

func (fileOps) openDir(_ context.Context, n *Node) (*DirIterator, error) {
	return nil, localError(unix.ENOTDIR, "opendir", n.Name())
}

func (linkOps) kind() Kind         { return KindSymlink }
func (linkOps) removeProc() uint32 { return nfs.ProcRemove }

func (linkOps) openFile(_ context.Context, n *Node, _ int) (*File, error) {
	return nil, localError(unix.ELOOP, "open", n.Name())
}

func (linkOps) openDir(_ context.Context, n *Node) (*DirIterator, error) {
	return nil, localError(unix.ENOTDIR, "opendir", n.Name())
}

func (otherOps) kind() Kind         { return KindOther }
func (otherOps) removeProc() uint32 { return nfs.ProcRemove }

// Device and fifo contents are not reachable through NFS.
func (otherOps) openFile(_ context.Context, n *Node, _ int) (*File, error) {
	return nil, localError(unix.ENXIO, "open", n.Name())
}

func (otherOps) openDir(_ context.Context, n *Node) (*DirIterator, error) {
	return nil, localError(unix.ENOTDIR, "opendir", n.Name())
}
