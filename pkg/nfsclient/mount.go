package nfsclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/marmos91/nfsclient/internal/errno"
	"github.com/marmos91/nfsclient/internal/logger"
	"github.com/marmos91/nfsclient/internal/protocol/mount"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/pkg/rpcio"
	"golang.org/x/sys/unix"
)

// Mount is one mounted export. It owns its NFS and MOUNT endpoints and
// counts the nodes that pin it; the root node counts as one.
type Mount struct {
	driver *Driver
	id     uint16
	opts   MountOptions

	nfs *rpcio.Server
	mnt *rpcio.Server

	root *Node
	live atomic.Int64
}

// FSStat is the STATFS result of a mount.
type FSStat struct {
	TransferSize uint32
	BlockSize    uint32
	Blocks       uint32
	BlocksFree   uint32
	BlocksAvail  uint32
}

// ID returns the mount id, unique among active mounts.
func (m *Mount) ID() uint16 { return m.id }

// Root returns the canonical root node. It is never released by callers.
func (m *Mount) Root() *Node { return m.root }

// Export returns the remote directory path.
func (m *Mount) Export() string { return m.opts.Export }

// Server returns the NFS server address.
func (m *Mount) Server() string { return m.opts.Server }

// LiveNodes returns the number of live nodes, the root included.
func (m *Mount) LiveNodes() int64 { return m.live.Load() }

// pin takes one node reference on m. A zero count means the mount is gone
// and can never be revived.
func (m *Mount) pin() error {
	for {
		live := m.live.Load()
		if live <= 0 {
			return errno.New(unix.ESTALE, "nfs: %s is unmounted", m)
		}
		if m.live.CompareAndSwap(live, live+1) {
			m.driver.nodeCreated()
			return nil
		}
	}
}

// Endpoint returns the counters of the NFS endpoint.
func (m *Mount) Endpoint() rpcio.ServerStats { return m.nfs.Stats() }

// SetIdentity changes the uid and gids presented on subsequent calls to
// both services of the mount.
func (m *Mount) SetIdentity(uid, gid uint32, groups []uint32) error {
	return m.nfs.Auth().SetIdentity(uid, gid, groups)
}

// Identity returns the uid and gid currently presented.
func (m *Mount) Identity() (uid, gid uint32) {
	return m.nfs.Auth().Identity()
}

func (m *Mount) String() string {
	return fmt.Sprintf("%s:%s", m.opts.Server, m.opts.Export)
}

// StatFS returns filesystem usage of the export.
func (m *Mount) StatFS(ctx context.Context) (st FSStat, err error) {
	defer m.track("statfs", time.Now(), &err)

	var res nfs.StatFSRes
	if err := m.call(ctx, nfs.ProcStatFS, &nfs.FHArgs{File: m.root.Handle()}, &res); err != nil {
		return st, err
	}
	if res.Status != nfs.NFSOK {
		return st, remoteError(res.Status, "statfs", m.opts.Export)
	}
	return FSStat{
		TransferSize: res.TSize,
		BlockSize:    res.BSize,
		Blocks:       res.Blocks,
		BlocksFree:   res.BFree,
		BlocksAvail:  res.BAvail,
	}, nil
}

// call is the only path from this package to the NFS service.
func (m *Mount) call(ctx context.Context, proc uint32, args rpcio.Encoder, res rpcio.Decoder) error {
	return m.driver.nfs.Call(ctx, m.nfs, proc, args, res, m.opts.Timeout)
}

func (m *Mount) callMount(ctx context.Context, proc uint32, args rpcio.Encoder, res rpcio.Decoder) error {
	return m.driver.mnt.Call(ctx, m.mnt, proc, args, res, m.driver.mode, m.opts.Timeout)
}

func (m *Mount) track(op string, started time.Time, err *error) {
	m.driver.record(op, started, *err)
}

// handshake pings the services if asked, exchanges the export path for the
// root handle and fetches the root attributes.
func (m *Mount) handshake(ctx context.Context) (*Node, error) {
	if m.opts.Ping {
		if err := m.callMount(ctx, mount.ProcNull, nil, nil); err != nil {
			return nil, err
		}
		if err := m.call(ctx, nfs.ProcNull, nil, nil); err != nil {
			return nil, err
		}
	}

	var fh mount.FHStatus
	if err := m.callMount(ctx, mount.ProcMnt, &mount.DirPathArgs{Path: m.opts.Export}, &fh); err != nil {
		return nil, err
	}
	if fh.Status != mount.MountOK {
		return nil, errno.New(fh.Errno(), "nfs: mount %s: %s", m, fh.Errno().Error())
	}

	root := &Node{mount: m, handle: fh.Handle, root: true, ops: dirOps{}}
	if err := root.Refresh(ctx, true); err != nil {
		m.umnt(ctx)
		return nil, err
	}
	if root.Kind() != KindDirectory {
		m.umnt(ctx)
		return nil, localError(unix.ENOTDIR, "mount", m.opts.Export)
	}
	return root, nil
}

// umnt tells the server the export is no longer used. Failures are only
// logged; the server keeps no state that matters to us.
func (m *Mount) umnt(ctx context.Context) {
	if err := m.callMount(ctx, mount.ProcUmnt, &mount.DirPathArgs{Path: m.opts.Export}, mount.Void{}); err != nil {
		logger.Debug("nfs: umnt %s: %v", m, err)
	}
}

// device synthesizes the device and inode numbers of a file. The minor
// number packs the mount id with the low half of the server fsid, or with
// the high half of the file id when inode numbers are 16 bits wide.
func (m *Mount) device(attr *nfs.FileAttr) (dev, ino uint64) {
	cfg := &m.driver.cfg
	var minor uint64
	if cfg.NarrowInodes {
		minor = uint64(m.id)<<16 | uint64(attr.Fileid>>16)
		ino = uint64(attr.Fileid & 0xffff)
	} else {
		minor = uint64(m.id)<<16 | uint64(attr.Fsid&0xffff)
		ino = uint64(attr.Fileid)
	}
	return uint64(cfg.DeviceMajor)<<32 | minor, ino
}
