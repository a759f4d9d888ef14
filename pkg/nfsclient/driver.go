// Package nfsclient is an NFSv2 client: it turns filesystem operations into
// remote calls, keeps a time-limited cache of file attributes and handles per
// node, and resolves paths iteratively, following symbolic links and
// reporting mount boundary crossings to its caller.
//
// A Driver owns all process-wide state (the RPC daemon, transaction pools and
// the mount table). Create it before any mount and close it after the last
// unmount.
package nfsclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/sortedmap"
	"github.com/marmos91/nfsclient/internal/errno"
	"github.com/marmos91/nfsclient/internal/logger"
	"github.com/marmos91/nfsclient/internal/protocol/mount"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/internal/protocol/rpc"
	"github.com/marmos91/nfsclient/pkg/rpcio"
	"golang.org/x/sys/unix"
)

const (
	// smallBuffer holds the call header, a full AUTH_UNIX credential and
	// the largest non-bulk arguments (a handle and a file name).
	smallBuffer = 2048

	// largeBuffer additionally holds MaxData bytes of WRITE payload or a
	// MaxPathLen SYMLINK target.
	largeBuffer = nfs.MaxData + smallBuffer

	// maxMountID bounds mount ids, which are packed into device numbers.
	maxMountID = 255
)

// bulkProc reports the procedures routed to the large transaction class.
func bulkProc(proc uint32) bool {
	return proc == nfs.ProcWrite || proc == nfs.ProcSymlink
}

// Driver is the process-wide client context.
type Driver struct {
	cfg    Config
	daemon *rpcio.Daemon
	nfs    *rpcio.Caller
	mnt    *rpcio.Pool
	mode   rpcio.GetMode

	mu     sync.Mutex
	mounts sortedmap.LLRBTree // uint16 id -> *Mount
	closed bool

	live atomic.Int64
}

// DriverStats is a snapshot of driver-wide counters.
type DriverStats struct {
	Mounts    int
	LiveNodes int64
	RPC       rpcio.Stats
}

// NewDriver starts the RPC daemon and creates the transaction pools.
func NewDriver(cfg Config) (*Driver, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errno.Add(err, unix.EINVAL)
	}

	daemon, err := rpcio.NewDaemon(rpcio.Config{
		LocalAddr:   cfg.LocalAddr,
		QueueDepth:  cfg.QueueDepth,
		RebaseAfter: cfg.RebaseAfter,
		Metrics:     cfg.RPCMetrics,
	})
	if err != nil {
		return nil, err
	}

	mode := cfg.getMode()
	d := &Driver{
		cfg:    cfg,
		daemon: daemon,
		nfs: &rpcio.Caller{
			Small: daemon.NewPool(rpc.ProgramNFS, nfs.Version, smallBuffer, cfg.SmallTransactions),
			Large: daemon.NewPool(rpc.ProgramNFS, nfs.Version, largeBuffer, cfg.LargeTransactions),
			Bulk:  bulkProc,
			Mode:  mode,
		},
		mnt:    daemon.NewPool(rpc.ProgramMount, mount.Version, smallBuffer, cfg.MountTransactions),
		mode:   mode,
		mounts: sortedmap.NewLLRBTree(sortedmap.CompareUint16, nil),
	}

	logger.Debug("nfs: driver started on %s", daemon.LocalAddr())
	return d, nil
}

// Close stops the daemon. It fails with EBUSY while any mount exists or
// while the daemon still has calls in flight; a later Close retries.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if count, _ := d.mounts.Len(); count > 0 {
		return errno.New(unix.EBUSY, "nfs: driver has %d active mounts", count)
	}
	if d.closed {
		return nil
	}
	if err := d.daemon.Shutdown(); err != nil {
		return err
	}
	d.closed = true

	d.nfs.Close()
	d.mnt.Close()
	logger.Debug("nfs: driver stopped")
	return nil
}

// Stats returns driver-wide counters.
func (d *Driver) Stats() DriverStats {
	d.mu.Lock()
	count, _ := d.mounts.Len()
	d.mu.Unlock()

	return DriverStats{
		Mounts:    count,
		LiveNodes: d.live.Load(),
		RPC:       d.daemon.Stats(),
	}
}

// Mounts returns the active mounts ordered by id.
func (d *Driver) Mounts() []*Mount {
	d.mu.Lock()
	defer d.mu.Unlock()

	count, _ := d.mounts.Len()
	out := make([]*Mount, 0, count)
	for i := 0; i < count; i++ {
		_, v, ok, err := d.mounts.GetByIndex(i)
		if err != nil || !ok {
			break
		}
		out = append(out, v.(*Mount))
	}
	return out
}

// Exports lists the export table of the MOUNT service at addr.
func (d *Driver) Exports(ctx context.Context, addr string) ([]mount.Export, error) {
	srv, err := rpcio.NewServer(rpcio.ServerConfig{
		Addr:    addr,
		Program: rpc.ProgramMount,
		Version: mount.Version,
	})
	if err != nil {
		return nil, errno.Add(err, unix.EINVAL)
	}
	defer srv.Close()

	var res mount.ExportList
	if err := d.mnt.Call(ctx, srv, mount.ProcExport, nil, &res, d.mode, 0); err != nil {
		return nil, err
	}
	return res.Exports, nil
}

// Mount performs the MOUNT handshake for opts.Export and returns the mount
// with its canonical root node.
func (d *Driver) Mount(ctx context.Context, opts MountOptions) (*Mount, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, errno.Add(err, unix.EINVAL)
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, errno.New(unix.ESHUTDOWN, "nfs: driver closed")
	}

	auth, err := rpcio.NewUnixAuth(opts.MachineName, opts.UID, opts.GID, opts.Groups)
	if err != nil {
		return nil, errno.Add(err, unix.EINVAL)
	}

	endpoint := func(addr string, program, version uint32) (*rpcio.Server, error) {
		srv, err := rpcio.NewServer(rpcio.ServerConfig{
			Addr:         addr,
			Program:      program,
			Version:      version,
			Auth:         auth,
			InitialRetry: opts.InitialRetry,
			MinRetry:     opts.MinRetry,
			MaxRetry:     opts.MaxRetry,
			Timeout:      opts.Timeout,
			RateLimit:    opts.RateLimit,
			RateBurst:    opts.RateBurst,
		})
		if err != nil {
			return nil, errno.Add(err, unix.EINVAL)
		}
		return srv, nil
	}

	nfsSrv, err := endpoint(opts.Server, rpc.ProgramNFS, nfs.Version)
	if err != nil {
		return nil, err
	}
	mntSrv, err := endpoint(opts.MountServer, rpc.ProgramMount, mount.Version)
	if err != nil {
		nfsSrv.Close()
		return nil, err
	}

	m := &Mount{
		driver: d,
		opts:   opts,
		nfs:    nfsSrv,
		mnt:    mntSrv,
	}

	root, err := m.handshake(ctx)
	if err != nil {
		nfsSrv.Close()
		mntSrv.Close()
		return nil, err
	}
	m.root = root
	m.live.Store(1)

	d.mu.Lock()
	id, ok := d.allocID()
	if ok {
		m.id = id
		_, _ = d.mounts.Put(id, m)
	}
	count, _ := d.mounts.Len()
	d.mu.Unlock()

	if !ok {
		m.umnt(ctx)
		nfsSrv.Close()
		mntSrv.Close()
		return nil, errno.New(unix.EMFILE, "nfs: no free mount id")
	}

	d.nodeCreated()
	d.cfg.Metrics.SetMounts(count)
	logger.Info("nfs: mounted %s:%s as id %d", opts.Server, opts.Export, id)
	return m, nil
}

// Unmount tears m down. It is refused with EBUSY while any node other than
// the root is alive; the mount then remains usable.
func (d *Driver) Unmount(ctx context.Context, m *Mount) error {
	d.mu.Lock()
	if v, ok, _ := d.mounts.GetByKey(m.id); !ok || v.(*Mount) != m {
		d.mu.Unlock()
		return errno.New(unix.EINVAL, "nfs: %s is not mounted", m)
	}
	// Only the root may be left. Its reference drops to zero here and the
	// mount can never be pinned again.
	if !m.live.CompareAndSwap(1, 0) {
		live := m.live.Load()
		d.mu.Unlock()
		return errno.New(unix.EBUSY, "nfs: %s still has %d live nodes", m, live-1)
	}
	_, _ = d.mounts.DeleteByKey(m.id)
	count, _ := d.mounts.Len()
	d.mu.Unlock()

	d.nodeReleased()
	m.umnt(ctx)
	m.nfs.Close()
	m.mnt.Close()

	d.cfg.Metrics.SetMounts(count)
	logger.Info("nfs: unmounted %s", m)
	return nil
}

// allocID returns the smallest free mount id. Caller holds d.mu.
func (d *Driver) allocID() (uint16, bool) {
	next := uint16(1)
	count, _ := d.mounts.Len()
	for i := 0; i < count; i++ {
		k, _, ok, err := d.mounts.GetByIndex(i)
		if err != nil || !ok {
			break
		}
		if k.(uint16) != next {
			break
		}
		next++
	}
	if next > maxMountID {
		return 0, false
	}
	return next, true
}

func (d *Driver) nodeCreated() {
	d.cfg.Metrics.SetLiveNodes(d.live.Add(1))
}

func (d *Driver) nodeReleased() {
	d.cfg.Metrics.SetLiveNodes(d.live.Add(-1))
}

func (d *Driver) record(op string, started time.Time, err error) {
	d.cfg.Metrics.RecordOperation(op, time.Since(started), err)
}

func (d *Driver) String() string {
	return fmt.Sprintf("nfs driver on %s", d.daemon.LocalAddr())
}
