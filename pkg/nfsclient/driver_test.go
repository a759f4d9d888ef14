package nfsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/marmos91/nfsclient/internal/nfstest"
	"github.com/marmos91/nfsclient/internal/protocol/mount"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/internal/protocol/rpc"
	"github.com/marmos91/nfsclient/pkg/rpcio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Fixtures
// ============================================================================

type fixture struct {
	server *nfstest.Server
	driver *Driver
	mount  *Mount
	clock  clockwork.FakeClock
}

func testMountOptions(addr string) MountOptions {
	return MountOptions{
		Server:       addr,
		Export:       "/export",
		UID:          1000,
		GID:          100,
		Groups:       []uint32{100, 4},
		MachineName:  "testhost",
		InitialRetry: 20 * time.Millisecond,
		MinRetry:     5 * time.Millisecond,
		MaxRetry:     200 * time.Millisecond,
		Timeout:      2 * time.Second,
	}
}

func newFixture(t *testing.T, mutate ...func(*Config, *MountOptions)) *fixture {
	t.Helper()

	ts, err := nfstest.Start(nfstest.Config{})
	require.NoError(t, err)
	t.Cleanup(ts.Close)

	clock := clockwork.NewFakeClock()
	cfg := Config{LocalAddr: "127.0.0.1:0", Clock: clock}
	opts := testMountOptions(ts.Addr())
	for _, m := range mutate {
		m(&cfg, &opts)
	}

	d, err := NewDriver(cfg)
	require.NoError(t, err)

	m, err := d.Mount(context.Background(), opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.Equal(t, int64(1), m.LiveNodes(), "nodes leaked")
		_ = d.Unmount(context.Background(), m)
		assert.NoError(t, d.Close())
	})

	return &fixture{server: ts, driver: d, mount: m, clock: clock}
}

func (f *fixture) eval(t *testing.T, path string) *Node {
	t.Helper()
	n, c, err := f.mount.Eval(context.Background(), nil, path, true)
	require.NoError(t, err)
	require.Nil(t, c)
	t.Cleanup(n.Release)
	return n
}

func uniqueName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// ============================================================================
// Mount lifecycle
// ============================================================================

func TestMount(t *testing.T) {
	t.Run("RootIsDirectory", func(t *testing.T) {
		f := newFixture(t)

		root := f.mount.Root()
		assert.Equal(t, KindDirectory, root.Kind())
		assert.Equal(t, nfs.NFDIR, root.Attr().Type)
		assert.True(t, root.IsRoot())
		assert.Equal(t, int64(1), f.mount.LiveNodes())
		assert.Equal(t, uint16(1), f.mount.ID())
		assert.Equal(t, "/export", f.mount.Export())
	})

	t.Run("PresentsUnixCredential", func(t *testing.T) {
		f := newFixture(t)

		cred := f.server.LastCredential()
		require.NotNil(t, cred)
		assert.Equal(t, "testhost", cred.MachineName)
		assert.Equal(t, uint32(1000), cred.UID)
		assert.Equal(t, uint32(100), cred.GID)
		assert.Equal(t, []uint32{100, 4}, cred.GIDs)
	})

	t.Run("PingsBothServices", func(t *testing.T) {
		f := newFixture(t, func(_ *Config, o *MountOptions) { o.Ping = true })

		assert.Equal(t, 1, f.server.Calls(rpc.ProgramMount, mount.ProcNull))
		assert.Equal(t, 1, f.server.Calls(rpc.ProgramNFS, nfs.ProcNull))
	})

	t.Run("UnknownExport", func(t *testing.T) {
		f := newFixture(t)

		opts := testMountOptions(f.server.Addr())
		opts.Export = "/nope"
		_, err := f.driver.Mount(context.Background(), opts)
		require.Error(t, err)
		assert.Equal(t, unix.EACCES, Errno(err))
		assert.Equal(t, 1, f.driver.Stats().Mounts)
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.driver.Mount(context.Background(), MountOptions{Server: f.server.Addr()})
		require.Error(t, err)
		assert.Equal(t, unix.EINVAL, Errno(err))
	})

	t.Run("IDsAreSmallestFree", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		opts := testMountOptions(f.server.Addr())

		second, err := f.driver.Mount(ctx, opts)
		require.NoError(t, err)
		third, err := f.driver.Mount(ctx, opts)
		require.NoError(t, err)
		assert.Equal(t, uint16(2), second.ID())
		assert.Equal(t, uint16(3), third.ID())

		require.NoError(t, f.driver.Unmount(ctx, second))
		again, err := f.driver.Mount(ctx, opts)
		require.NoError(t, err)
		assert.Equal(t, uint16(2), again.ID())

		err = f.driver.Unmount(ctx, second)
		assert.Equal(t, unix.EINVAL, Errno(err), "a stale mount must not unmount the new owner of its id")

		ids := []uint16{}
		for _, m := range f.driver.Mounts() {
			ids = append(ids, m.ID())
		}
		assert.Equal(t, []uint16{1, 2, 3}, ids)

		require.NoError(t, f.driver.Unmount(ctx, again))
		require.NoError(t, f.driver.Unmount(ctx, third))
	})

	t.Run("UnmountSendsUmnt", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		m, err := f.driver.Mount(ctx, testMountOptions(f.server.Addr()))
		require.NoError(t, err)
		require.NoError(t, f.driver.Unmount(ctx, m))
		assert.Equal(t, 1, f.server.Calls(rpc.ProgramMount, mount.ProcUmnt))

		err = f.driver.Unmount(ctx, m)
		assert.Equal(t, unix.EINVAL, Errno(err))
	})
}

func TestUnmountBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.server.WriteFile("/held", []byte("data"), 0o644))

	n, _, err := f.mount.Eval(ctx, nil, "held", true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.mount.LiveNodes())

	err = f.driver.Unmount(ctx, f.mount)
	require.Error(t, err)
	assert.Equal(t, unix.EBUSY, Errno(err))

	// The refused mount keeps working.
	st, err := n.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Size)

	again, _, err := f.mount.Eval(ctx, nil, "held", true)
	require.NoError(t, err)
	assert.True(t, again.Equal(n))
	again.Release()

	err = f.driver.Close()
	assert.Equal(t, unix.EBUSY, Errno(err), "driver must refuse to close with active mounts")

	n.Release()
	assert.Equal(t, int64(1), f.mount.LiveNodes())
}

func TestUnmountedMountRefusesNodes(t *testing.T) {
	t.Run("StaleRoot", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		m, err := f.driver.Mount(ctx, testMountOptions(f.server.Addr()))
		require.NoError(t, err)
		root := m.Root()
		require.NoError(t, f.driver.Unmount(ctx, m))

		_, err = root.Clone()
		assert.Equal(t, unix.ESTALE, Errno(err))

		_, _, err = m.Eval(ctx, nil, "", true)
		assert.Equal(t, unix.ESTALE, Errno(err))

		assert.Equal(t, int64(0), m.LiveNodes())
		assert.Equal(t, int64(1), f.driver.Stats().LiveNodes)
	})

	t.Run("ConcurrentClone", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		m, err := f.driver.Mount(ctx, testMountOptions(f.server.Addr()))
		require.NoError(t, err)
		root := m.Root()

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					c, err := root.Clone()
					if err != nil {
						assert.Equal(t, unix.ESTALE, Errno(err))
						return
					}
					c.Release()
				}
			}()
		}

		require.Eventually(t, func() bool {
			err := f.driver.Unmount(ctx, m)
			if err != nil {
				assert.Equal(t, unix.EBUSY, Errno(err))
			}
			return err == nil
		}, 5*time.Second, time.Millisecond)
		close(stop)
		wg.Wait()

		assert.Equal(t, int64(0), m.LiveNodes())
		assert.Equal(t, int64(1), f.driver.Stats().LiveNodes)
		_, err = root.Clone()
		assert.Equal(t, unix.ESTALE, Errno(err))
	})
}

func TestDriverCloseInFlight(t *testing.T) {
	ts, err := nfstest.Start(nfstest.Config{})
	require.NoError(t, err)
	t.Cleanup(ts.Close)

	d, err := NewDriver(Config{LocalAddr: "127.0.0.1:0", Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	ctx := context.Background()

	ts.Delay(300 * time.Millisecond)
	done := make(chan error, 1)
	go func() {
		_, err := d.Exports(ctx, ts.Addr())
		done <- err
	}()
	require.Eventually(t, func() bool {
		return d.Stats().RPC.InFlight == 1
	}, time.Second, time.Millisecond)

	t.Run("BusyKeepsDriverUsable", func(t *testing.T) {
		err := d.Close()
		require.Error(t, err)
		assert.Equal(t, unix.EBUSY, Errno(err))

		require.NoError(t, <-done)
		ts.Delay(0)

		exports, err := d.Exports(ctx, ts.Addr())
		require.NoError(t, err)
		assert.Len(t, exports, 1)
	})

	t.Run("RetryStopsDaemon", func(t *testing.T) {
		require.NoError(t, d.Close())
		require.NoError(t, d.Close())

		_, err := d.Exports(ctx, ts.Addr())
		assert.Equal(t, unix.ESHUTDOWN, Errno(err))

		srv, err := rpcio.NewServer(rpcio.ServerConfig{
			Addr:    ts.Addr(),
			Program: rpc.ProgramNFS,
			Version: nfs.Version,
		})
		require.NoError(t, err)
		defer srv.Close()

		pool := d.daemon.NewPool(rpc.ProgramNFS, nfs.Version, 512, 1)
		defer pool.Close()
		err = pool.Call(ctx, srv, nfs.ProcNull, nil, nil, rpcio.GetWait, 0)
		assert.Equal(t, unix.ESHUTDOWN, Errno(err), "daemon must be stopped")
	})
}

func TestDriverStats(t *testing.T) {
	f := newFixture(t)

	n := f.eval(t, "")
	assert.Same(t, f.mount.Root(), n)

	stats := f.driver.Stats()
	assert.Equal(t, 1, stats.Mounts)
	assert.Equal(t, int64(1), stats.LiveNodes)
	assert.Positive(t, stats.RPC.Replies)
	assert.Positive(t, f.mount.Endpoint().Requests)
}

func TestExports(t *testing.T) {
	f := newFixture(t)

	exports, err := f.driver.Exports(context.Background(), f.server.Addr())
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, "/export", exports[0].Dir)
}

func TestStatFS(t *testing.T) {
	f := newFixture(t)

	st, err := f.mount.StatFS(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(nfs.MaxData), st.TransferSize)
	assert.Positive(t, st.BlockSize)
}

func TestSetIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mount.SetIdentity(42, 43, nil))
	uid, gid := f.mount.Identity()
	assert.Equal(t, uint32(42), uid)
	assert.Equal(t, uint32(43), gid)

	n, err := f.mount.Root().Create(ctx, uniqueName("owned"), 0o600)
	require.NoError(t, err)
	defer n.Release()

	assert.Equal(t, uint32(42), f.server.LastCredential().UID)
	assert.Equal(t, uint32(42), n.Attr().UID)
	assert.Equal(t, uint32(43), n.Attr().GID)
}
