package rpcio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ansel1/merry"
	"github.com/marmos91/nfsclient/internal/errno"
	"github.com/marmos91/nfsclient/internal/nfstest"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/internal/protocol/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// ============================================================================
// Fixtures
// ============================================================================

type fixture struct {
	server *nfstest.Server
	daemon *Daemon
	pool   *Pool
	srv    *Server
}

func newFixture(t *testing.T, mutate ...func(*ServerConfig)) *fixture {
	t.Helper()

	ts, err := nfstest.Start(nfstest.Config{})
	require.NoError(t, err)
	t.Cleanup(ts.Close)

	d, err := NewDaemon(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown() })

	cfg := ServerConfig{
		Addr:         ts.Addr(),
		Program:      rpc.ProgramNFS,
		Version:      nfs.Version,
		InitialRetry: 20 * time.Millisecond,
		MinRetry:     5 * time.Millisecond,
		MaxRetry:     200 * time.Millisecond,
		Timeout:      2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	pool := d.NewPool(cfg.Program, cfg.Version, 2048, 8)
	t.Cleanup(pool.Close)

	return &fixture{server: ts, daemon: d, pool: pool, srv: srv}
}

func (f *fixture) null(t *testing.T) error {
	t.Helper()
	return f.pool.Call(context.Background(), f.srv, nfs.ProcNull, nil, nil, GetWait, 0)
}

func (f *fixture) getattr(t *testing.T, path string) (*nfs.AttrStat, error) {
	t.Helper()
	fh, err := f.server.Handle(path)
	require.NoError(t, err)

	res := &nfs.AttrStat{}
	err = f.pool.Call(context.Background(), f.srv, nfs.ProcGetAttr, &nfs.FHArgs{File: fh}, res, GetWait, 0)
	return res, err
}

// ============================================================================
// Calls
// ============================================================================

func TestCall(t *testing.T) {
	t.Run("Null", func(t *testing.T) {
		f := newFixture(t)

		require.NoError(t, f.null(t))

		stats := f.daemon.Stats()
		assert.Equal(t, uint64(1), stats.Submitted)
		assert.Equal(t, uint64(1), stats.Replies)
		assert.Zero(t, stats.InFlight)
		assert.Equal(t, uint64(1), f.srv.Stats().Requests)
		assert.Equal(t, 1, f.server.Calls(rpc.ProgramNFS, nfs.ProcNull))
	})

	t.Run("GetAttr", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.server.WriteFile("/hello.txt", []byte("hello"), 0o644))

		res, err := f.getattr(t, "/hello.txt")
		require.NoError(t, err)
		assert.EqualValues(t, nfs.NFSOK, res.Status)
		assert.Equal(t, nfs.NFREG, res.Attr.Type)
		assert.EqualValues(t, 5, res.Attr.Size)
	})

	t.Run("RemoteStatusIsNotAnError", func(t *testing.T) {
		f := newFixture(t)
		f.server.ForceStatus(nfs.ProcGetAttr, nfs.NFSErrStale)

		res, err := f.getattr(t, "/")
		require.NoError(t, err)
		assert.EqualValues(t, nfs.NFSErrStale, res.Status)
	})

	t.Run("ProcUnavail", func(t *testing.T) {
		f := newFixture(t)

		err := f.pool.Call(context.Background(), f.srv, 99, nil, nil, GetWait, 0)
		require.Error(t, err)
		assert.True(t, merry.Is(err, ErrProcUnavail))
		assert.Equal(t, unix.ENOSYS, errno.Of(err))
		assert.True(t, IsTransport(err))
	})

	t.Run("ProgMismatch", func(t *testing.T) {
		f := newFixture(t, func(c *ServerConfig) { c.Version = 3 })
		pool := f.daemon.NewPool(rpc.ProgramNFS, 3, 2048, 1)
		defer pool.Close()

		err := pool.Call(context.Background(), f.srv, nfs.ProcNull, nil, nil, GetFail, 0)
		assert.True(t, merry.Is(err, ErrProgMismatch))
	})

	t.Run("PoolEndpointMismatch", func(t *testing.T) {
		f := newFixture(t, func(c *ServerConfig) { c.Version = 3 })

		err := f.pool.Call(context.Background(), f.srv, nfs.ProcNull, nil, nil, GetFail, 0)
		assert.True(t, merry.Is(err, ErrCantEncode))
		assert.Zero(t, f.daemon.Stats().Submitted)
	})

	t.Run("ArgumentsTooLarge", func(t *testing.T) {
		f := newFixture(t)
		pool := f.daemon.NewPool(rpc.ProgramNFS, nfs.Version, 256, 1)
		defer pool.Close()

		args := &nfs.WriteArgs{Data: make([]byte, 1024)}
		err := pool.Call(context.Background(), f.srv, nfs.ProcWrite, args, &nfs.AttrStat{}, GetFail, 0)
		assert.True(t, merry.Is(err, ErrCantEncode))
		assert.Equal(t, unix.EINVAL, errno.Of(err))
	})

	t.Run("ClosedEndpoint", func(t *testing.T) {
		f := newFixture(t)
		f.srv.Close()

		err := f.null(t)
		assert.True(t, merry.Is(err, ErrShutdown))
	})

	t.Run("Concurrent", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.server.WriteFile("/f", []byte("x"), 0o644))

		const workers, calls = 32, 20
		var wg sync.WaitGroup
		errs := make(chan error, workers*calls)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < calls; i++ {
					if _, err := f.getattr(t, "/f"); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}

		stats := f.daemon.Stats()
		assert.Equal(t, uint64(workers*calls), stats.Replies)
		assert.Zero(t, stats.InFlight)
		assert.LessOrEqual(t, f.pool.Outstanding(), 8)
	})
}

func TestAuth(t *testing.T) {
	start := func(t *testing.T) *nfstest.Server {
		ts, err := nfstest.Start(nfstest.Config{RequireAuthUnix: true})
		require.NoError(t, err)
		t.Cleanup(ts.Close)
		return ts
	}

	t.Run("NullRejected", func(t *testing.T) {
		ts := start(t)
		f := newFixture(t, func(c *ServerConfig) { c.Addr = ts.Addr() })

		err := f.null(t)
		require.Error(t, err)
		assert.True(t, merry.Is(err, ErrAuth))
		assert.Equal(t, unix.EACCES, errno.Of(err))
	})

	t.Run("UnixAccepted", func(t *testing.T) {
		ts := start(t)
		auth, err := NewUnixAuth("tester", 501, 20, []uint32{20, 12})
		require.NoError(t, err)
		f := newFixture(t, func(c *ServerConfig) {
			c.Addr = ts.Addr()
			c.Auth = auth
		})

		require.NoError(t, f.null(t))
		cred := ts.LastCredential()
		require.NotNil(t, cred)
		assert.Equal(t, "tester", cred.MachineName)
		assert.Equal(t, uint32(501), cred.UID)
		assert.Equal(t, uint32(20), cred.GID)

		require.NoError(t, auth.SetIdentity(0, 0, nil))
		require.NoError(t, f.null(t))
		assert.Zero(t, ts.LastCredential().UID)
	})
}

// ============================================================================
// Unreliable network
// ============================================================================

func TestRetransmit(t *testing.T) {
	f := newFixture(t)
	f.server.DropRequests(2)

	require.NoError(t, f.null(t))

	stats := f.srv.Stats()
	assert.Equal(t, uint64(2), stats.Retransmits)
	assert.Equal(t, uint64(1), stats.Requests)
	assert.Equal(t, uint64(3), f.daemon.Stats().Sent)
	assert.Equal(t, 1, f.server.Calls(rpc.ProgramNFS, nfs.ProcNull))

	// Only the second and later retransmissions back off.
	assert.LessOrEqual(t, stats.RetryInterval, 200*time.Millisecond)
}

func TestTimeout(t *testing.T) {
	f := newFixture(t)
	f.server.DropRequests(1 << 20)

	started := time.Now()
	err := f.pool.Call(context.Background(), f.srv, nfs.ProcNull, nil, nil, GetWait, 150*time.Millisecond)
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.True(t, merry.Is(err, ErrTimedOut))
	assert.Equal(t, unix.ETIMEDOUT, errno.Of(err))
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)

	stats := f.daemon.Stats()
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, uint64(1), f.srv.Stats().Timeouts)
	assert.Equal(t, uint64(1), f.srv.Stats().Errors)
	assert.LessOrEqual(t, f.srv.RetryInterval(), 200*time.Millisecond)

	// The endpoint stays usable.
	f.server.DropRequests(0)
	require.NoError(t, f.null(t))
}

func TestLateReplies(t *testing.T) {
	t.Run("Duplicates", func(t *testing.T) {
		f := newFixture(t)
		f.server.DuplicateReplies(true)

		for i := 0; i < 5; i++ {
			require.NoError(t, f.null(t))
		}
		require.Eventually(t, func() bool {
			return f.daemon.Stats().LateDuplicates >= 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(5), f.daemon.Stats().Replies)
	})

	t.Run("RecentGenerationIsBenign", func(t *testing.T) {
		f := newFixture(t)
		f.server.SendStaleReplies(lateGenerations)

		require.NoError(t, f.null(t))
		stats := f.daemon.Stats()
		assert.Equal(t, uint64(1), stats.LateDuplicates)
		assert.Equal(t, uint64(1), stats.Dropped)
		assert.Equal(t, uint64(1), stats.Replies)
	})

	t.Run("OldGenerationIsMismatch", func(t *testing.T) {
		f := newFixture(t)
		f.server.SendStaleReplies(lateGenerations + 1)

		require.NoError(t, f.null(t))
		stats := f.daemon.Stats()
		assert.Zero(t, stats.LateDuplicates)
		assert.Equal(t, uint64(1), stats.Dropped)
		assert.Equal(t, uint64(1), stats.Replies)
	})

	t.Run("ForeignAddressIgnored", func(t *testing.T) {
		f := newFixture(t)
		f.server.SendForeignReplies(true)

		require.NoError(t, f.null(t))
		require.Eventually(t, func() bool {
			return f.daemon.Stats().Dropped == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(1), f.daemon.Stats().Replies)
	})
}

func TestRebase(t *testing.T) {
	ts, err := nfstest.Start(nfstest.Config{})
	require.NoError(t, err)
	defer ts.Close()

	d, err := NewDaemon(Config{LocalAddr: "127.0.0.1:0", RebaseAfter: time.Millisecond})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Shutdown()) }()

	srv, err := NewServer(ServerConfig{
		Addr:         ts.Addr(),
		Program:      rpc.ProgramNFS,
		Version:      nfs.Version,
		InitialRetry: 10 * time.Millisecond,
		MaxRetry:     50 * time.Millisecond,
		Timeout:      time.Second,
	})
	require.NoError(t, err)
	pool := d.NewPool(rpc.ProgramNFS, nfs.Version, 1024, 2)
	defer pool.Close()

	ts.DropRequests(3)
	require.NoError(t, pool.Call(context.Background(), srv, nfs.ProcNull, nil, nil, GetWait, 0))
	assert.Equal(t, uint64(3), srv.Stats().Retransmits)

	ts.DropRequests(1 << 20)
	err = pool.Call(context.Background(), srv, nfs.ProcNull, nil, nil, GetWait, 100*time.Millisecond)
	assert.True(t, merry.Is(err, ErrTimedOut))
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestShutdown(t *testing.T) {
	t.Run("BusyWhileInFlight", func(t *testing.T) {
		f := newFixture(t, func(c *ServerConfig) { c.InitialRetry = time.Second; c.MaxRetry = time.Second })
		f.server.Delay(300 * time.Millisecond)

		done := make(chan error, 1)
		go func() { done <- f.null(t) }()

		require.Eventually(t, func() bool {
			return f.daemon.Stats().InFlight == 1
		}, time.Second, time.Millisecond)

		err := f.daemon.Shutdown()
		require.Error(t, err)
		assert.True(t, merry.Is(err, ErrBusy))
		assert.Equal(t, unix.EBUSY, errno.Of(err))

		// The in-flight call still completes, new ones are refused.
		require.NoError(t, <-done)
		assert.True(t, merry.Is(f.null(t), ErrShutdown))

		require.NoError(t, f.daemon.Shutdown())
		require.NoError(t, f.daemon.Shutdown())
	})

	t.Run("Idle", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.null(t))
		require.NoError(t, f.daemon.Shutdown())

		x, ok := newXact(f.daemon.Registry(), nil, rpc.ProgramNFS, nfs.Version, 64)
		require.True(t, ok)
		defer x.destroy()
		assert.True(t, merry.Is(f.daemon.Submit(x), ErrShutdown))
	})
}

func TestShutdownRacingSubmit(t *testing.T) {
	t.Run("EveryCallReturns", func(t *testing.T) {
		f := newFixture(t)

		const callers = 32
		results := make(chan error, callers)
		var start sync.WaitGroup
		start.Add(1)
		for i := 0; i < callers; i++ {
			go func() {
				start.Wait()
				results <- f.null(t)
			}()
		}
		start.Done()

		require.Eventually(t, func() bool {
			return f.daemon.Shutdown() == nil
		}, 5*time.Second, time.Millisecond)

		for i := 0; i < callers; i++ {
			select {
			case err := <-results:
				if err != nil {
					assert.True(t, merry.Is(err, ErrShutdown), "unexpected error: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("call left waiting after shutdown")
			}
		}
	})

	t.Run("StoppedWinsOverStaleCheck", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.daemon.Shutdown())

		// A sender that read closing before Shutdown ran must still be
		// refused once the loop is gone.
		f.daemon.closing.Store(false)
		defer f.daemon.closing.Store(true)

		for i := 0; i < 64; i++ {
			x, ok := newXact(f.daemon.Registry(), nil, rpc.ProgramNFS, nfs.Version, 64)
			require.True(t, ok)
			assert.True(t, merry.Is(f.daemon.Submit(x), ErrShutdown))
			x.destroy()
		}
	})

	t.Run("QueuedAfterStopIsFailed", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.daemon.Shutdown())

		x, ok := newXact(f.daemon.Registry(), nil, rpc.ProgramNFS, nfs.Version, 64)
		require.True(t, ok)
		defer x.destroy()

		f.daemon.submit <- x
		f.daemon.failSubmissions()

		select {
		case <-x.done:
			assert.True(t, merry.Is(x.err, ErrShutdown))
		case <-time.After(time.Second):
			t.Fatal("queued transaction was not completed")
		}
	})
}

// ============================================================================
// Pools
// ============================================================================

func TestPool(t *testing.T) {
	d, err := NewDaemon(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer func() { _ = d.Shutdown() }()

	t.Run("Fail", func(t *testing.T) {
		p := d.NewPool(1, 1, 64, 1)
		defer p.Close()

		x, err := p.Get(context.Background(), GetFail)
		require.NoError(t, err)

		_, err = p.Get(context.Background(), GetFail)
		assert.True(t, merry.Is(err, ErrOutOfTransactions))
		assert.Equal(t, unix.ENOMEM, errno.Of(err))

		p.Put(x)
		again, err := p.Get(context.Background(), GetFail)
		require.NoError(t, err)
		assert.Same(t, x, again, "a returned transaction is reused")
		p.Put(again)
	})

	t.Run("Create", func(t *testing.T) {
		p := d.NewPool(1, 1, 64, 1)
		defer p.Close()

		x, err := p.Get(context.Background(), GetFail)
		require.NoError(t, err)
		owned := d.Registry().Owned()

		extra, err := p.Get(context.Background(), GetCreate)
		require.NoError(t, err)
		assert.Nil(t, extra.pool)
		assert.NotEqual(t, x.Slot(), extra.Slot())
		assert.Equal(t, owned+1, d.Registry().Owned())
		assert.Equal(t, 1, p.Outstanding())

		p.Put(extra)
		assert.Equal(t, owned, d.Registry().Owned(), "fabricated transactions are destroyed on release")
		p.Put(x)
	})

	t.Run("Wait", func(t *testing.T) {
		p := d.NewPool(1, 1, 64, 1)
		defer p.Close()

		x, err := p.Get(context.Background(), GetWait)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = p.Get(ctx, GetWait)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		go func() {
			time.Sleep(10 * time.Millisecond)
			p.Put(x)
		}()
		got, err := p.Get(context.Background(), GetWait)
		require.NoError(t, err)
		assert.Same(t, x, got)
		p.Put(got)
	})

	t.Run("CloseWakesWaiters", func(t *testing.T) {
		p := d.NewPool(1, 1, 64, 1)
		x, err := p.Get(context.Background(), GetWait)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := p.Get(context.Background(), GetWait)
			done <- err
		}()
		time.Sleep(10 * time.Millisecond)
		p.Close()
		assert.True(t, merry.Is(<-done, ErrShutdown))

		owned := d.Registry().Owned()
		p.Put(x)
		assert.Equal(t, owned-1, d.Registry().Owned())
		assert.Zero(t, p.Outstanding())
	})

	t.Run("ModeString", func(t *testing.T) {
		assert.Equal(t, "fail", GetFail.String())
		assert.Equal(t, "wait", GetWait.String())
		assert.Equal(t, "create", GetCreate.String())
	})
}

func TestCallerSelectsSizeClass(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.server.WriteFile("/big", nil, 0o644))
	fh, err := f.server.Handle("/big")
	require.NoError(t, err)

	small := f.daemon.NewPool(rpc.ProgramNFS, nfs.Version, 512, 2)
	large := f.daemon.NewPool(rpc.ProgramNFS, nfs.Version, nfs.MaxData+1024, 2)
	caller := &Caller{
		Small: small,
		Large: large,
		Bulk:  func(proc uint32) bool { return proc == nfs.ProcWrite },
		Mode:  GetWait,
	}
	defer caller.Close()

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	res := &nfs.AttrStat{}
	require.NoError(t, caller.Call(context.Background(), f.srv, nfs.ProcWrite,
		&nfs.WriteArgs{File: fh, Data: data}, res, 0))
	assert.EqualValues(t, nfs.NFSOK, res.Status)
	assert.EqualValues(t, len(data), res.Attr.Size)
	assert.Equal(t, 1, large.Outstanding())
	assert.Zero(t, small.Outstanding())

	require.NoError(t, caller.Call(context.Background(), f.srv, nfs.ProcGetAttr,
		&nfs.FHArgs{File: fh}, res, 0))
	assert.Equal(t, 1, small.Outstanding())

	got, err := f.server.ReadFile("/big")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
