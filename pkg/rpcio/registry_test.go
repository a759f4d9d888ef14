package rpcio

import (
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAlloc(t *testing.T) {
	t.Run("SlotsAreUniqueUnderConcurrency", func(t *testing.T) {
		reg := newRegistry()

		var (
			mu    sync.Mutex
			xacts []*Xact
			wg    sync.WaitGroup
		)
		for g := 0; g < 16; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < RegistrySize/16; i++ {
					x, ok := newXact(reg, nil, 1, 1, 64)
					if !ok {
						t.Error("registry exhausted early")
						return
					}
					mu.Lock()
					xacts = append(xacts, x)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, xacts, RegistrySize)
		seen := make(map[uint32]bool, RegistrySize)
		for _, x := range xacts {
			assert.False(t, seen[x.slot], "slot %d assigned twice", x.slot)
			seen[x.slot] = true
			assert.Equal(t, x.slot, x.xid&slotMask, "xid low bits must select the slot")
		}
		assert.Equal(t, RegistrySize, reg.Owned())

		_, ok := newXact(reg, nil, 1, 1, 64)
		assert.False(t, ok, "a full registry must refuse new transactions")
	})

	t.Run("DestroyFreesSlot", func(t *testing.T) {
		reg := newRegistry()
		x, ok := newXact(reg, nil, 1, 1, 64)
		require.True(t, ok)
		assert.Equal(t, 1, reg.Owned())

		x.destroy()
		assert.Equal(t, 0, reg.Owned())

		// A second destroy is harmless.
		x.destroy()
		assert.Equal(t, 0, reg.Owned())
	})
}

func TestRegistryInflight(t *testing.T) {
	reg := newRegistry()
	x, ok := newXact(reg, nil, 1, 1, 64)
	require.True(t, ok)

	assert.Nil(t, reg.lookup(x.xid))

	reg.insert(x)
	assert.Equal(t, 1, reg.count)
	assert.Same(t, x, reg.lookup(x.xid))
	assert.Same(t, x, reg.lookup(x.xid+generation), "lookup matches on slot bits only")

	reg.insert(x)
	assert.Equal(t, 1, reg.count, "reinserting must not double count")

	reg.remove(x)
	assert.Equal(t, 0, reg.count)
	assert.Nil(t, reg.lookup(x.xid))
}

func TestGenerationsBehind(t *testing.T) {
	current := uint32(7*generation + 42)

	assert.Equal(t, uint32(0), generationsBehind(current, current))
	assert.Equal(t, uint32(1), generationsBehind(current, current-generation))
	assert.Equal(t, uint32(2), generationsBehind(current, current-2*generation))
	assert.Equal(t, uint32(3), generationsBehind(current, current-3*generation))

	// A reply from the future wraps to a huge distance, never a late one.
	assert.Greater(t, generationsBehind(current, current+generation), uint32(lateGenerations))

	// Wrap-around of the 32-bit XID space.
	wrapped := uint32(5)
	assert.Equal(t, uint32(1), generationsBehind(wrapped, wrapped-generation))
}

func TestRetryQueue(t *testing.T) {
	t.Run("HeadIsNearestDeadline", func(t *testing.T) {
		q := newRetryQueue()
		_, ok := q.head()
		assert.False(t, ok)

		var pushed []retryEntry
		for i := 0; i < 200; i++ {
			e := retryEntry{deadline: time.Duration(rand.IntN(50)) * time.Millisecond, slot: uint32(i)}
			pushed = append(pushed, e)
			q.push(e)
		}
		require.Equal(t, len(pushed), q.len())

		entries := q.entries()
		assert.True(t, sort.SliceIsSorted(entries, func(i, j int) bool {
			return entries[i].Less(entries[j])
		}))

		head, ok := q.head()
		require.True(t, ok)
		assert.Equal(t, entries[0], head)
	})

	t.Run("RemoveExactEntry", func(t *testing.T) {
		q := newRetryQueue()
		a := retryEntry{deadline: time.Second, slot: 1}
		b := retryEntry{deadline: time.Second, slot: 2}
		q.push(a)
		q.push(b)

		assert.True(t, q.remove(a))
		assert.False(t, q.remove(a))
		head, _ := q.head()
		assert.Equal(t, b, head)
	})

	t.Run("RebasePreservesOrder", func(t *testing.T) {
		q := newRetryQueue()
		q.push(retryEntry{deadline: 3 * time.Hour, slot: 9})
		q.push(retryEntry{deadline: 2 * time.Hour, slot: 3})
		q.push(retryEntry{deadline: 2 * time.Hour, slot: 1})

		q.rebase(time.Hour)

		assert.Equal(t, []retryEntry{
			{deadline: time.Hour, slot: 1},
			{deadline: time.Hour, slot: 3},
			{deadline: 2 * time.Hour, slot: 9},
		}, q.entries())
	})
}

func TestServerRetryInterval(t *testing.T) {
	newServer := func(t *testing.T, initial, floor, ceiling time.Duration) *Server {
		srv, err := NewServer(ServerConfig{
			Addr:         "127.0.0.1:2049",
			InitialRetry: initial,
			MinRetry:     floor,
			MaxRetry:     ceiling,
		})
		require.NoError(t, err)
		return srv
	}

	t.Run("Defaults", func(t *testing.T) {
		srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:2049"})
		require.NoError(t, err)
		assert.Equal(t, DefaultInitialRetry, srv.RetryInterval())
		assert.Equal(t, DefaultTimeout, srv.timeout)
	})

	t.Run("MovingAverage", func(t *testing.T) {
		srv := newServer(t, 400*time.Millisecond, time.Millisecond, 3*time.Second)

		srv.observeRTT(10 * time.Millisecond)
		// (3*400 + 8*10) / 4
		assert.Equal(t, 320*time.Millisecond, srv.RetryInterval())
	})

	t.Run("NeverBelowSample", func(t *testing.T) {
		srv := newServer(t, time.Millisecond, time.Millisecond, 3*time.Second)

		srv.observeRTT(500 * time.Millisecond)
		assert.GreaterOrEqual(t, srv.RetryInterval(), 500*time.Millisecond)
	})

	t.Run("NeverBelowFloor", func(t *testing.T) {
		srv := newServer(t, 20*time.Millisecond, 20*time.Millisecond, 3*time.Second)

		for i := 0; i < 50; i++ {
			srv.observeRTT(time.Microsecond)
		}
		assert.Equal(t, 20*time.Millisecond, srv.RetryInterval())
	})

	t.Run("BackoffIsCapped", func(t *testing.T) {
		srv := newServer(t, 100*time.Millisecond, time.Millisecond, time.Second)

		srv.backoff()
		assert.Equal(t, 200*time.Millisecond, srv.RetryInterval())
		for i := 0; i < 10; i++ {
			srv.backoff()
			assert.LessOrEqual(t, srv.RetryInterval(), time.Second)
		}
		assert.Equal(t, time.Second, srv.RetryInterval())

		srv.observeRTT(10 * time.Second)
		assert.Equal(t, time.Second, srv.RetryInterval())
	})

	t.Run("InitialClampedToRange", func(t *testing.T) {
		srv := newServer(t, time.Minute, time.Millisecond, 2*time.Second)
		assert.Equal(t, 2*time.Second, srv.RetryInterval())
	})
}

func TestUnixAuth(t *testing.T) {
	auth, err := NewUnixAuth("client", 1000, 100, []uint32{100, 4})
	require.NoError(t, err)

	uid, gid := auth.Identity()
	assert.Equal(t, uint32(1000), uid)
	assert.Equal(t, uint32(100), gid)

	before := auth.opaque()
	require.NoError(t, auth.SetIdentity(0, 0, nil))
	after := auth.opaque()
	assert.NotEqual(t, before.Body, after.Body)

	uid, gid = auth.Identity()
	assert.Zero(t, uid)
	assert.Zero(t, gid)

	null := NewNullAuth()
	assert.Error(t, null.SetIdentity(1, 1, nil))
	assert.Empty(t, null.opaque().Body)
}
