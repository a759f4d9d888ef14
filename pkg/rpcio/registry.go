package rpcio

import (
	"math/rand/v2"
	"sync"
)

const (
	// RegistrySize is the number of transaction slots. The low bits of an
	// XID select the slot.
	RegistrySize = 2048

	slotMask = RegistrySize - 1

	// generation is the XID increment applied on every transmission. It
	// leaves the slot bits untouched.
	generation = RegistrySize

	// lateGenerations is how far behind the current XID a reply may be and
	// still count as a harmless late duplicate rather than a mismatch.
	lateGenerations = 2
)

// Registry is the fixed-size transaction arena.
//
// A transaction owns its slot from creation to destruction, so the slot is
// a stable handle. The in-flight table maps a slot to its transaction only
// while a call is outstanding; it is touched exclusively by the dispatch
// daemon and needs no locking. Slot allocation happens on caller goroutines
// and is guarded by mu.
type Registry struct {
	mu     sync.Mutex
	free   []uint32
	owners [RegistrySize]*Xact

	inflight [RegistrySize]*Xact
	count    int
}

func newRegistry() *Registry {
	r := &Registry{free: make([]uint32, RegistrySize)}
	for i := range r.free {
		r.free[i] = uint32(RegistrySize - 1 - i)
	}
	return r
}

// alloc assigns a free slot to x and seeds its XID with random generation
// bits so that a restarted client does not reuse recent identifiers.
func (r *Registry) alloc(x *Xact) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.free)
	if n == 0 {
		return false
	}
	slot := r.free[n-1]
	r.free = r.free[:n-1]
	r.owners[slot] = x

	x.slot = slot
	x.xid = rand.Uint32()&^slotMask | slot
	return true
}

func (r *Registry) release(x *Xact) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[x.slot] != x {
		return
	}
	r.owners[x.slot] = nil
	r.free = append(r.free, x.slot)
}

// Owned returns the number of transactions currently holding a slot.
func (r *Registry) Owned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistrySize - len(r.free)
}

// insert marks x as in flight. Daemon only.
func (r *Registry) insert(x *Xact) {
	if r.inflight[x.slot] == nil {
		r.count++
	}
	r.inflight[x.slot] = x
}

// remove clears the in-flight entry of x. Daemon only.
func (r *Registry) remove(x *Xact) {
	if r.inflight[x.slot] != x {
		return
	}
	r.inflight[x.slot] = nil
	r.count--
}

// lookup returns the in-flight transaction whose slot matches xid. Daemon only.
func (r *Registry) lookup(xid uint32) *Xact {
	return r.inflight[xid&slotMask]
}

// generationsBehind returns how many transmissions ago xid was current for
// a transaction whose XID is now current. Both must share a slot.
func generationsBehind(current, xid uint32) uint32 {
	return (current - xid) / generation
}
