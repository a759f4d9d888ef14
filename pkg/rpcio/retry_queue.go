package rpcio

import (
	"time"

	"github.com/google/btree"
)

// retryEntry orders in-flight transactions by deadline. Deadlines are
// offsets from the daemon's epoch; the slot breaks ties so every entry is
// unique.
type retryEntry struct {
	deadline time.Duration
	slot     uint32
}

func (e retryEntry) Less(than btree.Item) bool {
	o := than.(retryEntry)
	if e.deadline != o.deadline {
		return e.deadline < o.deadline
	}
	return e.slot < o.slot
}

// retryQueue is the time-ordered retransmission index. Its head is always
// the nearest deadline.
type retryQueue struct {
	tree *btree.BTree
}

func newRetryQueue() *retryQueue {
	return &retryQueue{tree: btree.New(16)}
}

func (q *retryQueue) push(e retryEntry) {
	q.tree.ReplaceOrInsert(e)
}

func (q *retryQueue) remove(e retryEntry) bool {
	return q.tree.Delete(e) != nil
}

func (q *retryQueue) head() (retryEntry, bool) {
	item := q.tree.Min()
	if item == nil {
		return retryEntry{}, false
	}
	return item.(retryEntry), true
}

func (q *retryQueue) len() int {
	return q.tree.Len()
}

// rebase shifts every deadline back by delta. Order is preserved since
// all entries move together.
func (q *retryQueue) rebase(delta time.Duration) {
	entries := q.entries()
	q.tree.Clear(false)
	for _, e := range entries {
		e.deadline -= delta
		q.tree.ReplaceOrInsert(e)
	}
}

// entries returns the queue contents in deadline order.
func (q *retryQueue) entries() []retryEntry {
	out := make([]retryEntry, 0, q.tree.Len())
	q.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(retryEntry))
		return true
	})
	return out
}
