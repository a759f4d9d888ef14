package rpcio

import (
	"context"
	"sync"
)

// GetMode selects what Pool.Get does when no transaction is free.
type GetMode int

const (
	// GetFail returns ErrOutOfTransactions.
	GetFail GetMode = iota

	// GetWait blocks until a transaction is returned.
	GetWait

	// GetCreate fabricates a pool-less transaction that is destroyed on Put.
	GetCreate
)

func (m GetMode) String() string {
	switch m {
	case GetFail:
		return "fail"
	case GetWait:
		return "wait"
	case GetCreate:
		return "create"
	default:
		return "unknown"
	}
}

// Pool is a bounded set of reusable transactions for one (program,
// version, argument buffer size) class. Transactions are constructed lazily
// up to the pool's capacity.
type Pool struct {
	daemon  *Daemon
	program uint32
	version uint32
	size    int

	free chan *Xact
	done chan struct{}

	mu       sync.Mutex
	capacity int
	created  int
	closed   bool
}

// NewPool creates a pool of up to capacity transactions whose argument
// buffers hold bufferSize bytes.
func (d *Daemon) NewPool(program, version uint32, bufferSize, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		daemon:   d,
		program:  program,
		version:  version,
		size:     bufferSize,
		free:     make(chan *Xact, capacity),
		done:     make(chan struct{}),
		capacity: capacity,
	}
}

// BufferSize returns the argument buffer capacity of this class.
func (p *Pool) BufferSize() int { return p.size }

// Get borrows a transaction. ctx bounds the wait in GetWait mode only.
func (p *Pool) Get(ctx context.Context, mode GetMode) (*Xact, error) {
	select {
	case x := <-p.free:
		return x, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown.Here()
	}
	if p.created < p.capacity {
		p.created++
		p.mu.Unlock()
		x, ok := newXact(p.daemon.registry, p, p.program, p.version, p.size)
		if !ok {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, ErrOutOfTransactions.Here()
		}
		return x, nil
	}
	p.mu.Unlock()

	switch mode {
	case GetCreate:
		x, ok := newXact(p.daemon.registry, nil, p.program, p.version, p.size)
		if !ok {
			return nil, ErrOutOfTransactions.Here()
		}
		return x, nil

	case GetWait:
		select {
		case x := <-p.free:
			return x, nil
		case <-p.done:
			return nil, ErrShutdown.Here()
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, ErrOutOfTransactions.Here()
	}
}

// Put returns a borrowed transaction. Fabricated transactions, and any
// returned after Close, are destroyed.
func (p *Pool) Put(x *Xact) {
	x.releaseReply()
	x.server = nil
	x.err = nil

	if x.pool == nil {
		x.destroy()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		x.destroy()
		p.created--
		return
	}
	select {
	case p.free <- x:
	default:
		x.destroy()
		p.created--
	}
}

// Close destroys idle transactions and makes the pool refuse new borrows.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.done)

	for {
		select {
		case x := <-p.free:
			x.destroy()
			p.created--
		default:
			return
		}
	}
}

// Outstanding returns how many pooled transactions exist, idle or borrowed.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
