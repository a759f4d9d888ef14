package rpcio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/marmos91/nfsclient/internal/logger"
	"github.com/marmos91/nfsclient/internal/protocol/rpc"
	"github.com/marmos91/nfsclient/pkg/metrics"
)

const (
	// DefaultQueueDepth bounds the submission channel.
	DefaultQueueDepth = 64

	// DefaultRebaseAfter is the epoch age after which stored deadlines are
	// rebased.
	DefaultRebaseAfter = time.Hour

	// idleWait is how long the loop sleeps with nothing to retransmit.
	idleWait = time.Minute
)

// Config configures a Daemon.
type Config struct {
	// LocalAddr is the local UDP address to bind; empty binds an
	// ephemeral port on all interfaces.
	LocalAddr string

	// QueueDepth bounds the number of submissions waiting for the loop.
	QueueDepth int

	// RebaseAfter is the epoch age that triggers a deadline rebase.
	RebaseAfter time.Duration

	Clock   clockwork.Clock
	Metrics metrics.RPCMetrics
}

func (c *Config) applyDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.RebaseAfter <= 0 {
		c.RebaseAfter = DefaultRebaseAfter
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoopRPCMetrics()
	}
}

type datagram struct {
	buf  []byte
	addr *net.UDPAddr
}

// Daemon is the dispatch daemon: the single goroutine that owns the UDP
// socket, the in-flight registry and the retry queue.
//
// Callers reach it only through the bounded submission channel and the
// per-transaction done channel. A companion goroutine reads datagrams and
// forwards them untouched; every decision about them is taken by the loop.
type Daemon struct {
	conn        *net.UDPConn
	clock       clockwork.Clock
	metrics     metrics.RPCMetrics
	rebaseAfter time.Duration

	registry *Registry

	// Loop-owned.
	queue *retryQueue
	epoch time.Time

	submit   chan *Xact
	recv     chan datagram
	shutdown chan chan error
	stopped  chan struct{}
	closing  atomic.Bool
	wg       sync.WaitGroup

	// submitMu orders submissions against Shutdown: once closing is set
	// under the write lock, no sender can still be parked on submit.
	submitMu sync.RWMutex

	submitted      atomic.Uint64
	sent           atomic.Uint64
	retransmits    atomic.Uint64
	replies        atomic.Uint64
	lateDuplicates atomic.Uint64
	dropped        atomic.Uint64
	timeouts       atomic.Uint64
	inFlight       atomic.Int64
}

// NewDaemon binds the socket and starts the dispatch loop.
func NewDaemon(cfg Config) (*Daemon, error) {
	cfg.applyDefaults()

	var laddr *net.UDPAddr
	if cfg.LocalAddr != "" {
		var err error
		if laddr, err = net.ResolveUDPAddr("udp", cfg.LocalAddr); err != nil {
			return nil, fmt.Errorf("resolve local address %q: %w", cfg.LocalAddr, err)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind rpc socket: %w", err)
	}

	d := &Daemon{
		conn:        conn,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		rebaseAfter: cfg.RebaseAfter,
		registry:    newRegistry(),
		queue:       newRetryQueue(),
		epoch:       cfg.Clock.Now(),
		submit:      make(chan *Xact, cfg.QueueDepth),
		recv:        make(chan datagram, cfg.QueueDepth),
		shutdown:    make(chan chan error),
		stopped:     make(chan struct{}),
	}

	d.wg.Add(2)
	go d.receiveLoop()
	go d.run()

	logger.Debug("rpc daemon listening on %s", conn.LocalAddr())
	return d, nil
}

// LocalAddr returns the bound socket address.
func (d *Daemon) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Registry returns the transaction arena.
func (d *Daemon) Registry() *Registry {
	return d.registry
}

// Do submits x and blocks until the daemon completes it. A completed call
// either carries a reply datagram in x.reply or an error.
func (d *Daemon) Do(x *Xact) error {
	if err := d.Submit(x); err != nil {
		return err
	}
	<-x.done
	return x.err
}

// Submit hands x to the loop without waiting for completion.
func (d *Daemon) Submit(x *Xact) error {
	d.submitMu.RLock()
	defer d.submitMu.RUnlock()

	if d.closing.Load() {
		return ErrShutdown.Here()
	}
	select {
	case <-d.stopped:
		return ErrShutdown.Here()
	default:
	}
	x.releaseReply()
	x.err = nil
	select {
	case d.submit <- x:
		d.submitted.Add(1)
		return nil
	case <-d.stopped:
		return ErrShutdown.Here()
	}
}

// Shutdown stops the daemon. New submissions are refused from the first
// call on; while any transaction is still in flight the daemon keeps
// serving it and Shutdown returns ErrBusy.
func (d *Daemon) Shutdown() error {
	d.submitMu.Lock()
	d.closing.Store(true)
	d.submitMu.Unlock()

	reply := make(chan error, 1)
	select {
	case d.shutdown <- reply:
	case <-d.stopped:
		return nil
	}
	if err := <-reply; err != nil {
		return err
	}
	d.wg.Wait()
	logger.Debug("rpc daemon stopped")
	return nil
}

// ============================================================================
// Dispatch loop
// ============================================================================

func (d *Daemon) run() {
	defer d.wg.Done()

	timer := d.clock.NewTimer(idleWait)
	defer timer.Stop()

	for {
		d.maybeRebase()

		wait := idleWait
		if head, ok := d.queue.head(); ok {
			wait = head.deadline - d.now()
			if wait <= 0 {
				d.expire()
				continue
			}
		}
		timer.Reset(wait)

		select {
		case x := <-d.submit:
			d.start(x)
			d.drainSubmissions()

		case dg := <-d.recv:
			d.receive(dg)
			d.drainReplies()

		case <-timer.Chan():
			d.expire()

		case reply := <-d.shutdown:
			d.drainSubmissions()
			if n := d.registry.count; n > 0 {
				reply <- ErrBusy.Here().WithMessagef("rpc: %d transactions still in flight", n)
				continue
			}
			close(d.stopped)
			_ = d.conn.Close()
			d.failSubmissions()
			reply <- nil
			return
		}
	}
}

func (d *Daemon) drainSubmissions() {
	for {
		select {
		case x := <-d.submit:
			d.start(x)
		default:
			return
		}
	}
}

// failSubmissions completes whatever is still queued once the loop has
// stopped, so no Do is left waiting on a daemon that will never run again.
func (d *Daemon) failSubmissions() {
	for {
		select {
		case x := <-d.submit:
			d.complete(x, ErrShutdown.Here())
		default:
			return
		}
	}
}

func (d *Daemon) drainReplies() {
	for {
		select {
		case dg := <-d.recv:
			d.receive(dg)
		default:
			return
		}
	}
}

// now returns the current offset from the epoch.
func (d *Daemon) now() time.Duration {
	return d.clock.Since(d.epoch)
}

// maybeRebase moves the epoch forward so stored offsets stay small.
func (d *Daemon) maybeRebase() {
	delta := d.now()
	if delta < d.rebaseAfter {
		return
	}
	d.epoch = d.epoch.Add(delta)
	d.queue.rebase(delta)
	for _, x := range d.registry.inflight {
		if x != nil {
			x.expiry -= delta
			x.entry.deadline -= delta
		}
	}
	logger.Debug("rpc daemon rebased deadlines by %s", delta)
}

// start registers a new submission and sends it for the first time.
func (d *Daemon) start(x *Xact) {
	if d.closing.Load() {
		d.complete(x, ErrShutdown.Here())
		return
	}

	now := d.now()
	x.sends = 0
	x.started = d.clock.Now()
	x.expiry = now + x.lifetime
	x.server.requests.Add(1)

	d.registry.insert(x)
	d.inFlight.Add(1)
	d.metrics.SetInFlight(d.registry.count)

	if err := d.send(x); err != nil {
		d.registry.remove(x)
		d.inFlight.Add(-1)
		d.complete(x, ErrCantSend.Here().WithMessagef("rpc: send to %s: %v", x.server.addr, err))
		return
	}
	d.schedule(x, now)
}

// send stamps a fresh XID generation and writes the datagram. WriteToUDP
// copies the buffer before returning, so nothing aliases the argument
// buffer once send is done.
func (d *Daemon) send(x *Xact) error {
	x.xid += generation
	msg := x.args.Bytes()
	rpc.PutXID(msg, x.xid)

	x.sentAt = d.clock.Now()
	x.sends++
	if _, err := d.conn.WriteToUDP(msg, x.server.addr); err != nil {
		return err
	}
	d.sent.Add(1)
	return nil
}

// schedule queues the next deadline: the retry interval, or whatever is
// left of the call lifetime if that is sooner.
func (d *Daemon) schedule(x *Xact, now time.Duration) {
	interval := min(x.expiry-now, x.server.RetryInterval())
	x.entry = retryEntry{deadline: now + interval, slot: x.slot}
	d.queue.push(x.entry)
}

// expire handles every queue entry whose deadline has passed.
func (d *Daemon) expire() {
	now := d.now()
	for {
		head, ok := d.queue.head()
		if !ok || head.deadline > now {
			return
		}
		d.queue.remove(head)

		x := d.registry.inflight[head.slot]
		if x == nil {
			continue
		}

		if now >= x.expiry {
			// Advance the XID so a reply arriving afterwards cannot match.
			x.xid += generation
			d.registry.remove(x)
			d.inFlight.Add(-1)
			d.timeouts.Add(1)
			x.server.timeouts.Add(1)
			d.metrics.RecordTimeout(x.program)
			d.metrics.SetInFlight(d.registry.count)
			d.complete(x, ErrTimedOut.Here().WithMessagef(
				"rpc: proc %d to %s timed out after %d sends", x.procedure, x.server.addr, x.sends))
			continue
		}

		if x.sends > 1 {
			x.server.backoff()
		}
		x.server.retransmits.Add(1)
		d.retransmits.Add(1)
		d.metrics.RecordRetransmit(x.program)
		if err := d.send(x); err != nil {
			logger.Warn("rpc: retransmit xid %#x to %s: %v", x.xid, x.server.addr, err)
		}
		d.schedule(x, now)
	}
}

// receive matches a datagram to its transaction.
func (d *Daemon) receive(dg datagram) {
	xid, ok := rpc.PeekXID(dg.buf)
	if !ok {
		d.drop(dg, "garbage")
		logger.Debug("rpc: runt datagram (%d bytes) from %s", len(dg.buf), dg.addr)
		return
	}

	x := d.registry.lookup(xid)
	if x == nil {
		d.drop(dg, "late_duplicate")
		d.lateDuplicates.Add(1)
		logger.Debug("rpc: reply xid %#x for idle slot %d", xid, xid&slotMask)
		return
	}

	if !sameEndpoint(dg.addr, x.server.addr) {
		d.drop(dg, "mismatch")
		logger.Warn("rpc: reply xid %#x from %s, expected %s", xid, dg.addr, x.server.addr)
		return
	}

	if xid != x.xid {
		behind := generationsBehind(x.xid, xid)
		if behind >= 1 && behind <= lateGenerations {
			d.drop(dg, "late_duplicate")
			d.lateDuplicates.Add(1)
			logger.Debug("rpc: late duplicate xid %#x (current %#x)", xid, x.xid)
		} else {
			d.drop(dg, "mismatch")
			logger.Warn("rpc: reply xid %#x does not match %#x in slot %d", xid, x.xid, x.slot)
		}
		return
	}

	d.queue.remove(x.entry)
	d.registry.remove(x)
	d.inFlight.Add(-1)
	d.replies.Add(1)
	d.metrics.SetInFlight(d.registry.count)

	x.server.observeRTT(d.clock.Since(x.sentAt))
	x.trip = d.clock.Since(x.started)
	x.reply = globalBufferPool.shrink(dg.buf)
	d.complete(x, nil)
}

func (d *Daemon) drop(dg datagram, reason string) {
	globalBufferPool.Put(dg.buf)
	d.dropped.Add(1)
	d.metrics.RecordDroppedReply(reason)
}

func (d *Daemon) complete(x *Xact, err error) {
	x.err = err
	select {
	case x.done <- struct{}{}:
	default:
	}
}

func sameEndpoint(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// receiveLoop forwards datagrams to the dispatch loop.
func (d *Daemon) receiveLoop() {
	defer d.wg.Done()

	for {
		buf := globalBufferPool.Get(largeBufferSize)
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			globalBufferPool.Put(buf)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("rpc: receive: %v", err)
			continue
		}

		select {
		case d.recv <- datagram{buf: buf[:n], addr: addr}:
		case <-d.stopped:
			globalBufferPool.Put(buf)
			return
		}
	}
}

// ============================================================================
// Statistics
// ============================================================================

// Stats is a snapshot of daemon counters.
type Stats struct {
	Submitted      uint64
	Sent           uint64
	Retransmits    uint64
	Replies        uint64
	LateDuplicates uint64
	Dropped        uint64
	Timeouts       uint64
	InFlight       int64
	Transactions   int
}

// Stats returns a snapshot of daemon counters.
func (d *Daemon) Stats() Stats {
	return Stats{
		Submitted:      d.submitted.Load(),
		Sent:           d.sent.Load(),
		Retransmits:    d.retransmits.Load(),
		Replies:        d.replies.Load(),
		LateDuplicates: d.lateDuplicates.Load(),
		Dropped:        d.dropped.Load(),
		Timeouts:       d.timeouts.Load(),
		InFlight:       d.inFlight.Load(),
		Transactions:   d.registry.Owned(),
	}
}
