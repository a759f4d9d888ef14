package nfsclient

import (
	"context"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"golang.org/x/sys/unix"
)

// File is an open regular file. It holds its own node reference and a
// file offset; transfers are split into READ and WRITE calls of at most the
// mount's transfer sizes. File contents are never cached.
type File struct {
	node  *Node
	flags int

	mu     sync.Mutex
	offset int64

	closed atomic.Bool
}

var (
	_ io.ReadWriteSeeker = (*File)(nil)
	_ io.ReaderAt        = (*File)(nil)
	_ io.WriterAt        = (*File)(nil)
	_ io.Closer          = (*File)(nil)
)

func openFile(ctx context.Context, n *Node, flags int) (*File, error) {
	c, err := n.Clone()
	if err != nil {
		return nil, err
	}
	f := &File{node: c, flags: flags}
	if flags&os.O_TRUNC != 0 && f.writable() {
		if err := f.node.Truncate(ctx, 0); err != nil {
			f.node.Release()
			return nil, err
		}
	}
	return f, nil
}

// Node returns the file's node. It stays valid until Close.
func (f *File) Node() *Node { return f.node }

func (f *File) readable() bool {
	return f.flags&(os.O_WRONLY|os.O_RDWR) != os.O_WRONLY
}

func (f *File) writable() bool {
	return f.flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	return f.ReadContext(context.Background(), p)
}

// ReadContext reads from the current offset and advances it.
func (f *File) ReadContext(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.readAt(ctx, p, f.offset)
	f.offset += int64(n)
	return n, err
}

// ReadAt implements io.ReaderAt; it does not move the offset.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.readAt(context.Background(), p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *File) readAt(ctx context.Context, p []byte, off int64) (total int, err error) {
	m := f.node.mount
	defer m.track("read", time.Now(), &err)
	defer func() { m.driver.cfg.Metrics.RecordBytesTransferred("read", int64(total)) }()

	switch {
	case f.closed.Load():
		return 0, localError(unix.EBADF, "read", f.node.Name())
	case !f.readable():
		return 0, localError(unix.EBADF, "read", f.node.Name())
	case off < 0:
		return 0, localError(unix.EINVAL, "read", f.node.Name())
	case len(p) == 0:
		return 0, nil
	case off >= math.MaxUint32:
		return 0, io.EOF
	}

	handle := f.node.Handle()
	rsize := int(m.opts.ReadSize)
	for total < len(p) {
		count := min(len(p)-total, rsize, int(math.MaxUint32-off-int64(total)))
		if count == 0 {
			break
		}
		args := &nfs.ReadArgs{File: handle, Offset: uint32(off + int64(total)), Count: uint32(count)}
		res := &nfs.ReadRes{Data: p[total : total+count]}
		if err := m.call(ctx, nfs.ProcRead, args, res); err != nil {
			return total, err
		}
		if res.Status != nfs.NFSOK {
			return total, remoteError(res.Status, "read", f.node.Name())
		}
		f.node.update(res.Attr)
		total += res.Count
		if res.Count < count {
			break
		}
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.WriteContext(context.Background(), p)
}

// WriteContext writes at the current offset, or at the end of the file in
// append mode, and advances the offset.
func (f *File) WriteContext(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flags&os.O_APPEND != 0 && !f.closed.Load() {
		if err := f.node.Refresh(ctx, true); err != nil {
			return 0, err
		}
		f.offset = int64(f.node.Attr().Size)
	}
	n, err := f.writeAt(ctx, p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt implements io.WriterAt; it does not move the offset.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.writeAt(context.Background(), p, off)
}

// writeAt sends p in chunks. A failed chunk leaves the cached attributes
// force-refreshed from the server.
func (f *File) writeAt(ctx context.Context, p []byte, off int64) (total int, err error) {
	m := f.node.mount
	defer m.track("write", time.Now(), &err)
	defer func() { m.driver.cfg.Metrics.RecordBytesTransferred("write", int64(total)) }()

	switch {
	case f.closed.Load():
		return 0, localError(unix.EBADF, "write", f.node.Name())
	case !f.writable():
		return 0, localError(unix.EBADF, "write", f.node.Name())
	case off < 0:
		return 0, localError(unix.EINVAL, "write", f.node.Name())
	case off+int64(len(p)) > math.MaxUint32:
		return 0, localError(unix.EFBIG, "write", f.node.Name())
	}

	handle := f.node.Handle()
	wsize := int(m.opts.WriteSize)
	for total < len(p) {
		count := min(len(p)-total, wsize)
		args := &nfs.WriteArgs{File: handle, Offset: uint32(off + int64(total)), Data: p[total : total+count]}
		var res nfs.AttrStat
		if err := m.call(ctx, nfs.ProcWrite, args, &res); err != nil {
			f.node.bestEffortRefresh(ctx)
			return total, err
		}
		if res.Status != nfs.NFSOK {
			f.node.bestEffortRefresh(ctx)
			return total, remoteError(res.Status, "write", f.node.Name())
		}
		f.node.update(res.Attr)
		total += count
	}
	return total, nil
}

// Seek implements io.Seeker. Seeking relative to the end uses the cached
// size, revalidated if stale.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		if err := f.node.Refresh(context.Background(), false); err != nil {
			return f.offset, err
		}
		base = int64(f.node.Attr().Size)
	default:
		return f.offset, localError(unix.EINVAL, "seek", f.node.Name())
	}
	if base+offset < 0 {
		return f.offset, localError(unix.EINVAL, "seek", f.node.Name())
	}
	f.offset = base + offset
	return f.offset, nil
}

// Truncate changes the file size.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if !f.writable() {
		return localError(unix.EBADF, "truncate", f.node.Name())
	}
	return f.node.Truncate(ctx, size)
}

// Stat returns the file's attributes, revalidated if stale.
func (f *File) Stat(ctx context.Context) (Stat, error) {
	return f.node.Stat(ctx)
}

// Close releases the file's node reference.
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return localError(unix.EBADF, "close", f.node.Name())
	}
	f.node.Release()
	return nil
}
