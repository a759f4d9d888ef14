package nfsclient

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/internal/protocol/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.mount.Root()

	t.Run("File", func(t *testing.T) {
		name := uniqueName("file")
		n, err := root.Create(ctx, name, 0o640)
		require.NoError(t, err)
		defer n.Release()

		assert.Equal(t, KindRegular, n.Kind())
		assert.Equal(t, name, n.Name())
		assert.Equal(t, uint32(nfs.ModeReg|0o640), n.Attr().Mode)
		assert.Equal(t, uint32(1000), n.Attr().UID)
		assert.Equal(t, uint32(100), n.Attr().GID)

		attr, err := f.server.Attr("/" + name)
		require.NoError(t, err)
		assert.Equal(t, attr.Fileid, n.Attr().Fileid)
	})

	t.Run("InvalidatesParent", func(t *testing.T) {
		require.NoError(t, root.Refresh(ctx, true))
		n, err := root.Create(ctx, uniqueName("inval"), 0o644)
		require.NoError(t, err)
		defer n.Release()

		f.server.ResetCalls()
		require.NoError(t, root.Refresh(ctx, false))
		assert.Equal(t, 1, f.server.Calls(rpc.ProgramNFS, nfs.ProcGetAttr))
	})

	t.Run("Directory", func(t *testing.T) {
		name := uniqueName("dir")
		n, err := root.Mkdir(ctx, name, 0o700)
		require.NoError(t, err)
		defer n.Release()

		assert.Equal(t, KindDirectory, n.Kind())
		assert.Equal(t, uint32(nfs.ModeDir|0o700), n.Attr().Mode)

		_, err = root.Mkdir(ctx, name, 0o700)
		assert.Equal(t, unix.EEXIST, Errno(err))
	})

	t.Run("BadNames", func(t *testing.T) {
		cases := []struct {
			name string
			want unix.Errno
		}{
			{"", unix.EINVAL},
			{".", unix.EINVAL},
			{"..", unix.EINVAL},
			{"a/b", unix.EINVAL},
			{strings.Repeat("x", nfs.MaxNameLen+1), unix.ENAMETOOLONG},
		}
		for _, tc := range cases {
			_, err := root.Create(ctx, tc.name, 0o644)
			assert.Equal(t, tc.want, Errno(err), "%q", tc.name)
		}
	})

	t.Run("NotADirectory", func(t *testing.T) {
		require.NoError(t, f.server.WriteFile("/notdir", nil, 0o644))
		_, err := f.eval(t, "notdir").Create(ctx, "child", 0o644)
		assert.Equal(t, unix.ENOTDIR, Errno(err))
	})
}

func TestMknod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.mount.Root()

	dev, err := root.Mknod(ctx, "tty", nfs.ModeChr|0o620, 0x0401)
	require.NoError(t, err)
	defer dev.Release()
	assert.Equal(t, KindOther, dev.Kind())
	assert.Equal(t, nfs.NFCHR, dev.Attr().Type)
	assert.Equal(t, uint32(0x0401), dev.Attr().Rdev)

	fifo, err := root.Mknod(ctx, "pipe", nfs.ModeFifo|0o600, 0)
	require.NoError(t, err)
	defer fifo.Release()
	assert.Equal(t, nfs.NFFIFO, fifo.Attr().Type)

	reg, err := root.Mknod(ctx, "plain", 0o600, 0)
	require.NoError(t, err)
	defer reg.Release()
	assert.Equal(t, KindRegular, reg.Kind())

	_, err = root.Mknod(ctx, "bogus", nfs.ModeLnk|0o777, 0)
	assert.Equal(t, unix.EINVAL, Errno(err))
}

func TestSymlinkReadlink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.mount.Root()

	require.NoError(t, root.Symlink(ctx, "link", "some/where"))
	link, _, err := f.mount.Eval(ctx, nil, "link", false)
	require.NoError(t, err)
	defer link.Release()

	target, err := link.Readlink(ctx)
	require.NoError(t, err)
	assert.Equal(t, "some/where", target)

	_, err = root.Readlink(ctx)
	assert.Equal(t, unix.EINVAL, Errno(err))

	err = root.Symlink(ctx, "long", strings.Repeat("t", nfs.MaxPathLen+1))
	assert.Equal(t, unix.ENAMETOOLONG, Errno(err))
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.server.MkdirAll("/full/inner"))
	require.NoError(t, f.server.WriteFile("/gone", nil, 0o644))
	require.NoError(t, f.server.MkdirAll("/empty"))

	t.Run("File", func(t *testing.T) {
		require.NoError(t, f.eval(t, "gone").Remove(ctx))
		_, err := f.server.Attr("/gone")
		assert.Error(t, err)
	})

	t.Run("EmptyDirectory", func(t *testing.T) {
		require.NoError(t, f.eval(t, "empty").Remove(ctx))
		_, _, err := f.mount.Eval(ctx, nil, "empty", true)
		assert.Equal(t, unix.ENOENT, Errno(err))
	})

	t.Run("NonEmptyDirectory", func(t *testing.T) {
		err := f.eval(t, "full").Remove(ctx)
		assert.Equal(t, unix.ENOTEMPTY, Errno(err))
	})

	t.Run("Root", func(t *testing.T) {
		assert.Equal(t, unix.EBUSY, Errno(f.mount.Root().Remove(ctx)))
	})

	t.Run("ParentEntryUnknown", func(t *testing.T) {
		// A node reached through ".." has no entry to remove it by.
		n := f.eval(t, "full/inner/..")
		assert.Equal(t, unix.EBUSY, Errno(n.Remove(ctx)))
	})
}

func TestRename(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.server.MkdirAll("/src"))
	require.NoError(t, f.server.MkdirAll("/dst"))
	require.NoError(t, f.server.WriteFile("/src/moving", []byte("payload"), 0o644))

	n := f.eval(t, "src/moving")
	require.NoError(t, n.Rename(ctx, f.eval(t, "dst"), "moved"))
	assert.Equal(t, "moved", n.Name())

	data, err := f.server.ReadFile("/dst/moved")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// The node follows its entry: removing it now targets the new name.
	require.NoError(t, n.Remove(ctx))
	_, err = f.server.Attr("/dst/moved")
	assert.Error(t, err)

	t.Run("AcrossMounts", func(t *testing.T) {
		other, err := f.driver.Mount(ctx, testMountOptions(f.server.Addr()))
		require.NoError(t, err)
		defer func() { require.NoError(t, f.driver.Unmount(ctx, other)) }()

		require.NoError(t, f.server.WriteFile("/src/stay", nil, 0o644))
		stay := f.eval(t, "src/stay")
		assert.Equal(t, unix.EXDEV, Errno(stay.Rename(ctx, other.Root(), "x")))
		assert.Equal(t, unix.EXDEV, Errno(stay.Link(ctx, other.Root(), "x")))
	})
}

func TestLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.server.WriteFile("/orig", []byte("shared"), 0o644))

	n := f.eval(t, "orig")
	require.NoError(t, n.Link(ctx, f.mount.Root(), "alias"))

	alias := f.eval(t, "alias")
	assert.True(t, alias.Equal(n))
	assert.Equal(t, uint32(2), alias.Attr().Nlink)

	require.NoError(t, n.Refresh(ctx, false))
	assert.Equal(t, uint32(2), n.Attr().Nlink, "the link invalidates the source attributes")
}

func TestSetAttr(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.server.WriteFile("/attrs", []byte("0123456789"), 0o644))
	n := f.eval(t, "attrs")

	t.Run("Chmod", func(t *testing.T) {
		require.NoError(t, n.Chmod(ctx, 0o600))
		assert.Equal(t, uint32(nfs.ModeReg|0o600), n.Attr().Mode)
		attr, err := f.server.Attr("/attrs")
		require.NoError(t, err)
		assert.Equal(t, uint32(nfs.ModeReg|0o600), attr.Mode)
	})

	t.Run("Chown", func(t *testing.T) {
		require.NoError(t, n.Chown(ctx, 7, 8))
		assert.Equal(t, uint32(7), n.Attr().UID)
		assert.Equal(t, uint32(8), n.Attr().GID)
	})

	t.Run("Truncate", func(t *testing.T) {
		require.NoError(t, n.Truncate(ctx, 4))
		assert.Equal(t, uint32(4), n.Attr().Size)

		assert.Equal(t, unix.EINVAL, Errno(n.Truncate(ctx, -1)))
		assert.Equal(t, unix.EFBIG, Errno(n.Truncate(ctx, 1<<32)))
		assert.Equal(t, unix.EISDIR, Errno(f.mount.Root().Truncate(ctx, 0)))
	})

	t.Run("Utime", func(t *testing.T) {
		when := time.Date(2020, 1, 2, 3, 4, 5, 6000, time.UTC)
		require.NoError(t, n.Utime(ctx, when, when))
		assert.True(t, n.Attr().Mtime.Time().Equal(when))
	})

	t.Run("FailureRefreshes", func(t *testing.T) {
		require.NoError(t, f.server.Chmod("/attrs", 0o444))
		f.server.ForceStatus(nfs.ProcSetAttr, nfs.NFSErrPerm)
		defer f.server.ForceStatus(nfs.ProcSetAttr, nfs.NFSOK)

		err := n.Chmod(ctx, 0o777)
		assert.Equal(t, unix.EPERM, Errno(err))
		assert.Equal(t, uint32(nfs.ModeReg|0o444), n.Attr().Mode)
	})
}
