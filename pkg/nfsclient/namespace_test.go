package nfsclient

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/marmos91/nfsclient/internal/nfstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// twoMounts attaches the fixture mount at /mnt/a and a mount of a second
// server at /mnt/b.
func twoMounts(t *testing.T) (*fixture, *nfstest.Server, *Namespace) {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()

	other, err := nfstest.Start(nfstest.Config{})
	require.NoError(t, err)
	t.Cleanup(other.Close)

	b, err := f.driver.Mount(ctx, testMountOptions(other.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.Equal(t, int64(1), b.LiveNodes(), "nodes leaked")
		assert.NoError(t, f.driver.Unmount(ctx, b))
	})

	ns := NewNamespace()
	require.NoError(t, ns.Attach("/mnt/a", f.mount))
	require.NoError(t, ns.Attach("/mnt/b/", b))
	return f, other, ns
}

func TestNamespaceAttach(t *testing.T) {
	f := newFixture(t)
	ns := NewNamespace()

	assert.Equal(t, unix.EINVAL, Errno(ns.Attach("relative", f.mount)))
	require.NoError(t, ns.Attach("/m", f.mount))
	assert.Equal(t, unix.EBUSY, Errno(ns.Attach("/m/", f.mount)))
	assert.Len(t, ns.Points(), 1)

	m, err := ns.Detach("/m")
	require.NoError(t, err)
	assert.Same(t, f.mount, m)
	_, err = ns.Detach("/m")
	assert.Equal(t, unix.EINVAL, Errno(err))
}

func TestNamespaceResolve(t *testing.T) {
	f, other, ns := twoMounts(t)
	ctx := context.Background()
	require.NoError(t, f.server.MkdirAll("/dir"))
	require.NoError(t, other.WriteFile("/file", []byte("on b"), 0o644))
	require.NoError(t, f.server.Symlink("/mnt/b/file", "/jump"))
	require.NoError(t, f.server.Symlink("/mnt/a/spin", "/spin"))

	read := func(t *testing.T, p string) string {
		t.Helper()
		file, err := ns.OpenFile(ctx, p, os.O_RDONLY, 0)
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		return string(data)
	}

	t.Run("WithinMount", func(t *testing.T) {
		st, err := ns.Stat(ctx, "/mnt/a/./dir")
		require.NoError(t, err)
		assert.True(t, st.IsDir())
	})

	t.Run("DotDotCrossesToSibling", func(t *testing.T) {
		assert.Equal(t, "on b", read(t, "/mnt/a/dir/../../b/file"))
	})

	t.Run("AbsoluteLinkIntoOtherMount", func(t *testing.T) {
		assert.Equal(t, "on b", read(t, "/mnt/a/jump"))
	})

	t.Run("LinkNotFollowed", func(t *testing.T) {
		n, err := ns.Resolve(ctx, "/mnt/a/jump", false)
		require.NoError(t, err)
		defer n.Release()
		assert.Equal(t, KindSymlink, n.Kind())
		assert.Same(t, f.mount, n.Mount())
	})

	t.Run("CrossingLoop", func(t *testing.T) {
		_, err := ns.Resolve(ctx, "/mnt/a/spin", true)
		assert.Equal(t, unix.ELOOP, Errno(err))
	})

	t.Run("NoMount", func(t *testing.T) {
		_, err := ns.Resolve(ctx, "/elsewhere", true)
		assert.Equal(t, unix.ENOENT, Errno(err))

		// Above both mounts there is nothing to continue into.
		_, err = ns.Resolve(ctx, "/mnt/a/../c", true)
		assert.Equal(t, unix.ENOENT, Errno(err))
	})
}

func TestNamespaceOpenFile(t *testing.T) {
	_, other, ns := twoMounts(t)
	ctx := context.Background()

	t.Run("Create", func(t *testing.T) {
		file, err := ns.OpenFile(ctx, "/mnt/b/created", os.O_WRONLY|os.O_CREATE, 0o600)
		require.NoError(t, err)
		_, err = file.Write([]byte("new"))
		require.NoError(t, err)
		require.NoError(t, file.Close())

		data, err := other.ReadFile("/created")
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
	})

	t.Run("Exclusive", func(t *testing.T) {
		_, err := ns.OpenFile(ctx, "/mnt/b/created", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		assert.Equal(t, unix.EEXIST, Errno(err))
	})

	t.Run("ExistingTruncated", func(t *testing.T) {
		file, err := ns.OpenFile(ctx, "/mnt/b/created", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		require.NoError(t, err)
		require.NoError(t, file.Close())

		data, err := other.ReadFile("/created")
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("ThroughLink", func(t *testing.T) {
		require.NoError(t, other.Symlink("created", "/alias"))
		file, err := ns.OpenFile(ctx, "/mnt/b/alias", os.O_WRONLY|os.O_CREATE, 0o600)
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, KindRegular, file.Node().Kind())
		assert.Equal(t, "created", file.Node().Name())
	})

	t.Run("MissingWithoutCreate", func(t *testing.T) {
		_, err := ns.OpenFile(ctx, "/mnt/b/absent", os.O_RDONLY, 0)
		assert.Equal(t, unix.ENOENT, Errno(err))
	})
}

func TestNamespaceMkdirRemove(t *testing.T) {
	f, _, ns := twoMounts(t)
	ctx := context.Background()

	require.NoError(t, ns.Mkdir(ctx, "/mnt/a/made", 0o755))
	attr, err := f.server.Attr("/made")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o755), attr.Mode&0o7777)

	it, err := ns.OpenDir(ctx, "/mnt/a")
	require.NoError(t, err)
	ents, err := it.ReadAll(ctx)
	require.NoError(t, err)
	require.NoError(t, it.Close())
	require.Len(t, ents, 1)
	assert.Equal(t, "made", ents[0].NameString())

	require.NoError(t, ns.Remove(ctx, "/mnt/a/made"))
	_, err = ns.Stat(ctx, "/mnt/a/made")
	assert.Equal(t, unix.ENOENT, Errno(err))
}
