package nfsclient

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/internal/protocol/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// evalTree builds:
//
//	/a/b -> ../x
//	/x/c
//	/loop1 -> loop2, /loop2 -> loop1
//	/abs -> /elsewhere/file
func evalTree(t *testing.T, f *fixture) {
	t.Helper()
	require.NoError(t, f.server.MkdirAll("/a"))
	require.NoError(t, f.server.MkdirAll("/x"))
	require.NoError(t, f.server.WriteFile("/x/c", []byte("target"), 0o644))
	require.NoError(t, f.server.Symlink("../x", "/a/b"))
	require.NoError(t, f.server.Symlink("loop2", "/loop1"))
	require.NoError(t, f.server.Symlink("loop1", "/loop2"))
	require.NoError(t, f.server.Symlink("/elsewhere/file", "/abs"))
}

func TestEval(t *testing.T) {
	f := newFixture(t)
	evalTree(t, f)
	ctx := context.Background()

	t.Run("NestedPath", func(t *testing.T) {
		n := f.eval(t, "/x/c")
		assert.Equal(t, KindRegular, n.Kind())
		assert.Equal(t, "c", n.Name())
	})

	t.Run("LinkToRelativeParent", func(t *testing.T) {
		viaLink := f.eval(t, "a/b/c")
		direct := f.eval(t, "x/c")
		assert.True(t, viaLink.Equal(direct))
		assert.Equal(t, direct.Attr(), viaLink.Attr())
	})

	t.Run("FinalLinkFollowedOnRequest", func(t *testing.T) {
		n, _, err := f.mount.Eval(ctx, nil, "a/b", false)
		require.NoError(t, err)
		defer n.Release()
		assert.Equal(t, KindSymlink, n.Kind())

		followed := f.eval(t, "a/b")
		assert.Equal(t, KindDirectory, followed.Kind())
		assert.True(t, followed.Equal(f.eval(t, "x")))
	})

	t.Run("TrailingSeparatorFollowsFinalLink", func(t *testing.T) {
		n, c, err := f.mount.Eval(ctx, nil, "a/b/", false)
		require.NoError(t, err)
		require.Nil(t, c)
		defer n.Release()
		assert.Equal(t, KindDirectory, n.Kind())
		assert.True(t, n.Equal(f.eval(t, "x")))

		_, _, err = f.mount.Eval(ctx, nil, "x/c/", false)
		assert.Equal(t, unix.ENOTDIR, Errno(err))
	})

	t.Run("LongLinkChain", func(t *testing.T) {
		require.NoError(t, f.server.MkdirAll("/chain"))
		require.NoError(t, f.server.Symlink("../x", "/chain/l0"))
		for i := 1; i < maxLinks; i++ {
			require.NoError(t, f.server.Symlink(fmt.Sprintf("l%d", i-1), fmt.Sprintf("/chain/l%d", i)))
		}

		n := f.eval(t, fmt.Sprintf("chain/l%d/c", maxLinks-1))
		assert.True(t, n.Equal(f.eval(t, "x/c")))
	})

	t.Run("LinkLoop", func(t *testing.T) {
		_, _, err := f.mount.Eval(ctx, nil, "loop1", true)
		require.Error(t, err)
		assert.Equal(t, unix.ELOOP, Errno(err))
	})

	t.Run("DotDotOnFile", func(t *testing.T) {
		n := f.eval(t, "x/c/..")
		assert.True(t, n.Equal(f.eval(t, "x")))
	})

	t.Run("RootIsCanonical", func(t *testing.T) {
		for _, p := range []string{"", "/", ".", "x/..", "a/b/.."} {
			n, c, err := f.mount.Eval(ctx, nil, p, true)
			require.NoError(t, err, p)
			require.Nil(t, c, p)
			assert.Same(t, f.mount.Root(), n, p)
		}
	})

	t.Run("StartNode", func(t *testing.T) {
		x := f.eval(t, "x")
		n, _, err := f.mount.Eval(ctx, x, "c", true)
		require.NoError(t, err)
		defer n.Release()
		assert.True(t, n.Equal(f.eval(t, "x/c")))
	})

	t.Run("Errors", func(t *testing.T) {
		cases := []struct {
			path string
			want unix.Errno
		}{
			{"missing", unix.ENOENT},
			{"x/missing/deeper", unix.ENOENT},
			{"x/c/d", unix.ENOTDIR},
			{"x/c/.", unix.ENOTDIR},
			{strings.Repeat("n", nfs.MaxNameLen+1), unix.ENAMETOOLONG},
			{strings.Repeat("a/", nfs.MaxPathLen), unix.ENAMETOOLONG},
		}
		for _, tc := range cases {
			before := f.mount.LiveNodes()
			_, _, err := f.mount.Eval(ctx, nil, tc.path, true)
			require.Error(t, err, tc.path)
			assert.Equal(t, tc.want, Errno(err), tc.path)
			assert.Equal(t, before, f.mount.LiveNodes(), "failed resolution leaked a node: %s", tc.path)
		}
	})

	t.Run("RemoteErrorsAreNotTransportErrors", func(t *testing.T) {
		before := f.mount.Endpoint().Errors
		_, _, err := f.mount.Eval(ctx, nil, "missing", true)
		require.Error(t, err)
		assert.Equal(t, before, f.mount.Endpoint().Errors)
	})
}

func TestEvalCrossings(t *testing.T) {
	f := newFixture(t)
	evalTree(t, f)
	ctx := context.Background()

	t.Run("DotDotAboveRoot", func(t *testing.T) {
		n, c, err := f.mount.Eval(ctx, nil, "x/../../other/file", true)
		require.NoError(t, err)
		assert.Nil(t, n)
		require.NotNil(t, c)
		assert.False(t, c.Absolute)
		assert.Equal(t, "other/file", c.Path)
	})

	t.Run("AbsoluteLink", func(t *testing.T) {
		n, c, err := f.mount.Eval(ctx, nil, "abs/more", true)
		require.NoError(t, err)
		assert.Nil(t, n)
		require.NotNil(t, c)
		assert.True(t, c.Absolute)
		assert.Equal(t, "/elsewhere/file/more", c.Path)
	})

	t.Run("AbsoluteLinkNotFollowedAtEnd", func(t *testing.T) {
		n, c, err := f.mount.Eval(ctx, nil, "abs", false)
		require.NoError(t, err)
		require.Nil(t, c)
		defer n.Release()
		assert.Equal(t, KindSymlink, n.Kind())
	})

	t.Run("AbsoluteLinkWithTrailingSeparator", func(t *testing.T) {
		n, c, err := f.mount.Eval(ctx, nil, "abs/", false)
		require.NoError(t, err)
		require.Nil(t, n)
		require.NotNil(t, c)
		assert.True(t, c.Absolute)
		assert.Equal(t, "/elsewhere/file/", c.Path)
	})
}

func TestEvalForMake(t *testing.T) {
	f := newFixture(t)
	evalTree(t, f)
	ctx := context.Background()

	t.Run("ReturnsParentAndName", func(t *testing.T) {
		f.server.ResetCalls()
		dir, name, c, err := f.mount.EvalForMake(ctx, nil, "x/new")
		require.NoError(t, err)
		require.Nil(t, c)
		defer dir.Release()

		assert.Equal(t, 1, f.server.Calls(rpc.ProgramNFS, nfs.ProcLookup), "the final component is not looked up")
		assert.Equal(t, "new", name)
		assert.True(t, dir.Equal(f.eval(t, "x")))
	})

	t.Run("TrailingSeparator", func(t *testing.T) {
		dir, name, _, err := f.mount.EvalForMake(ctx, nil, "x/new/")
		require.NoError(t, err)
		defer dir.Release()
		assert.Equal(t, "new", name)
	})

	t.Run("ThroughLink", func(t *testing.T) {
		dir, name, _, err := f.mount.EvalForMake(ctx, nil, "a/b/new")
		require.NoError(t, err)
		defer dir.Release()
		assert.Equal(t, "new", name)
		assert.True(t, dir.Equal(f.eval(t, "x")))
	})

	t.Run("InRoot", func(t *testing.T) {
		dir, name, _, err := f.mount.EvalForMake(ctx, nil, "top")
		require.NoError(t, err)
		assert.Same(t, f.mount.Root(), dir)
		assert.Equal(t, "top", name)
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, p := range []string{"", "/", "x/..", "x/."} {
			_, _, _, err := f.mount.EvalForMake(ctx, nil, p)
			require.Error(t, err, p)
			assert.Equal(t, unix.EINVAL, Errno(err), p)
		}

		_, _, _, err := f.mount.EvalForMake(ctx, nil, "x/c/new")
		assert.Equal(t, unix.ENOTDIR, Errno(err))
	})
}
