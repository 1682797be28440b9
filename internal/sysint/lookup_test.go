package sysint

import (
	"context"
	"testing"

	"github.com/objectfs/pvfs2client/pkg/pvfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupResolvesNestedPath(t *testing.T) {
	t.Parallel()
	client, backend, root := newTestClient(t)

	sub := backend.putEntry(root.Handle, "sub", pvfs.ObjectTypeDirectory)
	file := backend.putEntry(sub, "file.txt", pvfs.ObjectTypeMetafile)

	ref, typ, err := client.Lookup(context.Background(), root, "/sub/file.txt", pvfs.LinkNoFollow)
	require.NoError(t, err)
	assert.Equal(t, file, ref.Handle)
	assert.Equal(t, pvfs.ObjectTypeMetafile, typ)
}

func TestLookupNoSuchEntry(t *testing.T) {
	t.Parallel()
	client, _, root := newTestClient(t)

	_, _, err := client.Lookup(context.Background(), root, "/missing", pvfs.LinkNoFollow)
	require.Error(t, err)
}

func TestLookupFollowsSymlink(t *testing.T) {
	t.Parallel()
	client, backend, root := newTestClient(t)

	target := backend.putEntry(root.Handle, "real.txt", pvfs.ObjectTypeMetafile)
	backend.putSymlink(root.Handle, "link.txt", "/real.txt")

	ref, typ, err := client.Lookup(context.Background(), root, "/link.txt", pvfs.LinkFollow)
	require.NoError(t, err)
	assert.Equal(t, target, ref.Handle)
	assert.Equal(t, pvfs.ObjectTypeMetafile, typ)
}

func TestLookupNoFollowReturnsSymlinkItself(t *testing.T) {
	t.Parallel()
	client, backend, root := newTestClient(t)

	backend.putEntry(root.Handle, "real.txt", pvfs.ObjectTypeMetafile)
	link := backend.putSymlink(root.Handle, "link.txt", "/real.txt")

	ref, typ, err := client.Lookup(context.Background(), root, "/link.txt", pvfs.LinkNoFollow)
	require.NoError(t, err)
	assert.Equal(t, link, ref.Handle)
	assert.Equal(t, pvfs.ObjectTypeSymlink, typ)
}

func TestLookupCachesAcrossCalls(t *testing.T) {
	t.Parallel()
	client, backend, root := newTestClient(t)

	file := backend.putEntry(root.Handle, "f.txt", pvfs.ObjectTypeMetafile)

	ref1, _, err := client.Lookup(context.Background(), root, "/f.txt", pvfs.LinkNoFollow)
	require.NoError(t, err)

	// Removing the backend entry directly (bypassing Remove, so the
	// client's caches are never invalidated) must not affect a lookup
	// the name/attribute caches can still answer.
	backend.mu.Lock()
	delete(backend.objects[root.Handle].dirents, "f.txt")
	backend.mu.Unlock()

	ref2, typ, err := client.Lookup(context.Background(), root, "/f.txt", pvfs.LinkNoFollow)
	require.NoError(t, err)
	assert.Equal(t, file, ref1.Handle)
	assert.Equal(t, ref1.Handle, ref2.Handle)
	assert.Equal(t, pvfs.ObjectTypeMetafile, typ)
}

func TestSplitSegmentsRejectsRelativePath(t *testing.T) {
	t.Parallel()
	_, err := splitSegments("relative/path")
	assert.Error(t, err)
}

func TestSplitSegmentsCollapsesDotAndDotDot(t *testing.T) {
	t.Parallel()
	segs, err := splitSegments("/a/./b/../c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, segs)
}

func TestSplitSegmentsRejectsClimbAboveRoot(t *testing.T) {
	t.Parallel()
	_, err := splitSegments("/..")
	assert.Error(t, err)
}

func TestSplitSegmentsRejectsOversizedSegment(t *testing.T) {
	t.Parallel()
	long := make([]byte, pvfs.MaxDirentNameBytes+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := splitSegments("/" + string(long))
	assert.Error(t, err)
}
