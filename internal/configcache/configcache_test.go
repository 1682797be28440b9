package configcache

import (
	"testing"
	"time"

	"github.com/objectfs/pvfs2client/pkg/distribution"
	"github.com/objectfs/pvfs2client/pkg/errors"
	"github.com/objectfs/pvfs2client/pkg/health"
	"github.com/objectfs/pvfs2client/pkg/pvfs"
	stderrors "errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCache(t *testing.T) (*Cache, pvfs.FSID) {
	t.Helper()
	c := New()
	servers := []pvfs.ServerDescriptor{
		{BMIAddr: "tcp://a:3334", Role: pvfs.RoleMeta},
		{BMIAddr: "tcp://a:3334", Role: pvfs.RoleIO}, // same endpoint, both roles
		{BMIAddr: "tcp://b:3334", Role: pvfs.RoleIO},
		{BMIAddr: "tcp://c:3334", Role: pvfs.RoleIO},
	}
	c.Add(1, MountEntry{FSName: "pvfs2-fs", MountPoint: "/mnt/pvfs2"}, servers, pvfs.Handle(100), 5*time.Minute)
	return c, 1
}

func TestServerDedup(t *testing.T) {
	t.Parallel()

	c, fsid := seedCache(t)

	n, err := c.CountServers(fsid, pvfs.RoleNone)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "3 distinct endpoints despite 4 role entries")

	out := make([]pvfs.ServerDescriptor, 3)
	written, err := c.GetServerArray(fsid, pvfs.RoleNone, out)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	for _, sd := range out {
		if sd.BMIAddr == "tcp://a:3334" {
			assert.True(t, sd.Role.Has(pvfs.RoleMeta))
			assert.True(t, sd.Role.Has(pvfs.RoleIO))
		}
	}
}

func TestGetServerArrayBufferTooSmall(t *testing.T) {
	t.Parallel()

	c, fsid := seedCache(t)

	out := make([]pvfs.ServerDescriptor, 1)
	_, err := c.GetServerArray(fsid, pvfs.RoleNone, out)
	require.Error(t, err)

	var pe *errors.PVFSError
	require.True(t, stderrors.As(err, &pe))
	assert.Equal(t, errors.CodeBufferTooSmall, pe.Code)
}

func TestGetRootHandle(t *testing.T) {
	t.Parallel()

	c, fsid := seedCache(t)
	h, err := c.GetRootHandle(fsid)
	require.NoError(t, err)
	assert.Equal(t, pvfs.Handle(100), h)
}

func TestReinitializeInFlightReaderKeepsSnapshot(t *testing.T) {
	t.Parallel()

	c, fsid := seedCache(t)

	n, err := c.CountServers(fsid, pvfs.RoleIO)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	old, err := c.load(fsid)
	require.NoError(t, err)

	err = c.Reinitialize(fsid, MountEntry{FSName: "pvfs2-fs"}, []pvfs.ServerDescriptor{
		{BMIAddr: "tcp://d:3334", Role: pvfs.RoleIO},
	}, pvfs.Handle(200), time.Minute)
	require.NoError(t, err)

	n2, err := c.CountServers(fsid, pvfs.RoleIO)
	require.NoError(t, err)
	assert.Equal(t, 1, n2, "new snapshot visible to subsequent reads")
	assert.Len(t, old.dedupedServers(), 3, "snapshot loaded before Reinitialize is unchanged")
}

func TestMapServersRoundRobin(t *testing.T) {
	t.Parallel()

	c, fsid := seedCache(t)
	addrs, err := c.MapServers(fsid, 2, pvfs.LayoutRoundRobin, nil)
	require.NoError(t, err)
	assert.Len(t, addrs, 2)
}

func TestGetNumDFilesDelegatesToDistribution(t *testing.T) {
	t.Parallel()

	c, fsid := seedCache(t)
	dist := distribution.NewSimpleStripe(0)

	n, err := c.GetNumDFiles(fsid, dist, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n, "FS default of 4 capped at 3 available IO servers")

	n2, err := c.GetNumDFiles(fsid, dist, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n2, "capped at available IO servers")
}

func TestParseTabFile(t *testing.T) {
	t.Parallel()

	entry, err := ParseTabFile("tcp://host1:3334/pvfs2-fs,tcp://host2:3334/pvfs2-fs pvfs2-fs /mnt/pvfs2 pvfs2 defaults")
	require.NoError(t, err)
	assert.Equal(t, "pvfs2-fs", entry.FSName)
	assert.Equal(t, "/mnt/pvfs2", entry.MountPoint)
	assert.Len(t, entry.ServerURIs, 2)
}

func TestMapServersSkipsUnavailableServer(t *testing.T) {
	t.Parallel()

	c, fsid := seedCache(t)
	h := health.NewTracker(health.TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 2, RecoveryThreshold: 1})
	c.SetHealth(h)

	h.RecordError("tcp://b:3334", errors.New(errors.CodeConnection, "test", "simulated"))
	h.RecordError("tcp://b:3334", errors.New(errors.CodeConnection, "test", "simulated"))
	assert.Equal(t, health.StateUnavailable, h.GetState("tcp://b:3334"))

	for i := 0; i < 20; i++ {
		addrs, err := c.MapServers(fsid, 2, pvfs.LayoutRoundRobin, nil)
		require.NoError(t, err)
		for _, a := range addrs {
			assert.NotEqual(t, "tcp://b:3334", a, "unavailable server excluded from new placement")
		}
	}
}

func TestMapServersFallsBackWhenAllUnhealthy(t *testing.T) {
	t.Parallel()

	c, fsid := seedCache(t)
	h := health.NewTracker(health.TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 1, RecoveryThreshold: 1})
	c.SetHealth(h)

	for _, addr := range []string{"tcp://a:3334", "tcp://b:3334", "tcp://c:3334"} {
		h.RecordError(addr, errors.New(errors.CodeConnection, "test", "simulated"))
	}

	addrs, err := c.MapServers(fsid, 2, pvfs.LayoutRoundRobin, nil)
	require.NoError(t, err, "falls back to the full candidate set rather than failing the volume outright")
	assert.Len(t, addrs, 2)
}

func TestRecordServerResultWithoutHealthIsNoOp(t *testing.T) {
	t.Parallel()

	c, _ := seedCache(t)
	c.RecordServerResult("tcp://a:3334", errors.New(errors.CodeConnection, "test", "simulated"))
}

func TestUnknownFSID(t *testing.T) {
	t.Parallel()

	c := New()
	_, err := c.GetRootHandle(99)
	require.Error(t, err)

	var pe *errors.PVFSError
	require.True(t, stderrors.As(err, &pe))
	assert.Equal(t, errors.CodeNotFound, pe.Code)
}
