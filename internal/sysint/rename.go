package sysint

import (
	"context"
	"time"

	"github.com/objectfs/pvfs2client/internal/metrics"
	"github.com/objectfs/pvfs2client/pkg/capability"
	"github.com/objectfs/pvfs2client/pkg/errors"
	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// Rename moves oldName under oldParent to newName under newParent
// (spec.md §4.5.6): lookup both parents and the source entry, reject a
// type mismatch against an existing target entry, insert the new dirent
// before removing the old one so a crdirent failure leaves the filesystem
// unchanged, and retry a failing removal up to the message array's retry
// limit before giving up and leaving a duplicate link for administrative
// tooling to resolve.
func (c *Client) Rename(ctx context.Context, oldParent pvfs.ObjectRef, oldName string, newParent pvfs.ObjectRef, newName string) (err error) {
	start := time.Now()
	now := start
	defer func() { c.recordOp("rename", oldName+"->"+newName, start, 0, metrics.CacheSourceNone, err) }()

	if err = c.checkCapability(capability.OpRename, oldParent.Handle, now); err != nil {
		return err
	}

	srcRef, srcType, err := c.Lookup(ctx, oldParent, "/"+oldName, pvfs.LinkNoFollow)
	if err != nil {
		return err
	}

	if dstRef, dstType, err := c.Lookup(ctx, newParent, "/"+newName, pvfs.LinkNoFollow); err == nil {
		if dstType != srcType {
			return errors.New(errors.CodeInvalid, "sysint", "rename target exists with a different type").
				WithOperation("rename").WithDetail("target", uint64(dstRef.Handle))
		}
	}

	newShards, err := c.dirdataShards(ctx, newParent)
	if err != nil {
		return err
	}
	newShard := dirdataShardFor(newName, newShards)
	newAddr, err := c.addrForHandle(pvfs.RoleMeta, newShard)
	if err != nil {
		return err
	}

	// Insert first: a crdirent failure here aborts with no visible effect
	// (spec.md §4.5.6 step 3/5).
	if err := c.sendOne(ctx, newAddr, OpCrdirent, CrdirentReq{DirdataHandle: newShard, Name: newName, Handle: srcRef.Handle}, nil); err != nil {
		return err
	}

	oldShards, err := c.dirdataShards(ctx, oldParent)
	if err != nil {
		// The new link now exists; leave it rather than attempt an
		// unrequested rollback the spec doesn't define for this step.
		return err
	}
	oldShard := dirdataShardFor(oldName, oldShards)
	oldAddr, err := c.addrForHandle(pvfs.RoleMeta, oldShard)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.Policy.RetryLimit; attempt++ {
		lastErr = c.sendOne(ctx, oldAddr, OpRmdirent, RmdirentReq{DirdataHandle: oldShard, Name: oldName}, nil)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		// Removal of the old link permanently failed: the object is now
		// reachable under both names. spec.md §9 leaves the scrubber
		// contract for this case undefined; surface it so the caller can
		// log the duplicate for administrative cleanup.
		return errors.New(errors.CodeAlready, "sysint", "rename left a duplicate link after exhausting retries").
			WithOperation("rename").WithCause(lastErr).
			WithDetail("old_name", oldName).WithDetail("new_name", newName)
	}

	c.NameCache.Invalidate(oldParent, oldName)
	c.NameCache.Invalidate(newParent, newName)
	return nil
}

// dirdataShards returns the dirdata shard handles for a directory,
// falling back to the directory's own handle when it has no explicit
// shard split.
func (c *Client) dirdataShards(ctx context.Context, dir pvfs.ObjectRef) ([]pvfs.Handle, error) {
	attrs, err := c.Getattr(ctx, dir, pvfs.AttrDistribution)
	if err != nil {
		return nil, err
	}
	if len(attrs.DFileHandles) == 0 {
		return []pvfs.Handle{dir.Handle}, nil
	}
	return attrs.DFileHandles, nil
}
