package sysint

import (
	"context"
	"time"

	"github.com/objectfs/pvfs2client/internal/metrics"
	"github.com/objectfs/pvfs2client/pkg/capability"
	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// Remove issues rmdirent against the shard holding (parent, name), then —
// if the entry's refcount reaches zero — fans out dspace-remove to the
// metafile server, every dfile server, and every dirdata shard (spec.md
// §4.5.6). A partial fan-out failure may leave orphaned dfiles; these are
// reclaimed by a scrubber external to this package.
func (c *Client) Remove(ctx context.Context, parent pvfs.ObjectRef, name string) (err error) {
	start := time.Now()
	now := start
	defer func() { c.recordOp("remove", name, start, 0, metrics.CacheSourceNone, err) }()

	if err = c.checkCapability(capability.OpRemove, parent.Handle, now); err != nil {
		return err
	}

	ref, objType, err := c.Lookup(ctx, parent, "/"+name, pvfs.LinkNoFollow)
	if err != nil {
		return err
	}

	shards, err := c.dirdataShards(ctx, parent)
	if err != nil {
		return err
	}
	shard := dirdataShardFor(name, shards)

	shardAddr, err := c.addrForHandle(pvfs.RoleMeta, shard)
	if err != nil {
		return err
	}

	var rmReply RmdirentReply
	if err := c.sendOne(ctx, shardAddr, OpRmdirent, RmdirentReq{DirdataHandle: shard, Name: name}, &rmReply); err != nil {
		return err
	}

	c.NameCache.Invalidate(parent, name)
	c.AttrCache.Invalidate(ref)

	if rmReply.RefCount > 0 {
		return nil
	}

	metaAddr, err := c.addrForHandle(pvfs.RoleMeta, ref.Handle)
	if err != nil {
		return err
	}

	reqs := []batchRequest{{Addr: metaAddr, Op: OpDspaceRm, Body: DspaceRemoveReq{Handle: ref.Handle}}}

	if objType == pvfs.ObjectTypeMetafile {
		attrs, err := c.Getattr(ctx, ref, pvfs.AttrDistribution)
		if err == nil {
			for _, h := range attrs.DFileHandles {
				addr, err := c.addrForHandle(pvfs.RoleIO, h)
				if err != nil {
					continue
				}
				reqs = append(reqs, batchRequest{Addr: addr, Op: OpDspaceRm, Body: DspaceRemoveReq{Handle: h}})
			}
		}
	} else if objType == pvfs.ObjectTypeDirectory {
		attrs, err := c.Getattr(ctx, ref, pvfs.AttrDistribution)
		if err == nil {
			for _, h := range attrs.DFileHandles {
				addr, err := c.addrForHandle(pvfs.RoleMeta, h)
				if err != nil {
					continue
				}
				reqs = append(reqs, batchRequest{Addr: addr, Op: OpDspaceRm, Body: DspaceRemoveReq{Handle: h}})
			}
		}
	}

	// Best-effort fan-out: the entry is already unlinked, so a failure here
	// orphans storage rather than leaving a dangling name.
	_ = c.sendBatch(ctx, reqs)
	return nil
}
