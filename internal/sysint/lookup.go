package sysint

import (
	"context"
	"strings"
	"time"

	"github.com/objectfs/pvfs2client/internal/metrics"
	"github.com/objectfs/pvfs2client/pkg/capability"
	"github.com/objectfs/pvfs2client/pkg/errors"
	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// splitSegments normalizes a path into its slash-delimited segments,
// rejecting the cases spec.md §4.5.1 step 1 calls out: a missing leading
// slash, an empty path, a segment over pvfs.MaxDirentNameBytes, and any
// ".." that would climb above the root.
func splitSegments(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, errors.New(errors.CodeInvalid, "sysint", "path must be absolute").WithOperation("lookup")
	}

	var segs []string
	for _, raw := range strings.Split(path, "/") {
		if raw == "" || raw == "." {
			continue
		}
		if len(raw) > pvfs.MaxDirentNameBytes {
			return nil, errors.New(errors.CodeNameTooLong, "sysint", "path segment exceeds limit").
				WithOperation("lookup").WithDetail("segment", raw)
		}
		if raw == ".." {
			if len(segs) == 0 {
				return nil, errors.New(errors.CodeInvalid, "sysint", "path traverses above root").WithOperation("lookup")
			}
			segs = segs[:len(segs)-1]
			continue
		}
		segs = append(segs, raw)
	}
	return segs, nil
}

// Lookup resolves path (absolute, slash-delimited) against root, returning
// the terminal object's reference and type (spec.md §4.5.1). follow
// controls whether a symlink at the final segment is followed.
func (c *Client) Lookup(ctx context.Context, root pvfs.ObjectRef, path string, follow pvfs.FollowLink) (ref pvfs.ObjectRef, objTypeOut pvfs.ObjectType, err error) {
	start := time.Now()
	allCached := true
	defer func() {
		cacheSource := metrics.CacheSourceNone
		if allCached {
			cacheSource = metrics.CacheSourceName
		}
		c.recordOp("lookup", path, start, 0, cacheSource, err)
	}()

	segs, err := splitSegments(path)
	if err != nil {
		return pvfs.ObjectRef{}, pvfs.ObjectTypeUnknown, err
	}
	if len(segs) > MaxLookupSegments*MaxLookupContexts {
		return pvfs.ObjectRef{}, pvfs.ObjectTypeUnknown, errors.New(errors.CodeNameTooLong, "sysint", "path has too many segments").
			WithOperation("lookup")
	}

	current := root
	objType := pvfs.ObjectTypeDirectory
	contexts := 0

	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		last := i == len(segs)-1

		if err := c.checkCapability(capability.OpLookup, current.Handle, time.Now()); err != nil {
			return pvfs.ObjectRef{}, pvfs.ObjectTypeUnknown, err
		}

		segFollow := pvfs.LinkFollow
		if last {
			segFollow = follow
		}

		handle, segType, target, segCached, err := c.lookupSegment(ctx, current, seg, segFollow)
		if err != nil {
			return pvfs.ObjectRef{}, pvfs.ObjectTypeUnknown, err
		}
		if !segCached {
			allCached = false
		}

		if segType == pvfs.ObjectTypeSymlink && segFollow == pvfs.LinkFollow {
			contexts++
			if contexts > MaxLookupContexts {
				return pvfs.ObjectRef{}, pvfs.ObjectTypeUnknown, errors.New(errors.CodeTooManySymlinks, "sysint", "too many symlink restarts").
					WithOperation("lookup")
			}
			targetSegs, err := splitSegments(target)
			if err != nil {
				return pvfs.ObjectRef{}, pvfs.ObjectTypeUnknown, err
			}
			rest := segs[i+1:]
			segs = append(append([]string{}, targetSegs...), rest...)
			if len(segs) > MaxLookupSegments*MaxLookupContexts {
				return pvfs.ObjectRef{}, pvfs.ObjectTypeUnknown, errors.New(errors.CodeNameTooLong, "sysint", "path has too many segments after symlink expansion").
					WithOperation("lookup")
			}
			current = root
			i = -1
			objType = pvfs.ObjectTypeDirectory
			continue
		}

		current = pvfs.ObjectRef{FSID: current.FSID, Handle: handle}
		objType = segType
	}

	return current, objType, nil
}

// lookupSegment resolves one segment of parent, checking the name cache
// first and falling back to a server round trip on miss (spec.md §4.5.1
// step 4). On a miss the lookup_path reply itself carries the segment's
// type (and link target, for a symlink), which are cached alongside the
// handle so callers don't need a second round trip.
func (c *Client) lookupSegment(ctx context.Context, parent pvfs.ObjectRef, name string, follow pvfs.FollowLink) (pvfs.Handle, pvfs.ObjectType, string, bool, error) {
	now := time.Now()

	if handle, ok := c.NameCache.Get(parent, name, now); ok {
		attrs, ok := c.AttrCache.Get(pvfs.ObjectRef{FSID: parent.FSID, Handle: handle}, pvfs.AttrType|pvfs.AttrLinkTarget, now)
		if ok {
			c.Metrics.RecordCacheHit("name", 0)
			return handle, attrs.Type, attrs.LinkTarget, true, nil
		}
	}
	c.Metrics.RecordCacheMiss("name", 0)

	addr, err := c.addrForHandle(pvfs.RoleMeta, parent.Handle)
	if err != nil {
		return 0, pvfs.ObjectTypeUnknown, "", false, err
	}

	req := LookupPathReq{ParentHandle: parent.Handle, Segment: name, Follow: follow}
	var reply LookupPathReply
	if err := c.sendOne(ctx, addr, OpLookupPath, req, &reply); err != nil {
		return 0, pvfs.ObjectTypeUnknown, "", false, err
	}

	recycle, _ := c.Config.RecycleTimeout(parent.FSID)
	if recycle <= 0 {
		recycle = 5 * time.Minute
	}
	c.NameCache.Put(parent, name, reply.Handle, recycle, now)
	c.AttrCache.Put(pvfs.ObjectRef{FSID: parent.FSID, Handle: reply.Handle}, pvfs.Attributes{
		Mask:       pvfs.AttrType | pvfs.AttrLinkTarget,
		Type:       reply.Type,
		LinkTarget: reply.Target,
	}, recycle, now)

	return reply.Handle, reply.Type, reply.Target, false, nil
}
