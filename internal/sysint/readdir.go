package sysint

import (
	"context"
	"time"

	"github.com/objectfs/pvfs2client/internal/metrics"
	"github.com/objectfs/pvfs2client/pkg/capability"
	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// ReaddirStartToken is the token to pass on the first call for a dirdata
// shard, and the value a reply resets to when advancing to the next shard
// (spec.md §4.5.4 step 2).
const ReaddirStartToken = ""

// ReaddirEndToken is the sentinel a dirdata shard returns once it has no
// more entries to offer.
const ReaddirEndToken = "READDIR_END"

// ReaddirCursor is the opaque, client-held position in a multi-shard
// directory listing: which shard is current and that shard's own token.
// Callers must round-trip it unchanged between calls (spec.md §8's cursor
// opacity property) — never parse or reconstruct its fields.
type ReaddirCursor struct {
	shardIndex int
	token      string
	done       bool
}

// NewReaddirCursor returns the cursor for the start of a fresh listing.
func NewReaddirCursor() ReaddirCursor {
	return ReaddirCursor{token: ReaddirStartToken}
}

// Done reports whether every shard has been drained.
func (r ReaddirCursor) Done() bool { return r.done }

// Readdir fetches up to limit entries starting at cursor, returning the
// entries plus the cursor to resume from. Readdir is explicitly not a
// snapshot: concurrent mutation of the directory may produce duplicates
// or omissions across calls (spec.md §4.5.4 invariant).
func (c *Client) Readdir(ctx context.Context, dirdataShards []pvfs.Handle, cursor ReaddirCursor, limit int) (entries []pvfs.DirEntry, cursorOut ReaddirCursor, err error) {
	start := time.Now()
	defer func() { c.recordOp("readdir", "", start, int64(len(entries)), metrics.CacheSourceNone, err) }()

	if cursor.done || cursor.shardIndex >= len(dirdataShards) {
		return nil, ReaddirCursor{done: true}, nil
	}

	now := start

	for cursor.shardIndex < len(dirdataShards) && len(entries) < limit {
		shard := dirdataShards[cursor.shardIndex]

		if err := c.checkCapability(capability.OpReaddir, shard, now); err != nil {
			return nil, cursor, err
		}

		addr, err := c.addrForHandle(pvfs.RoleMeta, shard)
		if err != nil {
			return nil, cursor, err
		}

		req := ReaddirReq{DirdataHandle: shard, Token: cursor.token, Count: limit - len(entries)}
		var reply ReaddirReply
		if err := c.sendOne(ctx, addr, OpReaddir, req, &reply); err != nil {
			return nil, cursor, err
		}

		entries = append(entries, reply.Entries...)
		cursor.token = reply.Token

		if reply.End {
			cursor.shardIndex++
			cursor.token = ReaddirStartToken
		} else {
			break
		}
	}

	if cursor.shardIndex >= len(dirdataShards) {
		cursor.done = true
	}

	return entries, cursor, nil
}
