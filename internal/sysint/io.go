package sysint

import (
	"context"
	"time"

	"github.com/objectfs/pvfs2client/internal/bmi"
	"github.com/objectfs/pvfs2client/internal/metrics"
	"github.com/objectfs/pvfs2client/pkg/capability"
	"github.com/objectfs/pvfs2client/pkg/distribution"
	"github.com/objectfs/pvfs2client/pkg/errors"
	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// IOType distinguishes a read from a write for the shared striped-I/O path.
type IOType int

const (
	IORead IOType = iota
	IOWrite
)

// activeDFile is one dfile's contribution to a logical I/O request: its
// index, server address, handle, and the exact logical/local byte runs it
// must move (spec.md §4.5.3 step 2).
type activeDFile struct {
	index  uint32
	addr   string
	handle pvfs.Handle
	segs   []distribution.Segment
}

// buildActiveSet computes, for every dfile of attrs, the logical byte
// ranges within [offset, offset+length) that land on it, skipping dfiles
// with no contribution (spec.md §4.5.3 step 2's "active set").
func (c *Client) buildActiveSet(attrs pvfs.Attributes, offset, length int64) ([]activeDFile, error) {
	simple, ok := c.Dist.(interface {
		Segments(dfileIdx, numDFiles uint32, offset, length int64) []distribution.Segment
	})
	if !ok {
		return nil, errors.New(errors.CodeNotImplemented, "sysint", "distribution does not support segment enumeration").
			WithOperation("io")
	}

	var active []activeDFile
	for idx := uint32(0); idx < attrs.DFileCount; idx++ {
		segs := simple.Segments(idx, attrs.DFileCount, offset, length)
		if len(segs) == 0 {
			continue
		}
		addr, err := c.addrForHandle(pvfs.RoleIO, attrs.DFileHandles[idx])
		if err != nil {
			return nil, err
		}
		active = append(active, activeDFile{
			index:  idx,
			addr:   addr,
			handle: attrs.DFileHandles[idx],
			segs:   segs,
		})
	}
	return active, nil
}

// IO performs a striped read or write of buf against ref at offset (spec.md
// §4.5.3). buf's length is the request length; for a read, buf is filled in
// place; for a write, buf's contents are what's sent. It returns the total
// bytes actually moved, which may be less than len(buf) on a short
// completion from any one dfile (flowIO tracks per-dfile progress
// independently and truncates the reported total at the first gap).
func (c *Client) IO(ctx context.Context, ref pvfs.ObjectRef, offset int64, buf []byte, ioType IOType) (n int64, err error) {
	start := time.Now()
	now := start
	opName := "io_read"
	if ioType == IOWrite {
		opName = "io_write"
	}
	defer func() { c.recordOp(opName, "", start, n, metrics.CacheSourceNone, err) }()

	op := capability.OpIORead
	if ioType == IOWrite {
		op = capability.OpIOWrite
	}
	if err := c.checkCapability(op, ref.Handle, now); err != nil {
		return 0, err
	}

	attrs, err := c.Getattr(ctx, ref, pvfs.AttrDistribution|pvfs.AttrType)
	if err != nil {
		return 0, err
	}
	if attrs.DFileCount == 0 {
		return 0, errors.New(errors.CodeInvalid, "sysint", "object has no dfiles").WithOperation("io")
	}

	active, err := c.buildActiveSet(attrs, offset, int64(len(buf)))
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, nil
	}

	if len(active) == 1 && int64(len(buf)) <= smallIOThreshold {
		return c.smallIO(ctx, active[0], offset, buf, ioType)
	}
	return c.flowIO(ctx, active, offset, buf, ioType)
}

// smallIO piggybacks the whole payload on the control message instead of
// opening a flow (spec.md §4.5.3 step 3).
func (c *Client) smallIO(ctx context.Context, d activeDFile, offset int64, buf []byte, ioType IOType) (int64, error) {
	req := IORequestReq{
		DFileHandle: d.handle,
		IsWrite:     ioType == IOWrite,
		LocalOffset: d.segs[0].LocalOffset,
		Length:      int64(len(buf)),
	}
	if ioType == IOWrite {
		req.InlinePayload = buf
	}

	var reply IORequestReply
	if err := c.sendOne(ctx, d.addr, OpSmallIO, req, &reply); err != nil {
		return 0, err
	}

	if ioType == IORead {
		n := copy(buf, reply.InlinePayload)
		return int64(n), nil
	}
	return reply.Completed, nil
}

// flowIO opens one flow per active dfile, running the dfiles' transfers in
// parallel, and sums per-dfile completions. The flow descriptor itself
// carries the dfile handle, offset and length; no separate descriptor RPC is
// sent. Each dfile's write is confirmed by one write-ack RPC after its flow
// completes. A short completion on any dfile truncates the reported
// total at the first logical gap, even though later dfiles' bytes already
// landed (on disk for a write, in the caller's buffer for a read).
func (c *Client) flowIO(ctx context.Context, active []activeDFile, offset int64, buf []byte, ioType IOType) (int64, error) {
	if c.Flow == nil {
		return 0, errors.New(errors.CodeNotImplemented, "sysint", "no flow transport configured").WithOperation("io")
	}

	type result struct {
		idx     uint32
		segs    []distribution.Segment
		moved   int64
		wantLen int64
		err     error
	}
	results := make(chan result, len(active))

	for _, d := range active {
		go func(d activeDFile) {
			var wantLen int64
			for _, s := range d.segs {
				wantLen += s.Length
			}

			flowBuf := c.bufPool.Get(int(wantLen))
			defer c.bufPool.Put(flowBuf)
			if ioType == IOWrite {
				pos := int64(0)
				for _, s := range d.segs {
					copy(flowBuf[pos:pos+s.Length], buf[s.LogicalOffset-offset:s.LogicalOffset-offset+s.Length])
					pos += s.Length
				}
			}

			flowID := newFlowID()
			fd := bmi.FlowDescriptor{
				Addr:    bmi.Addr(d.addr),
				Handle:  uint64(d.handle),
				Offset:  d.segs[0].LocalOffset,
				Length:  wantLen,
				IsWrite: ioType == IOWrite,
			}
			n, err := c.Flow.Post(ctx, fd, flowBuf)
			if err == nil && ioType == IOWrite {
				ackReq := WriteAckReq{DFileHandle: d.handle, FlowID: flowID, Completed: int64(n)}
				if ackErr := c.sendOne(ctx, d.addr, OpWriteAck, ackReq, nil); ackErr != nil {
					err = ackErr
				}
			}
			if err == nil && ioType == IORead {
				pos := int64(0)
				moved := int64(n)
				for _, s := range d.segs {
					take := s.Length
					if pos+take > moved {
						take = moved - pos
					}
					if take <= 0 {
						break
					}
					copy(buf[s.LogicalOffset-offset:s.LogicalOffset-offset+take], flowBuf[pos:pos+take])
					pos += take
				}
			}
			results <- result{idx: d.index, segs: d.segs, moved: int64(n), wantLen: wantLen, err: err}
		}(d)
	}

	perDFile := make(map[uint32]result, len(active))
	var firstErr error
	for range active {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		perDFile[r.idx] = r
	}
	if firstErr != nil {
		return 0, firstErr
	}

	// total_completed truncates at the first logical gap across the whole
	// request, not merely within one dfile's own segments.
	covered := make([]bool, len(buf))
	for _, r := range perDFile {
		pos := int64(0)
		for _, s := range r.segs {
			take := s.Length
			if pos+take > r.moved {
				take = r.moved - pos
			}
			if take > 0 {
				for i := int64(0); i < take; i++ {
					covered[s.LogicalOffset-offset+i] = true
				}
			}
			pos += s.Length
		}
	}

	var total int64
	for total < int64(len(covered)) && covered[total] {
		total++
	}
	return total, nil
}
