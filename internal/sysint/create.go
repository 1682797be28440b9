package sysint

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/objectfs/pvfs2client/internal/metrics"
	"github.com/objectfs/pvfs2client/internal/sm"
	"github.com/objectfs/pvfs2client/pkg/capability"
	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// CreateOptions selects how Create picks the number and placement of a new
// file's dfiles, and the attributes of the new metafile (spec.md §4.5.2
// steps 2-3).
type CreateOptions struct {
	RequestedDFiles uint32
	Layout          pvfs.Layout
	ExplicitServers []int
	Owner           uint32
	Group           uint32
	Perms           uint32
}

// Return codes for the create state machine's internal transitions. Only
// the three terminal states (crdirent/rollback_dfiles/failed) ever
// COMPLETE the outermost frame, and they always do so with code 0 — the
// actual outcome is carried in createState.firstErr, read by Create after
// Run returns, since the SMCB's frames are gone once Run completes.
const (
	createOK sm.Code = iota
	createDFilesFailed
	createMetafileFailed
)

// createState threads one Create call's working data through its state
// machine's actions.
type createState struct {
	client *Client
	parent pvfs.ObjectRef
	name   string
	opts   CreateOptions

	dfileAddrs   []string
	dfileHandles []pvfs.Handle
	metaHandle   pvfs.Handle
	firstErr     error
}

// Create builds a new regular file: a parallel dfile-creation batch,
// metafile creation carrying the resulting attribute record, then linking
// it into parent's directory (spec.md §4.5.2). Failure at any step
// triggers best-effort rollback of whatever was already created; the
// caller always sees the original failure, never a rollback error.
func (c *Client) Create(ctx context.Context, parent pvfs.ObjectRef, name string, opts CreateOptions) (ref pvfs.ObjectRef, err error) {
	start := time.Now()
	defer func() { c.recordOp("create", name, start, 0, metrics.CacheSourceNone, err) }()

	if err = c.checkCapability(capability.OpCreate, parent.Handle, time.Now()); err != nil {
		return pvfs.ObjectRef{}, err
	}

	st := &createState{client: c, parent: parent, name: name, opts: opts}
	machine := st.buildMachine()

	cb := sm.New(machine, c.OpTable, nil)
	cb.SetMetrics(c.Metrics)
	if err = cb.Run(ctx); err != nil {
		return pvfs.ObjectRef{}, err
	}
	if st.firstErr != nil {
		err = st.firstErr
		return pvfs.ObjectRef{}, err
	}
	return pvfs.ObjectRef{FSID: parent.FSID, Handle: st.metaHandle}, nil
}

func (st *createState) buildMachine() *sm.Machine {
	return &sm.Machine{
		Name:  "create",
		Start: "dfiles",
		States: map[string]*sm.State{
			"dfiles": {
				Name:   "dfiles",
				Action: func(ctx context.Context, f *sm.Frame) (sm.ActionResult, error) { return st.createDFiles(ctx) },
				Transitions: map[sm.Code]string{
					createOK:           "metafile",
					createDFilesFailed: "failed",
				},
			},
			"metafile": {
				Name:   "metafile",
				Action: func(ctx context.Context, f *sm.Frame) (sm.ActionResult, error) { return st.createMetafile(ctx) },
				Transitions: map[sm.Code]string{
					createOK:             "crdirent",
					createMetafileFailed: "rollback_dfiles",
				},
			},
			"crdirent": {
				Name:     "crdirent",
				Terminal: true,
				Action: func(ctx context.Context, f *sm.Frame) (sm.ActionResult, error) {
					st.linkEntry(ctx)
					return sm.Complete(createOK), nil
				},
			},
			"rollback_dfiles": {
				Name:     "rollback_dfiles",
				Terminal: true,
				Action: func(ctx context.Context, f *sm.Frame) (sm.ActionResult, error) {
					st.rollbackDFiles(ctx)
					return sm.Complete(createOK), nil
				},
			},
			"failed": {
				Name:     "failed",
				Terminal: true,
				Action:   func(ctx context.Context, f *sm.Frame) (sm.ActionResult, error) { return sm.Complete(createOK), nil },
			},
		},
	}
}

// createDFiles chooses dfile_count and servers, then issues a parallel
// create batch to the selected I/O servers (spec.md §4.5.2 steps 2-4).
func (st *createState) createDFiles(ctx context.Context) (sm.ActionResult, error) {
	c := st.client

	n, err := c.Config.GetNumDFiles(st.parent.FSID, c.Dist, st.opts.RequestedDFiles)
	if err != nil {
		st.firstErr = err
		return sm.Complete(createDFilesFailed), nil
	}

	addrs, err := c.Config.MapServers(st.parent.FSID, n, st.opts.Layout, st.opts.ExplicitServers)
	if err != nil {
		st.firstErr = err
		return sm.Complete(createDFilesFailed), nil
	}
	st.dfileAddrs = addrs

	reqs := make([]batchRequest, len(addrs))
	replies := make([]CreateReply, len(addrs))
	for i, addr := range addrs {
		reqs[i] = batchRequest{Addr: addr, Op: OpCreate, Body: CreateReq{Type: pvfs.ObjectTypeDatafile}, Out: &replies[i]}
	}

	if err := c.sendBatch(ctx, reqs); err != nil {
		st.firstErr = err
		// Pairs that succeeded before another failed left dfiles behind;
		// remove them best-effort, as rollbackDFiles does.
		for i, r := range replies {
			if r.Handle != 0 {
				_ = c.sendOne(ctx, addrs[i], OpDspaceRm, DspaceRemoveReq{Handle: r.Handle}, nil)
			}
		}
		return sm.Complete(createDFilesFailed), nil
	}

	st.dfileHandles = make([]pvfs.Handle, len(replies))
	for i, r := range replies {
		st.dfileHandles[i] = r.Handle
	}
	return sm.Complete(createOK), nil
}

// createMetafile issues create-metafile carrying the attribute record
// built from the just-created dfiles (spec.md §4.5.2 step 5).
func (st *createState) createMetafile(ctx context.Context) (sm.ActionResult, error) {
	c := st.client

	addr, err := c.addrForHandle(pvfs.RoleMeta, st.parent.Handle)
	if err != nil {
		st.firstErr = err
		return sm.Complete(createMetafileFailed), nil
	}

	req := CreateMetafileReq{
		ParentHandle: st.parent.Handle,
		Owner:        st.opts.Owner,
		Group:        st.opts.Group,
		Perms:        st.opts.Perms,
		DFileHandles: st.dfileHandles,
		Dist:         c.Dist.Params(),
	}

	var reply CreateReply
	if err := c.sendOne(ctx, addr, OpCreate, req, &reply); err != nil {
		st.firstErr = err
		return sm.Complete(createMetafileFailed), nil
	}

	st.metaHandle = reply.Handle
	return sm.Complete(createOK), nil
}

// linkEntry hashes name to one of the parent directory's dirdata shards
// and issues crdirent there (spec.md §4.5.2 step 6). On failure it rolls
// back both the metafile and the dfiles.
func (st *createState) linkEntry(ctx context.Context) {
	c := st.client

	shards, err := c.dirdataShards(ctx, st.parent)
	if err != nil {
		st.firstErr = err
		st.rollbackMetafileAndDFiles(ctx)
		return
	}
	shard := dirdataShardFor(st.name, shards)

	addr, err := c.addrForHandle(pvfs.RoleMeta, shard)
	if err != nil {
		st.firstErr = err
		st.rollbackMetafileAndDFiles(ctx)
		return
	}

	req := CrdirentReq{DirdataHandle: shard, Name: st.name, Handle: st.metaHandle}
	if err := c.sendOne(ctx, addr, OpCrdirent, req, nil); err != nil {
		st.firstErr = err
		st.rollbackMetafileAndDFiles(ctx)
		return
	}

	c.NameCache.Invalidate(st.parent, st.name)
}

// dirdataShardFor deterministically hashes name to one of the parent
// directory's dirdata shards.
func dirdataShardFor(name string, shards []pvfs.Handle) pvfs.Handle {
	if len(shards) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return shards[h.Sum32()%uint32(len(shards))]
}

// rollbackDFiles tears down dfiles created before the metafile step
// failed (spec.md §4.5.2 step 7). Best-effort: a rollback failure is not
// surfaced, the caller sees the original error.
func (st *createState) rollbackDFiles(ctx context.Context) {
	c := st.client
	for i, h := range st.dfileHandles {
		_ = c.sendOne(ctx, st.dfileAddrs[i], OpDspaceRm, DspaceRemoveReq{Handle: h}, nil)
	}
}

// rollbackMetafileAndDFiles tears down the metafile plus its dfiles after
// the crdirent step fails.
func (st *createState) rollbackMetafileAndDFiles(ctx context.Context) {
	c := st.client
	if metaAddr, err := c.addrForHandle(pvfs.RoleMeta, st.parent.Handle); err == nil {
		_ = c.sendOne(ctx, metaAddr, OpDspaceRm, DspaceRemoveReq{Handle: st.metaHandle}, nil)
	}
	st.rollbackDFiles(ctx)
}
