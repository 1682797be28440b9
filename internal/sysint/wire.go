// Package sysint implements the client-facing system interface operations
// of spec.md §4.5: lookup, create, I/O, readdir, getattr/setattr, rename,
// and remove, each built on the config cache, capability module, message
// array, and state-machine runtime as collaborating layers rather than a
// monolith.
package sysint

import (
	"encoding/json"

	"github.com/objectfs/pvfs2client/pkg/capability"
	"github.com/objectfs/pvfs2client/pkg/errors"
	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// OpCode identifies the operation carried by a Request, per spec.md §6.
type OpCode string

const (
	OpLookupPath OpCode = "lookup_path"
	OpCreate     OpCode = "create"
	OpCrdirent   OpCode = "crdirent"
	OpRmdirent   OpCode = "rmdirent"
	OpDspaceRm   OpCode = "dspace_remove"
	OpGetattr    OpCode = "getattr"
	OpSetattr    OpCode = "setattr"
	OpReaddir    OpCode = "readdir"
	OpIO         OpCode = "io"
	OpSmallIO    OpCode = "small_io"
	OpWriteAck   OpCode = "write_completion"
)

// Request is the envelope every sysint operation sends on the wire:
// `{op_code, capability, credential, op_specific_fields}` (spec.md §6). The
// op-specific payload is carried pre-encoded in Body so the envelope itself
// never needs to know every operation's field set.
type Request struct {
	OpCode     OpCode                 `json:"op_code"`
	Capability capability.Capability  `json:"capability"`
	Credential capability.Credential  `json:"credential"`
	Body       json.RawMessage        `json:"body"`
}

// Reply is the envelope every sysint operation receives back:
// `{op_status, op_specific_fields}` (spec.md §6).
type Reply struct {
	Status OpCode          `json:"op_status_for"`
	Code   errors.Code     `json:"code"`
	Body   json.RawMessage `json:"body"`
}

func encodeRequest(op OpCode, cap capability.Capability, cred capability.Credential, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.New(errors.CodeInvalid, "sysint", "encode request body").WithCause(err)
	}
	req := Request{OpCode: op, Capability: cap, Credential: cred, Body: raw}
	out, err := json.Marshal(req)
	if err != nil {
		return nil, errors.New(errors.CodeInvalid, "sysint", "encode request envelope").WithCause(err)
	}
	return out, nil
}

func decodeReply(msg []byte, body interface{}) error {
	var rep Reply
	if err := json.Unmarshal(msg, &rep); err != nil {
		return errors.New(errors.CodeProtocol, "sysint", "decode reply envelope").WithCause(err)
	}
	if rep.Code != "" {
		return errors.New(rep.Code, "sysint", "server returned error status").WithOperation(string(rep.Status))
	}
	if body == nil {
		return nil
	}
	if err := json.Unmarshal(rep.Body, body); err != nil {
		return errors.New(errors.CodeProtocol, "sysint", "decode reply body").WithCause(err)
	}
	return nil
}

// LookupPathReq/Reply carry the lookup_path operation's fields.
type LookupPathReq struct {
	ParentHandle pvfs.Handle        `json:"parent_handle"`
	Segment      string             `json:"segment"`
	Follow       pvfs.FollowLink    `json:"follow"`
}

type LookupPathReply struct {
	Handle pvfs.Handle    `json:"handle"`
	Type   pvfs.ObjectType `json:"type"`
	Target string         `json:"link_target,omitempty"`
}

// GetattrReq/Reply carry the getattr operation's fields.
type GetattrReq struct {
	Handle pvfs.Handle    `json:"handle"`
	Mask   pvfs.AttrMask  `json:"mask"`
}

type GetattrReply struct {
	Attrs pvfs.Attributes `json:"attrs"`
}

// SetattrReq carries the setattr operation's fields; it has no body reply
// beyond the envelope's status.
type SetattrReq struct {
	Handle pvfs.Handle    `json:"handle"`
	Attrs  pvfs.Attributes `json:"attrs"`
}

// CreateReq/Reply carry dspace-create for a bare object (used for dfile
// creation, where no attribute record beyond the object type is needed
// yet — it is filled in once the metafile is created).
type CreateReq struct {
	Type pvfs.ObjectType `json:"type"`
}

type CreateReply struct {
	Handle pvfs.Handle `json:"handle"`
}

// CreateMetafileReq carries the full attribute record for a new metafile,
// including the dfile handles and distribution chosen in the prior steps
// of Create (spec.md §4.5.2 step 5).
type CreateMetafileReq struct {
	ParentHandle pvfs.Handle              `json:"parent_handle"`
	Owner        uint32                   `json:"owner"`
	Group        uint32                   `json:"group"`
	Perms        uint32                   `json:"perms"`
	DFileHandles []pvfs.Handle            `json:"dfile_handles"`
	Dist         pvfs.DistributionParams  `json:"dist"`
}

// CrdirentReq inserts one directory entry; RmdirentReq removes one.
type CrdirentReq struct {
	DirdataHandle pvfs.Handle `json:"dirdata_handle"`
	Name          string      `json:"name"`
	Handle        pvfs.Handle `json:"handle"`
}

type RmdirentReq struct {
	DirdataHandle pvfs.Handle `json:"dirdata_handle"`
	Name          string      `json:"name"`
}

type RmdirentReply struct {
	RefCount uint32 `json:"ref_count"`
}

// DspaceRemoveReq deletes one object's storage outright.
type DspaceRemoveReq struct {
	Handle pvfs.Handle `json:"handle"`
}

// ReaddirReq/Reply carry one page of a directory listing. Token is opaque
// to the client: it must round-trip through Reply.Token unchanged and
// never be parsed or synthesized client-side (spec.md §4.5.4).
type ReaddirReq struct {
	DirdataHandle pvfs.Handle `json:"dirdata_handle"`
	Token         string      `json:"token"`
	Count         int         `json:"count"`
}

type ReaddirReply struct {
	Entries []pvfs.DirEntry `json:"entries"`
	Token   string          `json:"token"`
	End     bool            `json:"end"`
}

// IORequestReq/Reply carry one dfile's share of a read or write, addressed
// by LocalOffset/Length in that dfile's own offset space (as computed by a
// distribution's Segments).
type IORequestReq struct {
	DFileHandle pvfs.Handle `json:"dfile_handle"`
	IsWrite     bool        `json:"is_write"`
	LocalOffset int64       `json:"local_offset"`
	Length      int64       `json:"length"`
	FlowID      string      `json:"flow_id"`
	// InlinePayload carries the write body (or, for small reads, is left
	// empty and filled in the reply) when the transfer is small enough to
	// piggyback on the control message instead of opening a separate flow
	// (spec.md §4.5.3's small-IO optimization).
	InlinePayload []byte `json:"inline_payload,omitempty"`
}

type IORequestReply struct {
	Completed     int64  `json:"completed"`
	InlinePayload []byte `json:"inline_payload,omitempty"`
}

// WriteAckReq confirms durability of a flow-carried write for one dfile
// (spec.md §4.5.3 step 4: "a small write-ack RPC confirms durability").
type WriteAckReq struct {
	DFileHandle pvfs.Handle `json:"dfile_handle"`
	FlowID      string      `json:"flow_id"`
	Completed   int64       `json:"completed"`
}

// Rename has no request type of its own: sysint inserts the new dirent
// before removing the old one, issuing them as two separate wire ops
// (Crdirent then Rmdirent) rather than a single combined one, matching the
// original insert-then-remove ordering.
