// Package configcache implements the config cache of spec.md §4.1: a
// per-fs_id snapshot of a volume's tab-file mount entry, server set, and
// root handle, with atomic reinitialize semantics so in-flight readers
// keep the snapshot they captured.
package configcache

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/pvfs2client/pkg/distribution"
	"github.com/objectfs/pvfs2client/pkg/errors"
	"github.com/objectfs/pvfs2client/pkg/health"
	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// MountEntry is one parsed line of the PVFS tab file (spec.md §6):
// `config_server_list fs_name mount_point fs_type opts 0 0`.
type MountEntry struct {
	ServerURIs []string // config_server_list, split on comma
	FSName     string
	MountPoint string
	FSType     string
	Opts       string
}

// snapshot is the immutable state behind one fs_id at a point in time.
// Reinitialize swaps the *snapshot atomically; a caller that captured a
// pointer keeps reading it even after a concurrent reinitialize.
type snapshot struct {
	entry          MountEntry
	servers        []pvfs.ServerDescriptor // as configured, not yet deduplicated
	rootHandle     pvfs.Handle
	recycleTimeout time.Duration

	dedupOnce sync.Once
	dedup     []pvfs.ServerDescriptor // lazily derived, one descriptor per endpoint
}

func (s *snapshot) dedupedServers() []pvfs.ServerDescriptor {
	s.dedupOnce.Do(func() {
		byAddr := make(map[string]*pvfs.ServerDescriptor)
		order := make([]string, 0, len(s.servers))
		for _, sd := range s.servers {
			if existing, ok := byAddr[sd.BMIAddr]; ok {
				existing.Role |= sd.Role
				continue
			}
			cp := sd
			byAddr[sd.BMIAddr] = &cp
			order = append(order, sd.BMIAddr)
		}
		out := make([]pvfs.ServerDescriptor, 0, len(order))
		for _, addr := range order {
			out = append(out, *byAddr[addr])
		}
		s.dedup = out
	})
	return s.dedup
}

// Cache is the config cache: a map of fs_id to its atomically-swappable
// snapshot. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[pvfs.FSID]*atomic.Pointer[snapshot]
	rng     *rand.Rand
	rngMu   sync.Mutex
	health  *health.Tracker
}

// SetHealth attaches a tracker this cache registers one component per
// deduplicated server address with, and consults in MapServers to steer new
// dfile placement away from servers accumulating write errors. Nil (the
// default) disables health-aware placement; MapServers then treats every
// configured I/O server as equally eligible.
func (c *Cache) SetHealth(h *health.Tracker) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()

	if h == nil {
		return
	}
	for _, ptr := range c.snapshotPointers() {
		if snap := ptr.Load(); snap != nil {
			for _, sd := range snap.dedupedServers() {
				h.RegisterComponent(sd.BMIAddr)
			}
		}
	}
}

// EnsureHealth returns the attached health tracker, installing a
// default-configured one first if none has been set yet. NewClient calls
// this so per-server health tracking is active out of the box; a caller
// wanting its own TrackerConfig should call SetHealth before constructing
// any sysint.Client against this cache.
func (c *Cache) EnsureHealth() *health.Tracker {
	c.mu.Lock()
	if c.health == nil {
		c.health = health.NewTracker(health.DefaultConfig())
	}
	h := c.health
	c.mu.Unlock()

	for _, ptr := range c.snapshotPointers() {
		if snap := ptr.Load(); snap != nil {
			c.registerHealth(h, snap)
		}
	}
	return h
}

func (c *Cache) snapshotPointers() []*atomic.Pointer[snapshot] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*atomic.Pointer[snapshot], 0, len(c.entries))
	for _, ptr := range c.entries {
		out = append(out, ptr)
	}
	return out
}

// RecordServerResult reports the outcome of one RPC addressed to addr to
// the attached health tracker (a no-op if none is configured). internal/
// sysint calls this after every message-array round trip so a server's
// accumulating errors eventually steer it out of MapServers' candidates.
func (c *Cache) RecordServerResult(addr string, err error) {
	c.mu.RLock()
	h := c.health
	c.mu.RUnlock()
	if h == nil {
		return
	}
	if err != nil {
		h.RecordError(addr, err)
		return
	}
	h.RecordSuccess(addr)
}

// New constructs an empty config cache. The layout PRNG is seeded once
// from time + pid + hostname, so concurrently-launched clients in the same
// fleet don't pick the same RANDOM layout (spec.md §4.1).
func New() *Cache {
	hostname, _ := os.Hostname()
	seed := time.Now().UnixNano() ^ int64(os.Getpid())
	for _, c := range hostname {
		seed = seed*31 + int64(c)
	}
	return &Cache{
		entries: make(map[pvfs.FSID]*atomic.Pointer[snapshot]),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Add installs (or reinitializes) the entry for fsid. A fresh fsid creates
// a new atomic slot; an existing one performs the atomic swap described by
// Reinitialize.
func (c *Cache) Add(fsid pvfs.FSID, entry MountEntry, servers []pvfs.ServerDescriptor, root pvfs.Handle, recycleTimeout time.Duration) {
	snap := &snapshot{
		entry:          entry,
		servers:        append([]pvfs.ServerDescriptor(nil), servers...),
		rootHandle:     root,
		recycleTimeout: recycleTimeout,
	}

	c.mu.Lock()
	ptr, ok := c.entries[fsid]
	if !ok {
		ptr = &atomic.Pointer[snapshot]{}
		c.entries[fsid] = ptr
	}
	h := c.health
	c.mu.Unlock()

	ptr.Store(snap)
	c.registerHealth(h, snap)
}

func (c *Cache) registerHealth(h *health.Tracker, snap *snapshot) {
	if h == nil {
		return
	}
	for _, sd := range snap.dedupedServers() {
		h.RegisterComponent(sd.BMIAddr)
	}
}

// Reinitialize atomically swaps the snapshot for fsid. In-flight SMCBs
// that already loaded the old snapshot keep using it for their lifetime
// (spec.md §4.1 invariant); only new lookups see the new one.
func (c *Cache) Reinitialize(fsid pvfs.FSID, entry MountEntry, servers []pvfs.ServerDescriptor, root pvfs.Handle, recycleTimeout time.Duration) error {
	c.mu.RLock()
	ptr, ok := c.entries[fsid]
	h := c.health
	c.mu.RUnlock()
	if !ok {
		return errors.New(errors.CodeNotFound, "configcache", "unknown fs_id").WithOperation("reinitialize")
	}

	snap := &snapshot{
		entry:          entry,
		servers:        append([]pvfs.ServerDescriptor(nil), servers...),
		rootHandle:     root,
		recycleTimeout: recycleTimeout,
	}
	ptr.Store(snap)
	c.registerHealth(h, snap)
	return nil
}

func (c *Cache) load(fsid pvfs.FSID) (*snapshot, error) {
	c.mu.RLock()
	ptr, ok := c.entries[fsid]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "configcache", "unknown fs_id").WithDetail("fs_id", uint32(fsid))
	}
	snap := ptr.Load()
	if snap == nil {
		return nil, errors.New(errors.CodeNotFound, "configcache", "fs_id not yet initialized").WithDetail("fs_id", uint32(fsid))
	}
	return snap, nil
}

// CountServers returns the number of deduplicated servers matching roleMask.
func (c *Cache) CountServers(fsid pvfs.FSID, roleMask pvfs.Role) (int, error) {
	snap, err := c.load(fsid)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sd := range snap.dedupedServers() {
		if sd.Role.Has(roleMask) || roleMask == pvfs.RoleNone {
			n++
		}
	}
	return n, nil
}

// GetServerArray fills out with the deduplicated servers matching roleMask,
// returning the count written. If out is shorter than the match count, it
// fails with BUFFER_TOO_SMALL and writes nothing.
func (c *Cache) GetServerArray(fsid pvfs.FSID, roleMask pvfs.Role, out []pvfs.ServerDescriptor) (int, error) {
	snap, err := c.load(fsid)
	if err != nil {
		return 0, err
	}

	var matched []pvfs.ServerDescriptor
	for _, sd := range snap.dedupedServers() {
		if sd.Role.Has(roleMask) || roleMask == pvfs.RoleNone {
			matched = append(matched, sd)
		}
	}
	if len(out) < len(matched) {
		return 0, errors.New(errors.CodeBufferTooSmall, "configcache", "server array buffer too small").
			WithOperation("get_server_array").
			WithDetail("needed", len(matched)).
			WithDetail("have", len(out))
	}
	copy(out, matched)
	return len(matched), nil
}

// MapAddr resolves a BMI address to its server name and role bitmask.
func (c *Cache) MapAddr(fsid pvfs.FSID, bmiAddr string) (string, pvfs.Role, error) {
	snap, err := c.load(fsid)
	if err != nil {
		return "", 0, err
	}
	for _, sd := range snap.dedupedServers() {
		if sd.BMIAddr == bmiAddr {
			return sd.BMIAddr, sd.Role, nil
		}
	}
	return "", 0, errors.New(errors.CodeNotFound, "configcache", "no server at address").
		WithOperation("map_addr").WithDetail("bmi_addr", bmiAddr)
}

// GetRootHandle returns the volume's root directory handle.
func (c *Cache) GetRootHandle(fsid pvfs.FSID) (pvfs.Handle, error) {
	snap, err := c.load(fsid)
	if err != nil {
		return 0, err
	}
	return snap.rootHandle, nil
}

// RecycleTimeout returns the volume's handle-recycle timeout, used by the
// attribute/name caches to invalidate entries.
func (c *Cache) RecycleTimeout(fsid pvfs.FSID) (time.Duration, error) {
	snap, err := c.load(fsid)
	if err != nil {
		return 0, err
	}
	return snap.recycleTimeout, nil
}

// GetNumDFiles resolves requested==0 to the filesystem default before
// delegating to dist.GetNumDFiles, matching original_source's
// pint-cached-config fallback (SPEC_FULL.md §4).
func (c *Cache) GetNumDFiles(fsid pvfs.FSID, dist distribution.Distribution, requested uint32) (uint32, error) {
	available, err := c.CountServers(fsid, pvfs.RoleIO)
	if err != nil {
		return 0, err
	}
	return dist.GetNumDFiles(requested, uint32(available)), nil
}

// MapServers implements map_servers: chooses nDFiles I/O server addresses
// according to layout. For LayoutList, explicit must name nDFiles or more
// candidate indices into the deduplicated IO server array.
func (c *Cache) MapServers(fsid pvfs.FSID, nDFiles uint32, layout pvfs.Layout, explicit []int) ([]string, error) {
	snap, err := c.load(fsid)
	if err != nil {
		return nil, err
	}

	var ioServers []pvfs.ServerDescriptor
	for _, sd := range snap.dedupedServers() {
		if sd.Role.Has(pvfs.RoleIO) {
			ioServers = append(ioServers, sd)
		}
	}
	if len(ioServers) == 0 {
		return nil, errors.New(errors.CodeInvalid, "configcache", "no IO servers configured").WithOperation("map_servers")
	}
	ioServers = c.preferHealthy(ioServers)

	c.rngMu.Lock()
	rng := c.rng
	c.rngMu.Unlock()

	indices, err := distribution.MapLayout(layout, int(nDFiles), len(ioServers), explicit, rng)
	if err != nil {
		return nil, errors.New(errors.CodeInvalid, "configcache", err.Error()).WithOperation("map_servers")
	}

	addrs := make([]string, len(indices))
	for i, idx := range indices {
		addrs[i] = ioServers[idx].BMIAddr
	}
	return addrs, nil
}

// preferHealthy narrows candidates to those the health tracker still
// considers write-capable, falling back to the full candidate set if that
// would leave none (a stale or over-eager tracker shouldn't make a volume
// un-writable outright) or if no tracker is attached.
func (c *Cache) preferHealthy(candidates []pvfs.ServerDescriptor) []pvfs.ServerDescriptor {
	c.mu.RLock()
	h := c.health
	c.mu.RUnlock()
	if h == nil {
		return candidates
	}

	var healthy []pvfs.ServerDescriptor
	for _, sd := range candidates {
		if h.CanWrite(sd.BMIAddr) {
			healthy = append(healthy, sd)
		}
	}
	if len(healthy) == 0 {
		return candidates
	}
	return healthy
}

// ParseTabFile parses the line-oriented tab file format of spec.md §6:
// `config_server_list fs_name mount_point fs_type opts 0 0`.
func ParseTabFile(line string) (MountEntry, error) {
	var entry MountEntry
	var serverList string
	n, err := fmt.Sscanf(line, "%s %s %s %s %s", &serverList, &entry.FSName, &entry.MountPoint, &entry.FSType, &entry.Opts)
	if err != nil || n < 4 {
		return MountEntry{}, errors.New(errors.CodeInvalid, "configcache", "malformed tab file line").WithOperation("parse_tab_file")
	}
	entry.ServerURIs = splitComma(serverList)
	return entry, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
