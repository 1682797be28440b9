package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// attrEntry holds one cached attribute record plus the deadline past which
// it must be treated as stale (the handle-recycle timeout of spec.md §5).
type attrEntry struct {
	ref     pvfs.ObjectRef
	attrs   pvfs.Attributes
	expires time.Time
	element *list.Element
}

// AttrCache is a thread-safe, TTL-bounded cache of object attributes,
// keyed by (handle, fs_id). It evicts least-recently-used entries using a
// map plus container/list, sized by entry count rather than byte weight
// since attribute records are small and fixed-ish in size.
type AttrCache struct {
	mu         sync.Mutex
	maxEntries int
	items      map[pvfs.ObjectRef]*attrEntry
	evictList  *list.List
}

// NewAttrCache constructs an attribute cache holding up to maxEntries
// records (0 or negative defaults to 100000).
func NewAttrCache(maxEntries int) *AttrCache {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	return &AttrCache{
		maxEntries: maxEntries,
		items:      make(map[pvfs.ObjectRef]*attrEntry),
		evictList:  list.New(),
	}
}

// Put inserts or refreshes attrs for ref, valid until now+recycleTimeout.
func (c *AttrCache) Put(ref pvfs.ObjectRef, attrs pvfs.Attributes, recycleTimeout time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[ref]; ok {
		existing.attrs = attrs.Clone()
		existing.expires = now.Add(recycleTimeout)
		c.evictList.MoveToFront(existing.element)
		return
	}

	entry := &attrEntry{ref: ref, attrs: attrs.Clone(), expires: now.Add(recycleTimeout)}
	entry.element = c.evictList.PushFront(ref)
	c.items[ref] = entry

	if c.evictList.Len() > c.maxEntries {
		c.evictOldest()
	}
}

// Get returns the cached attributes for ref if present and the requested
// mask bits are a subset of what's cached and not expired. ok is false on
// a miss, a partial-mask miss, or an expired entry (which is also evicted).
func (c *AttrCache) Get(ref pvfs.ObjectRef, mask pvfs.AttrMask, now time.Time) (pvfs.Attributes, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[ref]
	if !ok {
		return pvfs.Attributes{}, false
	}
	if now.After(entry.expires) {
		c.removeLocked(entry)
		return pvfs.Attributes{}, false
	}
	if entry.attrs.Mask&mask != mask {
		return pvfs.Attributes{}, false
	}

	c.evictList.MoveToFront(entry.element)
	return entry.attrs.Clone(), true
}

// Invalidate drops any cached record for ref, e.g. after a setattr/remove.
func (c *AttrCache) Invalidate(ref pvfs.ObjectRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.items[ref]; ok {
		c.removeLocked(entry)
	}
}

func (c *AttrCache) evictOldest() {
	elem := c.evictList.Back()
	if elem == nil {
		return
	}
	ref := elem.Value.(pvfs.ObjectRef)
	if entry, ok := c.items[ref]; ok {
		c.removeLocked(entry)
	}
}

func (c *AttrCache) removeLocked(entry *attrEntry) {
	c.evictList.Remove(entry.element)
	delete(c.items, entry.ref)
}

// nameKey is the lookup key for the name cache: a parent handle plus the
// child's name within that directory.
type nameKey struct {
	parent pvfs.ObjectRef
	name   string
}

type nameEntry struct {
	key     nameKey
	handle  pvfs.Handle
	expires time.Time
	element *list.Element
}

// NameCache is a thread-safe, TTL-bounded cache of (parent, name) → handle
// resolutions, letting Lookup skip a server round trip on a hit.
type NameCache struct {
	mu         sync.Mutex
	maxEntries int
	items      map[nameKey]*nameEntry
	evictList  *list.List
}

// NewNameCache constructs a name cache holding up to maxEntries entries.
func NewNameCache(maxEntries int) *NameCache {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	return &NameCache{
		maxEntries: maxEntries,
		items:      make(map[nameKey]*nameEntry),
		evictList:  list.New(),
	}
}

// Put records that name resolves to handle within parent.
func (c *NameCache) Put(parent pvfs.ObjectRef, name string, handle pvfs.Handle, recycleTimeout time.Duration, now time.Time) {
	key := nameKey{parent: parent, name: name}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		existing.handle = handle
		existing.expires = now.Add(recycleTimeout)
		c.evictList.MoveToFront(existing.element)
		return
	}

	entry := &nameEntry{key: key, handle: handle, expires: now.Add(recycleTimeout)}
	entry.element = c.evictList.PushFront(key)
	c.items[key] = entry

	if c.evictList.Len() > c.maxEntries {
		elem := c.evictList.Back()
		if elem != nil {
			if old, ok := c.items[elem.Value.(nameKey)]; ok {
				c.removeLocked(old)
			}
		}
	}
}

// Get returns the cached handle for (parent, name), if present and fresh.
func (c *NameCache) Get(parent pvfs.ObjectRef, name string, now time.Time) (pvfs.Handle, bool) {
	key := nameKey{parent: parent, name: name}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return 0, false
	}
	if now.After(entry.expires) {
		c.removeLocked(entry)
		return 0, false
	}

	c.evictList.MoveToFront(entry.element)
	return entry.handle, true
}

// Invalidate drops any cached resolution for (parent, name), e.g. after a
// rename or remove changes the directory's contents.
func (c *NameCache) Invalidate(parent pvfs.ObjectRef, name string) {
	key := nameKey{parent: parent, name: name}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.items[key]; ok {
		c.removeLocked(entry)
	}
}

func (c *NameCache) removeLocked(entry *nameEntry) {
	c.evictList.Remove(entry.element)
	delete(c.items, entry.key)
}
