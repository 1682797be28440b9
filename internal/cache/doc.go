/*
Package cache implements the two client-side metadata caches of spec.md §5:
AttrCache, a TTL-bounded cache of attribute records keyed by (handle,
fs_id), and NameCache, a TTL-bounded cache of resolved (parent, name)
lookups. Both follow the same map+container/list.List LRU idiom, sized by
entry count since the cached records are small and roughly uniform in
size.

Entries expire on the handle-recycle timeout reported by
internal/configcache's per-fs_id snapshot, not on a single fixed global
TTL — Getattr and Lookup pass the applicable deadline in when they
populate an entry, and a lookup past that deadline is treated as a miss
and evicted lazily rather than by a background sweep.

Both caches are safe for concurrent use. internal/sysint invalidates them
explicitly on every operation that changes the state they cache: Setattr
invalidates AttrCache, and Create/Remove/Rename invalidate NameCache for
the directory entries they add or remove.
*/
package cache
