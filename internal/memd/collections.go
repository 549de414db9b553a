package memd

import "sync"

// collectionEntry is one resolved collection path's id, tagged with
// the manifest epoch it was resolved under so a stale entry can be
// told apart from a current one.
type collectionEntry struct {
	id    uint32
	epoch uint64
}

// CollectionCache maps "scope.collection" paths to resolved
// collection ids for one session. It is per-session, never shared
// across sessions; the mutex only guards concurrent callers on that
// one session plus any background config-poll goroutine.
type CollectionCache struct {
	mu      sync.RWMutex
	entries map[string]collectionEntry
}

// NewCollectionCache creates an empty cache.
func NewCollectionCache() *CollectionCache {
	return &CollectionCache{entries: make(map[string]collectionEntry)}
}

// Lookup returns the cached id for path, if present.
func (c *CollectionCache) Lookup(path string) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	if !ok {
		return 0, false
	}
	return e.id, true
}

// Store records the resolved id for path.
func (c *CollectionCache) Store(path string, id uint32, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = collectionEntry{id: id, epoch: epoch}
}

// Invalidate drops the cached entry for path, forcing the next lookup
// to miss and re-resolve via GET_COLLECTION_ID. Called when a
// collection-qualified op comes back with unknown_collection.
func (c *CollectionCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// CollectionPath builds the "scope.collection" path used as the
// cache key and as the GET_COLLECTION_ID request key. Empty names
// select the default scope and collection.
func CollectionPath(scope, collection string) string {
	if scope == "" {
		scope = "_default"
	}
	if collection == "" {
		collection = "_default"
	}
	return scope + "." + collection
}
