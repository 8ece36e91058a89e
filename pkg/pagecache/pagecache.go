package pagecache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"pagestore/pkg/id"
	"pagestore/pkg/key"
	"pagestore/pkg/lsn"
)

// Cache memoizes reconstructed page images by (timeline, key, lsn). It is
// a pure cache: eviction under memory pressure is always safe, a miss just
// recomputes.
type Cache struct {
	c *lru.Cache
}

func New(capacity int) (*Cache, error) {
	c, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

func cacheKey(tl id.TimelineID, k key.Key, l lsn.Lsn) string {
	return fmt.Sprintf("%s:%s:%016X", tl, k, uint64(l))
}

func (c *Cache) Get(tl id.TimelineID, k key.Key, l lsn.Lsn) ([]byte, bool) {
	v, ok := c.c.Get(cacheKey(tl, k, l))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *Cache) Put(tl id.TimelineID, k key.Key, l lsn.Lsn, page []byte) {
	c.c.Add(cacheKey(tl, k, l), page)
}

// DropTimeline invalidates everything cached for one timeline, used on
// timeline deletion.
func (c *Cache) DropTimeline(tl id.TimelineID) {
	prefix := tl.String() + ":"
	for _, k := range c.c.Keys() {
		if s, ok := k.(string); ok && len(s) > len(prefix) && s[:len(prefix)] == prefix {
			c.c.Remove(k)
		}
	}
}
