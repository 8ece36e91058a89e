package pagecache

import (
	"bytes"
	"testing"

	"pagestore/pkg/id"
	"pagestore/pkg/key"
)

func TestGetPut(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	tl := id.NewTimelineID()
	k := key.Key{Rel: 1, Block: 2}

	if _, ok := c.Get(tl, k, 100); ok {
		t.Fatal("hit on empty cache")
	}
	c.Put(tl, k, 100, []byte("page-at-100"))
	got, ok := c.Get(tl, k, 100)
	if !ok || !bytes.Equal(got, []byte("page-at-100")) {
		t.Fatalf("got %q, %v", got, ok)
	}
	// Same key at a different LSN is a distinct entry.
	if _, ok := c.Get(tl, k, 101); ok {
		t.Fatal("lsn not part of the cache key")
	}
}

func TestDropTimeline(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	a, b := id.NewTimelineID(), id.NewTimelineID()
	k := key.Key{Rel: 1, Block: 2}
	c.Put(a, k, 100, []byte("a"))
	c.Put(b, k, 100, []byte("b"))

	c.DropTimeline(a)
	if _, ok := c.Get(a, k, 100); ok {
		t.Error("dropped timeline still cached")
	}
	if _, ok := c.Get(b, k, 100); !ok {
		t.Error("unrelated timeline evicted")
	}
}

func TestEvictionIsBounded(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatal(err)
	}
	tl := id.NewTimelineID()
	for i := uint32(0); i < 10; i++ {
		c.Put(tl, key.Key{Rel: 1, Block: i}, 100, []byte{byte(i)})
	}
	hits := 0
	for i := uint32(0); i < 10; i++ {
		if _, ok := c.Get(tl, key.Key{Rel: 1, Block: i}, 100); ok {
			hits++
		}
	}
	if hits > 2 {
		t.Errorf("%d entries resident with capacity 2", hits)
	}
}
