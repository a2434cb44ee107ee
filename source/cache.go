package source

import (
	"github.com/golang/groupcache/lru"

	"github.com/zsiec/ffindex/media"
)

// frameCache keeps the most recently decoded frames keyed by frame or
// record number.
type frameCache struct {
	c *lru.Cache
}

func newFrameCache(size int) *frameCache {
	return &frameCache{c: lru.New(size)}
}

func (fc *frameCache) get(n int) (*media.Frame, bool) {
	v, ok := fc.c.Get(n)
	if !ok {
		return nil, false
	}
	return v.(*media.Frame), true
}

func (fc *frameCache) put(n int, f *media.Frame) {
	fc.c.Add(n, f)
}

func (fc *frameCache) len() int {
	return fc.c.Len()
}

func (fc *frameCache) clear() {
	fc.c.Clear()
}
