package cache

import (
	"container/list"
	"context"
	"sync"
)

// LRU is a BlockCache bounded in bytes that evicts the least recently used
// block first.
type LRU struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	order    *list.List
	blocks   map[BlockKey]*list.Element
	// byBlob indexes the cached blocks of each blob for InvalidateBlob.
	byBlob map[BlobID]map[int64]*list.Element

	hits, misses int64
}

type block struct {
	key  BlockKey
	data []byte
}

var _ BlockCache = (*LRU)(nil)

// NewLRUBlockCache returns an LRU holding at most capacity bytes.
func NewLRUBlockCache(capacity int64) *LRU {
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		blocks:   make(map[BlockKey]*list.Element),
		byBlob:   make(map[BlobID]map[int64]*list.Element),
	}
}

func (c *LRU) Get(_ context.Context, key BlockKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.blocks[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*block).data, true
}

// Set caches b under key. Blocks larger than the capacity are not cached.
func (c *LRU) Set(_ context.Context, key BlockKey, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := int64(len(b))
	if n > c.capacity {
		c.drop(key)
		return
	}
	if el, ok := c.blocks[key]; ok {
		blk := el.Value.(*block)
		c.size += n - int64(len(blk.data))
		blk.data = b
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&block{key: key, data: b})
		c.blocks[key] = el
		idx := c.byBlob[key.BlobID]
		if idx == nil {
			idx = make(map[int64]*list.Element)
			c.byBlob[key.BlobID] = idx
		}
		idx[key.Block] = el
		c.size += n
	}
	for c.size > c.capacity {
		c.remove(c.order.Back())
	}
}

func (c *LRU) InvalidateBlob(id BlobID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, el := range c.byBlob[id] {
		c.remove(el)
	}
}

func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Bytes: c.size, Blocks: len(c.blocks)}
}

func (c *LRU) drop(key BlockKey) {
	if el, ok := c.blocks[key]; ok {
		c.remove(el)
	}
}

func (c *LRU) remove(el *list.Element) {
	blk := c.order.Remove(el).(*block)
	delete(c.blocks, blk.key)
	if idx := c.byBlob[blk.key.BlobID]; idx != nil {
		delete(idx, blk.key.Block)
		if len(idx) == 0 {
			delete(c.byBlob, blk.key.BlobID)
		}
	}
	c.size -= int64(len(blk.data))
}
