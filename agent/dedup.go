package agent

import (
	"container/list"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
)

// DefaultDedupCapacity is the bound used when Options.DedupCapacity is
// zero (spec §9 Open Question 4: "the source varies; this spec fixes
// 10k with oldest-out").
const DefaultDedupCapacity = 10_000

// dedupCache is the bounded, oldest-out set of recently-dispatched
// envelope ids an agent uses to avoid double-handling an envelope that
// reaches it twice along different graph paths (spec §3, §4.4, §5). It is
// touched only from the owning agent's own stream-consumer goroutine, so
// it needs no internal locking.
type dedupCache struct {
	capacity int
	order    *list.List
	index    map[envelope.EventId]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &dedupCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[envelope.EventId]*list.Element, capacity),
	}
}

func (c *dedupCache) Contains(id envelope.EventId) bool {
	_, ok := c.index[id]
	return ok
}

// Add records id as seen, evicting the oldest entry if the cache is now
// over capacity. Adding an id already present is a no-op (it does not
// refresh its position — this is a pure dedup window, not an LRU cache).
func (c *dedupCache) Add(id envelope.EventId) {
	if _, ok := c.index[id]; ok {
		return
	}
	elem := c.order.PushBack(id)
	c.index[id] = elem
	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(envelope.EventId))
	}
}

func (c *dedupCache) Len() int {
	return c.order.Len()
}
