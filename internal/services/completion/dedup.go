package completion

import (
	"container/list"
	"sync"
)

// dedupCapacity bounds the processed-set; the oldest entries are evicted
// first once the ceiling is reached.
const dedupCapacity = 10000

// dedupSet is a bounded set with recency-based eviction, keyed by
// modal_call_id. Two concurrent webhook deliveries for the same call collapse
// to one effect.
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	entries  map[string]*list.Element
}

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = dedupCapacity
	}
	return &dedupSet{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// seen reports whether the key was already processed, refreshing its recency
func (d *dedupSet) seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	el, ok := d.entries[key]
	if ok {
		d.order.MoveToFront(el)
	}
	return ok
}

// mark records the key as processed, evicting the least recent entry at
// capacity. Returns false if the key was already present.
func (d *dedupSet) mark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.entries[key]; ok {
		d.order.MoveToFront(el)
		return false
	}

	d.entries[key] = d.order.PushFront(key)
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.entries, oldest.Value.(string))
		}
	}
	return true
}

func (d *dedupSet) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
