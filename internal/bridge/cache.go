package bridge

import "sync"

// Cache holds the last-published topic set. It decides retained-flag
// semantics: the first batch after process start or after a bus reconnect is
// published retained so late subscribers see state immediately, fixing the
// "first publish isn't seen until the second publish" startup race. The
// cache is mutated only after the bus confirms a successful batch.
//
// MarkDisconnected may be called from the bus's network goroutine, so access
// is guarded.
type Cache struct {
	mu     sync.Mutex
	last   TopicSet
	primed bool
}

func NewCache() *Cache {
	return &Cache{last: TopicSet{}}
}

// NeedsRetainedPublish reports whether the next batch must be published
// retained (first publish, or first after a disconnect).
func (c *Cache) NeedsRetainedPublish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.primed
}

// MarkDisconnected forces the next successful cycle to republish the full
// topic set retained, even when the state is unchanged since the last
// success.
func (c *Cache) MarkDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primed = false
}

// Commit replaces the published set wholesale after a confirmed batch.
func (c *Cache) Commit(set TopicSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(TopicSet, len(set))
	for topic, payload := range set {
		next[topic] = payload
	}
	c.last = next
	c.primed = true
}

// Last returns a copy of the last successfully published topic set.
func (c *Cache) Last() TopicSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(TopicSet, len(c.last))
	for topic, payload := range c.last {
		out[topic] = payload
	}
	return out
}
