package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process provider: a size-bounded LRU keyed by cache key.
// The index lock guards pointer and accounting updates only; entry bodies are
// immutable so no I/O ever happens under the lock. Expired entries are
// dropped lazily on access and by the periodic sweep.
type Memory struct {
	mu         sync.Mutex
	ll         *list.List
	items      map[string]*list.Element
	bytes      int64
	maxBytes   int64
	maxEntries int
}

type memItem struct {
	key   string
	entry *Entry
}

// NewMemory builds a provider evicting least-recently-used entries once
// maxEntries or maxBytes is exceeded. Zero disables the respective bound.
func NewMemory(maxEntries int, maxBytes int64) *Memory {
	return &Memory{
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
	}
}

func (m *Memory) Get(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	it := el.Value.(*memItem)
	if it.entry.Expired(time.Now()) {
		m.remove(el)
		return nil, false
	}
	m.ll.MoveToFront(el)
	return it.entry, true
}

func (m *Memory) Put(key string, e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.remove(el)
	}
	el := m.ll.PushFront(&memItem{key: key, entry: e})
	m.items[key] = el
	m.bytes += e.Size()
	m.evict()
}

func (m *Memory) Purge(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.remove(el)
	}
}

func (m *Memory) PurgePrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, el := range m.items {
		if strings.HasPrefix(key, prefix) {
			m.remove(el)
			n++
		}
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

// Bytes returns the accounted size of all live entries.
func (m *Memory) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Memory) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, el := range m.items {
		if el.Value.(*memItem).entry.Expired(now) {
			m.remove(el)
		}
	}
}

// evict drops entries from the cold end until both bounds hold. Caller holds
// the lock.
func (m *Memory) evict() {
	for (m.maxEntries > 0 && m.ll.Len() > m.maxEntries) ||
		(m.maxBytes > 0 && m.bytes > m.maxBytes) {
		el := m.ll.Back()
		if el == nil {
			return
		}
		m.remove(el)
	}
}

func (m *Memory) remove(el *list.Element) {
	it := el.Value.(*memItem)
	m.ll.Remove(el)
	delete(m.items, it.key)
	m.bytes -= it.entry.Size()
}
