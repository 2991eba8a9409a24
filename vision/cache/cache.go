// Package cache holds decoded images in a bounded LRU so that repeated
// epochs over small datasets skip the decode step.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-meanteacher/tensor"
)

// Entry is a decoded image together with its original size
type Entry struct {
	Image  *tensor.Tensor
	Width  int
	Height int
}

// Manager is an LRU cache of decoded images keyed by file path.
// Cached tensors are shared; callers must clone before modifying them.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type item struct {
	key   string
	entry Entry
}

// NewManager creates a cache holding up to maxSize images. A maxSize of zero
// or less disables caching.
func NewManager(maxSize int) *Manager {
	return &Manager{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves an image from the cache
func (m *Manager) Get(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.lru.MoveToFront(elem)
		m.hits++
		return elem.Value.(*item).entry, true
	}
	m.misses++
	return Entry{}, false
}

// Put adds an image, evicting the least recently used ones over capacity
func (m *Manager) Put(key string, e Entry) {
	if m.maxSize <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		elem.Value.(*item).entry = e
		m.lru.MoveToFront(elem)
		return
	}

	m.entries[key] = m.lru.PushFront(&item{key: key, entry: e})
	for m.lru.Len() > m.maxSize {
		oldest := m.lru.Back()
		m.lru.Remove(oldest)
		delete(m.entries, oldest.Value.(*item).key)
	}
}

// Clear empties the cache. Statistics are cumulative and survive.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.lru.Init()
}

// Stats returns cache statistics
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Size: m.lru.Len(), MaxSize: m.maxSize, Hits: m.hits, Misses: m.misses}
	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total) * 100
	}
	return s
}

// Stats holds cache statistics
type Stats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (s Stats) String() string {
	return fmt.Sprintf("Cache: %d/%d images, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		s.Size, s.MaxSize, s.Hits, s.Misses, s.HitRate)
}
