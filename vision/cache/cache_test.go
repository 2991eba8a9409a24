package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/tsawler/go-meanteacher/tensor"
)

func entry(v float32) Entry {
	img, _ := tensor.Full([]int{3, 2, 2}, v)
	return Entry{Image: img, Width: 2, Height: 2}
}

func TestGetPut(t *testing.T) {
	m := NewManager(2)

	if _, ok := m.Get("missing"); ok {
		t.Error("Get should miss on empty cache")
	}

	m.Put("a", entry(1))
	got, ok := m.Get("a")
	if !ok || got.Image.Data[0] != 1 {
		t.Fatal("Expected cached image for a")
	}

	stats := m.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.HitRate != 50 {
		t.Errorf("Unexpected stats: %s", stats)
	}
}

func TestEviction(t *testing.T) {
	m := NewManager(2)
	m.Put("a", entry(1))
	m.Put("b", entry(2))
	m.Get("a") // a is now most recent
	m.Put("c", entry(3))

	if _, ok := m.Get("b"); ok {
		t.Error("Expected b to be evicted")
	}
	if _, ok := m.Get("a"); !ok {
		t.Error("Expected a to survive")
	}
	if m.Stats().Size != 2 {
		t.Errorf("Expected size 2, got %d", m.Stats().Size)
	}

	m.Clear()
	if m.Stats().Size != 0 {
		t.Error("Clear should empty the cache")
	}
}

func TestDisabled(t *testing.T) {
	m := NewManager(0)
	m.Put("a", entry(1))
	if _, ok := m.Get("a"); ok {
		t.Error("Disabled cache should not store images")
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager(16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("img_%d", (w+i)%32)
				if _, ok := m.Get(key); !ok {
					m.Put(key, entry(float32(i)))
				}
			}
		}(w)
	}
	wg.Wait()

	if s := m.Stats(); s.Size > 16 || s.Hits+s.Misses != 800 {
		t.Errorf("Unexpected stats after concurrent use: %s", s)
	}
}
