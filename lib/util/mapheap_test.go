package util

import (
	"math/rand"
	"sort"
	"testing"
)

func TestNewMapHeap(t *testing.T) {
	h := NewMapHeap[string]()
	if h.Len() != 0 {
		t.Errorf("new heap should be empty, has %d items", h.Len())
	}
	if _, _, ok := h.Peek(); ok {
		t.Error("Peek on an empty heap should report false")
	}
}

func TestMapHeapOrder(t *testing.T) {
	h := NewMapHeap[string]()
	h.Set("a", 100)
	h.Set("b", 200)
	h.Set("c", 50)

	key, prio, ok := h.Peek()
	if !ok || key != "c" || prio != 50 {
		t.Errorf("expected (c, 50), got (%s, %d)", key, prio)
	}

	keys := h.PopUntil(1000, 0)
	want := []string{"c", "a", "b"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected pop order %v, got %v", want, keys)
		}
	}
	if h.Len() != 0 {
		t.Errorf("heap should be empty after popping everything, has %d", h.Len())
	}
}

func TestMapHeapReschedule(t *testing.T) {
	h := NewMapHeap[uint64]()
	h.Set(1, 100)
	h.Set(2, 200)
	h.Set(1, 300)

	if h.Len() != 2 {
		t.Errorf("rescheduling must not duplicate keys, len=%d", h.Len())
	}
	if prio, ok := h.Get(1); !ok || prio != 300 {
		t.Errorf("expected priority 300 for key 1, got %d (ok=%t)", prio, ok)
	}
	if key, _, _ := h.Peek(); key != 2 {
		t.Errorf("expected key 2 to be first after reschedule, got %d", key)
	}
}

func TestMapHeapRemove(t *testing.T) {
	h := NewMapHeap[uint64]()
	h.Set(1, 10)
	h.Set(2, 20)
	h.Set(3, 30)

	if prio, ok := h.Remove(2); !ok || prio != 20 {
		t.Errorf("expected to remove key 2 with priority 20, got %d (ok=%t)", prio, ok)
	}
	if h.Contains(2) {
		t.Error("removed key is still contained")
	}
	if _, ok := h.Remove(42); ok {
		t.Error("removing an unknown key should report false")
	}
	if keys := h.PopUntil(100, 0); len(keys) != 2 || keys[0] != 1 || keys[1] != 3 {
		t.Errorf("unexpected keys after remove: %v", keys)
	}
}

func TestMapHeapPopUntil(t *testing.T) {
	h := NewMapHeap[int]()
	for i := 1; i <= 10; i++ {
		h.Set(i, int64(i*10))
	}

	if keys := h.PopUntil(35, 0); len(keys) != 3 {
		t.Errorf("expected 3 expired keys, got %v", keys)
	}
	if keys := h.PopUntil(100, 2); len(keys) != 2 || keys[0] != 4 || keys[1] != 5 {
		t.Errorf("expected keys [4 5] with max=2, got %v", keys)
	}
	if keys := h.PopUntil(0, 0); keys != nil {
		t.Errorf("nothing should expire at 0, got %v", keys)
	}
	if h.Len() != 5 {
		t.Errorf("expected 5 remaining keys, got %d", h.Len())
	}
}

func TestMapHeapRandomized(t *testing.T) {
	h := NewMapHeap[int]()
	rng := rand.New(rand.NewSource(1))
	want := make(map[int]int64)

	for i := 0; i < 1000; i++ {
		key := rng.Intn(200)
		switch rng.Intn(3) {
		case 0, 1:
			prio := rng.Int63n(10_000)
			h.Set(key, prio)
			want[key] = prio
		case 2:
			h.Remove(key)
			delete(want, key)
		}
	}

	if h.Len() != len(want) {
		t.Fatalf("expected %d keys, heap has %d", len(want), h.Len())
	}

	var prios []int64
	for _, p := range want {
		prios = append(prios, p)
	}
	sort.Slice(prios, func(i, j int) bool { return prios[i] < prios[j] })

	for i, key := range h.PopUntil(10_000, 0) {
		if want[key] != prios[i] {
			t.Fatalf("pop %d: key %d has priority %d, expected %d", i, key, want[key], prios[i])
		}
	}
}
