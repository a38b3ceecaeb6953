package ring

import (
	"testing"
)

func TestEmptyDrain(t *testing.T) {
	rb := New[int](10)
	got := rb.DrainAll()
	if got != nil {
		t.Errorf("expected nil from empty drain, got %d items", len(got))
	}
}

func TestPushAndDrain(t *testing.T) {
	rb := New[int](10)
	for i := 0; i < 5; i++ {
		rb.Push(i)
	}

	got := rb.DrainAll()
	if len(got) != 5 {
		t.Fatalf("expected 5 items, got %d", len(got))
	}
	for i := 0; i < 5; i++ {
		if got[i] != i {
			t.Errorf("item %d: got %d, want %d", i, got[i], i)
		}
	}

	if got2 := rb.DrainAll(); got2 != nil {
		t.Errorf("expected nil from second drain, got %d items", len(got2))
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	capacity := 5
	rb := New[int](capacity)

	// Push 0..7, the buffer keeps 3..7
	for i := 0; i < capacity+3; i++ {
		dropped := rb.Push(i)
		if want := i >= capacity; dropped != want {
			t.Errorf("push %d: dropped got %v, want %v", i, dropped, want)
		}
	}
	if !rb.Overflowed() {
		t.Error("expected overflow")
	}
	if rb.Dropped() != 3 {
		t.Errorf("Dropped: got %d, want 3", rb.Dropped())
	}

	got := rb.DrainAll()
	if len(got) != capacity {
		t.Fatalf("expected %d items, got %d", capacity, len(got))
	}
	for i := 0; i < capacity; i++ {
		if want := i + 3; got[i] != want {
			t.Errorf("item %d: got %d, want %d", i, got[i], want)
		}
	}
	if rb.Overflowed() {
		t.Error("overflow should reset after drain")
	}
}

func TestPopOrder(t *testing.T) {
	rb := New[string](3)
	rb.Push("a")
	rb.Push("b")
	rb.Push("c")
	rb.Push("d") // drops "a"

	for _, want := range []string{"b", "c", "d"} {
		got, ok := rb.Pop()
		if !ok {
			t.Fatalf("Pop: got empty, want %q", want)
		}
		if got != want {
			t.Errorf("Pop: got %q, want %q", got, want)
		}
	}
	if _, ok := rb.Pop(); ok {
		t.Error("Pop on empty buffer: got ok")
	}
}

func TestInterleavedPushPop(t *testing.T) {
	rb := New[int](2)
	rb.Push(1)
	if v, _ := rb.Pop(); v != 1 {
		t.Errorf("got %d, want 1", v)
	}
	rb.Push(2)
	rb.Push(3)
	if rb.Len() != 2 {
		t.Errorf("Len: got %d, want 2", rb.Len())
	}
	if got := rb.DrainAll(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("DrainAll: got %v, want [2 3]", got)
	}
}

func TestZeroCapacityClamped(t *testing.T) {
	rb := New[int](0)
	rb.Push(1)
	rb.Push(2)
	if got := rb.DrainAll(); len(got) != 1 || got[0] != 2 {
		t.Errorf("got %v, want [2]", got)
	}
}
