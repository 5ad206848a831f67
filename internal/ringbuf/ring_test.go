package ringbuf

import (
	"strconv"
	"testing"
)

func TestRingEvictsOldestFirst(t *testing.T) {
	r := New[string](100)
	for i := 0; i < 250; i++ {
		r.Push("line-" + strconv.Itoa(i))
		if r.Len() > 100 {
			t.Fatalf("ring grew past capacity: %d", r.Len())
		}
	}
	vals := r.Values()
	if len(vals) != 100 {
		t.Fatalf("expected 100 values, got %d", len(vals))
	}
	if vals[0] != "line-150" || vals[99] != "line-249" {
		t.Fatalf("unexpected window: first=%s last=%s", vals[0], vals[99])
	}
	for i := 1; i < len(vals); i++ {
		prev, _ := strconv.Atoi(vals[i-1][5:])
		cur, _ := strconv.Atoi(vals[i][5:])
		if cur != prev+1 {
			t.Fatalf("values out of order at %d: %s then %s", i, vals[i-1], vals[i])
		}
	}
}

func TestRingPushReportsEviction(t *testing.T) {
	r := New[int](2)
	if r.Push(1) || r.Push(2) {
		t.Fatalf("no eviction expected before capacity is reached")
	}
	if !r.Push(3) {
		t.Fatalf("expected eviction once full")
	}
	if got := r.Values(); got[0] != 2 || got[1] != 3 {
		t.Fatalf("unexpected values %v", got)
	}
}

func TestRingTail(t *testing.T) {
	r := New[int](5)
	for i := 1; i <= 7; i++ {
		r.Push(i)
	}
	tail := r.Tail(2)
	if len(tail) != 2 || tail[0] != 6 || tail[1] != 7 {
		t.Fatalf("unexpected tail %v", tail)
	}
	if all := r.Tail(0); len(all) != 5 || all[0] != 3 {
		t.Fatalf("Tail(0) should return everything, got %v", all)
	}
	if all := r.Tail(50); len(all) != 5 {
		t.Fatalf("Tail past length should return everything, got %v", all)
	}
}

func TestRingValuesIsCopy(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	vals := r.Values()
	vals[0] = 42
	if r.Values()[0] != 1 {
		t.Fatalf("Values must not alias internal storage")
	}
}

func TestRingResetAndCapacityFloor(t *testing.T) {
	r := New[int](0)
	if r.Cap() != 1 {
		t.Fatalf("expected capacity floor of 1, got %d", r.Cap())
	}
	r.Push(1)
	r.Push(2)
	if r.Len() != 1 || r.Values()[0] != 2 {
		t.Fatalf("unexpected contents %v", r.Values())
	}
	r.Reset()
	if r.Len() != 0 || len(r.Values()) != 0 {
		t.Fatalf("reset should empty the ring")
	}
}
