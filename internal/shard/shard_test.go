package shard

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestUpdateIsAtomicPerKey(t *testing.T) {
	m := New[int](8)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = m.Update("counter", func(cur int, ok bool) (int, error) { return cur + 1, nil })
			}
		}()
	}
	wg.Wait()
	if v, _ := m.Get("counter"); v != 6400 {
		t.Fatalf("expected 6400, got %d", v)
	}
}

func TestUpdateErrorLeavesValue(t *testing.T) {
	m := New[string](0)
	m.Set("k", "a")
	boom := errors.New("boom")
	got, err := m.Update("k", func(cur string, ok bool) (string, error) { return "b", boom })
	if !errors.Is(err, boom) || got != "a" {
		t.Fatalf("expected unchanged value and error, got %q %v", got, err)
	}
	if v, _ := m.Get("k"); v != "a" {
		t.Fatalf("value changed to %q", v)
	}
}

func TestSetIfAbsentRangeAndDelete(t *testing.T) {
	m := New[int](4)
	for i := 0; i < 20; i++ {
		if !m.SetIfAbsent(fmt.Sprintf("k%d", i), i) {
			t.Fatalf("k%d unexpectedly present", i)
		}
	}
	if m.SetIfAbsent("k3", 99) {
		t.Fatalf("k3 should already exist")
	}
	sum := 0
	m.Range(func(_ string, v int) bool { sum += v; return true })
	if sum != 190 {
		t.Fatalf("expected sum 190, got %d", sum)
	}
	if n := m.DeleteFunc(func(_ string, v int) bool { return v%2 == 0 }); n != 10 {
		t.Fatalf("expected 10 deletions, got %d", n)
	}
	m.Delete("k1")
	if m.Len() != 9 {
		t.Fatalf("expected 9 entries, got %d", m.Len())
	}
}

func TestDeleteIf(t *testing.T) {
	m := New[string](2)
	m.Set("driver", "booking-1")
	if m.DeleteIf("driver", func(v string) bool { return v == "booking-2" }) {
		t.Fatalf("must not delete a value owned by someone else")
	}
	if !m.DeleteIf("driver", func(v string) bool { return v == "booking-1" }) {
		t.Fatalf("expected delete")
	}
	if m.DeleteIf("missing", func(string) bool { return true }) {
		t.Fatalf("missing key cannot be deleted")
	}
}
