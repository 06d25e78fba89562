package decode

import (
	"sort"
	"sync"
	"testing"
)

// TestPresentationClock_StrictlyIncreasing verifies sequential calls
// never repeat or step backwards, even when called faster than the
// wall clock's microsecond resolution advances
func TestPresentationClock_StrictlyIncreasing(t *testing.T) {
	var clock PresentationClock

	prev := clock.Now()
	for i := 0; i < 10000; i++ {
		next := clock.Now()
		if next <= prev {
			t.Fatalf("timestamp went backwards at iteration %d: %d -> %d", i, prev, next)
		}
		prev = next
	}

	if last := clock.Last(); last != prev {
		t.Errorf("Last() = %d, want %d", last, prev)
	}
}

// TestPresentationClock_Concurrent verifies that concurrent callers
// never observe duplicates: collecting every issued timestamp across
// goroutines must yield a strictly increasing sequence after sorting
func TestPresentationClock_Concurrent(t *testing.T) {
	var clock PresentationClock

	const goroutines = 8
	const perGoroutine = 2000

	var mu sync.Mutex
	all := make([]int64, 0, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perGoroutine)
			prev := int64(0)
			for i := 0; i < perGoroutine; i++ {
				ts := clock.Now()
				if ts <= prev {
					t.Errorf("per-goroutine order violated: %d -> %d", prev, ts)
					return
				}
				prev = ts
				local = append(local, ts)
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(all) != goroutines*perGoroutine {
		t.Fatalf("collected %d timestamps, want %d", len(all), goroutines*perGoroutine)
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			t.Fatalf("duplicate timestamp issued: %d", all[i])
		}
	}

	t.Logf("✅ %d concurrent timestamps, all unique and ordered", len(all))
}

// TestPresentationClock_LastBeforeFirstUse verifies the zero value
func TestPresentationClock_LastBeforeFirstUse(t *testing.T) {
	var clock PresentationClock
	if last := clock.Last(); last != 0 {
		t.Errorf("Last() on fresh clock = %d, want 0", last)
	}
}
