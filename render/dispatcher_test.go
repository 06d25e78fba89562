package render_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/XR-Robotics/robotvision/render"
)

// TestPersistentRunsEveryTick verifies persistent subscribers execute
// once per tick until unsubscribed.
func TestPersistentRunsEveryTick(t *testing.T) {
	d := render.NewDispatcher()
	var runs atomic.Int64
	id := d.SubscribePersistent(func(render.Token) { runs.Add(1) })

	for i := 0; i < 5; i++ {
		d.Tick()
	}
	if got := runs.Load(); got != 5 {
		t.Errorf("runs = %d, want 5", got)
	}

	d.Unsubscribe(id)
	d.Tick()
	if got := runs.Load(); got != 5 {
		t.Errorf("runs after unsubscribe = %d, want 5", got)
	}
	if d.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", d.Subscribers())
	}
}

// TestOnceRunsExactlyOnce: a one-shot task must run on exactly one tick,
// no matter how many ticks follow. No double execution, no residue.
func TestOnceRunsExactlyOnce(t *testing.T) {
	d := render.NewDispatcher()
	var runs atomic.Int64
	d.SubmitOnce(func(render.Token) { runs.Add(1) })

	for i := 0; i < 3; i++ {
		d.Tick()
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want exactly 1", got)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", d.Pending())
	}
	t.Logf("✅ one-shot executed exactly once across 3 ticks")
}

// TestOnceSubmittedDuringTickRunsNextTick pins the snapshot-then-clear
// contract: work enqueued by a running task belongs to the next tick.
func TestOnceSubmittedDuringTickRunsNextTick(t *testing.T) {
	d := render.NewDispatcher()
	var first, second atomic.Bool
	d.SubmitOnce(func(render.Token) {
		first.Store(true)
		d.SubmitOnce(func(render.Token) { second.Store(true) })
	})

	d.Tick()
	if !first.Load() {
		t.Fatal("first task did not run")
	}
	if second.Load() {
		t.Fatal("task submitted during tick ran on the same tick")
	}
	if d.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", d.Pending())
	}

	d.Tick()
	if !second.Load() {
		t.Error("task submitted during tick never ran")
	}
}

// TestOnceBeforePersistent pins the intra-tick ordering: one-shots (for
// example a promote) land before persistent consumers sample the result.
func TestOnceBeforePersistent(t *testing.T) {
	d := render.NewDispatcher()
	var order []string
	var mu sync.Mutex
	record := func(label string) {
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}

	d.SubscribePersistent(func(render.Token) { record("persistent") })
	d.SubmitOnce(func(render.Token) { record("once") })
	d.Tick()

	if len(order) != 2 || order[0] != "once" || order[1] != "persistent" {
		t.Errorf("order = %v, want [once persistent]", order)
	}
}

// TestUnsubscribeFromWithinTask must not deadlock (the dispatcher does
// not hold its lock while tasks run) and takes effect next tick.
func TestUnsubscribeFromWithinTask(t *testing.T) {
	d := render.NewDispatcher()
	var runs atomic.Int64
	var id render.SubscriptionID
	id = d.SubscribePersistent(func(render.Token) {
		runs.Add(1)
		d.Unsubscribe(id)
	})

	d.Tick()
	d.Tick()
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 (self-unsubscribe applies after its tick)", got)
	}
}

// TestSubscribeFromWithinTask: a task may register more work while the
// tick is executing; the new subscriber starts on the next tick.
func TestSubscribeFromWithinTask(t *testing.T) {
	d := render.NewDispatcher()
	var lateRuns atomic.Int64
	d.SubmitOnce(func(render.Token) {
		d.SubscribePersistent(func(render.Token) { lateRuns.Add(1) })
	})

	d.Tick() // registers
	if got := lateRuns.Load(); got != 0 {
		t.Fatalf("late subscriber ran on registration tick, runs = %d", got)
	}
	d.Tick()
	if got := lateRuns.Load(); got != 1 {
		t.Errorf("late subscriber runs = %d, want 1", got)
	}
}

// TestConcurrentProducers hammers subscribe/submit/unsubscribe from many
// goroutines while a single consumer ticks, the intended threading
// model. Every submitted one-shot must run exactly once.
func TestConcurrentProducers(t *testing.T) {
	d := render.NewDispatcher()
	const producers = 8
	const perProducer = 200

	var executed atomic.Int64
	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Single consumer.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				d.Tick() // final drain
				return
			default:
				d.Tick()
			}
		}
	}()

	var prodWG sync.WaitGroup
	for p := 0; p < producers; p++ {
		prodWG.Add(1)
		go func() {
			defer prodWG.Done()
			for i := 0; i < perProducer; i++ {
				d.SubmitOnce(func(render.Token) { executed.Add(1) })
				id := d.SubscribePersistent(func(render.Token) {})
				d.Unsubscribe(id)
			}
		}()
	}
	prodWG.Wait()
	close(stop)
	wg.Wait()

	if got := executed.Load(); got != producers*perProducer {
		t.Errorf("executed = %d, want %d", got, producers*perProducer)
	}
	if d.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", d.Subscribers())
	}
	t.Logf("✅ %d one-shots executed exactly once under contention", executed.Load())
}
