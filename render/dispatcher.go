// Package render schedules work onto the host's render thread.
//
// The host engine owns the GL context and the thread it is current on.
// Everything this module wants to do with the GPU is funneled through a
// Dispatcher: producers on arbitrary threads enqueue tasks, and the host
// drains them by calling Tick once per frame from the render thread.
//
// Two subscription kinds exist. Persistent subscribers run on every tick
// until unsubscribed (texture update passes). One-shot tasks run on the
// next tick only (texture creation, promote requests, teardown). Tasks
// receive a Token, see that type's docs.
package render

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Task is a unit of render-thread work.
type Task func(Token)

// SubscriptionID identifies a persistent subscription. The zero value is
// never issued and unsubscribing it is a no-op.
type SubscriptionID uint64

type subscription struct {
	id   SubscriptionID
	task Task
}

// Dispatcher is a single-consumer task queue. Any goroutine may
// subscribe, unsubscribe, or submit; exactly one thread (the render
// thread) calls Tick.
type Dispatcher struct {
	mu         sync.Mutex
	persistent []subscription
	once       []Task
	nextID     SubscriptionID

	ticks atomic.Uint64
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// SubscribePersistent registers task to run on every tick, in
// subscription order, until Unsubscribe. Safe from any goroutine,
// including from inside a running task. A nil task is ignored and
// returns the zero id.
func (d *Dispatcher) SubscribePersistent(task Task) SubscriptionID {
	if task == nil {
		slog.Warn("render: ignoring nil persistent task")
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.persistent = append(d.persistent, subscription{id: id, task: task})
	return id
}

// Unsubscribe removes a persistent subscription. Safe from any
// goroutine, including from inside the subscribed task itself; removal
// during a tick takes effect on the next tick (the running snapshot is
// not mutated).
func (d *Dispatcher) Unsubscribe(id SubscriptionID) {
	if id == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, sub := range d.persistent {
		if sub.id == id {
			d.persistent = append(d.persistent[:i], d.persistent[i+1:]...)
			return
		}
	}
}

// SubmitOnce enqueues task for the next tick. One-shot tasks run once
// and are forgotten; a task submitted while a tick is executing runs on
// the following tick, never the current one.
func (d *Dispatcher) SubmitOnce(task Task) {
	if task == nil {
		slog.Warn("render: ignoring nil one-shot task")
		return
	}
	d.mu.Lock()
	d.once = append(d.once, task)
	d.mu.Unlock()
}

// Tick executes pending work: first the one-shot queue (snapshot then
// clear), then every persistent subscriber in subscription order. The
// host must call this from its render thread only.
//
// The lock is held just long enough to snapshot the task lists, never
// while a task runs, so tasks are free to subscribe and submit.
func (d *Dispatcher) Tick() {
	d.mu.Lock()
	oneshots := d.once
	d.once = nil
	persistent := make([]subscription, len(d.persistent))
	copy(persistent, d.persistent)
	d.mu.Unlock()

	tok := token{}
	for _, task := range oneshots {
		task(tok)
	}
	for _, sub := range persistent {
		sub.task(tok)
	}
	d.ticks.Add(1)
}

// TickCount reports how many ticks have completed.
func (d *Dispatcher) TickCount() uint64 {
	return d.ticks.Load()
}

// Pending reports queued one-shot tasks (persistent subscribers are not
// counted).
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.once)
}

// Subscribers reports active persistent subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.persistent)
}
