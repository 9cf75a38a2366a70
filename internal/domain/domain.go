// ABOUTME: Execution domains: one serialized task loop per device or client object.
// ABOUTME: Posting never blocks the caller; shutdown drains before Quiesce returns.
package domain

import (
	"log"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/clock"
)

// Task is a unit of work run on a domain's loop.
type Task func()

// Domain runs posted tasks one at a time on a dedicated goroutine. All
// stream and device state owned by a domain is touched only from its loop.
type Domain struct {
	name string

	mu      sync.Mutex
	pending []Task
	timers  map[*Timer]struct{}
	stopped bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Timer is a pending delayed task that can be cancelled.
type Timer struct {
	domain *Domain
	timer  *time.Timer
}

// Cancel stops the timer if it has not fired yet.
func (t *Timer) Cancel() {
	t.timer.Stop()
	t.domain.removeTimer(t)
}

// New starts a domain's loop.
func New(name string) *Domain {
	d := &Domain{
		name:   name,
		timers: make(map[*Timer]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Name identifies the domain in logs.
func (d *Domain) Name() string {
	return d.name
}

// Post queues a task. It never blocks. Tasks posted after Quiesce are
// dropped; the return value reports whether the task was accepted.
func (d *Domain) Post(task Task) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		log.Printf("Warning: domain %s: task dropped after shutdown", d.name)
		return false
	}
	d.pending = append(d.pending, task)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// PostAndWait posts a task and blocks until the loop has run it. Callers on
// other domains use this to synchronize with teardown. Returns false without
// waiting when the domain is already stopped.
func (d *Domain) PostAndWait(task Task) bool {
	ran := make(chan struct{})
	if !d.Post(func() {
		task()
		close(ran)
	}) {
		return false
	}
	<-ran
	return true
}

// PostDelayed schedules a task after a delay. The returned timer may be
// cancelled; all outstanding timers are cancelled by Quiesce.
func (d *Domain) PostDelayed(delay time.Duration, task Task) *Timer {
	t := &Timer{domain: d}
	t.timer = time.AfterFunc(delay, func() {
		d.removeTimer(t)
		d.Post(task)
	})

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		t.timer.Stop()
		return t
	}
	d.timers[t] = struct{}{}
	d.mu.Unlock()
	return t
}

// PostAt schedules a task for an absolute monotonic time.
func (d *Domain) PostAt(monoNs int64, task Task) *Timer {
	delay := time.Duration(monoNs - clock.SystemMonotonic())
	if delay < 0 {
		delay = 0
	}
	return d.PostDelayed(delay, task)
}

func (d *Domain) removeTimer(t *Timer) {
	d.mu.Lock()
	delete(d.timers, t)
	d.mu.Unlock()
}

// Quiesce stops the domain: pending timers are cancelled, already-posted
// tasks run to completion, and then the loop exits. It must not be called
// from the domain's own loop. Safe to call more than once.
func (d *Domain) Quiesce() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		for t := range d.timers {
			t.timer.Stop()
		}
		d.timers = nil
		d.mu.Unlock()

		select {
		case d.wake <- struct{}{}:
		default:
		}
	})
	<-d.done
}

func (d *Domain) run() {
	for {
		d.mu.Lock()
		tasks := d.pending
		d.pending = nil
		stopped := d.stopped
		d.mu.Unlock()

		for _, task := range tasks {
			task()
		}

		if stopped {
			d.mu.Lock()
			drained := len(d.pending) == 0
			d.mu.Unlock()
			if drained {
				close(d.done)
				return
			}
			continue
		}
		if len(tasks) == 0 {
			<-d.wake
		}
	}
}
