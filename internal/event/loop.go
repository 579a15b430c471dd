package event

import (
	"sync"
	"time"
)

// Loop is a goroutine-backed Dispatcher. Run must be called on its own
// goroutine; Post and Do may be called from any goroutine.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop creates a loop. It does nothing until Run is called.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run processes posted callbacks until Stop is called.
func (l *Loop) Run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		if closed {
			return
		}
		if len(batch) > 0 {
			continue
		}
		<-l.wake
	}
}

// post queues fn and reports false if the loop was already stopped, in
// which case fn will never run.
func (l *Loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Post implements Dispatcher.
func (l *Loop) Post(fn func()) {
	_ = l.post(fn)
}

// Do runs fn on the loop and waits for it to finish. It returns false if
// the loop stopped before fn could run. Do must not be called from the loop
// itself.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.post(func() {
		fn()
		close(ran)
	}) {
		return false
	}

	select {
	case <-ran:
		return true
	case <-l.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Stop lets callbacks already posted finish and then ends Run. Callbacks
// posted afterwards are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Now implements Dispatcher.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// NewTimer implements Dispatcher.
func (l *Loop) NewTimer(cb func()) Timer {
	return &loopTimer{loop: l, cb: cb}
}

// loopTimer is only touched from the loop goroutine. The runtime timer
// goroutine captures the generation it was armed with and the posted
// callback compares it against the current one, so a fire that lost the
// race with Disable or a re-Enable is dropped.
type loopTimer struct {
	loop  *Loop
	cb    func()
	t     *time.Timer
	gen   uint64
	armed bool
}

func (t *loopTimer) Enable(d time.Duration) {
	t.stop()
	t.gen++
	t.armed = true

	gen := t.gen
	t.t = time.AfterFunc(d, func() {
		t.loop.Post(func() {
			if !t.armed || t.gen != gen {
				return
			}
			t.armed = false
			t.t = nil
			t.cb()
		})
	})
}

func (t *loopTimer) Disable() {
	t.stop()
	t.gen++
	t.armed = false
}

func (t *loopTimer) Enabled() bool {
	return t.armed
}

func (t *loopTimer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
