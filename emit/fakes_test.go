package emit

import (
	"slices"
	"strconv"
	"sync"
	"time"
)

type fakeTimer struct {
	mu        sync.Mutex
	task      func()
	after     time.Duration
	cancelled int
	fired     bool
}

func (t *fakeTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled++
}

// Fire runs the task unless the timer was cancelled or already fired.
func (t *fakeTimer) Fire() bool {
	t.mu.Lock()
	if t.cancelled > 0 || t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	task := t.task
	t.mu.Unlock()

	task()
	return true
}

func (t *fakeTimer) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled > 0
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) Schedule(task func(), after time.Duration) TimerHandle {
	t := &fakeTimer{task: task, after: after}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return t
}

func (s *fakeScheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// fakeBinder is an in-memory channel. history keeps every handler ever
// bound so tests can deliver to a handler the push already unbound.
type fakeBinder struct {
	topic string
	sched *fakeScheduler

	mu          sync.Mutex
	refs        int
	bindings    map[string][]MessageFunc
	history     map[string]MessageFunc
	unbinds     []string
	sent        []*Envelope
	transmitErr error
}

func newFakeBinder(topic string) *fakeBinder {
	return &fakeBinder{
		topic:    topic,
		sched:    &fakeScheduler{},
		bindings: make(map[string][]MessageFunc),
		history:  make(map[string]MessageFunc),
	}
}

func (b *fakeBinder) Topic() string {
	return b.topic
}

func (b *fakeBinder) MakeRef() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
	return strconv.Itoa(b.refs)
}

func (b *fakeBinder) Bind(event string, fn MessageFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[event] = append(b.bindings[event], fn)
	b.history[event] = fn
}

func (b *fakeBinder) Unbind(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings, event)
	b.unbinds = append(b.unbinds, event)
}

func (b *fakeBinder) Schedule(task func(), after time.Duration) TimerHandle {
	return b.sched.Schedule(task, after)
}

func (b *fakeBinder) Transmit(env *Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.transmitErr != nil {
		return b.transmitErr
	}
	b.sent = append(b.sent, env)
	return nil
}

// deliver routes env to the live bindings of event, like Channel.Trigger.
func (b *fakeBinder) deliver(event string, env *Envelope) int {
	b.mu.Lock()
	fns := slices.Clone(b.bindings[event])
	b.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
	return len(fns)
}

func (b *fakeBinder) bound(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings[event])
}

func (b *fakeBinder) stale(event string) MessageFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history[event]
}

func (b *fakeBinder) lastSent() *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sent) == 0 {
		return nil
	}
	return b.sent[len(b.sent)-1]
}

type fakeTransport struct {
	mu   sync.Mutex
	refs int
	sent []*Envelope
	err  error
}

func (t *fakeTransport) MakeRef() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs++
	return strconv.Itoa(t.refs)
}

func (t *fakeTransport) Push(env *Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) last() *Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

func replyEnv(topic, ref, status string, response map[string]any) *Envelope {
	return &Envelope{
		Topic:   topic,
		Event:   EventReply,
		Payload: replyPayload(status, response),
		Ref:     ref,
	}
}
