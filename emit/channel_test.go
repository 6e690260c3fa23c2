package emit

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestChannel(t *testing.T, topic string, params map[string]any) (*Channel, *fakeTransport, *fakeScheduler) {
	t.Helper()
	tr := &fakeTransport{}
	sched := &fakeScheduler{}
	log := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	return newChannel(topic, params, tr, sched, time.Second, log), tr, sched
}

func TestChannelBindTriggerUnbind(t *testing.T) {
	ch, _, _ := newTestChannel(t, "room:lobby", nil)

	var order []string
	ch.On("new_msg", func(*Envelope) { order = append(order, "a") }).
		On("new_msg", func(*Envelope) { order = append(order, "b") })

	ch.Trigger(&Envelope{Topic: "room:lobby", Event: "new_msg"})
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order: %v", order)
	}

	ch.Off("new_msg")
	ch.Off("new_msg")
	ch.Trigger(&Envelope{Topic: "room:lobby", Event: "new_msg"})
	if len(order) != 2 {
		t.Fatalf("unbound callbacks ran: %v", order)
	}
}

func TestChannelRoutesReplyToPush(t *testing.T) {
	ch, tr, sched := newTestChannel(t, "room:lobby", nil)

	var got *Envelope
	p := ch.Push("new_msg", map[string]any{"body": "hi"}).
		Receive(StatusOK, func(e *Envelope) { got = e })
	if err := p.Send(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if tr.last().Ref != p.Ref() {
		t.Fatalf("transport got ref %q, push has %q", tr.last().Ref, p.Ref())
	}
	if p.After() != time.Second {
		t.Fatalf("channel default timeout not applied: %v", p.After())
	}

	// a reply for another ref is ignored
	ch.Trigger(replyEnv("room:lobby", "other", StatusOK, nil))
	if got != nil {
		t.Fatalf("reply for foreign ref dispatched")
	}

	env := replyEnv("room:lobby", p.Ref(), StatusOK, map[string]any{"id": 1})
	ch.Trigger(env)
	if got != env {
		t.Fatalf("reply not dispatched to push")
	}
	if !sched.last().Cancelled() {
		t.Fatalf("push timer not cancelled")
	}

	ch.mu.RLock()
	_, bound := ch.bindings[ReplyEventName(p.Ref())]
	ch.mu.RUnlock()
	if bound {
		t.Fatalf("reply event still bound on channel")
	}
}

func TestChannelJoinLifecycle(t *testing.T) {
	ch, tr, _ := newTestChannel(t, "room:lobby", map[string]any{"token": "abc"})
	if ch.State() != ChannelClosed {
		t.Fatalf("unexpected initial state %s", ch.State())
	}

	join, err := ch.Join()
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	env := tr.last()
	if env.Event != EventJoin || env.Payload["token"] != "abc" {
		t.Fatalf("unexpected join envelope: %+v", env)
	}
	if ch.State() != ChannelJoining {
		t.Fatalf("expected joining, got %s", ch.State())
	}
	if _, err := ch.Join(); !errors.Is(err, ErrChannelJoined) {
		t.Fatalf("expected ErrChannelJoined, got %v", err)
	}

	ch.Trigger(replyEnv("room:lobby", join.Ref(), StatusOK, nil))
	if ch.State() != ChannelJoined {
		t.Fatalf("expected joined, got %s", ch.State())
	}

	var joined int
	join.Receive(StatusOK, func(*Envelope) { joined++ })
	if joined != 1 {
		t.Fatalf("late join callback not replayed")
	}

	leave, err := ch.Leave()
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if ch.State() != ChannelLeaving {
		t.Fatalf("expected leaving, got %s", ch.State())
	}
	var closed int
	ch.On(EventClose, func(*Envelope) { closed++ })
	ch.Trigger(replyEnv("room:lobby", leave.Ref(), StatusOK, nil))
	if ch.State() != ChannelClosed || closed != 1 {
		t.Fatalf("state=%s closed=%d", ch.State(), closed)
	}
}

func TestChannelJoinTimeoutErrors(t *testing.T) {
	ch, _, sched := newTestChannel(t, "room:lobby", nil)

	var reasons []any
	ch.On(EventError, func(e *Envelope) { reasons = append(reasons, e.Payload["reason"]) })

	if _, err := ch.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	sched.last().Fire()

	if ch.State() != ChannelErrored {
		t.Fatalf("expected errored, got %s", ch.State())
	}
	if len(reasons) != 1 || reasons[0] != StatusTimeout {
		t.Fatalf("unexpected error triggers: %v", reasons)
	}

	if err := ch.Rejoin(); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if ch.State() != ChannelJoining {
		t.Fatalf("expected joining after rejoin, got %s", ch.State())
	}
	if sched.count() != 2 {
		t.Fatalf("rejoin did not arm a fresh timer")
	}
}

func TestChannelJoinRefused(t *testing.T) {
	ch, _, _ := newTestChannel(t, "room:secret", nil)

	join, err := ch.Join()
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	ch.Trigger(replyEnv("room:secret", join.Ref(), StatusError, map[string]any{"reason": "unauthorized"}))
	if ch.State() != ChannelErrored {
		t.Fatalf("expected errored, got %s", ch.State())
	}
}

func TestChannelJoinTransmitFailure(t *testing.T) {
	ch, tr, _ := newTestChannel(t, "room:lobby", nil)
	tr.err = ErrNotConnected

	_, err := ch.Join()
	if !errors.Is(err, ErrTransmit) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("unexpected join error: %v", err)
	}
	if ch.State() != ChannelErrored {
		t.Fatalf("expected errored, got %s", ch.State())
	}
}

func TestChannelLeaveCancelsPendingJoin(t *testing.T) {
	ch, _, sched := newTestChannel(t, "room:lobby", nil)

	join, err := ch.Join()
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	joinTimer := sched.last()

	leave, err := ch.Leave()
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !joinTimer.Cancelled() || join.Pending() {
		t.Fatalf("join push still pending after leave")
	}

	ch.Trigger(replyEnv("room:lobby", leave.Ref(), StatusOK, nil))
	if ch.State() != ChannelClosed {
		t.Fatalf("expected closed, got %s", ch.State())
	}

	joinTimer.task()
	ch.Trigger(replyEnv("room:lobby", join.Ref(), StatusOK, nil))
	if ch.State() != ChannelClosed {
		t.Fatalf("abandoned join moved closed channel to %s", ch.State())
	}
}

func TestChannelJoinAgainCancelsFirstJoin(t *testing.T) {
	ch, _, sched := newTestChannel(t, "room:lobby", nil)

	first, err := ch.Join()
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	firstTimer := sched.last()

	ch.Trigger(&Envelope{Topic: "room:lobby", Event: EventError, Payload: map[string]any{}})
	if ch.State() != ChannelErrored {
		t.Fatalf("expected errored, got %s", ch.State())
	}

	second, err := ch.Join()
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if second == first || second.Ref() == first.Ref() {
		t.Fatalf("second join reused the first push")
	}
	if !firstTimer.Cancelled() || first.Pending() {
		t.Fatalf("first join still pending")
	}

	ch.Trigger(replyEnv("room:lobby", second.Ref(), StatusOK, nil))
	if ch.State() != ChannelJoined {
		t.Fatalf("expected joined, got %s", ch.State())
	}

	firstTimer.task()
	if ch.State() != ChannelJoined {
		t.Fatalf("first join timer moved joined channel to %s", ch.State())
	}
}

func TestChannelPushLogsTopicOnce(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)
	ch := newChannel("room:lobby", nil, &fakeTransport{}, &fakeScheduler{}, time.Second, log)

	if err := ch.Push("new_msg", nil).Send(); err != nil {
		t.Fatalf("send: %v", err)
	}
	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, `"push send"`) {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no push send line in %q", buf.String())
	}
	if n := strings.Count(line, `"topic"`); n != 1 {
		t.Fatalf("topic logged %d times: %s", n, line)
	}
}
