package emit

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type ChannelState string

const (
	ChannelClosed  ChannelState = "closed"
	ChannelErrored ChannelState = "errored"
	ChannelJoining ChannelState = "joining"
	ChannelJoined  ChannelState = "joined"
	ChannelLeaving ChannelState = "leaving"
)

// Transport is the socket side of a channel: it mints correlation refs and
// writes envelopes to the wire.
type Transport interface {
	MakeRef() string
	Push(env *Envelope) error
}

// Channel is one topic multiplexed over a socket. It owns the event
// bindings incoming envelopes are dispatched to, and is the Binder its
// pushes are sent through.
type Channel struct {
	topic     string
	params    map[string]any
	transport Transport
	scheduler Scheduler
	timeout   time.Duration
	log       zerolog.Logger

	mu       sync.RWMutex
	bindings map[string][]MessageFunc
	state    ChannelState
	joinPush *Push
}

func newChannel(topic string, params map[string]any, transport Transport, scheduler Scheduler, timeout time.Duration, log zerolog.Logger) *Channel {
	if params == nil {
		params = map[string]any{}
	}
	if scheduler == nil {
		scheduler = DefaultScheduler
	}
	c := &Channel{
		topic:     topic,
		params:    params,
		transport: transport,
		scheduler: scheduler,
		timeout:   timeout,
		log:       log.With().Str("topic", topic).Logger(),
		bindings:  make(map[string][]MessageFunc),
		state:     ChannelClosed,
	}

	c.Bind(EventClose, func(*Envelope) {
		c.setState(ChannelClosed)
	})
	c.Bind(EventError, func(*Envelope) {
		c.setState(ChannelErrored)
	})
	return c
}

func (c *Channel) Topic() string {
	return c.topic
}

func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()

	if prev != state {
		c.log.Debug().Str("from", string(prev)).Str("to", string(state)).Msg("channel state")
	}
}

func (c *Channel) MakeRef() string {
	return c.transport.MakeRef()
}

// Bind appends fn to the callbacks of event.
func (c *Channel) Bind(event string, fn MessageFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[event] = append(c.bindings[event], fn)
}

// Unbind drops every callback of event.
func (c *Channel) Unbind(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, event)
}

func (c *Channel) On(event string, fn MessageFunc) *Channel {
	c.Bind(event, fn)
	return c
}

func (c *Channel) Off(event string) *Channel {
	c.Unbind(event)
	return c
}

func (c *Channel) Schedule(task func(), after time.Duration) TimerHandle {
	return c.scheduler.Schedule(task, after)
}

func (c *Channel) Transmit(env *Envelope) error {
	return c.transport.Push(env)
}

// Trigger dispatches env to the callbacks bound for its event. Replies are
// routed to the reply event of their ref.
func (c *Channel) Trigger(env *Envelope) {
	event := env.Event
	if event == EventReply {
		event = ReplyEventName(env.Ref)
	}

	c.mu.RLock()
	fns := slices.Clone(c.bindings[event])
	c.mu.RUnlock()

	if len(fns) == 0 {
		c.log.Trace().Str("event", env.Event).Str("ref", env.Ref).Msg("no binding")
		return
	}
	for _, fn := range fns {
		fn(env)
	}
}

// Push builds an unsent push on this channel with the default timeout.
func (c *Channel) Push(event string, payload map[string]any) *Push {
	return c.PushTimeout(event, payload, c.timeout)
}

func (c *Channel) PushTimeout(event string, payload map[string]any, timeout time.Duration) *Push {
	p := NewPush(c, event, payload, timeout)
	p.log = c.log
	return p
}

// Join sends phx_join with the channel params. The returned push can take
// further Receive callbacks; a join that times out or is refused leaves the
// channel errored and triggers phx_error.
func (c *Channel) Join() (*Push, error) {
	c.mu.Lock()
	if c.state == ChannelJoining || c.state == ChannelJoined {
		c.mu.Unlock()
		return nil, ErrChannelJoined
	}
	c.state = ChannelJoining
	prev := c.joinPush
	push := c.Push(EventJoin, c.params)
	c.joinPush = push
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	push.Receive(StatusOK, func(*Envelope) {
		c.setState(ChannelJoined)
	}).Receive(StatusError, func(env *Envelope) {
		c.Trigger(&Envelope{Topic: c.topic, Event: EventError, Payload: env.Response()})
	}).Timeout(func() {
		c.log.Warn().Dur("after", c.timeout).Msg("join timeout")
		c.Trigger(&Envelope{Topic: c.topic, Event: EventError, Payload: map[string]any{"reason": StatusTimeout}})
	})

	if err := push.Send(); err != nil {
		c.setState(ChannelErrored)
		return push, err
	}
	return push, nil
}

// Rejoin resends the last join push under a fresh ref.
func (c *Channel) Rejoin() error {
	c.mu.Lock()
	push := c.joinPush
	if push == nil {
		c.mu.Unlock()
		_, err := c.Join()
		return err
	}
	c.state = ChannelJoining
	c.mu.Unlock()

	if err := push.Resend(); err != nil {
		c.setState(ChannelErrored)
		return err
	}
	return nil
}

// Leave sends phx_leave. The channel closes on any reply or on timeout.
func (c *Channel) Leave() (*Push, error) {
	c.mu.Lock()
	c.state = ChannelLeaving
	join := c.joinPush
	c.mu.Unlock()

	if join != nil {
		join.cancel()
	}

	closeLocal := func() {
		c.Trigger(&Envelope{Topic: c.topic, Event: EventClose, Payload: map[string]any{}})
	}
	push := c.Push(EventLeave, nil)
	push.Receive(StatusOK, func(*Envelope) {
		closeLocal()
	}).Receive(StatusError, func(*Envelope) {
		closeLocal()
	}).Timeout(closeLocal)

	if err := push.Send(); err != nil {
		closeLocal()
		return push, err
	}
	return push, nil
}
