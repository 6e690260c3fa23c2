package emit

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Binder is what a Push needs from the channel it is sent on. *Channel
// implements it; Bind and Unbind must be safe for concurrent use and
// Unbind of an unknown event is a no-op.
type Binder interface {
	Topic() string
	MakeRef() string
	Bind(event string, fn MessageFunc)
	Unbind(event string)
	Schedule(task func(), after time.Duration) TimerHandle
	Transmit(env *Envelope) error
}

// Push is one outgoing message awaiting at most one correlated reply.
//
// Once sent, exactly one of two terminal paths settles it: the reply
// handler bound under ReplyEventName(ref), or the timer armed for the
// configured timeout. Whichever runs first disarms the other, and a late
// arrival of the loser is a no-op. Callbacks run synchronously on the
// goroutine that settled the push (the socket read loop or the timer) and
// must not block.
type Push struct {
	channel Binder
	event   string
	payload map[string]any
	log     zerolog.Logger

	mu       sync.Mutex
	ref      string
	refEvent string
	gen      uint64
	settled  bool
	sent     bool
	received *Envelope
	hooks    map[string][]MessageFunc
	timeout  *timeoutHook
}

func NewPush(channel Binder, event string, payload map[string]any, timeout time.Duration) *Push {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Push{
		channel: channel,
		event:   event,
		payload: payload,
		log:     zerolog.Nop(),
		hooks:   make(map[string][]MessageFunc),
		timeout: newTimeoutHook(timeout),
	}
}

// Receive registers fn for replies whose status equals status. If a reply
// with that status was already recorded, fn is called with it before
// Receive returns.
func (p *Push) Receive(status string, fn MessageFunc) *Push {
	if fn == nil {
		return p
	}

	p.mu.Lock()
	var replay *Envelope
	if p.received != nil && status != "" && p.received.ResponseStatus() == status {
		replay = p.received
	}
	if replay == nil {
		p.hooks[status] = append(p.hooks[status], fn)
		p.mu.Unlock()
		return p
	}
	p.mu.Unlock()

	// a push settles once per send, so no dispatch can race the replay
	fn(replay)

	p.mu.Lock()
	p.hooks[status] = append(p.hooks[status], fn)
	p.mu.Unlock()
	return p
}

// Timeout sets the callback run when no reply arrives in time. Only one
// may be set; a second call panics with ErrTimeoutHookSet.
func (p *Push) Timeout(fn TimeoutFunc) *Push {
	if fn == nil {
		return p
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout.hasCallback() {
		panic(ErrTimeoutHookSet)
	}
	p.timeout.callback = fn
	return p
}

// Send binds the reply handler, arms the timer and transmits the push. A
// transmit failure rolls both back and is returned wrapped in ErrTransmit.
func (p *Push) Send() error {
	env, gen, err := p.prepare(false)
	if err != nil {
		return err
	}
	return p.transmit(env, gen)
}

// Resend abandons the current correlation, if any, and sends the push
// again under a fresh ref.
func (p *Push) Resend() error {
	env, gen, err := p.prepare(true)
	if err != nil {
		return err
	}
	return p.transmit(env, gen)
}

func (p *Push) prepare(resend bool) (*Envelope, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sent {
		if !resend {
			return nil, 0, ErrAlreadySent
		}
		if refEvent, ok := p.abandonLocked(); ok {
			p.channel.Unbind(refEvent)
		}
	}

	ref := p.channel.MakeRef()
	p.gen++
	gen := p.gen
	p.ref = ref
	p.refEvent = ReplyEventName(ref)
	p.received = nil
	p.settled = false

	p.channel.Bind(p.refEvent, func(env *Envelope) {
		p.reply(gen, env)
	})
	p.timeout.arm(p.channel.Schedule(func() {
		p.expire(gen)
	}, p.timeout.after))
	p.sent = true

	p.log.Debug().
		Str("event", p.event).
		Str("ref", ref).
		Msg("push send")

	return &Envelope{
		Topic:   p.channel.Topic(),
		Event:   p.event,
		Payload: p.payload,
		Ref:     ref,
	}, gen, nil
}

func (p *Push) transmit(env *Envelope, gen uint64) error {
	if err := p.channel.Transmit(env); err != nil {
		p.rollback(gen)
		return fmt.Errorf("%w: push %s ref=%s: %w", ErrTransmit, p.event, env.Ref, err)
	}
	return nil
}

func (p *Push) rollback(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	refEvent, ok := p.abandonLocked()
	p.mu.Unlock()

	if ok {
		p.channel.Unbind(refEvent)
	}
}

// cancel settles a pending send without running any callback: the timer is
// disarmed and the reply event unbound.
func (p *Push) cancel() {
	p.mu.Lock()
	refEvent, ok := p.abandonLocked()
	p.mu.Unlock()

	if ok {
		p.channel.Unbind(refEvent)
	}
}

func (p *Push) abandonLocked() (string, bool) {
	if !p.sent || p.settled {
		return "", false
	}
	p.settled = true
	p.timeout.disarm()
	return p.refEvent, true
}

func (p *Push) reply(gen uint64, env *Envelope) {
	p.mu.Lock()
	if gen != p.gen || p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	p.received = env
	status := env.ResponseStatus()
	var hooks []MessageFunc
	if status != "" {
		hooks = slices.Clone(p.hooks[status])
	}
	p.timeout.disarm()
	refEvent := p.refEvent
	p.mu.Unlock()

	p.log.Debug().
		Str("event", p.event).
		Str("ref", env.Ref).
		Str("status", status).
		Int("callbacks", len(hooks)).
		Msg("push reply")

	for _, fn := range hooks {
		fn(env)
	}
	p.channel.Unbind(refEvent)
}

func (p *Push) expire(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	// fired; nothing left to cancel
	p.timeout.timer = nil
	fn := p.timeout.callback
	ref, refEvent := p.ref, p.refEvent
	p.mu.Unlock()

	p.log.Debug().
		Str("event", p.event).
		Str("ref", ref).
		Dur("after", p.timeout.after).
		Msg("push timeout")

	p.channel.Unbind(refEvent)
	if fn != nil {
		fn()
	}
}

func (p *Push) Event() string {
	return p.event
}

func (p *Push) Payload() map[string]any {
	return p.payload
}

func (p *Push) After() time.Duration {
	return p.timeout.after
}

// Ref is the correlation token of the latest send, "" before the first.
func (p *Push) Ref() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

// Received is the recorded reply, or nil.
func (p *Push) Received() *Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

func (p *Push) Sent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Pending reports whether the push was sent and neither a reply nor the
// timeout has settled it yet.
func (p *Push) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent && !p.settled
}
