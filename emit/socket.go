package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Socket is the client end of a connection. Channels are multiplexed over
// it by topic; replies and broadcasts are dispatched on the read loop.
type Socket struct {
	url string
	cfg socketConfig
	log zerolog.Logger

	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool

	mu        sync.RWMutex
	channels  []*Channel
	heartbeat *Channel
}

func Dial(ctx context.Context, url string, opts ...Option) (*Socket, error) {
	cfg := defaultSocketConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, _, err := websocket.Dial(ctx, url, cfg.dialOptions)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		url:    url,
		cfg:    cfg,
		log:    cfg.log,
		conn:   conn,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.heartbeat = newChannel(TopicPhoenix, nil, s, cfg.scheduler, cfg.pushTimeout, s.log)

	s.log.Debug().Str("url", url).Msg("socket connected")

	go s.readPump()
	if cfg.heartbeat > 0 {
		go s.heartbeatLoop()
	}
	return s, nil
}

// MakeRef returns a fresh correlation ref.
func (s *Socket) MakeRef() string {
	return uuid.NewString()
}

// Push writes env to the connection, returning once the frame is written.
func (s *Socket) Push(env *Envelope) error {
	if s.ctx.Err() != nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s/%s: %w", env.Topic, env.Event, err)
	}
	return nil
}

// Channel creates a channel for topic. It is not joined until Join is called.
func (s *Socket) Channel(topic string, params map[string]any) *Channel {
	ch := newChannel(topic, params, s, s.cfg.scheduler, s.cfg.pushTimeout, s.log)
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch
}

func (s *Socket) Remove(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = slices.DeleteFunc(s.channels, func(c *Channel) bool {
		return c == ch
	})
}

// Done is closed once the read loop has exited.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

func (s *Socket) Close() error {
	s.closing.Store(true)
	s.cancel()
	// the read loop may have closed the conn first; that error is expected
	s.conn.Close(websocket.StatusNormalClosure, "")
	<-s.done
	return nil
}

func (s *Socket) readPump() {
	defer s.disconnect()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if !s.closing.Load() {
				s.log.Debug().Err(err).Msg("socket read")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Err(err).Msg("decode envelope")
			continue
		}

		s.dispatch(&env)
	}
}

func (s *Socket) dispatch(env *Envelope) {
	if env.Topic == TopicPhoenix {
		s.heartbeat.Trigger(env)
		return
	}

	s.mu.RLock()
	var targets []*Channel
	for _, ch := range s.channels {
		if ch.Topic() == env.Topic {
			targets = append(targets, ch)
		}
	}
	s.mu.RUnlock()

	for _, ch := range targets {
		ch.Trigger(env)
	}
}

func (s *Socket) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendHeartbeat(); err != nil {
				s.log.Warn().Err(err).Msg("heartbeat")
			}
		}
	}
}

func (s *Socket) sendHeartbeat() error {
	push := s.heartbeat.PushTimeout(EventHeartbeat, nil, s.cfg.heartbeat)
	push.Receive(StatusOK, func(*Envelope) {
		s.log.Trace().Msg("heartbeat ack")
	}).Timeout(func() {
		s.log.Warn().Dur("after", s.cfg.heartbeat).Msg("heartbeat timeout, closing connection")
		s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
	})
	return push.Send()
}

func (s *Socket) disconnect() {
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "")

	if !s.closing.Load() {
		s.mu.RLock()
		channels := slices.Clone(s.channels)
		s.mu.RUnlock()

		for _, ch := range channels {
			if state := ch.State(); state == ChannelClosed || state == ChannelLeaving {
				continue
			}
			ch.Trigger(&Envelope{
				Topic:   ch.Topic(),
				Event:   EventError,
				Payload: map[string]any{"reason": "disconnected"},
			})
		}
	}
	close(s.done)
}
