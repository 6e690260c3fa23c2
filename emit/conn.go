package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Conn is a server side connection.
type Conn struct {
	ID       string
	conn     *websocket.Conn
	app      *App
	topics   sync.Map
	data     sync.Map
	sendChan chan Envelope
	ctx      context.Context
	cancel   context.CancelFunc
	info     *http.Request
	once     sync.Once
}

func newConn(ws *websocket.Conn, app *App, req *http.Request) *Conn {
	ctx, cancel := context.WithCancel(app.ctx)

	return &Conn{
		ID:       uuid.New().String(),
		conn:     ws,
		app:      app,
		sendChan: make(chan Envelope, defaultSendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		info:     req,
	}
}

func (c *Conn) readPump() {
	defer c.disconnect()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, data, err := c.conn.Read(c.ctx)
			if err != nil {
				return
			}

			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.handleError(err, nil)
				continue
			}

			go c.handleMessage(&env)
		}
	}
}

func (c *Conn) writePump() {
	defer c.disconnect()

	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.sendChan:
			data, err := json.Marshal(env)
			if err != nil {
				c.app.log.Warn().Err(err).Str("event", env.Event).Msg("marshal envelope")
				continue
			}

			if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (c *Conn) newRequest(env *Envelope) *Request {
	return &Request{
		Topic:   env.Topic,
		Event:   env.Event,
		Payload: env.Payload,
		Conn:    c,
		App:     c.app,
		ref:     env.Ref,
		ctx:     c.ctx,
	}
}

func (c *Conn) handleMessage(env *Envelope) {
	req := c.newRequest(env)

	switch {
	case env.Topic == TopicPhoenix && env.Event == EventHeartbeat:
		req.Reply(StatusOK, nil)
		return
	case env.Event == EventJoin:
		c.handleJoin(req)
		return
	case env.Event == EventLeave:
		c.Leave(env.Topic)
		req.Reply(StatusOK, nil)
		return
	}

	err := c.runMiddleware(c.app.middleware, req, func() error {
		if entry, ok := c.app.handlers.Load("@any"); ok {
			entry.(*handlerEntry).handler(req)
		}

		if entry, ok := c.app.handlers.Load(env.Event); ok {
			he := entry.(*handlerEntry)

			return c.runMiddleware(he.middleware, req, func() error {
				return he.handler(req)
			})
		}

		if env.Ref != "" {
			req.Reply(StatusError, map[string]any{"reason": fmt.Sprintf("no handler for %s", env.Event)})
		} else if _, ok := c.app.handlers.Load("@any"); !ok {
			c.app.log.Debug().Str("topic", env.Topic).Str("event", env.Event).Msg("no handler")
		}
		return nil
	})
	if err != nil {
		c.handleError(err, req)
	}
}

func (c *Conn) handleJoin(req *Request) {
	var err error
	if entry, ok := c.app.handlers.Load(EventJoin); ok {
		he := entry.(*handlerEntry)
		err = c.runMiddleware(he.middleware, req, func() error {
			return he.handler(req)
		})
	}
	if err != nil {
		req.Reply(StatusError, map[string]any{"reason": err.Error()})
		return
	}

	c.Join(req.Topic)
	req.Reply(StatusOK, nil)
}

func (c *Conn) runMiddleware(middleware []MiddlewareFunc, req *Request, done func() error) error {
	if len(middleware) == 0 {
		return done()
	}

	var run func(int) error
	run = func(i int) error {
		if i >= len(middleware) {
			return done()
		}

		return middleware[i](req, func() error {
			return run(i + 1)
		})
	}

	return run(0)
}

func (c *Conn) emit(env Envelope) {
	select {
	case c.sendChan <- env:
	case <-c.ctx.Done():
	}
}

// Push sends event on topic to this connection.
func (c *Conn) Push(topic, event string, payload map[string]any) {
	c.emit(Envelope{Topic: topic, Event: event, Payload: payload})
}

func (c *Conn) Join(topic string) *Conn {
	c.topics.Store(topic, true)
	c.app.joinTopic(topic, c)
	return c
}

func (c *Conn) Leave(topic string) *Conn {
	c.topics.Delete(topic)
	c.app.leaveTopic(topic, c)
	return c
}

func (c *Conn) Joined(topic string) bool {
	_, ok := c.topics.Load(topic)
	return ok
}

// Info is the HTTP request the connection was upgraded from.
func (c *Conn) Info() *http.Request {
	return c.info
}

func (c *Conn) disconnect() {
	c.once.Do(func() {
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")

		c.topics.Range(func(key, _ any) bool {
			c.Leave(key.(string))
			return true
		})

		c.app.conns.Delete(c.ID)

		if entry, ok := c.app.handlers.Load("@disconnect"); ok {
			req := &Request{
				Event: "@disconnect",
				Conn:  c,
				App:   c.app,
				ctx:   c.ctx,
			}
			entry.(*handlerEntry).handler(req)
		}
	})
}

func (c *Conn) handleError(err error, req *Request) {
	if req != nil && req.ref != "" && !req.Replied() {
		req.Reply(StatusError, map[string]any{"reason": err.Error()})
	}

	entry, ok := c.app.handlers.Load("@error")
	if !ok {
		c.app.log.Warn().Err(err).Str("conn", c.ID).Msg("handler error")
		return
	}
	if req == nil {
		req = &Request{
			Conn: c,
			App:  c.app,
			ctx:  c.ctx,
		}
	}
	req.Payload = map[string]any{"reason": err.Error()}
	entry.(*handlerEntry).handler(req)
}
