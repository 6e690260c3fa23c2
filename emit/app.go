package emit

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// App is the server end: it accepts connections, answers joins, leaves
// and heartbeats, and routes every other event to its handlers.
type App struct {
	handlers   sync.Map
	topics     sync.Map
	conns      sync.Map
	middleware []MiddlewareFunc
	server     *http.Server
	log        zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(opts ...AppOption) *App {
	cfg := appConfig{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		log:    cfg.log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *App) Use(fn MiddlewareFunc) *App {
	a.middleware = append(a.middleware, fn)
	return a
}

// On registers a handler for event, optionally preceded by middleware:
// On(event, mw1, mw2, handler).
func (a *App) On(event string, args ...any) *App {
	a.store(event, args)
	return a
}

func (a *App) store(event string, args []any) {
	if len(args) == 0 {
		return
	}

	handler, ok := args[len(args)-1].(func(*Request) error)
	if !ok {
		h, ok := args[len(args)-1].(HandlerFunc)
		if !ok {
			return
		}
		handler = h
	}
	var middleware []MiddlewareFunc

	if len(args) > 1 {
		for _, m := range args[:len(args)-1] {
			switch fn := m.(type) {
			case MiddlewareFunc:
				middleware = append(middleware, fn)
			case func(*Request, NextFunc) error:
				middleware = append(middleware, fn)
			}
		}
	}

	a.handlers.Store(event, &handlerEntry{
		handler:    handler,
		middleware: middleware,
	})
}

func (a *App) Namespace(prefix string) *Namespace {
	return &Namespace{
		app:    a,
		prefix: prefix,
	}
}

// Broadcast sends event to every connection joined to topic.
func (a *App) Broadcast(topic, event string, payload map[string]any) {
	var targets []*Conn

	if members, ok := a.topics.Load(topic); ok {
		members.(*sync.Map).Range(func(key, _ any) bool {
			if conn, ok := a.conns.Load(key); ok {
				targets = append(targets, conn.(*Conn))
			}
			return true
		})
	}

	env := Envelope{
		Topic:   topic,
		Event:   event,
		Payload: payload,
	}
	for _, conn := range targets {
		conn.emit(env)
	}
}

func (a *App) GetConn(connID string) *Conn {
	if conn, ok := a.conns.Load(connID); ok {
		return conn.(*Conn)
	}
	return nil
}

// Handler exposes the websocket endpoint for mounting on another mux.
func (a *App) Handler() http.Handler {
	return http.HandlerFunc(a.handleWebSocket)
}

func (a *App) Listen(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", a.Handler())
	a.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	a.log.Info().Str("addr", addr).Msg("emit server listening")
	return a.server.ListenAndServe()
}

func (a *App) Close() error {
	a.cancel()
	if a.server != nil {
		return a.server.Shutdown(context.Background())
	}
	return nil
}

func (a *App) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})

	if err != nil {
		a.log.Warn().Err(err).Msg("accept websocket")
		return
	}

	conn := newConn(ws, a, r)
	a.conns.Store(conn.ID, conn)

	if entry, ok := a.handlers.Load("@connection"); ok {
		req := &Request{
			Event: "@connection",
			Conn:  conn,
			App:   a,
			ctx:   conn.ctx,
		}
		entry.(*handlerEntry).handler(req)
	}

	go conn.readPump()
	go conn.writePump()
}

func (a *App) joinTopic(topic string, conn *Conn) {
	members, _ := a.topics.LoadOrStore(topic, &sync.Map{})
	members.(*sync.Map).Store(conn.ID, true)
}

func (a *App) leaveTopic(topic string, conn *Conn) {
	if members, ok := a.topics.Load(topic); ok {
		members.(*sync.Map).Delete(conn.ID)
	}
}
