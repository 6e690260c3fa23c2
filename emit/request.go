package emit

import (
	"context"
	"sync/atomic"
)

// Request is one incoming envelope as seen by a server handler.
type Request struct {
	Topic   string
	Event   string
	Payload map[string]any
	Conn    *Conn
	App     *App
	ref     string
	replied atomic.Bool
	ctx     context.Context
}

func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *Request) Ref() string {
	return r.ref
}

// Reply answers the push that produced this request. Only the first reply
// is sent; requests without a ref are not answered.
func (r *Request) Reply(status string, response map[string]any) error {
	if r.ref == "" {
		return nil
	}
	if !r.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	r.Conn.emit(Envelope{
		Topic:   r.Topic,
		Event:   EventReply,
		Payload: replyPayload(status, response),
		Ref:     r.ref,
	})

	return nil
}

func (r *Request) Replied() bool {
	return r.replied.Load()
}

// Push sends event on the request topic to the requesting connection only.
func (r *Request) Push(event string, payload map[string]any) {
	r.Conn.Push(r.Topic, event, payload)
}

func (r *Request) Set(key string, value any) {
	r.Conn.data.Store(key, value)
}

func (r *Request) Get(key string) (any, bool) {
	return r.Conn.data.Load(key)
}

// Broadcast sends event to every connection joined to the request topic.
func (r *Request) Broadcast(event string, payload map[string]any) {
	r.App.Broadcast(r.Topic, event, payload)
}
