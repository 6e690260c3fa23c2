package emit

const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	// TopicPhoenix carries socket level traffic such as heartbeats.
	TopicPhoenix = "phoenix"

	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"

	replyEventPrefix = "chan_reply_"
)

type HandlerFunc func(*Request) error
type MiddlewareFunc func(*Request, NextFunc) error
type NextFunc func() error

// MessageFunc receives an envelope routed to a channel binding or a push status.
type MessageFunc func(*Envelope)

// TimeoutFunc is invoked when a push gets no reply in time.
type TimeoutFunc func()

type Envelope struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
}

// ResponseStatus returns payload.status of a reply envelope, or "" when absent.
func (e *Envelope) ResponseStatus() string {
	if e == nil || e.Payload == nil {
		return ""
	}
	status, _ := e.Payload["status"].(string)
	return status
}

// Response returns payload.response of a reply envelope.
func (e *Envelope) Response() map[string]any {
	if e == nil || e.Payload == nil {
		return nil
	}
	resp, _ := e.Payload["response"].(map[string]any)
	return resp
}

// ReplyEventName is the channel event a reply to ref is dispatched under.
func ReplyEventName(ref string) string {
	return replyEventPrefix + ref
}

func replyPayload(status string, response map[string]any) map[string]any {
	if response == nil {
		response = map[string]any{}
	}
	return map[string]any{
		"status":   status,
		"response": response,
	}
}

type handlerEntry struct {
	handler    HandlerFunc
	middleware []MiddlewareFunc
}
