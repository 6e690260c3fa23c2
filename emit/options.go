package emit

import (
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultPushTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultSendBuffer        = 256
)

type socketConfig struct {
	log          zerolog.Logger
	scheduler    Scheduler
	dialOptions  *websocket.DialOptions
	pushTimeout  time.Duration
	heartbeat    time.Duration
	writeTimeout time.Duration
}

func defaultSocketConfig() socketConfig {
	return socketConfig{
		log:          zerolog.Nop(),
		scheduler:    DefaultScheduler,
		pushTimeout:  DefaultPushTimeout,
		heartbeat:    DefaultHeartbeatInterval,
		writeTimeout: defaultWriteTimeout,
	}
}

// Option configures a Socket.
type Option func(*socketConfig)

func WithLogger(log zerolog.Logger) Option {
	return func(c *socketConfig) {
		c.log = log
	}
}

// WithScheduler replaces the timer source used for push timeouts.
func WithScheduler(s Scheduler) Option {
	return func(c *socketConfig) {
		if s != nil {
			c.scheduler = s
		}
	}
}

func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *socketConfig) {
		c.dialOptions = opts
	}
}

// WithPushTimeout sets the timeout of pushes created by Channel.Push.
func WithPushTimeout(d time.Duration) Option {
	return func(c *socketConfig) {
		if d > 0 {
			c.pushTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the heartbeat period; d <= 0 disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *socketConfig) {
		if d < 0 {
			d = 0
		}
		c.heartbeat = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *socketConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

type appConfig struct {
	log zerolog.Logger
}

// AppOption configures an App.
type AppOption func(*appConfig)

func WithAppLogger(log zerolog.Logger) AppOption {
	return func(c *appConfig) {
		c.log = log
	}
}
