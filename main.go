package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/z3r0dayexplo1t/emit-channels/emit"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	log := newLogger(cfg)

	var err error
	switch mode := flag.Arg(0); mode {
	case "", "serve":
		err = serve(cfg, log)
	case "push":
		err = push(cfg, log, strings.Join(flag.Args()[1:], " "))
	default:
		err = fmt.Errorf("unknown mode %q (want serve or push)", mode)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("emit")
	}
}

func serve(cfg config, log zerolog.Logger) error {
	app := emit.New(emit.WithAppLogger(log))

	// Logging middleware
	app.Use(func(req *emit.Request, next emit.NextFunc) error {
		log.Debug().Str("conn", req.Conn.ID[:8]).Str("topic", req.Topic).Str("event", req.Event).Msg("recv")
		return next()
	})

	app.On("@connection", func(req *emit.Request) error {
		log.Info().Str("conn", req.Conn.ID).Msg("client connected")
		return nil
	})

	app.On(emit.EventJoin, func(req *emit.Request) error {
		if !strings.HasPrefix(req.Topic, "room:") {
			return fmt.Errorf("unknown topic %s", req.Topic)
		}
		if name, ok := req.Payload["username"].(string); ok {
			req.Set("username", name)
		}
		return nil
	})

	app.On("ping", func(req *emit.Request) error {
		return req.Reply(emit.StatusOK, map[string]any{"message": "pong"})
	})

	app.On("new_msg", func(req *emit.Request) error {
		req.Broadcast("new_msg", req.Payload)
		return req.Reply(emit.StatusOK, map[string]any{})
	})

	// Typing indicators
	chat := app.Namespace("chat:")

	chat.On("typing", func(req *emit.Request) error {
		username, _ := req.Get("username")
		req.Broadcast("chat:typing", map[string]any{"username": username})
		return nil
	})

	app.On("@disconnect", func(req *emit.Request) error {
		log.Info().Str("conn", req.Conn.ID).Msg("client disconnected")
		return nil
	})

	app.On("@error", func(req *emit.Request) error {
		log.Warn().Interface("payload", req.Payload).Msg("handler error")
		return nil
	})

	return app.Listen(cfg.Listen)
}

func push(cfg config, log zerolog.Logger, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	socket, err := emit.Dial(ctx, cfg.URL,
		emit.WithLogger(log),
		emit.WithPushTimeout(cfg.PushTimeout),
		emit.WithHeartbeatInterval(cfg.HeartbeatInterval),
	)
	if err != nil {
		return err
	}
	defer socket.Close()

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	ch := socket.Channel(cfg.Topic, nil)
	ch.On(emit.EventError, func(env *emit.Envelope) {
		finish(fmt.Errorf("channel %s errored: %v", cfg.Topic, env.Payload))
	})

	join, err := ch.Join()
	if err != nil {
		return err
	}
	join.Receive(emit.StatusOK, func(*emit.Envelope) {
		log.Info().Str("topic", cfg.Topic).Msg("joined")

		err := ch.Push("new_msg", map[string]any{"body": body}).
			Receive(emit.StatusOK, func(env *emit.Envelope) {
				log.Info().Str("ref", env.Ref).Interface("response", env.Response()).Msg("reply")
				finish(nil)
			}).
			Receive(emit.StatusError, func(env *emit.Envelope) {
				finish(fmt.Errorf("push refused: %v", env.Response()))
			}).
			Timeout(func() {
				finish(errors.New("push timed out"))
			}).
			Send()
		if err != nil {
			finish(err)
		}
	})

	select {
	case err := <-done:
		return err
	case <-socket.Done():
		return errors.New("socket closed")
	}
}
