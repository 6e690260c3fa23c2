package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/z3r0dayexplo1t/emit-channels/emit"
)

type config struct {
	Listen            string
	URL               string
	Topic             string
	LogLevel          zerolog.Level
	PushTimeout       time.Duration
	HeartbeatInterval time.Duration
}

type fileConfig struct {
	Listen            string `toml:"listen"`
	URL               string `toml:"url"`
	Topic             string `toml:"topic"`
	LogLevel          string `toml:"log_level"`
	PushTimeout       string `toml:"push_timeout"`
	PushTimeoutMS     int64  `toml:"push_timeout_ms"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
}

func defaultConfig() config {
	return config{
		Listen:            ":8080",
		URL:               "ws://localhost:8080/",
		Topic:             "room:lobby",
		LogLevel:          zerolog.InfoLevel,
		PushTimeout:       emit.DefaultPushTimeout,
		HeartbeatInterval: emit.DefaultHeartbeatInterval,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}

	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}

	if meta.IsDefined("topic") {
		if topic := strings.TrimSpace(raw.Topic); topic != "" {
			cfg.Topic = topic
		}
	}

	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw.LogLevel)))
		if err != nil {
			return config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}

	if meta.IsDefined("push_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PushTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse push_timeout: %w", err)
		}
		cfg.PushTimeout = d
	}

	if meta.IsDefined("push_timeout_ms") {
		cfg.PushTimeout = time.Duration(raw.PushTimeoutMS) * time.Millisecond
	}

	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return config{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if cfg.PushTimeout <= 0 {
		return config{}, fmt.Errorf("push_timeout must be positive, got %v", cfg.PushTimeout)
	}

	return cfg, nil
}

func newLogger(cfg config) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(cfg.LogLevel).
		With().
		Timestamp().
		Logger()
}
