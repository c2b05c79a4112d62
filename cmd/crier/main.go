// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

// Command crier runs a messaging client against a relay server: a
// long-running echo daemon by default, or a one-shot notifier with
// --send. Settings come from a --config file or the CRIER_*
// environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/crier-project/crier/bot"
	"github.com/crier-project/crier/config"
	"github.com/crier-project/crier/lib/jid"
	"github.com/crier-project/crier/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "settings file (.yaml, .yml, .json, .jsonc); defaults to the CRIER_* environment")
		relayAddr  = pflag.String("relay", "", "relay server address (host:port), required")
		message    = pflag.String("send", "", "send this text to the default recipient and exit")
		flushWait  = pflag.Duration("flush-timeout", 5*time.Second, "outbound drain bound before a one-shot exit")
		debug      = pflag.Bool("debug", false, "verbose logging")
	)
	pflag.Parse()

	if *relayAddr == "" {
		pflag.Usage()
		return fmt.Errorf("--relay is required")
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		return err
	}
	if *debug {
		settings.Debug = true
	}

	level := slog.LevelInfo
	if settings.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := bot.New(bot.Options{
		Transport: relayFactory(*relayAddr),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if *message != "" {
		return sendOnce(ctx, client, &settings, *message, *flushWait)
	}
	return serve(ctx, client, &settings, logger)
}

// loadSettings reads the settings file when given, otherwise the
// environment, prompting for the password on a terminal when it is
// not set anywhere.
func loadSettings(path string) (config.Settings, error) {
	if path != "" {
		return config.Load(path)
	}
	if os.Getenv(config.EnvPassword) == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "password: ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return config.Settings{}, fmt.Errorf("reading password: %w", err)
		}
		os.Setenv(config.EnvPassword, string(secret))
	}
	return config.FromEnv()
}

func relayFactory(address string) bot.TransportFactory {
	return func(s *config.Settings) (transport.Transport, error) {
		relay, err := transport.NewRelay(transport.RelayConfig{
			Address:           address,
			Identity:          s.FullJID(),
			Password:          s.Password,
			KeepaliveInterval: s.KeepaliveInterval,
			DialTimeout:       s.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return relay, nil
	}
}

// sendOnce delivers one message to the default recipient, drains the
// outbound queue, and disconnects.
func sendOnce(ctx context.Context, client *bot.Client, settings *config.Settings, text string, flushWait time.Duration) error {
	if err := client.Initialize(ctx, settings); err != nil {
		return err
	}
	defer client.Shutdown()
	if err := client.Send(ctx, text); err != nil {
		return err
	}
	client.Flush(ctx, flushWait)
	return nil
}

// serve runs the echo daemon with a reconnect loop paced by the
// settings' RetryDelay. Bad credentials abort instead of retrying.
func serve(ctx context.Context, client *bot.Client, settings *config.Settings, logger *slog.Logger) error {
	for {
		if err := client.Initialize(ctx, settings); err != nil {
			var authErr *bot.AuthError
			if errors.As(err, &authErr) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("connect failed",
				"error", err,
				"retry_in", settings.RetryDelay)
			select {
			case <-time.After(settings.RetryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		registerHandlers(client, logger)
		lost := watchConnection(ctx, client, settings.RetryDelay)
		client.Shutdown()
		if !lost {
			return nil
		}
		logger.Warn("connection lost, reconnecting")
	}
}

// registerHandlers installs the daemon's handlers. Disconnect clears
// the registries, so this runs after every reconnect.
func registerHandlers(client *bot.Client, logger *slog.Logger) {
	err := client.Handlers().AddMessageHandler("echo", func(sender jid.JID, body string, _ transport.Message) {
		if err := client.ReplyTo(context.Background(), body, sender); err != nil {
			logger.Warn("echo reply", "to", sender.String(), "error", err)
		}
	})
	if err != nil {
		logger.Error("registering echo handler", "error", err)
	}
	err = client.Handlers().AddPresenceHandler("presence-log", func(sender jid.JID, presenceType, status string, _ transport.Presence) {
		logger.Debug("presence",
			"from", sender.String(),
			"type", presenceType,
			"status", status)
	})
	if err != nil {
		logger.Error("registering presence handler", "error", err)
	}
}

// watchConnection blocks until the connection drops (true) or ctx is
// canceled (false).
func watchConnection(ctx context.Context, client *bot.Client, interval time.Duration) bool {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !client.IsConnected() {
				return true
			}
		}
	}
}
