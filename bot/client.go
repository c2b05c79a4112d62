// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/crier-project/crier/config"
	"github.com/crier-project/crier/lib/clock"
	"github.com/crier-project/crier/lib/jid"
	"github.com/crier-project/crier/transport"
)

// flushPollInterval is how often Flush re-checks the transport's
// outbound buffer.
const flushPollInterval = 50 * time.Millisecond

// TransportFactory builds the transport for one session from the
// validated settings.
type TransportFactory func(settings *config.Settings) (transport.Transport, error)

// Options configures a Client.
type Options struct {
	// Transport builds the session transport. Required.
	Transport TransportFactory
	// Logger receives client diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
	// Clock drives the connect timeout, send throttle, and flush
	// polling. Defaults to clock.Real().
	Clock clock.Clock
}

// Client is one messaging client: a single session against a single
// account, a synchronous handler registry, and an asynchronous
// handler stage. Create it with New; it holds no process-wide state,
// so a program may run several Clients side by side.
//
// All methods are safe for concurrent use.
type Client struct {
	factory TransportFactory
	logger  *slog.Logger
	clock   clock.Clock

	handlers       *Registry
	asyncMessages  registry[AsyncMessageHandler]
	asyncPresences registry[AsyncPresenceHandler]

	mu            sync.Mutex
	settings      *config.Settings
	transport     transport.Transport
	initialized   bool
	connected     bool
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	stopped       chan struct{}
	lastSend      time.Time
}

// New returns an unconnected Client.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("bot: Options.Transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Client{
		factory:        opts.Transport,
		logger:         opts.Logger,
		clock:          opts.Clock,
		handlers:       NewRegistry(),
		asyncMessages:  registry[AsyncMessageHandler]{kind: kindMessageHandler},
		asyncPresences: registry[AsyncPresenceHandler]{kind: kindPresenceHandler},
	}, nil
}

// Initialize connects and authenticates the session, blocking until
// the session is usable, the settings' ConnectTimeout elapses, or ctx
// is canceled. Nil settings loads config.FromEnv().
//
// Returns ErrAlreadyInitialized on a live client. Connection-phase
// failures are *ConnectError or *AuthError, both matching
// errors.Is(err, ErrConnectionFailed); the client is back to
// uninitialized after any failure.
func (c *Client) Initialize(ctx context.Context, settings *config.Settings) error {
	if settings == nil {
		loaded, err := config.FromEnv()
		if err != nil {
			return err
		}
		settings = &loaded
	}
	identity := settings.FullJID()

	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	tr, err := c.factory(settings)
	if err != nil {
		c.mu.Unlock()
		return &ConnectError{Identity: identity, Err: err}
	}
	started := make(chan struct{}, 1)
	failed := make(chan string, 1)
	stopped := make(chan struct{})
	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	c.settings = settings
	c.transport = tr
	c.initialized = true
	c.connected = false
	c.sessionCtx = sessionCtx
	c.sessionCancel = sessionCancel
	c.stopped = stopped
	c.mu.Unlock()

	tr.Bind(transport.Handlers{
		SessionStarted:     func() { c.onSessionStarted(tr, started) },
		MessageReceived:    c.onMessage,
		SubscribeRequested: c.onSubscribe,
		PresenceUpdated:    c.onPresence,
		AuthFailed: func(reason string) {
			select {
			case failed <- reason:
			default:
			}
		},
		Disconnected: c.onDisconnected,
	})

	if err := tr.Connect(); err != nil {
		c.abortConnect(tr, stopped)
		return &ConnectError{Identity: identity, Err: err}
	}

	select {
	case <-started:
		c.mu.Lock()
		if c.stopped == stopped {
			c.connected = true
		}
		c.mu.Unlock()
		c.logger.Info("session established", "identity", identity.String())
		return nil
	case reason := <-failed:
		c.abortConnect(tr, stopped)
		return &AuthError{Identity: identity, Reason: reason}
	case <-c.clock.After(settings.ConnectTimeout):
		c.abortConnect(tr, stopped)
		return &ConnectError{Identity: identity, Timeout: settings.ConnectTimeout}
	case <-ctx.Done():
		c.abortConnect(tr, stopped)
		return &ConnectError{Identity: identity, Err: ctx.Err()}
	}
}

// abortConnect unwinds a failed Initialize back to uninitialized. The
// stopped channel identifies the attempt: when a concurrent
// Disconnect (and possibly a fresh Initialize) has superseded this
// session, the stale abort must leave the current state alone.
func (c *Client) abortConnect(tr transport.Transport, stopped chan struct{}) {
	if err := tr.Disconnect(); err != nil {
		c.logger.Debug("transport close after failed connect", "error", err)
	}
	c.mu.Lock()
	if c.stopped != stopped {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.mu.Unlock()
	close(stopped)
}

// resetLocked drops all session state. Caller holds c.mu.
func (c *Client) resetLocked() {
	c.settings = nil
	c.transport = nil
	c.initialized = false
	c.connected = false
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.sessionCtx = nil
	c.sessionCancel = nil
	c.stopped = nil
}

// Disconnect tears the session down: best-effort transport close, all
// lifecycle state cleared, every handler registry emptied. A no-op on
// an uninitialized client, and idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	tr := c.transport
	identity := c.settings.FullJID()
	stopped := c.stopped
	c.resetLocked()
	c.mu.Unlock()

	if tr != nil {
		if err := tr.Disconnect(); err != nil {
			c.logger.Debug("transport close", "error", err)
		}
	}
	c.handlers.Clear()
	c.asyncMessages.clear()
	c.asyncPresences.clear()
	if stopped != nil {
		close(stopped)
	}
	c.logger.Info("session closed", "identity", identity.String())
}

// Shutdown is an alias for Disconnect.
func (c *Client) Shutdown() {
	c.Disconnect()
}

// Wait blocks until the session ends via Disconnect.
func (c *Client) Wait() error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped == nil {
		return ErrNotInitialized
	}
	<-stopped
	return nil
}

// Send sends text to the settings' DefaultRecipient.
func (c *Client) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	to := c.settings.DefaultRecipient
	c.mu.Unlock()
	return c.ReplyTo(ctx, text, to)
}

// ReplyTo sends text to an explicit recipient. Failures are
// *SendError naming the recipient; ErrNotInitialized before
// Initialize. Successive sends are spaced at least the settings'
// SendDelay apart.
func (c *Client) ReplyTo(ctx context.Context, text string, to jid.JID) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	tr := c.transport
	connected := c.connected
	delay := c.settings.SendDelay
	c.mu.Unlock()

	if tr == nil || !connected {
		return &SendError{Recipient: to, Err: errors.New("not connected")}
	}
	c.throttle(delay)
	err := tr.SendMessage(ctx, transport.Message{
		To:   to,
		Type: transport.MessageChat,
		Body: text,
	})
	if err != nil {
		return &SendError{Recipient: to, Err: err}
	}
	c.mu.Lock()
	c.lastSend = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// SendURL joins the settings' BaseURL and path with exactly one slash
// and sends the result to the DefaultRecipient.
func (c *Client) SendURL(ctx context.Context, path string) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	base := c.settings.BaseURL
	c.mu.Unlock()
	url := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	return c.Send(ctx, url)
}

// throttle sleeps out the remainder of the send-spacing window.
func (c *Client) throttle(delay time.Duration) {
	if delay <= 0 {
		return
	}
	c.mu.Lock()
	last := c.lastSend
	c.mu.Unlock()
	if last.IsZero() {
		return
	}
	if gap := delay - c.clock.Now().Sub(last); gap > 0 {
		c.clock.Sleep(gap)
	}
}

// Flush waits for the transport's outbound buffer to drain, polling
// every 50 ms, giving up silently at the timeout. A no-op when
// disconnected.
func (c *Client) Flush(ctx context.Context, timeout time.Duration) {
	c.mu.Lock()
	tr := c.transport
	connected := c.connected
	c.mu.Unlock()
	if tr == nil || !connected {
		return
	}
	if tr.PendingWrites() == 0 {
		return
	}
	deadline := c.clock.After(timeout)
	ticker := c.clock.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if tr.PendingWrites() == 0 {
				return
			}
		case <-deadline:
			c.logger.Warn("flush gave up with writes pending",
				"pending", tr.PendingWrites(),
				"timeout", timeout)
			return
		case <-ctx.Done():
			return
		}
	}
}

// AddMessageHandler registers a named handler in the asynchronous
// message stage. Duplicate names are rejected with
// *HandlerExistsError.
func (c *Client) AddMessageHandler(name string, handler AsyncMessageHandler) error {
	return c.asyncMessages.add(name, handler)
}

// AddPresenceHandler registers a named handler in the asynchronous
// presence stage.
func (c *Client) AddPresenceHandler(name string, handler AsyncPresenceHandler) error {
	return c.asyncPresences.add(name, handler)
}

// RemoveMessageHandler removes the named message handler, trying the
// asynchronous stage first and falling through to the synchronous
// registry.
func (c *Client) RemoveMessageHandler(name string) error {
	if c.asyncMessages.remove(name) {
		return nil
	}
	return c.handlers.RemoveMessageHandler(name)
}

// RemovePresenceHandler removes the named presence handler, trying
// the asynchronous stage first and falling through to the synchronous
// registry.
func (c *Client) RemovePresenceHandler(name string) error {
	if c.asyncPresences.remove(name) {
		return nil
	}
	return c.handlers.RemovePresenceHandler(name)
}

// Handlers returns the synchronous handler registry.
func (c *Client) Handlers() *Registry {
	return c.handlers
}

// Settings returns the session settings, or ErrNotInitialized.
func (c *Client) Settings() (*config.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	return c.settings, nil
}

// IsInitialized reports whether Initialize has succeeded (or is in
// flight) without a matching Disconnect.
func (c *Client) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// IsConnected reports whether the session is currently usable.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// onSessionStarted runs on the transport's callback goroutine once
// the session authenticates: announce presence, warm the roster, then
// release the connect wait.
func (c *Client) onSessionStarted(tr transport.Transport, started chan struct{}) {
	ctx := c.sessionContext()
	if err := tr.SendPresence(ctx, transport.Presence{}); err != nil {
		c.logger.Warn("initial presence", "error", err)
	}
	if _, err := tr.Roster(ctx); err != nil {
		c.logger.Warn("roster fetch", "error", err)
	}
	select {
	case started <- struct{}{}:
	default:
	}
}

func (c *Client) onDisconnected(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("connection lost", "error", err)
	}
}

// onMessage filters one inbound message and dispatches it through
// both handler stages.
func (c *Client) onMessage(message transport.Message) {
	if message.Type != transport.MessageChat && message.Type != transport.MessageNormal {
		c.logger.Debug("ignoring message",
			"type", message.Type,
			"from", message.From.String())
		return
	}
	if message.Body == "" {
		return
	}
	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()
	if settings != nil && !settings.IsSenderAllowed(message.From) {
		c.logger.Warn("dropping message",
			"from", message.From.String(),
			"reason", ErrAccessDenied)
		return
	}

	sender := message.From
	body := message.Body
	for _, h := range c.handlers.MessageHandlers() {
		c.invoke(h.Name, func() error {
			h.Handler(sender, body, message)
			return nil
		})
	}
	ctx := c.sessionContext()
	for _, e := range c.asyncMessages.snapshot() {
		handler := e.handler
		c.invoke(e.name, func() error {
			return handler(ctx, sender, body, message)
		})
	}
}

// onSubscribe auto-approves every presence subscription request.
func (c *Client) onSubscribe(presence transport.Presence) {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return
	}
	approval := transport.Presence{
		To:   presence.From.Bare(),
		Type: transport.PresenceSubscribed,
	}
	if err := tr.SendPresence(c.sessionContext(), approval); err != nil {
		c.logger.Warn("subscription approval",
			"to", presence.From.String(),
			"error", err)
	}
}

// onPresence dispatches one inbound presence change through both
// handler stages. Presence is not allow-list filtered.
func (c *Client) onPresence(presence transport.Presence) {
	sender := presence.From
	presenceType := presence.Type
	status := presence.Status
	for _, h := range c.handlers.PresenceHandlers() {
		c.invoke(h.Name, func() error {
			h.Handler(sender, presenceType, status, presence)
			return nil
		})
	}
	ctx := c.sessionContext()
	for _, e := range c.asyncPresences.snapshot() {
		handler := e.handler
		c.invoke(e.name, func() error {
			return handler(ctx, sender, presenceType, status, presence)
		})
	}
}

// invoke runs one handler with fault isolation: a panic or returned
// error is logged and never reaches the transport goroutine or the
// remaining handlers.
func (c *Client) invoke(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"handler", name,
				"panic", r)
		}
	}()
	if err := fn(); err != nil {
		c.logger.Error("handler failed",
			"handler", name,
			"error", err)
	}
}

func (c *Client) sessionContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionCtx == nil {
		return context.Background()
	}
	return c.sessionCtx
}
