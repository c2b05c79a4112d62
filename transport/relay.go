// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crier-project/crier/lib/clock"
	"github.com/crier-project/crier/lib/codec"
	"github.com/crier-project/crier/lib/jid"
)

// Relay envelope kinds. The client sends hello first; the server
// answers welcome or auth-failed. After welcome, message and presence
// envelopes flow in both directions, roster-get requests a roster
// reply, ping keeps the connection alive, and bye announces a clean
// shutdown.
const (
	kindHello      = "hello"
	kindWelcome    = "welcome"
	kindAuthFailed = "auth-failed"
	kindMessage    = "message"
	kindPresence   = "presence"
	kindRosterGet  = "roster-get"
	kindRoster     = "roster"
	kindPing       = "ping"
	kindBye        = "bye"
)

// envelope is one CBOR frame on a relay connection. Kind selects
// which of the remaining fields are meaningful.
type envelope struct {
	Kind   string       `cbor:"kind"`
	From   jid.JID      `cbor:"from"`
	To     jid.JID      `cbor:"to"`
	Type   string       `cbor:"type,omitempty"`
	Body   string       `cbor:"body,omitempty"`
	Status string       `cbor:"status,omitempty"`
	Auth   string       `cbor:"auth,omitempty"`
	Reason string       `cbor:"reason,omitempty"`
	Roster []RosterItem `cbor:"roster,omitempty"`
}

// RelayConfig configures a Relay transport.
type RelayConfig struct {
	// Address is the relay server's host:port.
	Address string
	// Identity is the full address presented in the hello envelope.
	Identity jid.JID
	// Password authenticates the identity.
	Password string
	// KeepaliveInterval is how often to send a ping envelope on an
	// idle connection. Zero disables keepalives.
	KeepaliveInterval time.Duration
	// DialTimeout bounds the TCP dial. Zero means no bound.
	DialTimeout time.Duration
	// Clock drives the keepalive ticker. Defaults to clock.Real().
	Clock clock.Clock
	// Logger receives connection-level diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Relay is a Transport speaking CBOR envelopes over a TCP connection
// to a relay server. Outbound envelopes pass through a bounded queue
// whose depth PendingWrites reports.
type Relay struct {
	cfg    RelayConfig
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	handlers  Handlers
	conn      net.Conn
	done      chan struct{}
	connected bool

	outbound   chan envelope
	pending    atomic.Int64
	rosterWait chan []RosterItem
}

var _ Transport = (*Relay)(nil)

const outboundQueueDepth = 64

// NewRelay validates the configuration and returns an unconnected
// Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("relay: address is required")
	}
	if cfg.Identity.IsZero() {
		return nil, fmt.Errorf("relay: identity is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		rosterWait: make(chan []RosterItem, 1),
	}, nil
}

// Bind implements Transport.
func (r *Relay) Bind(handlers Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = handlers
}

// Connect implements Transport. It dials in the background; the
// handshake outcome arrives as SessionStarted or AuthFailed, and a
// dial failure as Disconnected.
func (r *Relay) Connect() error {
	r.mu.Lock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			r.mu.Unlock()
			return fmt.Errorf("relay: already connected")
		}
	}
	r.done = make(chan struct{})
	r.outbound = make(chan envelope, outboundQueueDepth)
	done := r.done
	r.mu.Unlock()

	go r.run(done)
	return nil
}

func (r *Relay) run(done chan struct{}) {
	conn, err := net.DialTimeout("tcp", r.cfg.Address, r.cfg.DialTimeout)
	if err != nil {
		r.logger.Error("relay dial failed",
			"address", r.cfg.Address,
			"error", err)
		r.teardown(done, fmt.Errorf("dial %s: %w", r.cfg.Address, err))
		return
	}

	r.mu.Lock()
	select {
	case <-done:
		// Disconnected while dialing.
		r.mu.Unlock()
		conn.Close()
		return
	default:
	}
	r.conn = conn
	outbound := r.outbound
	r.mu.Unlock()

	go r.writeLoop(conn, outbound, done)

	// Callbacks fire from their own goroutine so a callback may call
	// back into the transport (Roster inside SessionStarted) without
	// starving the reader.
	events := make(chan envelope, outboundQueueDepth)
	go r.dispatchLoop(events, done)

	hello := envelope{Kind: kindHello, From: r.cfg.Identity, Auth: r.cfg.Password}
	if err := r.enqueue(context.Background(), hello); err != nil {
		r.teardown(done, err)
		return
	}

	if r.cfg.KeepaliveInterval > 0 {
		go r.keepaliveLoop(done)
	}

	r.readLoop(conn, events, done)
}

func (r *Relay) readLoop(conn net.Conn, events chan<- envelope, done chan struct{}) {
	decoder := codec.NewDecoder(conn)
	for {
		var env envelope
		if err := decoder.Decode(&env); err != nil {
			select {
			case <-done:
				return
			default:
			}
			r.teardown(done, fmt.Errorf("read envelope: %w", err))
			return
		}
		// Roster replies resolve directly so Roster can be called
		// from inside a callback on the dispatch goroutine.
		if env.Kind == kindRoster {
			select {
			case r.rosterWait <- env.Roster:
			default:
			}
			continue
		}
		select {
		case events <- env:
		case <-done:
			return
		}
	}
}

func (r *Relay) dispatchLoop(events <-chan envelope, done chan struct{}) {
	for {
		select {
		case env := <-events:
			r.dispatch(env, done)
		case <-done:
			// Deliver whatever the reader queued before shutdown;
			// an auth-failed often arrives just ahead of the
			// server closing the socket.
			for {
				select {
				case env := <-events:
					r.dispatch(env, done)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) dispatch(env envelope, done chan struct{}) {
	switch env.Kind {
	case kindWelcome:
		r.mu.Lock()
		r.connected = true
		r.mu.Unlock()
		r.callbacks().fireSessionStarted()
	case kindAuthFailed:
		r.callbacks().fireAuthFailed(env.Reason)
		r.teardownQuiet(done)
	case kindMessage:
		r.callbacks().fireMessageReceived(Message{
			From: env.From,
			To:   env.To,
			Type: env.Type,
			Body: env.Body,
		})
	case kindPresence:
		presence := Presence{
			From:   env.From,
			To:     env.To,
			Type:   env.Type,
			Status: env.Status,
		}
		if presence.Type == PresenceSubscribe {
			r.callbacks().fireSubscribeRequested(presence)
		} else {
			r.callbacks().firePresenceUpdated(presence)
		}
	case kindPing, kindBye:
		// No client-side action.
	default:
		r.logger.Warn("relay envelope with unknown kind",
			"kind", env.Kind)
	}
}

func (r *Relay) writeLoop(conn net.Conn, outbound chan envelope, done chan struct{}) {
	encoder := codec.NewEncoder(conn)
	for {
		select {
		case env := <-outbound:
			err := encoder.Encode(env)
			r.pending.Add(-1)
			if err != nil {
				select {
				case <-done:
					return
				default:
				}
				r.teardown(done, fmt.Errorf("write envelope: %w", err))
				return
			}
		case <-done:
			return
		}
	}
}

func (r *Relay) keepaliveLoop(done chan struct{}) {
	ticker := r.clock.NewTicker(r.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			env := envelope{Kind: kindPing, From: r.cfg.Identity}
			if err := r.enqueue(context.Background(), env); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (r *Relay) enqueue(ctx context.Context, env envelope) error {
	r.mu.Lock()
	outbound := r.outbound
	done := r.done
	r.mu.Unlock()
	if outbound == nil {
		return fmt.Errorf("relay: not connected")
	}
	select {
	case outbound <- env:
		r.pending.Add(1)
		return nil
	case <-done:
		return fmt.Errorf("relay: connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown closes the connection and fires Disconnected with the
// given error. Only the first teardown for a connection has effect.
func (r *Relay) teardown(done chan struct{}, err error) {
	if !r.closeConnection(done) {
		return
	}
	if err != nil {
		r.logger.Warn("relay connection lost", "error", err)
	}
	r.callbacks().fireDisconnected(err)
}

// teardownQuiet closes without firing Disconnected, for paths that
// already delivered a terminal callback.
func (r *Relay) teardownQuiet(done chan struct{}) {
	r.closeConnection(done)
}

func (r *Relay) closeConnection(done chan struct{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != done {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	close(done)
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.connected = false
	r.outbound = nil
	r.pending.Store(0)
	return true
}

// Disconnect implements Transport. It sends a best-effort bye and
// closes the connection.
func (r *Relay) Disconnect() error {
	r.mu.Lock()
	done := r.done
	outbound := r.outbound
	conn := r.conn
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	if outbound != nil && conn != nil {
		// Best-effort: write the bye directly so it is not lost
		// when the queue goroutine stops.
		codec.NewEncoder(conn).Encode(envelope{Kind: kindBye, From: r.cfg.Identity})
	}
	if r.closeConnection(done) {
		r.callbacks().fireDisconnected(nil)
	}
	return nil
}

// SendMessage implements Transport.
func (r *Relay) SendMessage(ctx context.Context, message Message) error {
	if message.From.IsZero() {
		message.From = r.cfg.Identity
	}
	return r.enqueue(ctx, envelope{
		Kind: kindMessage,
		From: message.From,
		To:   message.To,
		Type: message.Type,
		Body: message.Body,
	})
}

// SendPresence implements Transport.
func (r *Relay) SendPresence(ctx context.Context, presence Presence) error {
	if presence.From.IsZero() {
		presence.From = r.cfg.Identity
	}
	return r.enqueue(ctx, envelope{
		Kind:   kindPresence,
		From:   presence.From,
		To:     presence.To,
		Type:   presence.Type,
		Status: presence.Status,
	})
}

// Roster implements Transport. It issues a roster-get and waits for
// the server's roster reply.
func (r *Relay) Roster(ctx context.Context) ([]RosterItem, error) {
	// Drain a stale reply from an earlier abandoned request.
	select {
	case <-r.rosterWait:
	default:
	}
	if err := r.enqueue(ctx, envelope{Kind: kindRosterGet, From: r.cfg.Identity}); err != nil {
		return nil, err
	}
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	select {
	case items := <-r.rosterWait:
		return items, nil
	case <-done:
		return nil, errors.New("relay: connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingWrites implements Transport.
func (r *Relay) PendingWrites() int {
	return int(r.pending.Load())
}

func (r *Relay) callbacks() Handlers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers
}
