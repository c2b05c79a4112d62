// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/crier-project/crier/lib/clock"
	"github.com/crier-project/crier/lib/codec"
	"github.com/crier-project/crier/lib/testutil"
)

// relayServer is a single-client relay for exercising the Relay
// transport over a real TCP connection.
type relayServer struct {
	t        *testing.T
	listener net.Listener
	password string
	roster   []RosterItem
	received chan envelope

	mu   sync.Mutex
	conn net.Conn
	enc  *codec.Encoder
}

func newRelayServer(t *testing.T, password string) *relayServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &relayServer{
		t:        t,
		listener: listener,
		password: password,
		received: make(chan envelope, 16),
	}
	t.Cleanup(func() {
		listener.Close()
		s.closeClient()
	})
	go s.acceptLoop()
	return s
}

func (s *relayServer) addr() string {
	return s.listener.Addr().String()
}

func (s *relayServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *relayServer) serve(conn net.Conn) {
	enc := codec.NewEncoder(conn)
	dec := codec.NewDecoder(conn)

	var hello envelope
	if err := dec.Decode(&hello); err != nil || hello.Kind != kindHello {
		conn.Close()
		return
	}
	if hello.Auth != s.password {
		enc.Encode(envelope{Kind: kindAuthFailed, Reason: "bad credentials"})
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.enc = enc
	s.mu.Unlock()
	s.write(envelope{Kind: kindWelcome})

	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			return
		}
		if env.Kind == kindRosterGet {
			s.write(envelope{Kind: kindRoster, Roster: s.roster})
			continue
		}
		s.received <- env
	}
}

func (s *relayServer) write(env envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		s.t.Errorf("write %q envelope with no client attached", env.Kind)
		return
	}
	if err := s.enc.Encode(env); err != nil {
		s.t.Errorf("server write: %v", err)
	}
}

func (s *relayServer) closeClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.enc = nil
	}
}

// connectRelay builds a Relay against the server, connects, and waits
// for the session to start.
func connectRelay(t *testing.T, server *relayServer, handlers Handlers, cfg RelayConfig) *Relay {
	t.Helper()
	cfg.Address = server.addr()
	if cfg.Identity.IsZero() {
		cfg.Identity = alice
	}
	relay, err := NewRelay(cfg)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	started := make(chan struct{}, 1)
	wrapped := handlers
	wrapped.SessionStarted = func() {
		if handlers.SessionStarted != nil {
			handlers.SessionStarted()
		}
		started <- struct{}{}
	}
	relay.Bind(wrapped)
	if err := relay.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, started, 5*time.Second, "session start")
	t.Cleanup(func() { relay.Disconnect() })
	return relay
}

func TestRelayHandshake(t *testing.T) {
	server := newRelayServer(t, "secret")
	connectRelay(t, server, Handlers{}, RelayConfig{Password: "secret"})
}

func TestRelayAuthFailure(t *testing.T) {
	server := newRelayServer(t, "secret")

	relay, err := NewRelay(RelayConfig{
		Address:  server.addr(),
		Identity: alice,
		Password: "wrong",
	})
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	failed := make(chan string, 1)
	relay.Bind(Handlers{
		AuthFailed: func(reason string) { failed <- reason },
	})
	if err := relay.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	reason := testutil.RequireReceive(t, failed, 5*time.Second, "auth failure")
	if reason != "bad credentials" {
		t.Errorf("reason = %q, want %q", reason, "bad credentials")
	}
}

func TestRelayMessageRoundTrip(t *testing.T) {
	server := newRelayServer(t, "secret")
	received := make(chan Message, 1)
	relay := connectRelay(t, server, Handlers{
		MessageReceived: func(m Message) { received <- m },
	}, RelayConfig{Password: "secret"})

	err := relay.SendMessage(context.Background(), Message{
		To:   bob,
		Type: MessageChat,
		Body: "ping me",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := testutil.RequireReceive(t, server.received, 5*time.Second, "message at server")
	if sent.Kind != kindMessage {
		t.Fatalf("Kind = %q, want %q", sent.Kind, kindMessage)
	}
	if sent.From != alice || sent.To != bob || sent.Body != "ping me" {
		t.Errorf("server saw %+v", sent)
	}

	server.write(envelope{
		Kind: kindMessage,
		From: bob,
		To:   alice,
		Type: MessageChat,
		Body: "pong",
	})
	got := testutil.RequireReceive(t, received, 5*time.Second, "inbound message")
	if got.From != bob || got.Body != "pong" {
		t.Errorf("MessageReceived got %+v", got)
	}
}

func TestRelayPresenceDispatch(t *testing.T) {
	server := newRelayServer(t, "secret")
	subscribes := make(chan Presence, 1)
	updates := make(chan Presence, 1)
	connectRelay(t, server, Handlers{
		SubscribeRequested: func(p Presence) { subscribes <- p },
		PresenceUpdated:    func(p Presence) { updates <- p },
	}, RelayConfig{Password: "secret"})

	server.write(envelope{Kind: kindPresence, From: bob, To: alice, Type: PresenceSubscribe})
	got := testutil.RequireReceive(t, subscribes, 5*time.Second, "subscribe request")
	if got.From != bob {
		t.Errorf("From = %v, want %v", got.From, bob)
	}

	server.write(envelope{Kind: kindPresence, From: bob, To: alice, Status: "busy"})
	update := testutil.RequireReceive(t, updates, 5*time.Second, "presence update")
	if update.Status != "busy" {
		t.Errorf("Status = %q, want %q", update.Status, "busy")
	}
}

func TestRelayRoster(t *testing.T) {
	server := newRelayServer(t, "secret")
	server.roster = []RosterItem{
		{JID: bob.Bare(), Name: "Bob", Subscription: "both"},
	}
	relay := connectRelay(t, server, Handlers{}, RelayConfig{Password: "secret"})

	items, err := relay.Roster(context.Background())
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(items) != 1 || items[0].JID != bob.Bare() {
		t.Errorf("Roster = %+v, want one entry for %v", items, bob.Bare())
	}
}

func TestRelayKeepalive(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	server := newRelayServer(t, "secret")
	connectRelay(t, server, Handlers{}, RelayConfig{
		Password:          "secret",
		KeepaliveInterval: time.Minute,
		Clock:             fake,
	})

	fake.AwaitWaiters(1)
	fake.Advance(time.Minute)
	ping := testutil.RequireReceive(t, server.received, 5*time.Second, "keepalive ping")
	if ping.Kind != kindPing {
		t.Errorf("Kind = %q, want %q", ping.Kind, kindPing)
	}

	fake.Advance(time.Minute)
	ping = testutil.RequireReceive(t, server.received, 5*time.Second, "second keepalive ping")
	if ping.Kind != kindPing {
		t.Errorf("Kind = %q, want %q", ping.Kind, kindPing)
	}
}

func TestRelayDisconnectSendsBye(t *testing.T) {
	server := newRelayServer(t, "secret")
	disconnected := make(chan error, 1)
	relay := connectRelay(t, server, Handlers{
		Disconnected: func(err error) { disconnected <- err },
	}, RelayConfig{Password: "secret"})

	if err := relay.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := testutil.RequireReceive(t, disconnected, 5*time.Second, "disconnect"); err != nil {
		t.Errorf("Disconnected fired with %v, want nil", err)
	}
	bye := testutil.RequireReceive(t, server.received, 5*time.Second, "bye at server")
	if bye.Kind != kindBye {
		t.Errorf("Kind = %q, want %q", bye.Kind, kindBye)
	}

	if err := relay.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	testutil.RequireNoReceive(t, disconnected, 50*time.Millisecond, "second disconnect callback")
}

func TestRelayServerDropFiresDisconnected(t *testing.T) {
	server := newRelayServer(t, "secret")
	disconnected := make(chan error, 1)
	connectRelay(t, server, Handlers{
		Disconnected: func(err error) { disconnected <- err },
	}, RelayConfig{Password: "secret"})

	server.closeClient()
	err := testutil.RequireReceive(t, disconnected, 5*time.Second, "disconnect")
	if err == nil {
		t.Error("Disconnected fired with nil error for a server-side drop")
	}
}

func TestRelayPendingWritesDrains(t *testing.T) {
	server := newRelayServer(t, "secret")
	relay := connectRelay(t, server, Handlers{}, RelayConfig{Password: "secret"})

	for i := 0; i < 5; i++ {
		if err := relay.SendMessage(context.Background(), Message{To: bob, Body: "x"}); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for relay.PendingWrites() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("PendingWrites = %d after 5s, want 0", relay.PendingWrites())
		}
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		testutil.RequireReceive(t, server.received, 5*time.Second, "message %d at server", i)
	}
}
