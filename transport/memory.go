// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crier-project/crier/lib/jid"
)

// Network is an in-process message switch for tests and demos. It
// routes messages and presence between MemoryTransport clients keyed
// by bare address, with synchronous delivery on the sender's
// goroutine.
type Network struct {
	mu       sync.Mutex
	accounts map[jid.JID]string
	clients  map[jid.JID]*MemoryTransport
}

// NewNetwork returns an empty Network with no accounts.
func NewNetwork() *Network {
	return &Network{
		accounts: make(map[jid.JID]string),
		clients:  make(map[jid.JID]*MemoryTransport),
	}
}

// AddAccount registers credentials. Connect attempts for an address
// without an account fail authentication.
func (n *Network) AddAccount(address jid.JID, password string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[address.Bare()] = password
}

// Client returns a Transport that will connect to this network as the
// given account.
func (n *Network) Client(address jid.JID, password string) *MemoryTransport {
	return &MemoryTransport{
		network:  n,
		address:  address,
		password: password,
	}
}

func (n *Network) attach(t *MemoryTransport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	bare := t.address.Bare()
	stored, ok := n.accounts[bare]
	if !ok {
		return fmt.Errorf("no account for %s", bare)
	}
	if stored != t.password {
		return fmt.Errorf("wrong password for %s", bare)
	}
	n.clients[bare] = t
	return nil
}

func (n *Network) detach(t *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	bare := t.address.Bare()
	if n.clients[bare] == t {
		delete(n.clients, bare)
	}
}

func (n *Network) lookup(address jid.JID) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clients[address.Bare()]
}

// peers returns every attached transport except the given one, in
// stable address order.
func (n *Network) peers(except *MemoryTransport) []*MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*MemoryTransport
	for _, t := range n.clients {
		if t != except {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].address.String() < out[j].address.String()
	})
	return out
}

// MemoryTransport is one client attached to a Network. Create it with
// Network.Client.
type MemoryTransport struct {
	network  *Network
	address  jid.JID
	password string

	mu        sync.Mutex
	handlers  Handlers
	connected bool
	roster    []RosterItem
}

var _ Transport = (*MemoryTransport)(nil)

// Bind implements Transport.
func (t *MemoryTransport) Bind(handlers Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = handlers
}

// SetRoster seeds the contact list returned by Roster.
func (t *MemoryTransport) SetRoster(items []RosterItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roster = append([]RosterItem(nil), items...)
}

// Connect implements Transport. The handshake outcome is delivered
// asynchronously as SessionStarted or AuthFailed.
func (t *MemoryTransport) Connect() error {
	go func() {
		if err := t.network.attach(t); err != nil {
			t.callbacks().fireAuthFailed(err.Error())
			return
		}
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		t.callbacks().fireSessionStarted()
	}()
	return nil
}

// Disconnect implements Transport.
func (t *MemoryTransport) Disconnect() error {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.mu.Unlock()
	if !wasConnected {
		return nil
	}
	t.network.detach(t)
	t.callbacks().fireDisconnected(nil)
	return nil
}

// SendMessage implements Transport. The message is delivered to the
// recipient's MessageReceived callback on the caller's goroutine;
// messages to absent recipients are dropped.
func (t *MemoryTransport) SendMessage(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.isConnected() {
		return fmt.Errorf("not connected")
	}
	if message.From.IsZero() {
		message.From = t.address
	}
	peer := t.network.lookup(message.To)
	if peer == nil {
		return nil
	}
	peer.callbacks().fireMessageReceived(message)
	return nil
}

// SendPresence implements Transport. Directed presence reaches one
// recipient; undirected presence broadcasts to every other attached
// client.
func (t *MemoryTransport) SendPresence(ctx context.Context, presence Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.isConnected() {
		return fmt.Errorf("not connected")
	}
	if presence.From.IsZero() {
		presence.From = t.address
	}
	if presence.To.IsZero() {
		for _, peer := range t.network.peers(t) {
			peer.callbacks().firePresenceUpdated(presence)
		}
		return nil
	}
	peer := t.network.lookup(presence.To)
	if peer == nil {
		return nil
	}
	if presence.Type == PresenceSubscribe {
		peer.callbacks().fireSubscribeRequested(presence)
	} else {
		peer.callbacks().firePresenceUpdated(presence)
	}
	return nil
}

// Roster implements Transport.
func (t *MemoryTransport) Roster(ctx context.Context) ([]RosterItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.isConnected() {
		return nil, fmt.Errorf("not connected")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RosterItem(nil), t.roster...), nil
}

// PendingWrites implements Transport. Delivery is synchronous, so the
// outbound buffer is always empty.
func (t *MemoryTransport) PendingWrites() int {
	return 0
}

func (t *MemoryTransport) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *MemoryTransport) callbacks() Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

func (h Handlers) fireSessionStarted() {
	if h.SessionStarted != nil {
		h.SessionStarted()
	}
}

func (h Handlers) fireMessageReceived(message Message) {
	if h.MessageReceived != nil {
		h.MessageReceived(message)
	}
}

func (h Handlers) fireSubscribeRequested(presence Presence) {
	if h.SubscribeRequested != nil {
		h.SubscribeRequested(presence)
	}
}

func (h Handlers) firePresenceUpdated(presence Presence) {
	if h.PresenceUpdated != nil {
		h.PresenceUpdated(presence)
	}
}

func (h Handlers) fireAuthFailed(reason string) {
	if h.AuthFailed != nil {
		h.AuthFailed(reason)
	}
}

func (h Handlers) fireDisconnected(err error) {
	if h.Disconnected != nil {
		h.Disconnected(err)
	}
}
