// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the collaborator contract between the bot
// core and the underlying messaging connection, plus two
// implementations: an in-process Network for tests and demos, and a
// CBOR-framed TCP Relay client.
//
// The contract deliberately excludes the federated wire protocol
// itself (framing, TLS, SASL, stanza parsing) — a Transport is any
// connection that can send messages and presence, fetch a roster, and
// fire the six lifecycle callbacks in Handlers. The bot core never
// inspects anything beyond this surface.
package transport

import (
	"context"

	"github.com/crier-project/crier/lib/jid"
)

// Message is one inbound or outbound message.
type Message struct {
	// From is the sender, usually with a resource. Filled by the
	// transport on inbound delivery; optional on send.
	From jid.JID `cbor:"from"`
	// To is the recipient.
	To jid.JID `cbor:"to"`
	// Type is the message category: "chat", "normal", "groupchat",
	// "headline", or "error".
	Type string `cbor:"type"`
	// Body is the message text.
	Body string `cbor:"body"`
}

// Message type values.
const (
	MessageChat   = "chat"
	MessageNormal = "normal"
)

// Presence is one inbound or outbound presence stanza.
type Presence struct {
	From jid.JID `cbor:"from"`
	// To is empty for an undirected (broadcast) presence.
	To jid.JID `cbor:"to"`
	// Type is "" (available), "unavailable", "subscribe",
	// "subscribed", "unsubscribe", or "unsubscribed".
	Type string `cbor:"type"`
	// Status is optional free-form status text.
	Status string `cbor:"status"`
}

// Presence type values.
const (
	PresenceAvailable    = ""
	PresenceUnavailable  = "unavailable"
	PresenceSubscribe    = "subscribe"
	PresenceSubscribed   = "subscribed"
	PresenceUnsubscribe  = "unsubscribe"
	PresenceUnsubscribed = "unsubscribed"
)

// RosterItem is one contact-list entry.
type RosterItem struct {
	JID jid.JID `cbor:"jid"`
	// Name is the contact's display name, if any.
	Name string `cbor:"name"`
	// Subscription is "none", "to", "from", or "both".
	Subscription string `cbor:"subscription"`
}

// Handlers carries the six lifecycle callbacks a Transport fires. Nil
// entries are skipped. All callbacks for one Transport fire from a
// single goroutine, in arrival order.
type Handlers struct {
	// SessionStarted fires once the session is authenticated and
	// usable. The success signal of Connect.
	SessionStarted func()
	// MessageReceived fires for every inbound message.
	MessageReceived func(Message)
	// SubscribeRequested fires when a peer asks to subscribe to this
	// client's presence.
	SubscribeRequested func(Presence)
	// PresenceUpdated fires for inbound presence changes.
	PresenceUpdated func(Presence)
	// AuthFailed fires when the server rejects the credentials. The
	// failure signal of Connect.
	AuthFailed func(reason string)
	// Disconnected fires when the connection is torn down, whether
	// by Disconnect or by the peer. err is nil for a local close.
	Disconnected func(err error)
}

// Transport is the connection collaborator the bot core drives.
//
// Connect is non-blocking: its outcome arrives via SessionStarted or
// AuthFailed. Bind must be called before Connect; a Transport never
// fires callbacks before Bind.
type Transport interface {
	// Bind registers the lifecycle callbacks.
	Bind(Handlers)

	// Connect starts the connection handshake and returns without
	// waiting for it to complete.
	Connect() error

	// Disconnect tears the connection down. Idempotent.
	Disconnect() error

	// SendMessage sends one message.
	SendMessage(ctx context.Context, message Message) error

	// SendPresence sends one presence stanza.
	SendPresence(ctx context.Context, presence Presence) error

	// Roster fetches the contact list.
	Roster(ctx context.Context) ([]RosterItem, error)

	// PendingWrites reports the number of outbound frames not yet
	// written to the connection. Zero means drained.
	PendingWrites() int
}
