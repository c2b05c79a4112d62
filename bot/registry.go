// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"sync"

	"github.com/crier-project/crier/lib/jid"
	"github.com/crier-project/crier/transport"
)

// MessageHandler handles one inbound message in the synchronous
// dispatch stage.
type MessageHandler func(sender jid.JID, body string, message transport.Message)

// PresenceHandler handles one inbound presence change in the
// synchronous dispatch stage.
type PresenceHandler func(sender jid.JID, presenceType, status string, presence transport.Presence)

// AsyncMessageHandler handles one inbound message in the asynchronous
// stage. A returned error is logged and does not affect other
// handlers.
type AsyncMessageHandler func(ctx context.Context, sender jid.JID, body string, message transport.Message) error

// AsyncPresenceHandler handles one inbound presence change in the
// asynchronous stage.
type AsyncPresenceHandler func(ctx context.Context, sender jid.JID, presenceType, status string, presence transport.Presence) error

// Handler kind labels used in registry errors.
const (
	kindMessageHandler  = "message"
	kindPresenceHandler = "presence"
)

// registry is one named-handler namespace. Entries keep registration
// order; names are unique within the namespace.
type registry[H any] struct {
	kind string

	mu      sync.Mutex
	entries []entry[H]
}

type entry[H any] struct {
	name    string
	handler H
}

func (r *registry[H]) add(name string, handler H) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.name == name {
			return &HandlerExistsError{Kind: r.kind, Name: name}
		}
	}
	r.entries = append(r.entries, entry[H]{name: name, handler: handler})
	return nil
}

func (r *registry[H]) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.name == name {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry[H]) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.name == name {
			return true
		}
	}
	return false
}

// snapshot returns the entries in registration order. The slice is a
// copy; dispatch iterates it without holding the lock.
func (r *registry[H]) snapshot() []entry[H] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entry[H](nil), r.entries...)
}

func (r *registry[H]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// NamedMessageHandler pairs a synchronous message handler with its
// registration name.
type NamedMessageHandler struct {
	Name    string
	Handler MessageHandler
}

// NamedPresenceHandler pairs a synchronous presence handler with its
// registration name.
type NamedPresenceHandler struct {
	Name    string
	Handler PresenceHandler
}

// Registry holds the synchronous handler stage: named message
// handlers and named presence handlers in independent namespaces. It
// stores and enumerates handlers; the client invokes them.
type Registry struct {
	messages  registry[MessageHandler]
	presences registry[PresenceHandler]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		messages:  registry[MessageHandler]{kind: kindMessageHandler},
		presences: registry[PresenceHandler]{kind: kindPresenceHandler},
	}
}

// AddMessageHandler registers a named message handler. Duplicate
// names are rejected with *HandlerExistsError.
func (r *Registry) AddMessageHandler(name string, handler MessageHandler) error {
	return r.messages.add(name, handler)
}

// AddPresenceHandler registers a named presence handler. Duplicate
// names are rejected with *HandlerExistsError.
func (r *Registry) AddPresenceHandler(name string, handler PresenceHandler) error {
	return r.presences.add(name, handler)
}

// RemoveMessageHandler removes the named message handler, or returns
// *HandlerNotFoundError.
func (r *Registry) RemoveMessageHandler(name string) error {
	if !r.messages.remove(name) {
		return &HandlerNotFoundError{Kind: kindMessageHandler, Name: name}
	}
	return nil
}

// RemovePresenceHandler removes the named presence handler, or
// returns *HandlerNotFoundError.
func (r *Registry) RemovePresenceHandler(name string) error {
	if !r.presences.remove(name) {
		return &HandlerNotFoundError{Kind: kindPresenceHandler, Name: name}
	}
	return nil
}

// HasMessageHandler reports whether a message handler with the name
// is registered.
func (r *Registry) HasMessageHandler(name string) bool {
	return r.messages.has(name)
}

// HasPresenceHandler reports whether a presence handler with the name
// is registered.
func (r *Registry) HasPresenceHandler(name string) bool {
	return r.presences.has(name)
}

// MessageHandlers returns the message handlers in registration order.
func (r *Registry) MessageHandlers() []NamedMessageHandler {
	entries := r.messages.snapshot()
	out := make([]NamedMessageHandler, len(entries))
	for i, e := range entries {
		out[i] = NamedMessageHandler{Name: e.name, Handler: e.handler}
	}
	return out
}

// PresenceHandlers returns the presence handlers in registration
// order.
func (r *Registry) PresenceHandlers() []NamedPresenceHandler {
	entries := r.presences.snapshot()
	out := make([]NamedPresenceHandler, len(entries))
	for i, e := range entries {
		out[i] = NamedPresenceHandler{Name: e.name, Handler: e.handler}
	}
	return out
}

// Clear removes every handler from both namespaces.
func (r *Registry) Clear() {
	r.messages.clear()
	r.presences.clear()
}
