// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"errors"
	"fmt"
	"time"

	"github.com/crier-project/crier/lib/jid"
)

// Sentinel errors for state-machine violations and dispatch policy.
var (
	// ErrNotInitialized is returned by operations that require a
	// prior successful Initialize.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrAlreadyInitialized is returned by Initialize on an
	// initialized client.
	ErrAlreadyInitialized = errors.New("client already initialized")

	// ErrConnectionFailed is the category every connection-phase
	// failure matches: errors.Is(err, ErrConnectionFailed) holds for
	// both *ConnectError and *AuthError.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrAccessDenied names the allow-list rejection. Dispatch drops
	// disallowed senders with a warning log instead of surfacing an
	// error; the sentinel exists for callers that implement their
	// own gatekeeping on top of the registry.
	ErrAccessDenied = errors.New("sender not allowed")
)

// ConnectError reports a failed connection attempt: the transport
// could not be built or connected, the connect wait timed out, or the
// wait's context was canceled.
type ConnectError struct {
	// Identity is the full address the client tried to connect as.
	Identity jid.JID
	// Timeout is the connect bound that elapsed, when the failure
	// was a timeout.
	Timeout time.Duration
	// Err is the underlying cause, when there is one.
	Err error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connecting as %s: %v", e.Identity, e.Err)
	}
	if e.Timeout > 0 {
		return fmt.Sprintf("connecting as %s: no session within %v", e.Identity, e.Timeout)
	}
	return fmt.Sprintf("connecting as %s: %v", e.Identity, ErrConnectionFailed)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectionFailed }

// AuthError reports rejected credentials.
type AuthError struct {
	Identity jid.JID
	// Reason is the server-supplied failure description.
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Identity, e.Reason)
}

func (e *AuthError) Is(target error) bool { return target == ErrConnectionFailed }

// SendError reports a failed message send, naming the intended
// recipient.
type SendError struct {
	Recipient jid.JID
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending to %s: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// HandlerExistsError reports a rejected duplicate registration. Kind
// is "message" or "presence".
type HandlerExistsError struct {
	Kind string
	Name string
}

func (e *HandlerExistsError) Error() string {
	return fmt.Sprintf("%s handler %q already registered", e.Kind, e.Name)
}

// HandlerNotFoundError reports a removal of a name no registry holds.
type HandlerNotFoundError struct {
	Kind string
	Name string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no %s handler named %q", e.Kind, e.Name)
}
