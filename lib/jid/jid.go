// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

// Package jid provides the validated address type for federated
// messaging identifiers of the form "local@domain" with an optional
// "/resource" suffix.
//
// JID is an immutable value type, comparable with ==. The zero value
// is not a valid address; use IsZero to check.
package jid

import (
	"fmt"
	"strings"
)

// JID is a validated messaging address (e.g., "alice@example.com" or
// "bot@example.com/laptop"). The localpart and domain are always
// non-empty; the resource may be empty.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse validates and wraps a raw address string. The accepted
// grammar is local "@" domain ["/" resource]: the localpart must be
// non-empty and free of '@'; the domain must be non-empty and free of
// both '@' and '/'; the resource, when present, must be non-empty and
// free of '@'.
func Parse(raw string) (JID, error) {
	if raw == "" {
		return JID{}, fmt.Errorf("jid: empty address")
	}

	at := strings.IndexByte(raw, '@')
	if at <= 0 {
		return JID{}, fmt.Errorf("jid: %q: missing or empty localpart before '@'", raw)
	}
	local := raw[:at]
	rest := raw[at+1:]

	if strings.IndexByte(rest, '@') >= 0 {
		return JID{}, fmt.Errorf("jid: %q: more than one '@'", raw)
	}

	domain := rest
	resource := ""
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		domain = rest[:slash]
		resource = rest[slash+1:]
		if resource == "" {
			return JID{}, fmt.Errorf("jid: %q: empty resource after '/'", raw)
		}
	}
	if domain == "" {
		return JID{}, fmt.Errorf("jid: %q: empty domain", raw)
	}

	return JID{local: local, domain: domain, resource: resource}, nil
}

// MustParse is Parse that panics on invalid input. For constants and
// tests only.
func MustParse(raw string) JID {
	j, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return j
}

// String returns the full address, including the resource when set.
func (j JID) String() string {
	if j.local == "" {
		return ""
	}
	if j.resource == "" {
		return j.local + "@" + j.domain
	}
	return j.local + "@" + j.domain + "/" + j.resource
}

// IsZero reports whether the JID is the zero value (uninitialized).
func (j JID) IsZero() bool { return j.local == "" }

// Localpart returns the part before the '@'.
func (j JID) Localpart() string { return j.local }

// Domain returns the part between the '@' and any '/'.
func (j JID) Domain() string { return j.domain }

// Resource returns the resource suffix, or "" when the address is bare.
func (j JID) Resource() string { return j.resource }

// Bare returns the address with any resource suffix removed.
func (j JID) Bare() JID { return JID{local: j.local, domain: j.domain} }

// WithResource returns a copy of the address carrying the given
// resource. An empty resource returns the bare address.
func (j JID) WithResource(resource string) JID {
	return JID{local: j.local, domain: j.domain, resource: resource}
}

// MarshalText implements encoding.TextMarshaler for JSON, YAML, and
// CBOR serialization.
func (j JID) MarshalText() ([]byte, error) {
	return []byte(j.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// address format. An empty input produces the zero value.
func (j *JID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
