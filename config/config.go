// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides crier's immutable client settings.
//
// Settings are loaded from one of three surfaces:
//
//   - FromEnv: CRIER_* environment variables with documented defaults.
//   - FromMap: an in-memory mapping, coercing numeric-like strings.
//   - Load: a YAML (.yaml/.yml) or JSONC (.json/.jsonc) file.
//
// All three validate at construction and return *ConfigError on a
// missing required field or a malformed address — callers never see a
// bare parse error. A validated Settings value is never mutated.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/crier-project/crier/lib/jid"
)

// Environment variable names recognized by FromEnv.
const (
	EnvJID               = "CRIER_JID"
	EnvPassword          = "CRIER_PASSWORD"
	EnvDefaultRecipient  = "CRIER_DEFAULT_RECIPIENT"
	EnvBaseURL           = "CRIER_BASE_URL"
	EnvAllowedSenders    = "CRIER_ALLOWED_SENDERS"
	EnvConnectTimeout    = "CRIER_CONNECT_TIMEOUT"
	EnvKeepaliveInterval = "CRIER_KEEPALIVE_INTERVAL"
	EnvRetryDelay        = "CRIER_RETRY_DELAY"
	EnvSendDelay         = "CRIER_SEND_DELAY"
	EnvResource          = "CRIER_RESOURCE"
	EnvDebug             = "CRIER_DEBUG"
)

// Defaults applied when a tunable is absent from the source.
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultKeepaliveInterval = 60 * time.Second
	DefaultRetryDelay        = 5 * time.Second
	DefaultSendDelay         = 100 * time.Millisecond
	DefaultResource          = "crier"
)

// ConfigError reports a bad or missing settings field.
type ConfigError struct {
	// Field is the settings field or environment variable at fault.
	Field string
	// Reason describes the violation.
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Settings holds the validated client configuration. Treat values as
// immutable: construct once via a loader (or a literal followed by
// Validate) and never modify fields afterward.
type Settings struct {
	// JID is the client's own address.
	JID jid.JID
	// Password is the authentication secret for JID.
	Password string
	// DefaultRecipient receives messages sent without an explicit
	// target.
	DefaultRecipient jid.JID
	// BaseURL is the prefix for SendURL convenience sends. Optional.
	BaseURL string
	// AllowedSenders restricts whose messages reach handlers,
	// compared by bare address. Nil or empty means no restriction.
	AllowedSenders []jid.JID
	// ConnectTimeout bounds the connect/authenticate handshake.
	ConnectTimeout time.Duration
	// KeepaliveInterval paces transport keepalives.
	KeepaliveInterval time.Duration
	// RetryDelay paces reconnect attempts in supervising callers.
	RetryDelay time.Duration
	// SendDelay throttles successive outbound sends (flood control).
	SendDelay time.Duration
	// Resource is appended to JID when it carries no resource.
	Resource string
	// Debug raises the log level in the crier binary.
	Debug bool
}

// Default returns Settings with every tunable at its default and all
// required fields empty. Callers fill in JID, Password, and
// DefaultRecipient, then Validate.
func Default() Settings {
	return Settings{
		ConnectTimeout:    DefaultConnectTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		RetryDelay:        DefaultRetryDelay,
		SendDelay:         DefaultSendDelay,
		Resource:          DefaultResource,
	}
}

// Validate checks required fields and tunable ranges. Returns
// *ConfigError on the first violation.
func (s *Settings) Validate() error {
	if s.JID.IsZero() {
		return &ConfigError{Field: "jid", Reason: "required"}
	}
	if s.Password == "" {
		return &ConfigError{Field: "password", Reason: "required"}
	}
	if s.DefaultRecipient.IsZero() {
		return &ConfigError{Field: "default_recipient", Reason: "required"}
	}
	durations := []struct {
		field string
		value time.Duration
	}{
		{"connect_timeout", s.ConnectTimeout},
		{"keepalive_interval", s.KeepaliveInterval},
		{"retry_delay", s.RetryDelay},
		{"send_delay", s.SendDelay},
	}
	for _, d := range durations {
		if d.value < 0 {
			return &ConfigError{Field: d.field, Reason: "must be non-negative"}
		}
	}
	return nil
}

// FullJID returns the identity with a resource: the JID itself when it
// already carries one, else JID with the configured Resource appended.
func (s *Settings) FullJID() jid.JID {
	if s.JID.Resource() != "" {
		return s.JID
	}
	return s.JID.WithResource(s.Resource)
}

// IsSenderAllowed reports whether a sender's messages may reach
// handlers. The comparison strips any resource suffix from both sides.
// An unset allow-list permits every sender.
func (s *Settings) IsSenderAllowed(sender jid.JID) bool {
	if len(s.AllowedSenders) == 0 {
		return true
	}
	bare := sender.Bare()
	for _, allowed := range s.AllowedSenders {
		if allowed.Bare() == bare {
			return true
		}
	}
	return false
}

// FromEnv constructs Settings from CRIER_* environment variables,
// applying defaults for anything absent.
func FromEnv() (Settings, error) {
	s := Default()

	var err error
	if s.JID, err = parseJID(EnvJID, os.Getenv(EnvJID)); err != nil {
		return Settings{}, err
	}
	s.Password = os.Getenv(EnvPassword)
	if s.DefaultRecipient, err = parseJID(EnvDefaultRecipient, os.Getenv(EnvDefaultRecipient)); err != nil {
		return Settings{}, err
	}
	s.BaseURL = os.Getenv(EnvBaseURL)
	if s.AllowedSenders, err = ParseAllowList(os.Getenv(EnvAllowedSenders)); err != nil {
		return Settings{}, err
	}
	if s.ConnectTimeout, err = parseIntSeconds(EnvConnectTimeout, os.Getenv(EnvConnectTimeout), s.ConnectTimeout); err != nil {
		return Settings{}, err
	}
	if s.KeepaliveInterval, err = parseIntSeconds(EnvKeepaliveInterval, os.Getenv(EnvKeepaliveInterval), s.KeepaliveInterval); err != nil {
		return Settings{}, err
	}
	if s.RetryDelay, err = parseFloatSeconds(EnvRetryDelay, os.Getenv(EnvRetryDelay), s.RetryDelay); err != nil {
		return Settings{}, err
	}
	if s.SendDelay, err = parseFloatSeconds(EnvSendDelay, os.Getenv(EnvSendDelay), s.SendDelay); err != nil {
		return Settings{}, err
	}
	if resource := os.Getenv(EnvResource); resource != "" {
		s.Resource = resource
	}
	s.Debug = ParseBool(os.Getenv(EnvDebug), false)

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// FromMap constructs Settings from an in-memory mapping using the
// same keys as the settings file format. Numeric tunables may arrive
// as strings, integers, or floats.
func FromMap(data map[string]any) (Settings, error) {
	s := Default()

	var err error
	if s.JID, err = parseJID("jid", stringValue(data["jid"])); err != nil {
		return Settings{}, err
	}
	s.Password = stringValue(data["password"])
	if s.DefaultRecipient, err = parseJID("default_recipient", stringValue(data["default_recipient"])); err != nil {
		return Settings{}, err
	}
	s.BaseURL = stringValue(data["base_url"])

	switch allowed := data["allowed_senders"].(type) {
	case nil:
	case string:
		if s.AllowedSenders, err = ParseAllowList(allowed); err != nil {
			return Settings{}, err
		}
	case []string:
		if s.AllowedSenders, err = allowListFromSlice(allowed); err != nil {
			return Settings{}, err
		}
	case []any:
		entries := make([]string, 0, len(allowed))
		for _, entry := range allowed {
			entries = append(entries, stringValue(entry))
		}
		if s.AllowedSenders, err = allowListFromSlice(entries); err != nil {
			return Settings{}, err
		}
	default:
		return Settings{}, &ConfigError{Field: "allowed_senders", Reason: fmt.Sprintf("unsupported type %T", allowed)}
	}

	if s.ConnectTimeout, err = coerceSeconds("connect_timeout", data["connect_timeout"], s.ConnectTimeout); err != nil {
		return Settings{}, err
	}
	if s.KeepaliveInterval, err = coerceSeconds("keepalive_interval", data["keepalive_interval"], s.KeepaliveInterval); err != nil {
		return Settings{}, err
	}
	if s.RetryDelay, err = coerceSeconds("retry_delay", data["retry_delay"], s.RetryDelay); err != nil {
		return Settings{}, err
	}
	if s.SendDelay, err = coerceSeconds("send_delay", data["send_delay"], s.SendDelay); err != nil {
		return Settings{}, err
	}

	if resource := stringValue(data["resource"]); resource != "" {
		s.Resource = resource
	}
	switch debug := data["debug"].(type) {
	case nil:
	case bool:
		s.Debug = debug
	case string:
		s.Debug = ParseBool(debug, false)
	default:
		return Settings{}, &ConfigError{Field: "debug", Reason: fmt.Sprintf("unsupported type %T", debug)}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// fileSettings is the on-disk settings shape shared by the YAML and
// JSONC loaders. Pointer tunables distinguish "absent" from zero.
type fileSettings struct {
	JID               string   `yaml:"jid" json:"jid"`
	Password          string   `yaml:"password" json:"password"`
	DefaultRecipient  string   `yaml:"default_recipient" json:"default_recipient"`
	BaseURL           string   `yaml:"base_url" json:"base_url"`
	AllowedSenders    []string `yaml:"allowed_senders" json:"allowed_senders"`
	ConnectTimeout    *int     `yaml:"connect_timeout" json:"connect_timeout"`
	KeepaliveInterval *int     `yaml:"keepalive_interval" json:"keepalive_interval"`
	RetryDelay        *float64 `yaml:"retry_delay" json:"retry_delay"`
	SendDelay         *float64 `yaml:"send_delay" json:"send_delay"`
	Resource          string   `yaml:"resource" json:"resource"`
	Debug             bool     `yaml:"debug" json:"debug"`
}

// Load reads a settings file. The format follows the extension: .yaml
// and .yml parse as YAML, .json and .jsonc parse as JSON with comments
// and trailing commas permitted.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, &ConfigError{Field: "file", Reason: err.Error()}
	}

	var file fileSettings
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return Settings{}, &ConfigError{Field: "file", Reason: fmt.Sprintf("parsing %s: %v", path, err)}
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(raw), &file); err != nil {
			return Settings{}, &ConfigError{Field: "file", Reason: fmt.Sprintf("parsing %s: %v", path, err)}
		}
	default:
		return Settings{}, &ConfigError{Field: "file", Reason: fmt.Sprintf("unsupported extension %q", ext)}
	}

	s := Default()
	if s.JID, err = parseJID("jid", file.JID); err != nil {
		return Settings{}, err
	}
	s.Password = file.Password
	if s.DefaultRecipient, err = parseJID("default_recipient", file.DefaultRecipient); err != nil {
		return Settings{}, err
	}
	s.BaseURL = file.BaseURL
	if s.AllowedSenders, err = allowListFromSlice(file.AllowedSenders); err != nil {
		return Settings{}, err
	}
	if file.ConnectTimeout != nil {
		s.ConnectTimeout = time.Duration(*file.ConnectTimeout) * time.Second
	}
	if file.KeepaliveInterval != nil {
		s.KeepaliveInterval = time.Duration(*file.KeepaliveInterval) * time.Second
	}
	if file.RetryDelay != nil {
		s.RetryDelay = time.Duration(*file.RetryDelay * float64(time.Second))
	}
	if file.SendDelay != nil {
		s.SendDelay = time.Duration(*file.SendDelay * float64(time.Second))
	}
	if file.Resource != "" {
		s.Resource = file.Resource
	}
	s.Debug = file.Debug

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ParseAllowList parses a comma-separated allow-list: entries are
// trimmed, empties dropped, and each survivor validated as an address.
// A result that would be empty yields nil — no restriction, never
// deny-all.
func ParseAllowList(raw string) ([]jid.JID, error) {
	if raw == "" {
		return nil, nil
	}
	var entries []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			entries = append(entries, entry)
		}
	}
	return allowListFromSlice(entries)
}

func allowListFromSlice(entries []string) ([]jid.JID, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	list := make([]jid.JID, 0, len(entries))
	for _, entry := range entries {
		parsed, err := jid.Parse(entry)
		if err != nil {
			return nil, &ConfigError{Field: "allowed_senders", Reason: err.Error()}
		}
		list = append(list, parsed)
	}
	return list, nil
}

// ParseBool recognizes the truthy tokens true/1/yes/on,
// case-insensitively. Anything else (including "") yields fallback.
func ParseBool(raw string, fallback bool) bool {
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func parseJID(field, raw string) (jid.JID, error) {
	if raw == "" {
		// Caught by Validate with a "required" reason; an empty
		// optional field would not reach here.
		return jid.JID{}, nil
	}
	parsed, err := jid.Parse(raw)
	if err != nil {
		return jid.JID{}, &ConfigError{Field: field, Reason: err.Error()}
	}
	return parsed, nil
}

func parseIntSeconds(field, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ConfigError{Field: field, Reason: fmt.Sprintf("not an integer: %q", raw)}
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseFloatSeconds(field, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ConfigError{Field: field, Reason: fmt.Sprintf("not a number: %q", raw)}
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// coerceSeconds accepts an int, float, or numeric string number of
// seconds from a mapping value.
func coerceSeconds(field string, value any, fallback time.Duration) (time.Duration, error) {
	switch v := value.(type) {
	case nil:
		return fallback, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		return parseFloatSeconds(field, v, fallback)
	default:
		return 0, &ConfigError{Field: field, Reason: fmt.Sprintf("unsupported type %T", value)}
	}
}

func stringValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
