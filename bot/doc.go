// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

// Package bot implements the messaging client core: one authenticated
// session per Client, registry-based dispatch of inbound messages and
// presence to named handlers, and send/reply/flush operations.
//
// Dispatch runs in two stages. For each event, every synchronous
// handler completes before the first asynchronous handler starts;
// within a stage, handlers run in registration order. A panicking or
// erroring handler is logged and skipped — it never affects the
// remaining handlers or the connection.
//
// The sender allow-list applies to messages only. Presence events are
// dispatched unfiltered, so presence handlers that care about the
// sender must check Settings().IsSenderAllowed themselves.
package bot
