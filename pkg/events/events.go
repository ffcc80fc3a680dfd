// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

// Package events provides the typed publish/subscribe bus the kernel
// managers are built on. Delivery within one event name is sequential in
// registration order; handler failures are reported on the Error event and
// never abort delivery to remaining listeners.
package events

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Error is the internal event name used to report handler failures.
const Error = "error"

// DefaultMaxListeners is the per-event listener count above which the bus
// logs a warning. It is a diagnostic threshold, not a hard limit.
const DefaultMaxListeners = 10

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a new ULID for an event envelope.
func NewID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Event is the envelope delivered to listeners.
type Event struct {
	ID        ulid.ULID
	Name      string
	Timestamp time.Time
	Payload   any
}

// ErrorPayload is the payload of the internal Error event.
type ErrorPayload struct {
	// Err is the error returned (or recovered) from a listener.
	Err error
	// Event is the name of the event whose listener failed.
	Event string
}
