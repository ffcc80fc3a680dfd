// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Handler processes one event. A non-nil error is routed to the bus Error
// event; it never interrupts delivery to other listeners.
type Handler func(ctx context.Context, evt Event) error

// Subscription identifies one registered handler. Handlers are not
// comparable in Go, so removal goes through the handle returned by On.
type Subscription struct {
	event   string
	pattern glob.Glob
	handler Handler
	once    bool
	removed atomic.Bool
}

// Event returns the event name (or pattern source) this subscription is for.
func (s *Subscription) Event() string { return s.event }

// Bus is a typed publish/subscribe primitive. The zero value is not usable;
// construct with NewBus. All methods are safe for concurrent use.
type Bus struct {
	mu           sync.RWMutex
	listeners    map[string][]*Subscription
	patterns     []*Subscription
	maxListeners int
	logger       *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used for listener-count warnings and
// unreportable delivery failures.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		listeners:    make(map[string][]*Subscription),
		maxListeners: DefaultMaxListeners,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// On registers a handler for an event name. Handlers fire in registration
// order. Returns the subscription handle used with Off.
func (b *Bus) On(event string, handler Handler) *Subscription {
	return b.subscribe(event, handler, false)
}

// Once registers a handler removed automatically after its first invocation.
func (b *Bus) Once(event string, handler Handler) *Subscription {
	return b.subscribe(event, handler, true)
}

// OnPattern registers a handler for every event whose name matches the glob
// pattern (e.g. "plugin.*"). Pattern listeners fire after exact-name
// listeners, in registration order. Returns an error for a malformed pattern.
func (b *Bus) OnPattern(pattern string, handler Handler) (*Subscription, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, oops.Code("BAD_PATTERN").
			With("pattern", pattern).
			Wrapf(err, "invalid event pattern")
	}

	sub := &Subscription{event: pattern, pattern: g, handler: handler}
	b.mu.Lock()
	b.patterns = append(b.patterns, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *Bus) subscribe(event string, handler Handler, once bool) *Subscription {
	sub := &Subscription{event: event, handler: handler, once: once}

	b.mu.Lock()
	b.listeners[event] = append(b.listeners[event], sub)
	count := len(b.listeners[event])
	b.mu.Unlock()

	if count > b.MaxListeners() {
		b.logger.Warn("possible listener leak",
			"event", event,
			"count", count,
			"max", b.MaxListeners())
	}
	return sub
}

// Off removes a subscription. Removing during delivery is honored: the
// handler will not fire again within the same emission pass. Removing an
// already-removed or nil subscription is a no-op.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil || !sub.removed.CompareAndSwap(false, true) {
		return
	}
	b.detach(sub)
}

func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.pattern != nil {
		b.patterns = removeSub(b.patterns, sub)
		return
	}
	remaining := removeSub(b.listeners[sub.event], sub)
	if len(remaining) == 0 {
		delete(b.listeners, sub.event)
	} else {
		b.listeners[sub.event] = remaining
	}
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	for i, s := range subs {
		if s == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// RemoveAllListeners removes every listener for the given event name, or
// every listener on the bus (including pattern listeners) when no name is
// given.
func (b *Bus) RemoveAllListeners(event ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(event) == 0 {
		for _, subs := range b.listeners {
			markRemoved(subs)
		}
		markRemoved(b.patterns)
		b.listeners = make(map[string][]*Subscription)
		b.patterns = nil
		return
	}
	for _, name := range event {
		markRemoved(b.listeners[name])
		delete(b.listeners, name)
	}
}

func markRemoved(subs []*Subscription) {
	for _, s := range subs {
		s.removed.Store(true)
	}
}

// ListenerCount returns the number of exact-name listeners for an event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// EventNames returns the sorted event names with at least one exact-name
// listener.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetMaxListeners sets the per-event listener count above which On warns.
// Zero or negative restores the default.
func (b *Bus) SetMaxListeners(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		n = DefaultMaxListeners
	}
	b.maxListeners = n
}

// MaxListeners returns the current warning threshold.
func (b *Bus) MaxListeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxListeners
}

// Emit delivers an event to all current listeners in registration order and
// returns once dispatch has run. Handler errors and panics are converted to
// the Error event and never abort delivery. Work a handler starts in its own
// goroutine is not awaited.
func (b *Bus) Emit(event string, payload any) {
	b.deliver(context.Background(), event, payload)
}

// EmitAsync delivers an event sequentially, waiting for each handler to
// return before invoking the next and propagating ctx to every handler. It
// returns early only when ctx is done; handler errors still go to the Error
// event.
func (b *Bus) EmitAsync(ctx context.Context, event string, payload any) error {
	return b.deliver(ctx, event, payload)
}

func (b *Bus) deliver(ctx context.Context, event string, payload any) error {
	evt := Event{
		ID:        NewID(),
		Name:      event,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	// Snapshot under lock so mutation from inside a handler cannot corrupt
	// iteration. The removed flag keeps Off effective mid-pass.
	b.mu.RLock()
	snapshot := make([]*Subscription, 0, len(b.listeners[event])+len(b.patterns))
	snapshot = append(snapshot, b.listeners[event]...)
	for _, sub := range b.patterns {
		if sub.pattern.Match(event) {
			snapshot = append(snapshot, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if err := ctx.Err(); err != nil {
			return oops.Code("EMIT_CANCELED").
				With("event", event).
				Wrapf(err, "event delivery canceled")
		}
		if sub.once {
			// First delivery wins; the subscription is gone before the
			// handler runs so a re-emit from inside it cannot fire twice.
			if !sub.removed.CompareAndSwap(false, true) {
				continue
			}
			b.detach(sub)
		} else if sub.removed.Load() {
			continue
		}
		if err := b.invoke(ctx, sub, evt); err != nil {
			b.reportError(err, event)
		}
	}
	return nil
}

// invoke runs one handler, converting a panic into an error.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("LISTENER_PANIC").
				With("event", evt.Name).
				Errorf("listener panic: %v", r)
		}
	}()
	return sub.handler(ctx, evt)
}

func (b *Bus) reportError(err error, event string) {
	payload := ErrorPayload{Err: err, Event: event}
	if event == Error {
		// A failing error-listener cannot be reported on the bus without
		// recursing; log and drop.
		b.logger.Error("error listener failed", "error", err)
		return
	}
	if b.ListenerCount(Error) == 0 && !b.anyPatternMatches(Error) {
		b.logger.Error("unhandled listener error",
			"event", event,
			"error", err)
		return
	}
	b.deliver(context.Background(), Error, payload) //nolint:errcheck // background ctx never cancels
}

func (b *Bus) anyPatternMatches(event string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.patterns {
		if sub.pattern.Match(event) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for diagnostics.
func (b *Bus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, subs := range b.listeners {
		total += len(subs)
	}
	return fmt.Sprintf("Bus(events=%d listeners=%d patterns=%d)",
		len(b.listeners), total, len(b.patterns))
}
