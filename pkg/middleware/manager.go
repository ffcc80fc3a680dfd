// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

// Package middleware provides the ordered, priority-sorted processing
// pipeline. Handlers form a chain of responsibility: each receives the
// context and a next continuation, and omitting the call short-circuits the
// rest of the chain.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fathomlabs/keel/pkg/events"
)

var tracer = otel.Tracer("keel/middleware")

// Next continues the chain. Calling it invokes the following handler;
// returning without calling it short-circuits the remainder.
type Next func() error

// Handler processes one unit of work.
type Handler func(c *Context, next Next) error

// DefaultPriority is assigned when Use is called without a priority. Lower
// priority values execute earlier.
const DefaultPriority = 100

// Error codes for pipeline failures.
const (
	CodeHandlerFailed = "MIDDLEWARE_FAILED"
	CodeHandlerPanic  = "MIDDLEWARE_PANIC"
	CodeTimeout       = "MIDDLEWARE_TIMEOUT"
	CodeDoubleNext    = "MIDDLEWARE_DOUBLE_NEXT"
)

// Event names emitted on the manager's bus.
const (
	EventAdded          = "middleware.added"
	EventRemoved        = "middleware.removed"
	EventEnabled        = "middleware.enabled"
	EventDisabled       = "middleware.disabled"
	EventInserted       = "middleware.inserted"
	EventExecuting      = "middleware.executing"
	EventExecuted       = "middleware.executed"
	EventError          = "middleware.error"
	EventChainCompleted = "middleware.chainCompleted"
	EventChainFailed    = "middleware.chainFailed"
	EventTimeout        = "middleware.timeout"
)

// EntryInfo is the payload of registration events.
type EntryInfo struct {
	Name     string
	Priority int
}

// ChainResult is the payload of chain completion, failure and timeout
// events. Executed lists handler names in execution order, up to and
// including the last handler that ran.
type ChainResult struct {
	ExecutionID string
	Executed    []string
	Err         error
}

// entry is the registration record for one middleware.
type entry struct {
	handler  Handler
	name     string
	priority int
	enabled  bool
}

// Manager maintains the middleware pipeline: a raw registration list plus a
// derived sorted view, recomputed whenever priority, membership or relative
// insertion changes.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	raw     []*entry
	sorted  []*entry // nil when invalidated
	counter int      // drives generated names
}

// Option configures one middleware registration.
type Option func(*entry)

// WithName names the middleware so it can be addressed by Remove, Enable,
// Disable and the insert operations.
func WithName(name string) Option {
	return func(e *entry) { e.name = name }
}

// WithPriority sets the sort priority. Lower values execute earlier; ties
// run in registration order.
func WithPriority(p int) Option {
	return func(e *entry) { e.priority = p }
}

// Disabled registers the middleware disabled; it stays in the pipeline but
// is skipped by Execute until enabled.
func Disabled() Option {
	return func(e *entry) { e.enabled = false }
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithBus sets the bus manager events are emitted on.
func WithBus(bus *events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// NewManager creates a middleware manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.bus == nil {
		m.bus = events.NewBus(events.WithLogger(m.logger))
	}
	return m
}

// Bus returns the bus manager events are emitted on.
func (m *Manager) Bus() *events.Bus { return m.bus }

// On delegates to the manager's bus.
func (m *Manager) On(event string, handler events.Handler) *events.Subscription {
	return m.bus.On(event, handler)
}

// Off delegates to the manager's bus.
func (m *Manager) Off(sub *events.Subscription) { m.bus.Off(sub) }

// Use appends a middleware to the pipeline and returns its name. Unnamed
// middlewares get a generated one so they stay addressable.
func (m *Manager) Use(handler Handler, opts ...Option) string {
	e := &entry{handler: handler, priority: DefaultPriority, enabled: true}
	for _, opt := range opts {
		opt(e)
	}

	m.mu.Lock()
	if e.name == "" {
		m.counter++
		e.name = fmt.Sprintf("middleware-%d", m.counter)
	}
	m.raw = append(m.raw, e)
	m.sorted = nil
	m.mu.Unlock()

	m.bus.Emit(EventAdded, EntryInfo{Name: e.name, Priority: e.priority})
	return e.name
}

// Remove deletes a middleware by name. Returns false if no entry has that
// name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	idx := m.indexOf(name)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.raw = append(m.raw[:idx], m.raw[idx+1:]...)
	m.sorted = nil
	m.mu.Unlock()

	m.bus.Emit(EventRemoved, EntryInfo{Name: name})
	return true
}

// Enable marks a middleware enabled. Toggling never reorders entries.
func (m *Manager) Enable(name string) bool {
	return m.setEnabled(name, true)
}

// Disable marks a middleware disabled; Execute skips it.
func (m *Manager) Disable(name string) bool {
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) bool {
	m.mu.Lock()
	idx := m.indexOf(name)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	e := m.raw[idx]
	changed := e.enabled != enabled
	e.enabled = enabled
	// The sorted order is unaffected by the flag, but the filtered view
	// Execute builds is derived from it.
	m.sorted = nil
	m.mu.Unlock()

	if changed {
		if enabled {
			m.bus.Emit(EventEnabled, EntryInfo{Name: name, Priority: e.priority})
		} else {
			m.bus.Emit(EventDisabled, EntryInfo{Name: name, Priority: e.priority})
		}
	}
	return true
}

// Clear removes every middleware.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.raw = nil
	m.sorted = nil
	m.mu.Unlock()
}

// InsertBefore inserts a middleware immediately before the named anchor in
// the sorted order, regardless of priority value. Returns false if the
// anchor does not exist.
func (m *Manager) InsertBefore(anchor string, handler Handler, opts ...Option) bool {
	return m.insertRelative(anchor, handler, false, opts...)
}

// InsertAfter inserts a middleware immediately after the named anchor in
// the sorted order. Returns false if the anchor does not exist.
func (m *Manager) InsertAfter(anchor string, handler Handler, opts ...Option) bool {
	return m.insertRelative(anchor, handler, true, opts...)
}

// insertRelative places the new entry adjacent to the anchor in the raw
// list with the anchor's priority. The stable sort preserves raw order
// within one priority, so the sorted view keeps the entry next to its
// anchor.
func (m *Manager) insertRelative(anchor string, handler Handler, after bool, opts ...Option) bool {
	e := &entry{handler: handler, priority: DefaultPriority, enabled: true}
	for _, opt := range opts {
		opt(e)
	}

	m.mu.Lock()
	idx := m.indexOf(anchor)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	if e.name == "" {
		m.counter++
		e.name = fmt.Sprintf("middleware-%d", m.counter)
	}
	e.priority = m.raw[idx].priority
	pos := idx
	if after {
		pos = idx + 1
	}
	m.raw = append(m.raw[:pos], append([]*entry{e}, m.raw[pos:]...)...)
	m.sorted = nil
	m.mu.Unlock()

	m.bus.Emit(EventInserted, EntryInfo{Name: e.name, Priority: e.priority})
	return true
}

// indexOf returns the raw index of a named entry. Caller holds m.mu.
func (m *Manager) indexOf(name string) int {
	for i, e := range m.raw {
		if e.name == name {
			return i
		}
	}
	return -1
}

// Names returns middleware names in sorted (execution) order, including
// disabled entries.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked()
	names := make([]string, len(sorted))
	for i, e := range sorted {
		names[i] = e.name
	}
	return names
}

// Count returns the number of registered middlewares.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.raw)
}

// sortedLocked returns the sorted view, recomputing it if invalidated.
// Caller holds m.mu.
func (m *Manager) sortedLocked() []*entry {
	if m.sorted == nil {
		m.sorted = make([]*entry, len(m.raw))
		copy(m.sorted, m.raw)
		sort.SliceStable(m.sorted, func(i, j int) bool {
			return m.sorted[i].priority < m.sorted[j].priority
		})
	}
	return m.sorted
}

// snapshot returns the enabled entries in execution order. The copy keeps
// mutation from inside a running handler from affecting the in-flight pass.
func (m *Manager) snapshot() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked()
	chain := make([]*entry, 0, len(sorted))
	for _, e := range sorted {
		if e.enabled {
			chain = append(chain, e)
		}
	}
	return chain
}

// Execute drives the chain of responsibility over the enabled middlewares
// in sorted order. Handler N+1 does not begin until handler N's work,
// including everything after its next call returns, completes. A failing
// handler aborts the chain and the error propagates to the caller.
func (m *Manager) Execute(c *Context) error {
	chain := m.snapshot()

	ctx, span := tracer.Start(c.Context(), "middleware.execute",
		trace.WithAttributes(
			attribute.Int("middleware.chain_length", len(chain)),
			attribute.String("middleware.execution_id", c.Metadata.ExecutionID.String()),
		),
	)
	defer span.End()
	c.WithContext(ctx)

	start := time.Now()
	executed := make([]string, 0, len(chain))
	err := m.run(c, chain, 0, &executed)
	elapsed := time.Since(start)

	result := ChainResult{
		ExecutionID: c.Metadata.ExecutionID.String(),
		Executed:    executed,
		Err:         err,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ChainExecutions.WithLabelValues(StatusError).Inc()
		ChainDuration.WithLabelValues(StatusError).Observe(elapsed.Seconds())
		m.bus.Emit(EventChainFailed, result)
		return err
	}

	ChainExecutions.WithLabelValues(StatusSuccess).Inc()
	ChainDuration.WithLabelValues(StatusSuccess).Observe(elapsed.Seconds())
	m.bus.Emit(EventChainCompleted, result)
	return nil
}

// run executes the handler at position i and hands it the continuation for
// position i+1.
func (m *Manager) run(c *Context, chain []*entry, i int, executed *[]string) error {
	if i >= len(chain) {
		return nil
	}
	e := chain[i]
	*executed = append(*executed, e.name)
	m.bus.Emit(EventExecuting, EntryInfo{Name: e.name, Priority: e.priority})

	nextCalled := false
	next := func() error {
		if nextCalled {
			return oops.Code(CodeDoubleNext).
				With("middleware", e.name).
				Errorf("middleware %q called next more than once", e.name)
		}
		nextCalled = true
		return m.run(c, chain, i+1, executed)
	}

	start := time.Now()
	err := m.invoke(e, c, next)
	HandlerDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())

	if err != nil {
		if oopsErr, ok := oops.AsOops(err); !ok || oopsErr.Code() == nil {
			err = oops.Code(CodeHandlerFailed).
				With("middleware", e.name).
				Wrapf(err, "middleware %q failed", e.name)
		}
		m.bus.Emit(EventError, ChainResult{
			ExecutionID: c.Metadata.ExecutionID.String(),
			Executed:    append([]string(nil), *executed...),
			Err:         err,
		})
		return err
	}

	m.bus.Emit(EventExecuted, EntryInfo{Name: e.name, Priority: e.priority})
	return nil
}

// invoke runs one handler, converting a panic into an error.
func (m *Manager) invoke(e *entry, c *Context, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code(CodeHandlerPanic).
				With("middleware", e.name).
				Errorf("middleware panic: %v", r)
		}
	}()
	return e.handler(c, next)
}

// ExecuteWithTimeout races Execute against a timer. On timeout the
// context's deadline cancels cooperative work, EventTimeout fires and a
// timeout-specific error is returned. The chain goroutine is abandoned, not
// forcibly stopped; side effects of in-flight handlers are not rolled back.
func (m *Manager) ExecuteWithTimeout(c *Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(c.Context(), timeout)
	defer cancel()
	c.WithContext(ctx)

	done := make(chan error, 1)
	go func() {
		done <- m.Execute(c)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return oops.Wrapf(ctx.Err(), "middleware chain canceled")
		}
		err := oops.Code(CodeTimeout).
			With("timeout", timeout.String()).
			With("execution_id", c.Metadata.ExecutionID.String()).
			Errorf("middleware chain timed out after %s", timeout)
		ChainExecutions.WithLabelValues(StatusTimeout).Inc()
		m.bus.Emit(EventTimeout, ChainResult{
			ExecutionID: c.Metadata.ExecutionID.String(),
			Err:         err,
		})
		return err
	}
}
