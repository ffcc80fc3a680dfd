// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

// Package lifecycle drives ordered startup and shutdown hooks through a
// finite state machine with per-hook timeouts.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fathomlabs/keel/pkg/events"
)

var tracer = otel.Tracer("keel/lifecycle")

// DefaultHookTimeout bounds a hook that carries no timeout of its own when
// the manager was not configured with one either.
const DefaultHookTimeout = 30 * time.Second

// Error codes for lifecycle failures.
const (
	CodeHookTimeout  = "HOOK_TIMEOUT"
	CodeHookFailed   = "HOOK_FAILED"
	CodeHookPanic    = "HOOK_PANIC"
	CodeInvalidState = "INVALID_STATE"
)

// HookFunc is the unit of start/stop work. The context is canceled when the
// hook times out; the function is expected to honor it. Work that ignores
// cancellation keeps running in the background and its side effects are not
// rolled back.
type HookFunc func(ctx context.Context) error

// RetryPolicy retries a failing hook with fibonacci backoff, inside the
// hook's timeout budget.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// Backoff is the initial backoff between attempts.
	Backoff time.Duration
}

// Hook is a named, optionally timeout-bound unit of start or stop work.
type Hook struct {
	Name    string
	Fn      HookFunc
	Timeout time.Duration // 0 = manager default
	Retry   *RetryPolicy  // nil = no retries
}

// HookResult is the payload of EventHookExecuting, EventHookExecuted and
// EventHookError.
type HookResult struct {
	Name     string
	Phase    string // "start" or "stop"
	Duration time.Duration
	Err      error
}

// inflight shares the outcome of one Start or Stop run between concurrent
// callers.
type inflight struct {
	done chan struct{}
	err  error
}

// Manager is the lifecycle state machine. It composes an event bus rather
// than inheriting one; subscribe with On/Once/Off or through Bus().
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	startHooks  []Hook
	stopHooks   []Hook
	startActive *inflight
	stopActive  *inflight

	startTimeout time.Duration
	stopTimeout  time.Duration

	signalOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBus sets the bus events are emitted on. Useful when the owner wants
// manager events on a shared bus instead of a private one.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithStartTimeout sets the default timeout for start hooks.
func WithStartTimeout(d time.Duration) Option {
	return func(m *Manager) { m.startTimeout = d }
}

// WithStopTimeout sets the default timeout for stop hooks.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) { m.stopTimeout = d }
}

// NewManager creates a lifecycle manager in StateCreated.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		state:        StateCreated,
		startTimeout: DefaultHookTimeout,
		stopTimeout:  DefaultHookTimeout,
	}
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

// Once delegates to the manager's bus.
func (m *Manager) Once(event string, handler events.Handler) *events.Subscription {
	return m.bus.Once(event, handler)
}

// Off delegates to the manager's bus.
func (m *Manager) Off(sub *events.Subscription) { m.bus.Off(sub) }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddStartHook appends a hook to the start sequence. Hooks run in
// registration order.
func (m *Manager) AddStartHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startHooks = append(m.startHooks, h)
}

// AddStopHook appends a hook to the stop sequence. Hooks run in registration
// order.
func (m *Manager) AddStopHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopHooks = append(m.stopHooks, h)
}

// OnStart registers a named start hook with the manager's default timeout.
func (m *Manager) OnStart(name string, fn HookFunc) {
	m.AddStartHook(Hook{Name: name, Fn: fn})
}

// OnStop registers a named stop hook with the manager's default timeout.
func (m *Manager) OnStop(name string, fn HookFunc) {
	m.AddStopHook(Hook{Name: name, Fn: fn})
}

// setState records the transition and emits stateChanged. Must be called
// without m.mu held.
func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Debug("lifecycle state changed",
		"from", from.String(),
		"to", to.String())
	m.bus.Emit(EventStateChanged, StateChange{From: from, To: to})
}

// Start runs the start hooks in registration order and transitions
// Created -> Starting -> Started. A second Start while one is in flight
// waits for the same outcome; every hook executes exactly once. A hook
// error or timeout aborts the sequence and transitions to StateError.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if fl := m.startActive; fl != nil {
		m.mu.Unlock()
		return m.await(ctx, fl)
	}
	switch m.state {
	case StateStarted:
		m.mu.Unlock()
		return nil
	case StateCreated, StateStopped:
		// fresh start, or restart after a clean stop
	default:
		state := m.state
		m.mu.Unlock()
		return oops.Code(CodeInvalidState).
			With("state", state.String()).
			Errorf("cannot start from state %s", state)
	}
	fl := &inflight{done: make(chan struct{})}
	m.startActive = fl
	hooks := slices.Clone(m.startHooks)
	m.mu.Unlock()

	fl.err = m.runStart(ctx, hooks)

	m.mu.Lock()
	m.startActive = nil
	m.mu.Unlock()
	close(fl.done)
	return fl.err
}

func (m *Manager) runStart(ctx context.Context, hooks []Hook) error {
	ctx, span := tracer.Start(ctx, "lifecycle.start",
		trace.WithAttributes(attribute.Int("lifecycle.hooks", len(hooks))))
	defer span.End()

	m.setState(StateStarting)
	m.bus.Emit(EventStarting, nil)

	for _, h := range hooks {
		if err := m.runHook(ctx, h, "start", m.startTimeout); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.setState(StateError)
			return err
		}
	}

	m.setState(StateStarted)
	m.bus.Emit(EventStarted, nil)
	return nil
}

// Stop runs the stop hooks in registration order. Unlike Start it is
// best-effort: a failing hook is collected and the remaining hooks still
// run, so shutdown makes maximal progress. Stopping an already stopped or
// never-started manager is a no-op; a concurrent Stop shares the outcome.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if fl := m.stopActive; fl != nil {
		m.mu.Unlock()
		return m.await(ctx, fl)
	}
	switch m.state {
	case StateCreated, StateStopped:
		m.mu.Unlock()
		return nil
	default:
		// Stop is allowed from Starting, Started and Error so cleanup can
		// always run.
	}
	fl := &inflight{done: make(chan struct{})}
	m.stopActive = fl
	hooks := slices.Clone(m.stopHooks)
	m.mu.Unlock()

	fl.err = m.runStop(ctx, hooks)

	m.mu.Lock()
	m.stopActive = nil
	m.mu.Unlock()
	close(fl.done)
	return fl.err
}

func (m *Manager) runStop(ctx context.Context, hooks []Hook) error {
	ctx, span := tracer.Start(ctx, "lifecycle.stop",
		trace.WithAttributes(attribute.Int("lifecycle.hooks", len(hooks))))
	defer span.End()

	m.setState(StateStopping)
	m.bus.Emit(EventStopping, nil)

	var failed []error
	for _, h := range hooks {
		if err := m.runHook(ctx, h, "stop", m.stopTimeout); err != nil {
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		err := oops.
			With("failures", len(failed)).
			Wrapf(errors.Join(failed...), "%d stop hook(s) failed", len(failed))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.setState(StateError)
		return err
	}

	m.setState(StateStopped)
	m.bus.Emit(EventStopped, nil)
	return nil
}

// Restart is Stop then Start; either failure is surfaced with its phase.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return oops.With("phase", "stop").Wrapf(err, "restart: stop failed")
	}
	if err := m.Start(ctx); err != nil {
		return oops.With("phase", "start").Wrapf(err, "restart: start failed")
	}
	return nil
}

// await blocks until the in-flight run finishes or ctx is done.
func (m *Manager) await(ctx context.Context, fl *inflight) error {
	select {
	case <-fl.done:
		return fl.err
	case <-ctx.Done():
		return oops.Wrapf(ctx.Err(), "canceled while waiting for lifecycle transition")
	}
}

// runHook executes one hook, racing it against its timeout. The timeout
// cancels the hook's context and stops waiting; it does not forcibly stop
// the hook's goroutine.
func (m *Manager) runHook(ctx context.Context, h Hook, phase string, fallback time.Duration) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}

	ctx, span := tracer.Start(ctx, "lifecycle.hook",
		trace.WithAttributes(
			attribute.String("hook.name", h.Name),
			attribute.String("hook.phase", phase),
		))
	defer span.End()

	m.bus.Emit(EventHookExecuting, HookResult{Name: h.Name, Phase: phase})
	start := time.Now()

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.invokeHook(hctx, h)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = oops.Code(CodeHookTimeout).
				With("hook", h.Name).
				With("phase", phase).
				With("timeout", timeout.String()).
				Errorf("%s hook %q timed out after %s", phase, h.Name, timeout)
		} else {
			err = oops.Code(CodeHookFailed).
				With("hook", h.Name).
				With("phase", phase).
				Wrapf(hctx.Err(), "%s hook %q canceled", phase, h.Name)
		}
	}

	elapsed := time.Since(start)
	if err != nil {
		wrapped := err
		if oopsErr, ok := oops.AsOops(err); !ok || oopsErr.Code() == nil {
			wrapped = oops.Code(CodeHookFailed).
				With("hook", h.Name).
				With("phase", phase).
				Wrapf(err, "%s hook %q failed", phase, h.Name)
		}
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		m.bus.Emit(EventHookError, HookResult{Name: h.Name, Phase: phase, Duration: elapsed, Err: wrapped})
		return wrapped
	}

	m.bus.Emit(EventHookExecuted, HookResult{Name: h.Name, Phase: phase, Duration: elapsed})
	return nil
}

// invokeHook runs the hook function with its retry policy, converting a
// panic into an error.
func (m *Manager) invokeHook(ctx context.Context, h Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code(CodeHookPanic).
				With("hook", h.Name).
				Errorf("hook panic: %v", r)
		}
	}()

	if h.Retry == nil {
		return h.Fn(ctx)
	}

	backoff := retry.NewFibonacci(h.Retry.Backoff)
	backoff = retry.WithMaxRetries(h.Retry.MaxRetries, backoff)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := h.Fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// InterceptSignals installs a one-shot SIGINT/SIGTERM handler that invokes
// Stop with the given timeout. The returned function releases the handler.
func (m *Manager) InterceptSignals(timeout time.Duration) (release func()) {
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-ch:
			m.signalOnce.Do(func() {
				m.logger.Info("termination signal received, stopping", "signal", sig.String())
				stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
				defer stopCancel()
				if err := m.Stop(stopCtx); err != nil {
					m.logger.Error("graceful stop failed", "error", err)
				}
			})
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()

	return cancel
}
