// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fathomlabs/keel/pkg/errutil"
	"github.com/fathomlabs/keel/pkg/events"
)

func TestManager_StartRunsHooksInOrder(t *testing.T) {
	m := NewManager()

	var order []string
	m.OnStart("db", func(_ context.Context) error {
		order = append(order, "db")
		return nil
	})
	m.OnStart("cache", func(_ context.Context) error {
		order = append(order, "cache")
		return nil
	})
	m.OnStart("server", func(_ context.Context) error {
		order = append(order, "server")
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"db", "cache", "server"}, order)
	assert.Equal(t, StateStarted, m.State())
}

func TestManager_StartIdempotent(t *testing.T) {
	m := NewManager()

	count := 0
	m.OnStart("once", func(_ context.Context) error {
		count++
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 1, count)
}

func TestManager_ConcurrentStartRunsHooksOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager()

	var count atomic.Int32
	m.OnStart("slow", func(_ context.Context) error {
		time.Sleep(20 * time.Millisecond)
		count.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Start(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, StateStarted, m.State())
}

func TestManager_StartFailFast(t *testing.T) {
	m := NewManager()

	var ran []string
	m.OnStart("ok", func(_ context.Context) error {
		ran = append(ran, "ok")
		return nil
	})
	m.OnStart("bad", func(_ context.Context) error {
		return errors.New("refused")
	})
	m.OnStart("never", func(_ context.Context) error {
		ran = append(ran, "never")
		return nil
	})

	err := m.Start(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeHookFailed)
	errutil.AssertErrorContext(t, err, "hook", "bad")
	assert.Equal(t, []string{"ok"}, ran)
	assert.Equal(t, StateError, m.State())
}

func TestManager_UncodedHookErrorGetsWrapped(t *testing.T) {
	m := NewManager()

	// An oops error without a code still picks up the hook wrap.
	m.OnStart("flaky", func(_ context.Context) error {
		return oops.With("attempt", 1).Errorf("not ready")
	})

	err := m.Start(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeHookFailed)
	errutil.AssertErrorContext(t, err, "hook", "flaky")
	errutil.AssertErrorContext(t, err, "phase", "start")
}

func TestManager_CodedHookErrorKeptAsIs(t *testing.T) {
	m := NewManager()

	m.OnStart("db", func(_ context.Context) error {
		return oops.Code("CONN_REFUSED").Errorf("dial failed")
	})

	err := m.Start(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONN_REFUSED")
}

func TestManager_StartFromErrorRejected(t *testing.T) {
	m := NewManager()
	m.OnStart("bad", func(_ context.Context) error {
		return errors.New("refused")
	})

	require.Error(t, m.Start(context.Background()))
	require.Equal(t, StateError, m.State())

	err := m.Start(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeInvalidState)
}

func TestManager_HookTimeout(t *testing.T) {
	m := NewManager()

	m.AddStartHook(Hook{
		Name:    "stuck",
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	start := time.Now()
	err := m.Start(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeHookTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateError, m.State())
}

func TestManager_HookPanicRecovered(t *testing.T) {
	m := NewManager()
	m.OnStart("explode", func(_ context.Context) error {
		panic("boom")
	})

	err := m.Start(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeHookPanic)
	assert.Equal(t, StateError, m.State())
}

func TestManager_HookRetrySucceeds(t *testing.T) {
	m := NewManager()

	attempts := 0
	m.AddStartHook(Hook{
		Name:  "flaky",
		Retry: &RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond},
		Fn: func(_ context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			return nil
		},
	})

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 3, attempts)
}

func TestManager_StopBestEffort(t *testing.T) {
	m := NewManager()

	var ran []string
	m.OnStop("first", func(_ context.Context) error {
		ran = append(ran, "first")
		return errors.New("flush failed")
	})
	m.OnStop("second", func(_ context.Context) error {
		ran = append(ran, "second")
		return nil
	})
	m.OnStop("third", func(_ context.Context) error {
		ran = append(ran, "third")
		return errors.New("close failed")
	})

	require.NoError(t, m.Start(context.Background()))
	err := m.Stop(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeHookFailed)
	assert.Equal(t, []string{"first", "second", "third"}, ran)
	assert.Equal(t, StateError, m.State())
}

func TestManager_StopBeforeStartNoop(t *testing.T) {
	m := NewManager()

	called := false
	m.OnStop("never", func(_ context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, called)
	assert.Equal(t, StateCreated, m.State())
}

func TestManager_StopIdempotent(t *testing.T) {
	m := NewManager()

	count := 0
	m.OnStop("once", func(_ context.Context) error {
		count++
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, 1, count)
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_StopFromErrorRunsHooks(t *testing.T) {
	m := NewManager()
	m.OnStart("bad", func(_ context.Context) error {
		return errors.New("refused")
	})

	cleaned := false
	m.OnStop("cleanup", func(_ context.Context) error {
		cleaned = true
		return nil
	})

	require.Error(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.True(t, cleaned)
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_Restart(t *testing.T) {
	m := NewManager()

	starts, stops := 0, 0
	m.OnStart("svc", func(_ context.Context) error { starts++; return nil })
	m.OnStop("svc", func(_ context.Context) error { stops++; return nil })

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Restart(context.Background()))
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, StateStarted, m.State())
}

func TestManager_EventsEmitted(t *testing.T) {
	m := NewManager()
	m.OnStart("svc", func(_ context.Context) error { return nil })
	m.OnStop("svc", func(_ context.Context) error { return nil })

	var seen []string
	for _, name := range []string{EventStarting, EventStarted, EventStopping, EventStopped} {
		m.On(name, func(_ context.Context, evt events.Event) error {
			seen = append(seen, evt.Name)
			return nil
		})
	}

	var transitions []StateChange
	m.On(EventStateChanged, func(_ context.Context, evt events.Event) error {
		transitions = append(transitions, evt.Payload.(StateChange))
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, []string{EventStarting, EventStarted, EventStopping, EventStopped}, seen)
	assert.Equal(t, []StateChange{
		{From: StateCreated, To: StateStarting},
		{From: StateStarting, To: StateStarted},
		{From: StateStarted, To: StateStopping},
		{From: StateStopping, To: StateStopped},
	}, transitions)
}

func TestManager_HookEventsCarryResult(t *testing.T) {
	m := NewManager()
	m.OnStart("svc", func(_ context.Context) error { return nil })

	var executed []HookResult
	m.On(EventHookExecuted, func(_ context.Context, evt events.Event) error {
		executed = append(executed, evt.Payload.(HookResult))
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	require.Len(t, executed, 1)
	assert.Equal(t, "svc", executed[0].Name)
	assert.Equal(t, "start", executed[0].Phase)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "error", StateError.String())
}
