// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

// Package heartbeat implements a minimal keel plugin that emits a periodic
// tick event on the host bus. It doubles as a reference implementation of
// the plugin contract.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/fathomlabs/keel/pkg/plugin"
)

// EventTick is emitted on the host bus on every interval.
const EventTick = "heartbeat.tick"

// DefaultInterval is used when the plugin options carry no interval.
const DefaultInterval = 30 * time.Second

// Tick is the payload of EventTick.
type Tick struct {
	Seq      uint64
	Interval time.Duration
}

// Plugin emits periodic heartbeat events.
type Plugin struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a heartbeat plugin.
func New() *Plugin {
	return &Plugin{}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "heartbeat" }

// Version implements plugin.Plugin.
func (p *Plugin) Version() string { return "1.0.0" }

// Initialize starts the ticker goroutine. The produced instance is the
// plugin itself.
func (p *Plugin) Initialize(_ context.Context, host *plugin.Context) (any, error) {
	interval := host.Config.Options.GetDuration("interval", DefaultInterval)

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	bus := host.Core.Events()
	logger := host.Logger

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq++
				logger.Debug("heartbeat", "seq", seq)
				bus.Emit(EventTick, Tick{Seq: seq, Interval: interval})
			}
		}
	}()

	return p, nil
}

// Destroy stops the ticker and waits for it to exit.
func (p *Plugin) Destroy(_ context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}
