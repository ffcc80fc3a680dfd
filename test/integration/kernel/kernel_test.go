// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

//go:build integration

package kernel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/fathomlabs/keel/pkg/core"
	"github.com/fathomlabs/keel/pkg/events"
	"github.com/fathomlabs/keel/pkg/lifecycle"
	"github.com/fathomlabs/keel/pkg/middleware"
	"github.com/fathomlabs/keel/pkg/plugin"
	"github.com/fathomlabs/keel/plugins/heartbeat"
)

// journalPlugin appends its lifecycle transitions to a shared journal.
type journalPlugin struct {
	name    string
	mu      *sync.Mutex
	journal *[]string
	initErr error
}

func (p *journalPlugin) Name() string    { return p.name }
func (p *journalPlugin) Version() string { return "1.0.0" }

func (p *journalPlugin) Initialize(_ context.Context, _ *plugin.Context) (any, error) {
	p.mu.Lock()
	*p.journal = append(*p.journal, "init:"+p.name)
	p.mu.Unlock()
	return p, p.initErr
}

func (p *journalPlugin) Destroy(_ context.Context) error {
	p.mu.Lock()
	*p.journal = append(*p.journal, "destroy:"+p.name)
	p.mu.Unlock()
	return nil
}

var _ = Describe("Core lifecycle with plugins and middleware", func() {
	var (
		mu      sync.Mutex
		journal []string
		c       *core.Core
	)

	newCore := func(plugins ...core.PluginDesc) *core.Core {
		instance, err := core.New(core.Options{
			ServiceName: "kernel-it",
			Version:     "0.0.1",
			Environment: "test",
			Plugins:     plugins,
			Lifecycle: core.LifecycleOptions{
				StartTimeout: 5 * time.Second,
				StopTimeout:  5 * time.Second,
			},
		}, core.WithLogger(slog.Default()))
		Expect(err).NotTo(HaveOccurred())
		return instance
	}

	BeforeEach(func() {
		journal = nil
	})

	Describe("full start/stop cycle", func() {
		BeforeEach(func() {
			c = newCore(
				core.PluginDesc{
					Name:   "db",
					Plugin: &journalPlugin{name: "db", mu: &mu, journal: &journal},
					Config: plugin.DefaultConfig(),
				},
				core.PluginDesc{
					Name:   "cache",
					Plugin: &journalPlugin{name: "cache", mu: &mu, journal: &journal},
					Config: plugin.DefaultConfig(),
				},
			)
		})

		It("initializes plugins before start hooks and destroys after stop hooks", func() {
			c.Lifecycle().OnStart("listen", func(context.Context) error {
				mu.Lock()
				journal = append(journal, "start:listen")
				mu.Unlock()
				return nil
			})
			c.Lifecycle().OnStop("drain", func(context.Context) error {
				mu.Lock()
				journal = append(journal, "stop:drain")
				mu.Unlock()
				return nil
			})

			Expect(c.Start(context.Background())).To(Succeed())
			Expect(c.Ready()).To(BeTrue())
			Expect(c.Stop(context.Background())).To(Succeed())

			mu.Lock()
			defer mu.Unlock()
			Expect(journal).To(Equal([]string{
				"init:db",
				"init:cache",
				"start:listen",
				"stop:drain",
				"destroy:cache",
				"destroy:db",
			}))
		})

		It("bridges manager events onto the core bus", func() {
			var seen []string
			var seenMu sync.Mutex
			_, err := c.Events().OnPattern("*", func(_ context.Context, evt events.Event) error {
				seenMu.Lock()
				seen = append(seen, evt.Name)
				seenMu.Unlock()
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(c.Start(context.Background())).To(Succeed())
			Expect(c.Stop(context.Background())).To(Succeed())

			seenMu.Lock()
			defer seenMu.Unlock()
			Expect(seen).To(ContainElements(
				lifecycle.EventStarting,
				lifecycle.EventStarted,
				plugin.EventInitialized,
				plugin.EventDestroyed,
				lifecycle.EventStopped,
			))
		})
	})

	Describe("failure propagation", func() {
		It("aborts start when a plugin fails and keeps hooks unrun", func() {
			c = newCore(core.PluginDesc{
				Name: "bad",
				Plugin: &journalPlugin{
					name: "bad", mu: &mu, journal: &journal,
					initErr: errors.New("no backend"),
				},
				Config: plugin.DefaultConfig(),
			})

			hookRan := false
			c.Lifecycle().OnStart("listen", func(context.Context) error {
				hookRan = true
				return nil
			})

			Expect(c.Start(context.Background())).NotTo(Succeed())
			Expect(hookRan).To(BeFalse())
			Expect(c.Ready()).To(BeFalse())
		})
	})

	Describe("heartbeat plugin in a running core", func() {
		It("emits ticks on the core bus until destroyed", func() {
			c = newCore(core.PluginDesc{
				Name:   "heartbeat",
				Plugin: heartbeat.New(),
				Config: plugin.Config{
					Enabled: true,
					Options: plugin.Options{"interval": "10ms"},
				},
			})

			tickCh := make(chan heartbeat.Tick, 16)
			c.Events().On(heartbeat.EventTick, func(_ context.Context, evt events.Event) error {
				select {
				case tickCh <- evt.Payload.(heartbeat.Tick):
				default:
				}
				return nil
			})

			Expect(c.Start(context.Background())).To(Succeed())
			Eventually(tickCh, time.Second).Should(Receive())
			Expect(c.Stop(context.Background())).To(Succeed())
		})
	})

	Describe("middleware pipeline inside the core", func() {
		It("runs the chain in priority order with shared context data", func() {
			c = newCore()
			Expect(c.Start(context.Background())).To(Succeed())
			defer func() {
				Expect(c.Stop(context.Background())).To(Succeed())
			}()

			var order []string
			c.Middleware().Use(func(mc *middleware.Context, next middleware.Next) error {
				order = append(order, "authn")
				mc.Set("user", "mika")
				return next()
			}, middleware.WithName("authn"), middleware.WithPriority(10))

			c.Middleware().Use(func(mc *middleware.Context, next middleware.Next) error {
				user, _ := mc.Get("user")
				order = append(order, "handle:"+user.(string))
				mc.Response = "done"
				return next()
			}, middleware.WithName("handle"), middleware.WithPriority(20))

			mc := middleware.NewContext(context.Background())
			Expect(c.Middleware().Execute(mc)).To(Succeed())
			Expect(order).To(Equal([]string{"authn", "handle:mika"}))
			Expect(mc.Response).To(Equal("done"))
		})
	})

	Describe("restart", func() {
		It("reinitializes plugins and returns to ready", func() {
			c = newCore(core.PluginDesc{
				Name:   "db",
				Plugin: &journalPlugin{name: "db", mu: &mu, journal: &journal},
				Config: plugin.DefaultConfig(),
			})

			Expect(c.Start(context.Background())).To(Succeed())
			Expect(c.Restart(context.Background())).To(Succeed())
			Expect(c.Ready()).To(BeTrue())
			Expect(c.Stop(context.Background())).To(Succeed())

			mu.Lock()
			defer mu.Unlock()
			Expect(journal).To(Equal([]string{
				"init:db",
				"destroy:db",
				"init:db",
				"destroy:db",
			}))
		})
	})
})
