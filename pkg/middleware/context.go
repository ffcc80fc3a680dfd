// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keel Contributors

package middleware

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fathomlabs/keel/pkg/events"
)

// Metadata describes one unit of work flowing through the chain.
type Metadata struct {
	ExecutionID ulid.ULID
	StartedAt   time.Time
}

// Context is the mutable bag passed by reference through the entire chain
// for one unit of work. It is not shared across concurrent units of work.
// Cancellation travels through the embedded context.Context; handlers doing
// blocking work should honor it.
type Context struct {
	ctx context.Context

	Request  any
	Response any
	Data     map[string]any
	Metadata Metadata
}

// NewContext creates a middleware context for one unit of work.
func NewContext(ctx context.Context) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{
		ctx:  ctx,
		Data: make(map[string]any),
		Metadata: Metadata{
			ExecutionID: events.NewID(),
			StartedAt:   time.Now(),
		},
	}
}

// Context returns the cancellation context for this unit of work.
func (c *Context) Context() context.Context { return c.ctx }

// WithContext replaces the cancellation context, e.g. to attach a deadline.
func (c *Context) WithContext(ctx context.Context) { c.ctx = ctx }

// Get returns a value from the context's data bag.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Data[key]
	return v, ok
}

// Set stores a value in the context's data bag.
func (c *Context) Set(key string, value any) {
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	c.Data[key] = value
}
