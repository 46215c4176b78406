// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casekit

import (
	"context"
	"log/slog"
	"sync"
)

// SignalBus notifies interested subsystems (sync-log maintenance, ledger
// processing, search indexing) that a case changed, without the case
// engine depending on any of them. Subscribers register callbacks under a
// name; the engine publishes after every successful save and neither
// knows nor cares who listens.

// CaseChange is the event emitted after a case is saved.
type CaseChange struct {
	Case    *Case
	FormIDs []string
	Rebuild bool
}

// CaseChangeHandler consumes case change events.
type CaseChangeHandler func(ctx context.Context, change CaseChange)

type subscriber struct {
	name    string
	handler CaseChangeHandler
}

// SignalBus is a typed publish/subscribe dispatcher for case changes.
type SignalBus struct {
	mu     sync.RWMutex
	subs   []subscriber
	logger *slog.Logger
}

// NewSignalBus returns an empty bus.
func NewSignalBus(logger *slog.Logger) *SignalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalBus{logger: logger}
}

// Subscribe registers a handler under a name. The name only identifies
// the subscriber in logs and for Unsubscribe.
func (b *SignalBus) Subscribe(name string, handler CaseChangeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscriber{name: name, handler: handler})
}

// Unsubscribe removes every handler registered under the name.
func (b *SignalBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// Publish delivers the change to every subscriber in registration order.
// A panicking subscriber is contained and logged; it never unwinds into
// form processing.
func (b *SignalBus) Publish(ctx context.Context, change CaseChange) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s, change)
	}
}

func (b *SignalBus) deliver(ctx context.Context, s subscriber, change CaseChange) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Case change subscriber panicked",
				"subscriber", s.name, "case_id", change.Case.ID, "panic", r)
		}
	}()
	s.handler(ctx, change)
}
