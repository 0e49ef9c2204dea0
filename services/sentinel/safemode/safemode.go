// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safemode implements the graduated degraded-operation controller.
//
// The controller is a four-level state machine (off, limited, restricted,
// emergency) with a static per-level policy table. Entry transitions are
// guarded by severity ordering: enter_level only ever moves to a strictly
// more severe level, and the only way back down is ExitSafeMode, which
// returns directly to off. The scheduler consults IsOperationAllowed
// before doing work.
//
// Thread Safety:
//
//	Controller is safe for concurrent use. A single mutex guards all
//	state; persistence happens under the lock (small, local writes) while
//	callbacks and event publishing happen outside it.
package safemode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/sentinel/services/sentinel/events"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
)

// stateKey is the well-known persistence location for controller state.
const stateKey = "safemode/state"

// DefaultHistorySize bounds the in-memory transition history.
const DefaultHistorySize = 100

// Callback is invoked on level transitions. Callbacks are best-effort: a
// panicking callback is logged and never blocks the transition.
type Callback func(from, to Level, reason string)

// Config configures the Controller.
type Config struct {
	// Store persists controller state across restarts. Nil disables
	// persistence (tests only).
	Store *store.Store

	// Emitter publishes transition events. Nil means events.Nop.
	Emitter events.Emitter

	// HistorySize bounds the transition history. Zero means
	// DefaultHistorySize.
	HistorySize int

	// Logger for transitions. If nil, uses slog.Default().
	Logger *slog.Logger
}

// persistedState is the JSON record written to the store.
type persistedState struct {
	Level     Level              `json:"level"`
	Reason    string             `json:"reason"`
	Source    string             `json:"source"`
	EnteredAt time.Time          `json:"entered_at"`
	History   []TransitionRecord `json:"history"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Controller is the safe-mode state machine.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	store   *store.Store
	emitter events.Emitter
	logger  *slog.Logger

	mu          sync.Mutex
	level       Level
	reason      string
	source      string
	enteredAt   time.Time
	history     []TransitionRecord
	historySize int

	cbMu    sync.Mutex
	onEnter []Callback
	onExit  []Callback
}

// New creates a Controller and reloads any persisted state.
//
// Description:
//
//	If the store holds a previous state record, the controller resumes at
//	that level so a restart cannot silently lift degraded operation. A
//	corrupt record is logged loudly and the controller starts at off, the
//	safe default for this component (off fails open for operations but a
//	lost restriction is recoverable; a crash loop is not).
//
// Outputs:
//
//	*Controller - The controller. Never nil.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}

	c := &Controller{
		store:       cfg.Store,
		emitter:     emitter,
		logger:      logger.With(slog.String("component", "safemode")),
		level:       LevelOff,
		historySize: historySize,
	}
	c.reload()
	return c
}

// reload restores persisted state, falling back to off on corruption.
func (c *Controller) reload() {
	if c.store == nil {
		return
	}

	var ps persistedState
	err := c.store.GetRecord(stateKey, &ps)
	switch {
	case err == nil:
		c.level = ps.Level
		c.reason = ps.Reason
		c.source = ps.Source
		c.enteredAt = ps.EnteredAt
		c.history = ps.History
		currentLevel.Set(float64(c.level.Rank()))
		if c.level != LevelOff {
			c.logger.Warn("resuming persisted safe mode after restart",
				slog.String("level", c.level.String()),
				slog.String("reason", c.reason),
			)
		}
	case errors.Is(err, store.ErrNotFound):
		// First boot.
	default:
		c.logger.Error("persisted safe mode state unreadable, defaulting to off",
			slog.String("error", err.Error()),
		)
	}
}

// persist writes current state. Called with c.mu held.
func (c *Controller) persist() {
	if c.store == nil {
		return
	}

	ps := persistedState{
		Level:     c.level,
		Reason:    c.reason,
		Source:    c.source,
		EnteredAt: c.enteredAt,
		History:   c.history,
		UpdatedAt: time.Now(),
	}
	if err := c.store.PutRecord(stateKey, ps); err != nil {
		c.logger.Error("failed to persist safe mode state",
			slog.String("error", err.Error()),
		)
	}
}

// OnEnter registers a callback invoked after every level entry.
func (c *Controller) OnEnter(cb Callback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onEnter = append(c.onEnter, cb)
}

// OnExit registers a callback invoked after every exit to off.
func (c *Controller) OnExit(cb Callback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onExit = append(c.onExit, cb)
}

// EnterLevel transitions to a strictly more severe level.
//
// Description:
//
//	The transition is accepted only if level is strictly more severe than
//	the current level; entering the same or a less severe level returns
//	false and leaves state unchanged. Moving down is only possible via
//	ExitSafeMode. On success the transition is recorded, persisted, and
//	announced to callbacks and the event bus, both best-effort.
//
// Inputs:
//
//	level - The target level. LevelOff is never a valid target here.
//	reason - Why the level is being entered.
//	source - Who requested it.
//
// Outputs:
//
//	bool - True if the transition happened.
func (c *Controller) EnterLevel(level Level, reason, source string) bool {
	c.mu.Lock()

	if level == LevelOff || !level.MoreSevereThan(c.level) {
		current := c.level
		c.mu.Unlock()
		c.logger.Warn("safe mode transition rejected",
			slog.String("from", current.String()),
			slog.String("to", level.String()),
			slog.String("reason", reason),
		)
		return false
	}

	from := c.level
	c.level = level
	c.reason = reason
	c.source = source
	c.enteredAt = time.Now()
	c.appendTransition(TransitionRecord{
		FromLevel: from,
		ToLevel:   level,
		Reason:    reason,
		Source:    source,
		Timestamp: c.enteredAt,
	})
	c.persist()
	c.mu.Unlock()

	currentLevel.Set(float64(level.Rank()))
	transitionsTotal.WithLabelValues(level.String()).Inc()
	c.logger.Warn("safe mode entered",
		slog.String("from", from.String()),
		slog.String("to", level.String()),
		slog.String("reason", reason),
		slog.String("source", source),
	)

	c.notify(c.enterCallbacks(), from, level, reason)
	c.emitter.Emit(events.Event{
		Type:      events.TypeSafeModeEntered,
		Component: "safemode",
		State:     level.String(),
		Reason:    reason,
		Source:    source,
	})
	return true
}

// ExitSafeMode returns directly to off from any degraded level.
//
// Outputs:
//
//	bool - True if the controller was degraded and is now off; false if
//	       it was already off.
func (c *Controller) ExitSafeMode(reason, source string) bool {
	c.mu.Lock()

	if c.level == LevelOff {
		c.mu.Unlock()
		return false
	}

	from := c.level
	now := time.Now()
	c.level = LevelOff
	c.reason = ""
	c.source = ""
	c.enteredAt = time.Time{}
	c.appendTransition(TransitionRecord{
		FromLevel: from,
		ToLevel:   LevelOff,
		Reason:    reason,
		Source:    source,
		Timestamp: now,
	})
	c.persist()
	c.mu.Unlock()

	currentLevel.Set(float64(LevelOff.Rank()))
	transitionsTotal.WithLabelValues(LevelOff.String()).Inc()
	c.logger.Info("safe mode exited",
		slog.String("from", from.String()),
		slog.String("reason", reason),
		slog.String("source", source),
	)

	c.notify(c.exitCallbacks(), from, LevelOff, reason)
	c.emitter.Emit(events.Event{
		Type:      events.TypeSafeModeExited,
		Component: "safemode",
		State:     LevelOff.String(),
		Reason:    reason,
		Source:    source,
	})
	return true
}

// appendTransition records a transition. Called with c.mu held.
func (c *Controller) appendTransition(rec TransitionRecord) {
	if len(c.history) >= c.historySize {
		c.history = c.history[1:]
	}
	c.history = append(c.history, rec)
}

func (c *Controller) enterCallbacks() []Callback {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	out := make([]Callback, len(c.onEnter))
	copy(out, c.onEnter)
	return out
}

func (c *Controller) exitCallbacks() []Callback {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	out := make([]Callback, len(c.onExit))
	copy(out, c.onExit)
	return out
}

// notify invokes callbacks with panic recovery, outside the state lock.
func (c *Controller) notify(cbs []Callback, from, to Level, reason string) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("safe mode callback panicked",
						slog.String("from", from.String()),
						slog.String("to", to.String()),
						slog.Any("panic", r),
					)
				}
			}()
			cb(from, to, reason)
		}()
	}
}

// CurrentLevel returns the current level.
func (c *Controller) CurrentLevel() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// IsActive reports whether the controller is in any degraded level.
func (c *Controller) IsActive() bool {
	return c.CurrentLevel() != LevelOff
}

// IsOperationAllowed reports whether an operation tag is permitted at the
// current level.
//
// Thread Safety: Safe for concurrent use; side-effect free.
func (c *Controller) IsOperationAllowed(op string) bool {
	return LimitsFor(c.CurrentLevel()).Allows(op)
}

// GetLimits returns the policy row for the current level.
func (c *Controller) GetLimits() Limits {
	return LimitsFor(c.CurrentLevel())
}

// GetStatus returns a read-only projection of controller state.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Level:       c.level,
		Active:      c.level != LevelOff,
		Reason:      c.reason,
		EnteredAt:   c.enteredAt,
		Limits:      LimitsFor(c.level),
		Transitions: len(c.history),
	}
}

// GetHistory returns up to limit most recent transitions, newest last.
func (c *Controller) GetHistory(limit int) []TransitionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}
	out := make([]TransitionRecord, limit)
	copy(out, c.history[len(c.history)-limit:])
	return out
}

// ResetForTest forces the controller back to off and clears history.
//
// Test hook. Production recovery goes through ExitSafeMode so the
// transition is recorded and announced.
func (c *Controller) ResetForTest() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.level = LevelOff
	c.reason = ""
	c.source = ""
	c.enteredAt = time.Time{}
	c.history = nil

	if c.store != nil {
		if err := c.store.DeleteRecord(stateKey); err != nil {
			return fmt.Errorf("reset safe mode state: %w", err)
		}
	}
	return nil
}
