// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package killswitch implements the global emergency-stop authority.
//
// The switch is a two-state machine (active, triggered) with distributed
// acknowledgment: on trigger it snapshots the set of running agents,
// broadcasts stop signals, collects acknowledgments, verifies that
// acknowledging agents actually stopped, and force-kills stragglers. A
// file-based backup channel lets any actor trigger the switch even when
// the in-process path is unreachable, and a self-test harness certifies
// the full trigger/verify/recover cycle end to end.
//
// Thread Safety:
//
//	Switch is safe for concurrent use. A single mutex guards state;
//	registry queries and signal broadcasts run outside the lock so a slow
//	collaborator cannot block acknowledgment recording.
package killswitch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/sentinel/services/sentinel/events"
	"github.com/AleutianAI/sentinel/services/sentinel/registry"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
	"github.com/AleutianAI/sentinel/services/sentinel/transport"
)

// Well-known persistence locations.
const (
	stateKey   = "killswitch/state"
	historyKey = "killswitch/history"
)

// DefaultHistorySize bounds the archived episode history.
const DefaultHistorySize = 100

// Verification defaults. Verification polls rather than checking once
// because acknowledgments race the triggering broadcast.
const (
	DefaultVerifyTimeout  = 10 * time.Second
	DefaultVerifyInterval = 250 * time.Millisecond
)

// ErrAcksRecorded is returned by CorrectExpectedAgents once collection
// has started.
var ErrAcksRecorded = errors.New("killswitch: acknowledgments already recorded for this episode")

// Config configures the Switch.
type Config struct {
	// Store persists switch state across restarts. Nil disables
	// persistence (tests only).
	Store *store.Store

	// Registry reports agent liveness. Nil degrades verification to
	// vacuously compliant, with a warning.
	Registry registry.Liveness

	// Signaler delivers stop signals. Nil means transport.Nop.
	Signaler transport.StopSignaler

	// Emitter publishes trigger/recovery events. Nil means events.Nop.
	Emitter events.Emitter

	// HistorySize bounds the episode history. Zero means
	// DefaultHistorySize.
	HistorySize int

	// VerifyTimeout bounds a verification pass. Zero means
	// DefaultVerifyTimeout.
	VerifyTimeout time.Duration

	// VerifyInterval is the poll interval during verification. Zero
	// means DefaultVerifyInterval.
	VerifyInterval time.Duration

	// Logger for switch activity. If nil, uses slog.Default().
	Logger *slog.Logger
}

// persistedState is the JSON record written to the store.
type persistedState struct {
	State          State           `json:"state"`
	Trigger        *TriggerRecord  `json:"trigger,omitempty"`
	ExpectedAgents []string        `json:"expected_agents,omitempty"`
	Acks           map[string]bool `json:"acks,omitempty"`
	Compliance     Compliance      `json:"compliance"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Switch is the emergency-stop state machine.
//
// Thread Safety: Safe for concurrent use.
type Switch struct {
	store    *store.Store
	registry registry.Liveness
	signaler transport.StopSignaler
	emitter  events.Emitter
	logger   *slog.Logger

	verifyTimeout  time.Duration
	verifyInterval time.Duration
	historySize    int

	mu         sync.Mutex
	state      State
	trigger    *TriggerRecord
	expected   map[string]struct{}
	acks       map[string]bool
	compliance Compliance
	history    []HistoryEntry

	// backupMu serializes backup-channel polls so two pollers cannot
	// double-trigger from the same record.
	backupMu   sync.Mutex
	backupPath string

	selfTestMu      sync.Mutex
	selfTestHistory []SelfTestResult
}

// New creates a Switch and reloads any persisted state.
//
// Description:
//
//	If the store holds a previous state record, the switch resumes in
//	that state so a restart cannot silently clear an emergency stop. A
//	corrupt record is logged loudly and the switch starts active; the
//	backup channel and the operator remain able to re-trigger.
func New(cfg Config) *Switch {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	signaler := cfg.Signaler
	if signaler == nil {
		signaler = transport.Nop{}
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.Nop{}
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	verifyTimeout := cfg.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = DefaultVerifyTimeout
	}
	verifyInterval := cfg.VerifyInterval
	if verifyInterval <= 0 {
		verifyInterval = DefaultVerifyInterval
	}

	s := &Switch{
		store:          cfg.Store,
		registry:       cfg.Registry,
		signaler:       signaler,
		emitter:        emitter,
		logger:         logger.With(slog.String("component", "killswitch")),
		verifyTimeout:  verifyTimeout,
		verifyInterval: verifyInterval,
		historySize:    historySize,
		state:          StateActive,
		expected:       make(map[string]struct{}),
		acks:           make(map[string]bool),
	}
	s.reload()
	return s
}

// reload restores persisted state, falling back to active on corruption.
func (s *Switch) reload() {
	if s.store == nil {
		return
	}

	var ps persistedState
	err := s.store.GetRecord(stateKey, &ps)
	switch {
	case err == nil:
		// A triggered record with no trigger detail is corruption the
		// decoder cannot see. Starting active keeps the safety system up;
		// the backup channel and the operator can re-trigger.
		if ps.State == StateTriggered && ps.Trigger == nil {
			s.logger.Error("persisted kill switch state triggered without a trigger record, defaulting to active")
			break
		}
		s.state = ps.State
		s.trigger = ps.Trigger
		s.compliance = ps.Compliance
		for _, id := range ps.ExpectedAgents {
			s.expected[id] = struct{}{}
		}
		for id, stopped := range ps.Acks {
			s.acks[id] = stopped
		}
		if s.state == StateTriggered {
			s.logger.Warn("resuming triggered kill switch after restart",
				slog.String("reason", string(s.trigger.Reason)),
				slog.String("message", s.trigger.Message),
			)
		}
	case errors.Is(err, store.ErrNotFound):
		// First boot.
	default:
		s.logger.Error("persisted kill switch state unreadable, defaulting to active",
			slog.String("error", err.Error()),
		)
	}

	var history []HistoryEntry
	if err := s.store.GetRecord(historyKey, &history); err == nil {
		s.history = history
	}
}

// persist writes current state. Called with s.mu held.
func (s *Switch) persist() {
	if s.store == nil {
		return
	}

	ps := persistedState{
		State:      s.state,
		Trigger:    s.trigger,
		Compliance: s.compliance,
		Acks:       make(map[string]bool, len(s.acks)),
		UpdatedAt:  time.Now(),
	}
	for id := range s.expected {
		ps.ExpectedAgents = append(ps.ExpectedAgents, id)
	}
	sort.Strings(ps.ExpectedAgents)
	for id, stopped := range s.acks {
		ps.Acks[id] = stopped
	}

	if err := s.store.PutRecord(stateKey, ps); err != nil {
		s.logger.Error("failed to persist kill switch state",
			slog.String("error", err.Error()),
		)
	}
	if err := s.store.PutRecord(historyKey, s.history); err != nil {
		s.logger.Error("failed to persist kill switch history",
			slog.String("error", err.Error()),
		)
	}
}

// Trigger transitions the switch to triggered.
//
// Description:
//
//	At most one trigger is live at a time: if the switch is already
//	triggered the call returns false and leaves the existing episode
//	untouched. On success the switch snapshots the running-agent set
//	from the liveness registry, clears the acknowledgment ledger and
//	compliance state, records the trigger, persists, and broadcasts
//	polite stop signals fire-and-forget.
//
//	The registry snapshot happens before the state lock is taken so a
//	slow registry cannot block acknowledgment recording; the snapshot is
//	discarded if the switch turns out to be already triggered.
//
// Inputs:
//
//	ctx - Context for the registry snapshot and broadcast.
//	reason - Trigger classification for audit.
//	message - Free-text explanation.
//	source - Who or what triggered.
//
// Outputs:
//
//	bool - True if the switch transitioned to triggered.
func (s *Switch) Trigger(ctx context.Context, reason Reason, message, source string) bool {
	var snapshot []string
	if s.registry != nil {
		agents, err := s.registry.ListRunningAgents(ctx)
		if err != nil {
			s.logger.Warn("registry snapshot failed, expected set will be empty",
				slog.String("error", err.Error()),
			)
		} else {
			snapshot = agents
		}
	}

	s.mu.Lock()
	if s.state == StateTriggered {
		s.mu.Unlock()
		s.logger.Warn("trigger rejected, already triggered",
			slog.String("reason", string(reason)),
			slog.String("source", source),
		)
		return false
	}

	record := &TriggerRecord{
		Reason:    reason,
		Message:   message,
		Source:    source,
		Timestamp: time.Now(),
		EpisodeID: uuid.NewString(),
	}
	s.state = StateTriggered
	s.trigger = record
	s.expected = make(map[string]struct{}, len(snapshot))
	for _, id := range snapshot {
		s.expected[id] = struct{}{}
	}
	s.acks = make(map[string]bool)
	s.compliance = Compliance{}
	s.appendHistory(HistoryEntry{Trigger: *record})
	s.persist()
	s.mu.Unlock()

	s.logger.Error("kill switch triggered",
		slog.String("reason", string(reason)),
		slog.String("message", message),
		slog.String("source", source),
		slog.String("episode_id", record.EpisodeID),
		slog.Int("expected_agents", len(snapshot)),
	)
	triggersTotal.WithLabelValues(string(reason)).Inc()

	// Broadcast is fire-and-forget: delivery is not assumed reliable,
	// acknowledgments are the ground truth.
	go s.broadcastStop(snapshot, record)

	s.emitter.Emit(events.Event{
		Type:      events.TypeKillSwitchTriggered,
		Component: "killswitch",
		State:     StateTriggered.String(),
		Reason:    message,
		Source:    source,
	})
	return true
}

// broadcastStop sends polite stop signals to every snapshotted agent.
// Per-agent failures are logged, never aggregated into a trigger failure.
func (s *Switch) broadcastStop(agents []string, record *TriggerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range agents {
		sig := transport.StopSignal{
			AgentID:   id,
			Hard:      false,
			Reason:    record.Message,
			EpisodeID: record.EpisodeID,
		}
		if err := s.signaler.SendStopSignal(ctx, sig); err != nil {
			s.logger.Warn("stop signal delivery failed",
				slog.String("agent_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Recover transitions the switch back to active.
//
// Outputs:
//
//	bool - True if the switch was triggered and is now active; false if
//	       it was already active.
func (s *Switch) Recover(message, source string) bool {
	s.mu.Lock()
	if s.state != StateTriggered {
		s.mu.Unlock()
		return false
	}

	rate := s.ackRateLocked()
	if n := len(s.history); n > 0 {
		s.history[n-1].RecoveredAt = time.Now()
		s.history[n-1].ForceKillUsed = s.compliance.ForceKillUsed
		s.history[n-1].AcknowledgmentRate = rate
	}

	var episodeID string
	if s.trigger != nil {
		episodeID = s.trigger.EpisodeID
	}
	s.state = StateActive
	s.trigger = nil
	s.expected = make(map[string]struct{})
	s.acks = make(map[string]bool)
	s.compliance = Compliance{}
	s.persist()
	s.mu.Unlock()

	s.logger.Info("kill switch recovered",
		slog.String("message", message),
		slog.String("source", source),
		slog.String("episode_id", episodeID),
	)
	recoveriesTotal.Inc()

	s.emitter.Emit(events.Event{
		Type:      events.TypeKillSwitchRecovered,
		Component: "killswitch",
		State:     StateActive.String(),
		Reason:    message,
		Source:    source,
	})
	return true
}

// RegisterAcknowledgment records an agent's stop confirmation.
//
// Description:
//
//	Idempotent upsert: duplicate or out-of-order acknowledgments are
//	fine, the last write wins. Agents outside the expected set are
//	recorded (late-discovered agents) but never count toward the
//	acknowledgment-rate denominator.
func (s *Switch) RegisterAcknowledgment(agentID string, stopped bool) {
	s.mu.Lock()
	s.acks[agentID] = stopped
	rate := s.ackRateLocked()
	s.persist()
	s.mu.Unlock()

	ackRate.Set(rate)
	s.logger.Debug("acknowledgment recorded",
		slog.String("agent_id", agentID),
		slog.Bool("stopped", stopped),
	)
}

// CorrectExpectedAgents replaces the expected set for the live episode.
//
// The expected set is a snapshot of who was running at trigger time; it
// is never replaced silently. Correction is allowed only before any
// acknowledgment has been recorded.
func (s *Switch) CorrectExpectedAgents(agents []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.acks) > 0 {
		return ErrAcksRecorded
	}
	s.expected = make(map[string]struct{}, len(agents))
	for _, id := range agents {
		s.expected[id] = struct{}{}
	}
	s.persist()
	return nil
}

// GetMissingAcknowledgments returns expected agents without a confirmed
// stop, sorted.
func (s *Switch) GetMissingAcknowledgments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingLocked()
}

// missingLocked computes the missing set. Called with s.mu held.
func (s *Switch) missingLocked() []string {
	var out []string
	for id := range s.expected {
		if !s.acks[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AcknowledgmentRate returns confirmed-stopped over expected.
//
// An empty expected set reports 1.0: nothing was running, so the stop is
// vacuously fully acknowledged.
func (s *Switch) AcknowledgmentRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackRateLocked()
}

// ackRateLocked computes the rate. Called with s.mu held.
func (s *Switch) ackRateLocked() float64 {
	if len(s.expected) == 0 {
		return 1.0
	}
	confirmed := 0
	for id := range s.expected {
		if s.acks[id] {
			confirmed++
		}
	}
	return float64(confirmed) / float64(len(s.expected))
}

// VerifyAgentsStopped checks that every expected agent actually stopped.
//
// Description:
//
//	Polls until all expected agents have acknowledged and none of them is
//	still observed running, or until the verification deadline expires.
//	Polling is required because acknowledgments race the triggering
//	broadcast; "not yet acknowledged" means "not yet compliant", not
//	failure. When no liveness registry is wired the result is vacuously
//	compliant and marked Degraded, with a warning; a wired registry that
//	errors degrades the same way, trusting the acknowledgment ledger.
//
//	The registry is queried outside the state lock: the expected set and
//	ledger are snapshotted, the lock released, and only the final verdict
//	applied back under the lock.
//
// Inputs:
//
//	ctx - Context bounding the verification pass; combined with the
//	      configured verify timeout.
//
// Outputs:
//
//	VerifyResult - The verdict. NonCompliant lists agents that never
//	               acknowledged or acknowledged but kept running.
func (s *Switch) VerifyAgentsStopped(ctx context.Context) VerifyResult {
	if s.registry == nil {
		s.logger.Warn("no liveness registry wired, compliance verification degraded")
		s.mu.Lock()
		s.compliance.Verified = true
		s.persist()
		s.mu.Unlock()
		return VerifyResult{Compliant: true, Degraded: true}
	}

	ctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()

	var (
		nonCompliant []string
		degraded     bool
	)
	for {
		nonCompliant, degraded = s.verifyOnce(ctx)
		if len(nonCompliant) == 0 {
			s.mu.Lock()
			s.compliance.Verified = true
			s.persist()
			s.mu.Unlock()
			s.logger.Info("compliance verified, all expected agents stopped",
				slog.Bool("degraded", degraded),
			)
			return VerifyResult{Compliant: true, Degraded: degraded}
		}

		select {
		case <-ctx.Done():
			s.logger.Error("compliance verification failed",
				slog.Int("non_compliant", len(nonCompliant)),
				slog.Any("agents", nonCompliant),
			)
			return VerifyResult{Compliant: false, NonCompliant: nonCompliant, Degraded: degraded}
		case <-time.After(s.verifyInterval):
		}
	}
}

// verifyOnce performs a single verification pass. It returns the agents
// currently failing it and whether any liveness query errored.
func (s *Switch) verifyOnce(ctx context.Context) ([]string, bool) {
	s.mu.Lock()
	expected := make([]string, 0, len(s.expected))
	for id := range s.expected {
		expected = append(expected, id)
	}
	acks := make(map[string]bool, len(s.acks))
	for id, stopped := range s.acks {
		acks[id] = stopped
	}
	s.mu.Unlock()

	var nonCompliant []string
	var degraded bool
	for _, id := range expected {
		if !acks[id] {
			nonCompliant = append(nonCompliant, id)
			continue
		}
		// Acknowledged, but trust only observation: an agent that said
		// it stopped and is still running is the dangerous case. A
		// registry outage is not agent defiance, though: fall back to
		// the acknowledgment ledger and mark the pass degraded rather
		// than escalating toward a force-kill.
		running, err := s.registry.IsAgentRunning(ctx, id)
		if err != nil {
			s.logger.Warn("liveness query failed during verification, trusting acknowledgment",
				slog.String("agent_id", id),
				slog.String("error", err.Error()),
			)
			degraded = true
			continue
		}
		if running {
			nonCompliant = append(nonCompliant, id)
		}
	}
	sort.Strings(nonCompliant)
	return nonCompliant, degraded
}

// ForceKillAgents issues hard-stop signals to non-compliant agents.
//
// Description:
//
//	The last line of defense: sends a hard kill to every agent currently
//	failing verification. Per-agent failures are collected and logged;
//	one unreachable agent never prevents killing the rest. Marks
//	ForceKillUsed sticky for the episode regardless of delivery outcome.
//
// Outputs:
//
//	[]string - The agents that were sent a hard kill.
func (s *Switch) ForceKillAgents(ctx context.Context) []string {
	targets, _ := s.verifyOnce(ctx)
	if len(targets) == 0 {
		return nil
	}

	s.mu.Lock()
	var episodeID string
	if s.trigger != nil {
		episodeID = s.trigger.EpisodeID
	}
	s.compliance.ForceKillUsed = true
	if n := len(s.history); n > 0 && s.state == StateTriggered {
		s.history[n-1].ForceKillUsed = true
	}
	s.persist()
	s.mu.Unlock()

	s.logger.Error("force-killing non-compliant agents",
		slog.Any("agents", targets),
		slog.String("episode_id", episodeID),
	)
	forceKillsTotal.Add(float64(len(targets)))

	for _, id := range targets {
		sig := transport.StopSignal{
			AgentID:   id,
			Hard:      true,
			Reason:    "failed compliance verification",
			EpisodeID: episodeID,
		}
		if err := s.signaler.SendStopSignal(ctx, sig); err != nil {
			s.logger.Error("force-kill delivery failed",
				slog.String("agent_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.emitter.Emit(events.Event{
		Type:      events.TypeForceKill,
		Component: "killswitch",
		State:     StateTriggered.String(),
		Reason:    "failed compliance verification",
		Source:    "killswitch",
	})
	return targets
}

// EnforceCompliance runs verification and force-kills on failure.
//
// Convenience wrapper used by the serve loop and the self-test harness:
// verify first, and only reach for the hard kill when observation says
// agents are still running.
func (s *Switch) EnforceCompliance(ctx context.Context) VerifyResult {
	result := s.VerifyAgentsStopped(ctx)
	if result.Compliant {
		return result
	}
	killed := s.ForceKillAgents(ctx)
	result.ForceKillUsed = len(killed) > 0
	return result
}

// appendHistory records an episode. Called with s.mu held.
func (s *Switch) appendHistory(entry HistoryEntry) {
	if len(s.history) >= s.historySize {
		s.history = s.history[1:]
	}
	s.history = append(s.history, entry)
}

// IsOperational reports whether agents may run.
func (s *Switch) IsOperational() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// IsTriggered reports whether an emergency stop is in effect.
func (s *Switch) IsTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateTriggered
}

// GetStatus returns a read-only projection of switch state.
func (s *Switch) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		State:                  s.state,
		AcknowledgmentRate:     s.ackRateLocked(),
		MissingAcknowledgments: s.missingLocked(),
		Compliance:             s.compliance,
	}
	if s.trigger != nil {
		rec := *s.trigger
		status.Trigger = &rec
	}
	for id := range s.expected {
		status.ExpectedAgents = append(status.ExpectedAgents, id)
	}
	sort.Strings(status.ExpectedAgents)
	return status
}

// GetHistory returns up to limit most recent episodes, newest last.
func (s *Switch) GetHistory(limit int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]HistoryEntry, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

// ResetForTest forces the switch back to active and clears all episode
// state and history.
//
// Test hook. Production recovery goes through Recover so the episode is
// archived and announced.
func (s *Switch) ResetForTest() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateActive
	s.trigger = nil
	s.expected = make(map[string]struct{})
	s.acks = make(map[string]bool)
	s.compliance = Compliance{}
	s.history = nil

	if s.store != nil {
		if err := s.store.DeleteRecord(stateKey); err != nil {
			return err
		}
		if err := s.store.DeleteRecord(historyKey); err != nil {
			return err
		}
	}
	return nil
}
