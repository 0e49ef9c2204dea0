// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BackupTriggerFile is the default filename for the backup channel.
const BackupTriggerFile = "killswitch.trigger"

// BackupRecord is the durable out-of-band trigger request.
//
// Any actor that cannot reach the live switch writes one of these to the
// well-known location; a poller consumes it. Consumption is read, trigger,
// delete as one critical section so two pollers cannot double-trigger
// from the same record.
type BackupRecord struct {
	// Reason classifies the trigger request.
	Reason Reason `json:"reason"`

	// Message is the free-text explanation.
	Message string `json:"message"`

	// Source identifies the writer.
	Source string `json:"source"`

	// Timestamp is when the record was written.
	Timestamp time.Time `json:"timestamp"`
}

// SetBackupPath sets the backup channel file location.
//
// Must be called before the first CheckBackupTrigger; an empty path
// disables the backup channel.
func (s *Switch) SetBackupPath(path string) {
	s.backupMu.Lock()
	defer s.backupMu.Unlock()
	s.backupPath = path
}

// WriteBackupTrigger writes a backup record for a poller to consume.
//
// Used by actors that cannot reach the live switch in-process, including
// the CLI trigger command running in a separate process.
func WriteBackupTrigger(path string, rec BackupRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup trigger: %w", err)
	}

	// Write-then-rename so a poller never reads a half-written record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write backup trigger: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish backup trigger: %w", err)
	}
	return nil
}

// CheckBackupTrigger polls the backup channel.
//
// Description:
//
//	If a record is present it is consumed: read, used to trigger the
//	switch with the recorded reason, and deleted. Returns true whenever
//	a record was consumed, even if the trigger itself was a no-op
//	because the switch was already triggered; the record is spent either
//	way. A corrupt record is deleted and logged so it cannot wedge the
//	channel. No record means false with no side effects.
//
// Thread Safety: Safe for concurrent use; concurrent pollers serialize
// on the backup mutex so a record triggers at most once.
func (s *Switch) CheckBackupTrigger(ctx context.Context) bool {
	s.backupMu.Lock()
	defer s.backupMu.Unlock()

	if s.backupPath == "" {
		return false
	}

	data, err := os.ReadFile(s.backupPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err != nil {
		s.logger.Error("backup trigger unreadable",
			slog.String("path", s.backupPath),
			slog.String("error", err.Error()),
		)
		return false
	}

	var rec BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Error("backup trigger corrupt, discarding",
			slog.String("path", s.backupPath),
			slog.String("error", err.Error()),
		)
		s.removeBackupFile()
		return false
	}

	reason := rec.Reason
	if reason == "" {
		reason = ReasonBackupChannel
	}
	s.logger.Warn("backup trigger consumed",
		slog.String("reason", string(reason)),
		slog.String("source", rec.Source),
	)
	backupTriggersTotal.Inc()

	// The record is spent whether or not the trigger lands; an already
	// triggered switch means the stop is in effect and the request is
	// satisfied.
	s.Trigger(ctx, reason, rec.Message, rec.Source)
	s.removeBackupFile()
	return true
}

// removeBackupFile deletes the channel file. Called with backupMu held.
func (s *Switch) removeBackupFile() {
	if err := os.Remove(s.backupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("failed to delete backup trigger",
			slog.String("path", s.backupPath),
			slog.String("error", err.Error()),
		)
	}
}

// BackupWatcher watches the backup channel directory and polls the
// switch when the trigger file appears.
//
// Description:
//
//	fsnotify wakes the watcher on file creation; a periodic tick covers
//	missed events and records written before the watcher started.
//	Consumption still goes through CheckBackupTrigger, so the watcher
//	and any other poller cannot double-trigger.
type BackupWatcher struct {
	sw       *Switch
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// NewBackupWatcher creates a watcher for the switch's backup channel.
//
// Inputs:
//
//	sw - The switch to trigger. Its backup path is set to path.
//	path - The backup trigger file location.
//	interval - Fallback poll interval. Zero means 5s.
func NewBackupWatcher(sw *Switch, path string, interval time.Duration, logger *slog.Logger) *BackupWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	sw.SetBackupPath(path)
	return &BackupWatcher{
		sw:       sw,
		path:     path,
		interval: interval,
		logger:   logger.With(slog.String("component", "killswitch.backup")),
	}
}

// Run watches until the context is cancelled.
//
// Outputs:
//
//	error - Non-nil only if the filesystem watcher cannot be created or
//	        the channel directory cannot be watched.
func (w *BackupWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create backup watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.logger.Info("backup trigger watcher started",
		slog.String("path", w.path),
		slog.Duration("poll_interval", w.interval),
	)

	// Consume anything written before the watch was established.
	w.sw.CheckBackupTrigger(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != w.path {
				continue
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Rename) {
				w.sw.CheckBackupTrigger(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("backup watcher error", slog.String("error", err.Error()))
		case <-ticker.C:
			w.sw.CheckBackupTrigger(ctx)
		}
	}
}
