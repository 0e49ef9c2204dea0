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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestCheckBackupTriggerNoRecord(t *testing.T) {
	sw := New(Config{})
	sw.SetBackupPath(filepath.Join(t.TempDir(), BackupTriggerFile))

	if sw.CheckBackupTrigger(context.Background()) {
		t.Error("no record present should return false")
	}
	if !sw.IsOperational() {
		t.Error("switch must stay active when no record exists")
	}
}

func TestCheckBackupTriggerConsumesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), BackupTriggerFile)
	sw := New(Config{})
	sw.SetBackupPath(path)

	rec := BackupRecord{
		Reason:  ReasonManual,
		Message: "primary path down",
		Source:  "ops",
	}
	if err := WriteBackupTrigger(path, rec); err != nil {
		t.Fatal(err)
	}

	if !sw.CheckBackupTrigger(context.Background()) {
		t.Fatal("record present should return true")
	}
	if !sw.IsTriggered() {
		t.Fatal("switch should be triggered from the backup record")
	}
	status := sw.GetStatus()
	if status.Trigger.Reason != ReasonManual || status.Trigger.Source != "ops" {
		t.Errorf("trigger record = %+v", status.Trigger)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("backup record should be deleted after consumption")
	}

	// Channel is empty again.
	if sw.CheckBackupTrigger(context.Background()) {
		t.Error("consumed record should not trigger twice")
	}
}

func TestCheckBackupTriggerCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), BackupTriggerFile)
	sw := New(Config{})
	sw.SetBackupPath(path)

	if err := os.WriteFile(path, []byte("{{{ not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if sw.CheckBackupTrigger(context.Background()) {
		t.Error("corrupt record should not report a trigger")
	}
	if sw.IsTriggered() {
		t.Error("corrupt record must not trigger the switch")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt record should be discarded so it cannot wedge the channel")
	}
}

func TestCheckBackupTriggerSpendsRecordWhenAlreadyTriggered(t *testing.T) {
	path := filepath.Join(t.TempDir(), BackupTriggerFile)
	sw := New(Config{})
	sw.SetBackupPath(path)
	sw.Trigger(context.Background(), ReasonManual, "already stopped", "test")

	if err := WriteBackupTrigger(path, BackupRecord{Reason: ReasonManual, Message: "late", Source: "ops"}); err != nil {
		t.Fatal(err)
	}

	// The record is consumed: the stop it asked for is in effect.
	if !sw.CheckBackupTrigger(context.Background()) {
		t.Error("record should be consumed even when already triggered")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("record should be deleted")
	}
	if got := sw.GetStatus().Trigger.Message; got != "already stopped" {
		t.Errorf("live trigger record altered: %q", got)
	}
}

func TestConcurrentPollersTriggerOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), BackupTriggerFile)
	sw := New(Config{})
	sw.SetBackupPath(path)

	if err := WriteBackupTrigger(path, BackupRecord{Reason: ReasonManual, Message: "race", Source: "ops"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	consumed := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumed <- sw.CheckBackupTrigger(context.Background())
		}()
	}
	wg.Wait()
	close(consumed)

	count := 0
	for ok := range consumed {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("record consumed %d times, want exactly once", count)
	}
	if !sw.IsTriggered() {
		t.Error("switch should be triggered")
	}
}

func TestBackupWatcherPicksUpRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, BackupTriggerFile)
	sw := New(Config{})

	watcher := NewBackupWatcher(sw, path, 50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	// Give the watch a moment to establish, then publish a record.
	time.Sleep(100 * time.Millisecond)
	if err := WriteBackupTrigger(path, BackupRecord{Reason: ReasonManual, Message: "watched", Source: "ops"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for !sw.IsTriggered() {
		select {
		case <-deadline:
			t.Fatal("watcher did not consume the backup record in time")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("watcher returned error: %v", err)
	}
}
