// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/sentinel/services/sentinel/config"
	"github.com/AleutianAI/sentinel/services/sentinel/killswitch"
	"github.com/AleutianAI/sentinel/services/sentinel/registry"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
	"github.com/AleutianAI/sentinel/services/sentinel/transport"
)

// newServeCmd runs the full control plane.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sentinel control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyLogOverrides(&cfg)

			app, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return app.Server.Run(ctx)
			})
			g.Go(func() error {
				return app.BackupWatcher.Run(ctx)
			})

			app.Logger.Info("sentinel started")
			return g.Wait()
		},
	}
}

// newStatusCmd queries a running sentinel over HTTP.
func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show kill switch and safe mode status",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := httpGet(addr + "/v1/status")
			if err != nil {
				return err
			}
			fmt.Println(body)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8087", "sentinel base URL")
	return cmd
}

// newTriggerCmd trips the kill switch, falling back to the backup channel
// when the live service is unreachable.
func newTriggerCmd() *cobra.Command {
	var (
		addr    string
		message string
		source  string
		backup  string
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger the emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(map[string]string{
				"reason":  string(killswitch.ReasonManual),
				"message": message,
				"source":  source,
			})

			resp, err := http.Post(addr+"/v1/trigger", "application/json", strings.NewReader(string(payload)))
			if err == nil {
				defer resp.Body.Close()
				body, _ := io.ReadAll(resp.Body)
				fmt.Println(string(body))
				return nil
			}

			// The live service is unreachable; that is exactly what the
			// backup channel is for.
			fmt.Fprintf(os.Stderr, "sentinel unreachable (%v), writing backup trigger\n", err)
			rec := killswitch.BackupRecord{
				Reason:    killswitch.ReasonManual,
				Message:   message,
				Source:    source,
				Timestamp: time.Now(),
			}
			if err := killswitch.WriteBackupTrigger(backup, rec); err != nil {
				return err
			}
			fmt.Printf("backup trigger written to %s\n", backup)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8087", "sentinel base URL")
	cmd.Flags().StringVar(&message, "message", "operator-initiated emergency stop", "trigger message")
	cmd.Flags().StringVar(&source, "source", "cli", "trigger source")
	cmd.Flags().StringVar(&backup, "backup-path", config.Default().Backup.Path, "backup trigger file path")
	return cmd
}

// newRecoverCmd recovers the kill switch over HTTP.
func newRecoverCmd() *cobra.Command {
	var (
		addr    string
		message string
		source  string
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover from an emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(map[string]string{
				"message": message,
				"source":  source,
			})
			resp, err := http.Post(addr+"/v1/recover", "application/json", strings.NewReader(string(payload)))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8087", "sentinel base URL")
	cmd.Flags().StringVar(&message, "message", "operator-initiated recovery", "recovery message")
	cmd.Flags().StringVar(&source, "source", "cli", "recovery source")
	return cmd
}

// obedientSignaler deregisters agents on any stop signal, standing in
// for agents that comply immediately. Self-test harness only.
type obedientSignaler struct {
	reg *registry.InMemory
}

func (o obedientSignaler) SendStopSignal(_ context.Context, sig transport.StopSignal) error {
	o.reg.Deregister(sig.AgentID)
	return nil
}

// newSelfTestCmd runs the self-test cycle against an isolated in-memory
// instance, certifying the emergency-stop path without touching live state.
func newSelfTestCmd() *cobra.Command {
	var agents int
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the kill switch self-test cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(store.InMemoryConfig())
			if err != nil {
				return err
			}
			defer st.Close()

			reg := registry.NewInMemory()
			for i := 1; i <= agents; i++ {
				reg.Register(fmt.Sprintf("selftest-agent-%d", i))
			}

			sw := killswitch.New(killswitch.Config{
				Store:    st,
				Registry: reg,
				Signaler: obedientSignaler{reg: reg},
			})

			result := sw.TestRecovery(cmd.Context())
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			if !result.Success {
				return fmt.Errorf("self-test failed")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&agents, "agents", 3, "number of simulated agents")
	return cmd
}

// applyLogOverrides applies persistent CLI flags over file configuration.
func applyLogOverrides(cfg *config.Config) {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logJSON {
		cfg.Logging.Format = "json"
	}
}

// httpGet fetches a URL and returns its body.
func httpGet(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
