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
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/sentinel/pkg/logging"
	"github.com/AleutianAI/sentinel/services/sentinel/classifier"
	"github.com/AleutianAI/sentinel/services/sentinel/config"
	"github.com/AleutianAI/sentinel/services/sentinel/escalation"
	"github.com/AleutianAI/sentinel/services/sentinel/events"
	"github.com/AleutianAI/sentinel/services/sentinel/killswitch"
	"github.com/AleutianAI/sentinel/services/sentinel/registry"
	"github.com/AleutianAI/sentinel/services/sentinel/safemode"
	"github.com/AleutianAI/sentinel/services/sentinel/safety"
	"github.com/AleutianAI/sentinel/services/sentinel/server"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
	"github.com/AleutianAI/sentinel/services/sentinel/transport"
)

// App holds the wired control plane. One shared instance of each state
// machine exists per process; everything reaches them through App.
type App struct {
	Logger        *slog.Logger
	Store         *store.Store
	Registry      *registry.InMemory
	Events        *events.Bus
	KillSwitch    *killswitch.Switch
	SafeMode      *safemode.Controller
	Classifier    *classifier.Classifier
	Engine        *escalation.Engine
	Server        *server.Server
	BackupWatcher *killswitch.BackupWatcher

	logCloser *logging.Logger
	nats      *transport.NATSSignaler
	tracer    *sdktrace.TracerProvider
}

// buildApp wires every component from configuration.
func buildApp(cfg config.Config) (*App, error) {
	logCloser := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		JSON:    cfg.Logging.Format == "json",
		Service: "sentinel",
	})
	logger := logCloser.Slog()
	slog.SetDefault(logger)

	app := &App{Logger: logger, logCloser: logCloser}

	st, err := store.Open(store.Config{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Store = st

	app.Registry = registry.NewInMemory()
	app.Events = events.NewBus()
	app.Events.Subscribe(func(e events.Event) {
		logger.Info("safety event",
			slog.String("type", string(e.Type)),
			slog.String("component", e.Component),
			slog.String("state", e.State),
			slog.String("reason", e.Reason),
			slog.String("source", e.Source),
		)
	})

	var signaler transport.StopSignaler = transport.Nop{}
	if cfg.NATS.Enabled {
		nats, err := transport.NewNATSSignaler(transport.NATSConfig{
			URL:    cfg.NATS.URL,
			Name:   cfg.NATS.Name,
			Logger: logger,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		app.nats = nats
		signaler = nats
	}

	app.KillSwitch = killswitch.New(killswitch.Config{
		Store:          st,
		Registry:       app.Registry,
		Signaler:       signaler,
		Emitter:        app.Events,
		HistorySize:    cfg.KillSwitch.HistorySize,
		VerifyTimeout:  cfg.KillSwitch.VerifyTimeout,
		VerifyInterval: cfg.KillSwitch.VerifyInterval,
		Logger:         logger,
	})

	app.SafeMode = safemode.New(safemode.Config{
		Store:       st,
		Emitter:     app.Events,
		HistorySize: cfg.SafeMode.HistorySize,
		Logger:      logger,
	})

	var extraRules []*classifier.Rule
	for _, path := range cfg.Classifier.RuleFiles {
		rules, err := classifier.LoadRules(path)
		if err != nil {
			app.Close()
			return nil, err
		}
		extraRules = append(extraRules, rules...)
	}
	app.Classifier = classifier.New(classifier.Config{
		ExtraRules:      extraRules,
		DisableDefaults: cfg.Classifier.DisableDefaults,
		LogSize:         cfg.Classifier.LogSize,
		Logger:          logger,
	})

	policy, err := policyFromConfig(cfg.Escalation)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Engine = escalation.NewEngine(policy, app.Classifier, app.KillSwitch, app.SafeMode, logger)

	if cfg.Server.EnableTracing {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		app.tracer = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(app.tracer)
	}

	app.Server = server.New(server.Config{
		Addr:          cfg.Server.Addr,
		EnableTracing: cfg.Server.EnableTracing,
		Logger:        logger,
	}, app.KillSwitch, app.SafeMode, app.Classifier, app.Engine, app.Registry)

	app.BackupWatcher = killswitch.NewBackupWatcher(
		app.KillSwitch, cfg.Backup.Path, cfg.Backup.PollInterval, logger)

	return app, nil
}

// policyFromConfig converts the escalation table to a runtime policy.
func policyFromConfig(cfg config.EscalationConfig) (escalation.Policy, error) {
	policy := escalation.DefaultPolicy()

	killSev, err := safety.ParseSeverity(cfg.KillSeverity)
	if err != nil {
		return escalation.Policy{}, err
	}
	policy.KillSeverity = killSev

	if len(cfg.SafeModeLevels) > 0 {
		levels := make(map[safety.Severity]safemode.Level, len(cfg.SafeModeLevels))
		for rawSev, rawLevel := range cfg.SafeModeLevels {
			sev, err := safety.ParseSeverity(rawSev)
			if err != nil {
				return escalation.Policy{}, err
			}
			level, err := safemode.ParseLevel(rawLevel)
			if err != nil {
				return escalation.Policy{}, err
			}
			levels[sev] = level
		}
		policy.SafeModeLevels = levels
	}
	return policy, nil
}

// Close releases resources in reverse construction order.
func (a *App) Close() {
	if a.tracer != nil {
		_ = a.tracer.Shutdown(context.Background())
	}
	if a.nats != nil {
		_ = a.nats.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
