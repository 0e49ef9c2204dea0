// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject layout for agent control signals. Agents subscribe to their own
// subjects; the wildcard form lets supervisors observe all traffic.
const (
	subjectStopFmt = "sentinel.agent.%s.stop"
	subjectKillFmt = "sentinel.agent.%s.kill"
)

// NATSConfig configures the NATS-backed signaler.
type NATSConfig struct {
	// URL is the NATS server URL. Empty means nats.DefaultURL.
	URL string

	// Name identifies this connection to the server.
	Name string

	// ConnectTimeout bounds the initial connect. Zero means 5s.
	ConnectTimeout time.Duration

	// Logger for connection lifecycle events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NATSSignaler delivers stop signals over NATS.
//
// Thread Safety: Safe for concurrent use; the underlying connection is
// itself concurrency-safe.
type NATSSignaler struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSSignaler connects to NATS and returns a signaler.
//
// Inputs:
//
//	cfg - Connection configuration. The zero value connects to the
//	      default local server.
//
// Outputs:
//
//	*NATSSignaler - The connected signaler.
//	error - Non-nil if the connection could not be established.
func NewNATSSignaler(cfg NATSConfig) (*NATSSignaler, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "transport.nats"))

	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}

	return &NATSSignaler{conn: conn, logger: logger}, nil
}

// SendStopSignal implements StopSignaler.
//
// Description:
//
//	Publishes the signal as JSON on the target agent's stop or kill
//	subject and flushes with the caller's deadline so a dead broker
//	surfaces as an error instead of silently buffering.
func (s *NATSSignaler) SendStopSignal(ctx context.Context, sig StopSignal) error {
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now()
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal stop signal: %w", err)
	}

	subject := fmt.Sprintf(subjectStopFmt, sig.AgentID)
	if sig.Hard {
		subject = fmt.Sprintf(subjectKillFmt, sig.AgentID)
	}

	if err := s.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}

	s.logger.Debug("stop signal published",
		slog.String("agent_id", sig.AgentID),
		slog.Bool("hard", sig.Hard),
	)
	return nil
}

// Close drains and closes the connection.
func (s *NATSSignaler) Close() error {
	return s.conn.Drain()
}

var _ StopSignaler = (*NATSSignaler)(nil)
