// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/sentinel/services/sentinel/killswitch"
	"github.com/AleutianAI/sentinel/services/sentinel/safemode"
	"github.com/AleutianAI/sentinel/services/sentinel/safety"
)

// handleHealth reports process liveness.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus returns the combined safety status.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"kill_switch": s.killSw.GetStatus(),
		"safe_mode":   s.safeMode.GetStatus(),
		"classifier":  s.classifier.Stats(),
	})
}

// handleOperational is the scheduler's hot-path gate: may agents run,
// and what operations are allowed right now.
func (s *Server) handleOperational(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"operational":     s.killSw.IsOperational(),
		"safe_mode_level": s.safeMode.CurrentLevel().String(),
	})
}

// handleHistory returns archived kill-switch episodes and safe-mode
// transitions.
func (s *Server) handleHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 20)
	c.JSON(http.StatusOK, gin.H{
		"kill_switch": s.killSw.GetHistory(limit),
		"safe_mode":   s.safeMode.GetHistory(limit),
	})
}

// handleLimits returns the current safe-mode policy row.
func (s *Server) handleLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.safeMode.GetLimits())
}

// handleOperationAllowed answers "is operation X allowed right now".
func (s *Server) handleOperationAllowed(c *gin.Context) {
	op := c.Param("op")
	c.JSON(http.StatusOK, gin.H{
		"operation": op,
		"allowed":   s.killSw.IsOperational() && s.safeMode.IsOperationAllowed(op),
	})
}

// handleViolations returns recent classifier violations.
func (s *Server) handleViolations(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	c.JSON(http.StatusOK, gin.H{
		"stats":  s.classifier.Stats(),
		"recent": s.classifier.RecentViolations(limit),
	})
}

// checkRequest is the body for POST /v1/check.
type checkRequest struct {
	Content     string `json:"content" binding:"required"`
	ContentType string `json:"content_type" binding:"required,oneof=input output"`
	Source      string `json:"source"`
	Enforce     bool   `json:"enforce"`
}

// handleCheck classifies content and optionally enforces the verdict.
func (s *Server) handleCheck(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	contentType := safety.ContentType(req.ContentType)

	if req.Enforce {
		source := req.Source
		if source == "" {
			source = c.ClientIP()
		}
		result, decision := s.engine.Inspect(ctx, req.Content, contentType, source)
		c.JSON(http.StatusOK, gin.H{
			"safe":      result.Safe,
			"violation": result.Violation,
			"decision":  decision,
		})
		return
	}

	result := s.classifier.Check(ctx, req.Content, contentType)
	c.JSON(http.StatusOK, gin.H{
		"safe":      result.Safe,
		"violation": result.Violation,
	})
}

// ackRequest is the body for POST /v1/ack.
type ackRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Stopped *bool  `json:"stopped" binding:"required"`
}

// handleAck records an agent's stop acknowledgment.
func (s *Server) handleAck(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.killSw.RegisterAcknowledgment(req.AgentID, *req.Stopped)
	c.JSON(http.StatusOK, gin.H{
		"acknowledgment_rate": s.killSw.AcknowledgmentRate(),
		"missing":             s.killSw.GetMissingAcknowledgments(),
	})
}

// triggerRequest is the body for POST /v1/trigger.
type triggerRequest struct {
	Reason  string `json:"reason"`
	Message string `json:"message" binding:"required"`
	Source  string `json:"source" binding:"required"`
}

// handleTrigger trips the kill switch.
func (s *Server) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reason := killswitch.Reason(req.Reason)
	if reason == "" {
		reason = killswitch.ReasonManual
	}

	triggered := s.killSw.Trigger(c.Request.Context(), reason, req.Message, req.Source)
	status := http.StatusOK
	if !triggered {
		// Already triggered: the stop is in effect, but the caller's
		// request did not change state.
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"triggered": triggered,
		"status":    s.killSw.GetStatus(),
	})
}

// recoverRequest is the body for POST /v1/recover.
type recoverRequest struct {
	Message string `json:"message" binding:"required"`
	Source  string `json:"source" binding:"required"`
}

// handleRecover returns the kill switch to active.
func (s *Server) handleRecover(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recovered := s.killSw.Recover(req.Message, req.Source)
	status := http.StatusOK
	if !recovered {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"recovered": recovered})
}

// handleVerify runs compliance verification for the live episode,
// force-killing agents that fail it.
func (s *Server) handleVerify(c *gin.Context) {
	if !s.killSw.IsTriggered() {
		c.JSON(http.StatusConflict, gin.H{"error": "kill switch is not triggered"})
		return
	}
	c.JSON(http.StatusOK, s.killSw.EnforceCompliance(c.Request.Context()))
}

// safeModeRequest is the body for safe-mode transitions.
type safeModeRequest struct {
	Level  string `json:"level"`
	Reason string `json:"reason" binding:"required"`
	Source string `json:"source" binding:"required"`
}

// handleEnterSafeMode enters a degraded level.
func (s *Server) handleEnterSafeMode(c *gin.Context) {
	var req safeModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	level, err := safemode.ParseLevel(req.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entered := s.safeMode.EnterLevel(level, req.Reason, req.Source)
	status := http.StatusOK
	if !entered {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"entered": entered,
		"status":  s.safeMode.GetStatus(),
	})
}

// handleExitSafeMode returns safe mode to off.
func (s *Server) handleExitSafeMode(c *gin.Context) {
	var req safeModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	exited := s.safeMode.ExitSafeMode(req.Reason, req.Source)
	status := http.StatusOK
	if !exited {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"exited": exited})
}

// handleSelfTest runs the kill-switch self-test cycle.
func (s *Server) handleSelfTest(c *gin.Context) {
	result := s.killSw.TestRecovery(c.Request.Context())
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	c.JSON(status, result)
}

// handleAgentRegister marks an agent as running.
func (s *Server) handleAgentRegister(c *gin.Context) {
	s.registry.Register(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

// handleAgentHeartbeat refreshes an agent's liveness.
func (s *Server) handleAgentHeartbeat(c *gin.Context) {
	s.registry.Heartbeat(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{
		"operational": s.killSw.IsOperational(),
	})
}

// handleAgentDeregister marks an agent as stopped.
func (s *Server) handleAgentDeregister(c *gin.Context) {
	s.registry.Deregister(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"deregistered": true})
}

// intQuery parses an integer query parameter with a default.
func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
