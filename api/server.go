// Package api exposes the sentinel's state over a small REST surface:
// consensus results, quarantine records, recovery plans and audit history.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"agent-sentinel/audit"
	"agent-sentinel/consensus"
	"agent-sentinel/evidence"
	"agent-sentinel/logger"
	"agent-sentinel/quarantine"

	"github.com/sirupsen/logrus"
)

var log = logger.Logger

// Server represents the API server
type Server struct {
	port       string
	engine     *consensus.Engine
	manager    *quarantine.Manager
	pool       *evidence.Pool
	chain      *audit.Chain
	httpServer *http.Server
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// NewServer creates a new API server instance
func NewServer(port string, engine *consensus.Engine, manager *quarantine.Manager,
	pool *evidence.Pool, chain *audit.Chain) *Server {

	log.WithField("port", port).Info("Creating new sentinel API server")

	return &Server{
		port:    port,
		engine:  engine,
		manager: manager,
		pool:    pool,
		chain:   chain,
	}
}

// Start starts the API server
func (s *Server) Start() error {
	log.WithField("port", s.port).Info("Starting sentinel API server")

	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleHome)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/consensus/results/", s.handleGetResult)
	mux.HandleFunc("/api/consensus/stats", s.handleConsensusStats)
	mux.HandleFunc("/api/quarantine/records/", s.handleGetRecord)
	mux.HandleFunc("/api/quarantine/plans/", s.handleGetPlan)
	mux.HandleFunc("/api/quarantine/eligibility/", s.handleGetEligibility)
	mux.HandleFunc("/api/quarantine/stats", s.handleQuarantineStats)
	mux.HandleFunc("/api/audit/latest", s.handleAuditLatest)
	mux.HandleFunc("/api/audit/agents/", s.handleAuditForAgent)
	mux.HandleFunc("/api/logs", s.handleLogs)

	s.httpServer = &http.Server{
		Addr:    ":" + s.port,
		Handler: s.corsMiddleware(s.loggingMiddleware(mux)),
	}

	log.WithFields(logrus.Fields{
		"port":    s.port,
		"address": s.httpServer.Addr,
	}).Info("Sentinel API server configured and ready to start")

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("HTTP server failed to start or stopped with error")
		return err
	}
	return nil
}

// Stop stops the API server
func (s *Server) Stop() error {
	log.Info("Stopping sentinel API server")
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Middleware for CORS
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Middleware for logging
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"url":      r.URL.Path,
			"duration": duration.String(),
			"remote":   r.RemoteAddr,
		}).Info("API request processed")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, APIResponse{Success: false, Error: message})
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}, message string) {
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data, Message: message})
}

// pathSuffix returns the path segment after the given prefix
func pathSuffix(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

// handleHome serves the API home page
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}

	homeData := map[string]interface{}{
		"service":     "Agent Sentinel API",
		"version":     "1.0.0",
		"description": "REST API for inspecting agent consensus verdicts and quarantine state",
		"endpoints": map[string]string{
			"GET /api/health":                        "Health check",
			"GET /api/consensus/results/{sessionId}": "Get a finalized consensus result",
			"GET /api/consensus/stats":               "Consensus engine statistics",
			"GET /api/quarantine/records/{agentId}":  "Get an agent's quarantine record",
			"GET /api/quarantine/plans/{agentId}":    "Get an agent's recovery plan",
			"GET /api/quarantine/eligibility/{agentId}": "Check recovery eligibility",
			"GET /api/quarantine/stats":                 "Quarantine population statistics",
			"GET /api/audit/latest":                     "Latest audit entry",
			"GET /api/audit/agents/{agentId}":           "Audit history for an agent",
			"GET /api/logs":                             "Query structured logs",
		},
		"timestamp": time.Now(),
	}

	s.writeSuccess(w, homeData, "Agent Sentinel API is running")
}

// handleHealth is the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	}
	if s.chain != nil {
		health["auditEntries"] = s.chain.Count()
		health["auditChainValid"] = s.chain.Verify()
	}
	s.writeSuccess(w, health, "Service is healthy")
}

// handleGetResult returns a finalized consensus result by session id
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Consensus engine not configured")
		return
	}

	sessionID := pathSuffix(r, "/api/consensus/results/")
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "Session ID is required")
		return
	}

	result, err := s.engine.GetResult(sessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Result not found: "+sessionID)
		return
	}
	s.writeSuccess(w, result, "Result retrieved")
}

// handleConsensusStats returns the engine statistics
func (s *Server) handleConsensusStats(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Consensus engine not configured")
		return
	}
	s.writeSuccess(w, s.engine.GetStats(), "Consensus statistics retrieved")
}

// handleGetRecord returns an agent's quarantine record
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Quarantine manager not configured")
		return
	}

	agentID := pathSuffix(r, "/api/quarantine/records/")
	if agentID == "" {
		s.writeError(w, http.StatusBadRequest, "Agent ID is required")
		return
	}

	record, err := s.manager.Record(agentID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "No quarantine record for agent "+agentID)
		return
	}
	s.writeSuccess(w, record, "Quarantine record retrieved")
}

// handleGetPlan returns an agent's recovery plan
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Quarantine manager not configured")
		return
	}

	agentID := pathSuffix(r, "/api/quarantine/plans/")
	if agentID == "" {
		s.writeError(w, http.StatusBadRequest, "Agent ID is required")
		return
	}

	plan, err := s.manager.Plan(agentID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "No recovery plan for agent "+agentID)
		return
	}
	s.writeSuccess(w, plan, "Recovery plan retrieved")
}

// handleGetEligibility evaluates an agent's recovery eligibility
func (s *Server) handleGetEligibility(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Quarantine manager not configured")
		return
	}

	agentID := pathSuffix(r, "/api/quarantine/eligibility/")
	if agentID == "" {
		s.writeError(w, http.StatusBadRequest, "Agent ID is required")
		return
	}

	eligibility, err := s.manager.CheckRecoveryEligibility(agentID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "No quarantine record for agent "+agentID)
		return
	}
	s.writeSuccess(w, eligibility, "Eligibility evaluated")
}

// handleQuarantineStats returns the quarantine population statistics
func (s *Server) handleQuarantineStats(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Quarantine manager not configured")
		return
	}
	s.writeSuccess(w, s.manager.Stats(), "Quarantine statistics retrieved")
}

// handleAuditLatest returns the most recent audit entry
func (s *Server) handleAuditLatest(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Audit chain not configured")
		return
	}
	s.writeSuccess(w, s.chain.Latest(), "Latest audit entry retrieved")
}

// handleAuditForAgent returns the audit history for one agent
func (s *Server) handleAuditForAgent(w http.ResponseWriter, r *http.Request) {
	if s.chain == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Audit chain not configured")
		return
	}

	agentID := pathSuffix(r, "/api/audit/agents/")
	if agentID == "" {
		s.writeError(w, http.StatusBadRequest, "Agent ID is required")
		return
	}
	s.writeSuccess(w, s.chain.EntriesForAgent(agentID), "Audit entries retrieved")
}

// handleLogs queries the structured log database
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	logs, err := logger.QueryLogs(query.Get("level"), nil, nil, 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to query logs: "+err.Error())
		return
	}
	s.writeSuccess(w, logs, "Logs retrieved")
}
