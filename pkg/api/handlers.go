package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/beacon/pkg/errors"
	"github.com/odvcencio/beacon/pkg/lifecycle"
	"github.com/odvcencio/beacon/pkg/metrics"
	"github.com/odvcencio/beacon/pkg/storage"
)

type createSessionRequest struct {
	WorkspaceID       string  `json:"workspaceId"`
	ProductID         string  `json:"productId"`
	Phase             string  `json:"phase,omitempty"`
	TargetCVR         float64 `json:"targetCvr"`
	TargetCPA         float64 `json:"targetCpa"`
	MinSessions       int     `json:"minSessions"`
	AutomationEnabled bool    `json:"automationEnabled"`
	AutoOptimization  bool    `json:"autoOptimization"`
	AutoDeployment    bool    `json:"autoDeployment"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.New(errors.ErrCodeValidation, "malformed request body: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.WorkspaceID) == "" || strings.TrimSpace(req.ProductID) == "" {
		respondError(w, errors.New(errors.ErrCodeValidation, "workspaceId and productId are required"))
		return
	}
	if req.TargetCVR <= 0 || req.TargetCPA <= 0 || req.MinSessions <= 0 {
		respondError(w, errors.New(errors.ErrCodeMissingTargets,
			"targetCvr, targetCpa and minSessions must all be positive").
			WithContext("product_id", req.ProductID))
		return
	}

	session := &storage.ValidationSession{
		WorkspaceID:       req.WorkspaceID,
		ProductID:         req.ProductID,
		Phase:             req.Phase,
		TargetCVR:         req.TargetCVR,
		TargetCPA:         req.TargetCPA,
		MinSessions:       req.MinSessions,
		AutomationEnabled: req.AutomationEnabled,
		AutoOptimization:  req.AutoOptimization,
		AutoDeployment:    req.AutoDeployment,
	}
	if err := s.store.CreateSession(session); err != nil {
		if err == storage.ErrActiveSessionExists {
			respondError(w, errors.New(errors.ErrCodeInvariantViolation,
				"an active session already exists for this product").
				WithContext("workspace_id", req.WorkspaceID).
				WithContext("product_id", req.ProductID))
			return
		}
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageWrite, "create session"))
		return
	}
	respondJSONStatus(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("status") == "all" {
		sessions, err := s.store.ListSessions(parseIntDefault(query.Get("limit"), 100))
		if err != nil {
			respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "list sessions"))
			return
		}
		respondJSON(w, map[string]any{"sessions": sessions, "count": len(sessions)})
		return
	}

	sessions, err := s.store.ListActiveSessions(query.Get("workspace"))
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "list active sessions"))
		return
	}
	respondJSON(w, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, session)
}

type decisionRequest struct {
	Type            string `json:"type"`
	Reason          string `json:"reason"`
	DecidedBy       string `json:"decidedBy"`
	ExpectedVersion int64  `json:"expectedVersion,omitempty"`
}

func (s *Server) handleApplyDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.New(errors.ErrCodeValidation, "malformed request body: "+err.Error()))
		return
	}
	if req.DecidedBy == "" {
		req.DecidedBy = "operator"
	}

	session, err := s.controller.ApplyDecision(r.Context(), chi.URLParam(r, "sessionID"), lifecycle.Decision{
		Type:            lifecycle.DecisionType(req.Type),
		Reason:          req.Reason,
		DecidedBy:       req.DecidedBy,
		ExpectedVersion: req.ExpectedVersion,
		InputSnapshot:   req,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, session)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Evaluate(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, report)
}

func (s *Server) handleApplyWindow(w http.ResponseWriter, r *http.Request) {
	var window metrics.RawWindow
	if err := json.NewDecoder(r.Body).Decode(&window); err != nil {
		respondError(w, errors.New(errors.ErrCodeValidation, "malformed request body: "+err.Error()))
		return
	}

	session, snapshot, err := s.engine.ApplyWindow(r.Context(), chi.URLParam(r, "sessionID"), window)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSONStatus(w, http.StatusCreated, map[string]any{
		"session":  session,
		"snapshot": snapshot,
	})
}

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.loadSession(sessionID); err != nil {
		respondError(w, err)
		return
	}
	windows, err := s.store.ListMetricsWindows(sessionID)
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "list windows"))
		return
	}
	respondJSON(w, map[string]any{"windows": windows, "count": len(windows)})
}

func (s *Server) handleExecutionLog(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.loadSession(sessionID); err != nil {
		respondError(w, err)
		return
	}
	entries, err := s.store.ListExecutionLog(sessionID, parseIntDefault(r.URL.Query().Get("limit"), 0))
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "list execution log"))
		return
	}
	respondJSON(w, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleSessionTriggers(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.loadSession(sessionID); err != nil {
		respondError(w, err)
		return
	}

	var (
		triggers []storage.EmergencyTrigger
		err      error
	)
	if r.URL.Query().Get("open") == "true" {
		triggers, err = s.store.ListUnresolvedTriggers(sessionID)
	} else {
		triggers, err = s.store.ListTriggers(sessionID)
	}
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "list triggers"))
		return
	}
	respondJSON(w, map[string]any{"triggers": triggers, "count": len(triggers)})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		respondError(w, errors.New(errors.ErrCodeValidation, "session query parameter is required"))
		return
	}
	if _, err := s.loadSession(sessionID); err != nil {
		respondError(w, err)
		return
	}
	triggers, err := s.store.ListTriggers(sessionID)
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "list triggers"))
		return
	}
	respondJSON(w, map[string]any{"triggers": triggers, "count": len(triggers)})
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		respondError(w, errors.New(errors.ErrCodeValidation, "session query parameter is required"))
		return
	}
	if _, err := s.loadSession(sessionID); err != nil {
		respondError(w, err)
		return
	}
	runs, err := s.store.ListPlaybookRuns(sessionID)
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "list playbook runs"))
		return
	}
	respondJSON(w, map[string]any{"runs": runs, "count": len(runs)})
}

type startPlaybookRequest struct {
	PlaybookID string `json:"playbookId"`
}

func (s *Server) handleStartPlaybook(w http.ResponseWriter, r *http.Request) {
	var req startPlaybookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.New(errors.ErrCodeValidation, "malformed request body: "+err.Error()))
		return
	}

	run, err := s.controller.StartPlaybook(chi.URLParam(r, "sessionID"), strings.TrimSpace(req.PlaybookID))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSONStatus(w, http.StatusCreated, run)
}

type finishPlaybookRequest struct {
	Status        string             `json:"status"`
	ActualMetrics map[string]float64 `json:"actualMetrics,omitempty"`
	Lessons       []string           `json:"lessons,omitempty"`
}

func (s *Server) handleFinishPlaybook(w http.ResponseWriter, r *http.Request) {
	var req finishPlaybookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.New(errors.ErrCodeValidation, "malformed request body: "+err.Error()))
		return
	}

	session, err := s.controller.FinishPlaybook(
		chi.URLParam(r, "sessionID"),
		chi.URLParam(r, "runID"),
		req.Status,
		req.ActualMetrics,
		req.Lessons,
	)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, session)
}

type decideReviewRequest struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	DecidedBy string `json:"decidedBy"`
}

func (s *Server) handleDecideReview(w http.ResponseWriter, r *http.Request) {
	var req decideReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errors.New(errors.ErrCodeValidation, "malformed request body: "+err.Error()))
		return
	}
	if req.DecidedBy == "" {
		req.DecidedBy = "operator"
	}

	review, err := s.engine.DecideReview(chi.URLParam(r, "reviewID"), req.Decision, req.Reason, req.DecidedBy)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, review)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	triggerID := chi.URLParam(r, "triggerID")
	trig, err := s.store.GetTrigger(triggerID)
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "load trigger"))
		return
	}
	if trig == nil {
		respondError(w, errors.New(errors.ErrCodeNotFound, "trigger not found").
			WithContext("trigger_id", triggerID))
		return
	}
	respondJSON(w, trig)
}

func (s *Server) handleResolveTrigger(w http.ResponseWriter, r *http.Request) {
	triggerID := chi.URLParam(r, "triggerID")
	if err := s.monitor.Resolve(triggerID); err != nil {
		respondError(w, err)
		return
	}
	trig, err := s.store.GetTrigger(triggerID)
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "reload trigger"))
		return
	}
	respondJSON(w, trig)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product")
	if productID == "" {
		respondError(w, errors.New(errors.ErrCodeValidation, "product query parameter is required"))
		return
	}
	reviews, err := s.store.ListReviews(productID)
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "list reviews"))
		return
	}
	respondJSON(w, map[string]any{"reviews": reviews, "count": len(reviews)})
}

func (s *Server) handlePlaybookRuns(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.loadSession(sessionID); err != nil {
		respondError(w, err)
		return
	}
	runs, err := s.store.ListPlaybookRuns(sessionID)
	if err != nil {
		respondError(w, errors.Wrap(err, errors.ErrCodeStorageRead, "list playbook runs"))
		return
	}
	respondJSON(w, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) loadSession(sessionID string) (*storage.ValidationSession, error) {
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "load session").
			WithContext("session_id", sessionID)
	}
	if session == nil {
		return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	return session, nil
}
