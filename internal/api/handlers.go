package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"coinwarden/internal/pipeline"
	"coinwarden/internal/store"
	"coinwarden/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps gateway sentinels onto HTTP statuses.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		errorJSON(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		errorJSON(w, http.StatusConflict, "conflict: state changed underneath the request")
	case errors.Is(err, store.ErrNotConnected):
		errorJSON(w, http.StatusServiceUnavailable, "persistence degraded, retry later")
	default:
		errorJSON(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"db":     s.engine.Store().Connected(),
		"dryRun": s.engine.Config().DryRun,
		"uptime": s.engine.Uptime().Round(time.Second).String(),
	})
}

func (s *Server) handleHealthFull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	resp := map[string]any{
		"status":           "ok",
		"uptime":           s.engine.Uptime().Round(time.Second).String(),
		"storeConnected":   s.engine.Store().Connected(),
		"busSubscribers":   s.engine.Bus().SubscriberCount(),
		"snapshotInterval": s.engine.SnapshotInterval().String(),
		"tradesLastHour":   s.engine.RiskState().TradesLastHour(now),
		"dailyLoss":        s.engine.RiskState().DailyLoss(now),
	}
	if ks, err := s.engine.Store().ReadKillSwitch(ctx); err == nil {
		resp["killSwitch"] = ks
	}
	if snap, err := s.engine.Store().LatestSnapshot(ctx); err == nil {
		resp["snapshotAge"] = now.Sub(snap.CapturedAt).Round(time.Second).String()
	}
	if value, class, at, ok := s.engine.Sentiment(); ok {
		resp["sentiment"] = map[string]any{"value": value, "classification": class, "fetchedAt": at}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnv(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"activePort":       s.ActivePort(),
		"configuredPort":   cfg.Server.Port,
		"dryRun":           cfg.DryRun,
		"lightMode":        cfg.LightMode,
		"ownerConfigured":  cfg.OwnerID != "",
		"mfaThresholdUsd":  cfg.Pipeline.MFAThresholdUSD,
		"snapshotInterval": s.engine.SnapshotInterval().String(),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := s.engine.Store().LatestSnapshot(ctx)
	if err != nil {
		storeError(w, err)
		return
	}
	resp := map[string]any{
		"snapshot":      snap,
		"totalValueUsd": snap.TotalValueUSD(),
	}
	if deltas, err := s.engine.Snapshots().Deltas24h(ctx); err == nil && deltas != nil {
		resp["deltas24h"] = deltas
	}
	if baselines, err := s.engine.Store().ListBaselines(ctx); err == nil {
		resp["baselines"] = baselines
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForceSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.ForceSnapshot(r.Context())
	if err != nil {
		errorJSON(w, http.StatusBadGateway, "snapshot failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ————————————————————————————————————————————————————————————————————————
// Approvals
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := types.ApprovalStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	approvals, err := s.engine.Store().ListApprovals(r.Context(), status, limit)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := s.engine.Store().FindApproval(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    string        `json:"type"`
		Title   string        `json:"title"`
		Summary string        `json:"summary"`
		Intent  *types.Intent `json:"intent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid approval body: "+err.Error())
		return
	}
	if body.Title == "" || body.Intent == nil {
		errorJSON(w, http.StatusBadRequest, "title and intent are required")
		return
	}
	if body.Type == "" {
		body.Type = "manual"
	}
	approval, err := s.engine.Pipeline().CreatePendingApproval(r.Context(), body.Type, body.Title, body.Summary, body.Intent)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, approval)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, types.StatusApproved)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, types.StatusDeclined)
}

// handlePatchApproval is the generic decision route: the body names the
// target status, approved or declined.
func (s *Server) handlePatchApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status types.ApprovalStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Status != types.StatusApproved && body.Status != types.StatusDeclined {
		errorJSON(w, http.StatusBadRequest, "status must be approved or declined")
		return
	}
	s.decide(w, r, body.Status)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, to types.ApprovalStatus) {
	approval, err := s.engine.Pipeline().Decide(r.Context(), mux.Vars(r)["id"], to, types.ActorOwner)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) // empty body means no code
	}

	result, err := s.engine.Pipeline().ExecuteApproval(r.Context(), mux.Vars(r)["id"], body.Code, types.ActorOwner)
	if err != nil {
		if errors.Is(err, pipeline.ErrShutdown) {
			errorJSON(w, http.StatusServiceUnavailable, "shutdown in progress")
			return
		}
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ————————————————————————————————————————————————————————————————————————
// Rules
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ruleList, err := s.engine.Store().ListRules(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleList)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.Store().GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var rule types.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid rule body: "+err.Error())
		return
	}
	now := time.Now().UTC()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if err := s.engine.Store().UpsertRule(r.Context(), &rule); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.engine.Store().SetRuleEnabled(r.Context(), id, body.Enabled); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	intents, err := s.engine.EvaluateNow(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": intents, "count": len(intents)})
}

// ————————————————————————————————————————————————————————————————————————
// Kill switch and alerts
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleKillSwitchGet(w http.ResponseWriter, r *http.Request) {
	ks, err := s.engine.Store().ReadKillSwitch(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ks)
}

func (s *Server) handleKillSwitchSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool   `json:"enabled"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	ks, err := s.engine.SetKillSwitch(r.Context(), body.Enabled, body.Reason, types.ActorOwner)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ks)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	executions, err := s.engine.Store().ExecutionsSince(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.engine.Store().ReadPreferences(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.engine.Store().ListAlerts(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
