package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"gravitas/pkg/audit"
	"gravitas/pkg/auth"
	"gravitas/pkg/config"
	"gravitas/pkg/gateway"
	"gravitas/pkg/guardian"
	"gravitas/pkg/httpx"
	"gravitas/pkg/scheduler"
	"gravitas/pkg/shadow"
	"gravitas/pkg/stream"
)

type validateRequest struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httpx.DecodeJSON(w, r, s.Config.MaxRequestBody, v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeAuthzError maps gateway denials to the gatekeeper wire contract.
func writeAuthzError(w http.ResponseWriter, err error) {
	var ae *gateway.AuthError
	var pe *gateway.PolicyError
	switch {
	case errors.As(err, &ae):
		w.Header().Set("WWW-Authenticate", "Bearer")
		httpx.WriteJSON(w, http.StatusUnauthorized, map[string]string{"detail": ae.Reason})
	case errors.As(err, &pe):
		httpx.WriteJSON(w, http.StatusForbidden, map[string]string{"detail": pe.Reason})
	default:
		httpx.Error(w, http.StatusInternalServerError, "authorization failed")
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Action) == "" || strings.TrimSpace(req.Resource) == "" {
		httpx.Error(w, http.StatusBadRequest, "action and resource are required")
		return
	}
	authz, err := s.GW.AuthorizeLocal(r.Context(), auth.BearerToken(r), req.Action, req.Resource, req.Metadata)
	if err != nil {
		writeAuthzError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authz)
}

type certifyRequest struct {
	Identity string `json:"agent_name"`
	UnitPath string `json:"unit_path"`
}

func (s *Server) handleCertify(w http.ResponseWriter, r *http.Request) {
	var req certifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.GW.Registry().Resolve(req.Identity); err != nil {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return
	}
	res := s.GW.Certify(r.Context(), req.UnitPath, req.Identity)
	status := http.StatusOK
	if !res.Passed {
		status = http.StatusUnprocessableEntity
	}
	httpx.WriteJSON(w, status, res)
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"certificates": s.GW.ListCertificates(r.Context())})
}

type sessionStartRequest struct {
	Identity  string         `json:"ghost_id"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Identity == "" || req.SessionID == "" {
		httpx.Error(w, http.StatusBadRequest, "ghost_id and session_id are required")
		return
	}
	perm, err := s.GW.SessionStart(r.Context(), req.Identity, req.SessionID, req.Metadata)
	switch {
	case errors.Is(err, guardian.ErrNotCertified), errors.Is(err, guardian.ErrCertificationExpired):
		httpx.WriteJSON(w, http.StatusForbidden, map[string]string{"detail": err.Error()})
	case err != nil:
		httpx.Error(w, http.StatusInternalServerError, err.Error())
	case !perm.Allowed:
		httpx.WriteJSON(w, http.StatusConflict, perm)
	default:
		httpx.WriteJSON(w, http.StatusOK, perm)
	}
}

type sessionEndRequest struct {
	SessionID string `json:"session_id"`
	OutputRef string `json:"output_file"`
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req sessionEndRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		httpx.Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	s.GW.SessionEnd(r.Context(), req.SessionID, req.OutputRef)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ended", "session_id": req.SessionID})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.GW.Stats(r.URL.Query().Get("ghost_id")))
}

type taskRequest struct {
	Unit       string         `json:"unit"`
	Prompt     string         `json:"prompt"`
	Payload    map[string]any `json:"payload"`
	Priority   *int           `json:"priority"`
	Complexity int            `json:"complexity"`
}

func (s *Server) readTask(w http.ResponseWriter, r *http.Request) (taskRequest, gateway.Authorization, bool) {
	var req taskRequest
	if !s.decode(w, r, &req) {
		return req, gateway.Authorization{}, false
	}
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Unit == "" {
		httpx.Error(w, http.StatusBadRequest, "unit is required")
		return req, gateway.Authorization{}, false
	}
	// Negative priorities belong to the urgent endpoint.
	if req.Priority != nil && *req.Priority < 0 {
		httpx.Error(w, http.StatusBadRequest, "priority must be non-negative")
		return req, gateway.Authorization{}, false
	}
	if _, err := s.GW.Registry().Resolve(req.Unit); err != nil {
		httpx.Error(w, http.StatusNotFound, err.Error())
		return req, gateway.Authorization{}, false
	}
	authz, err := s.GW.Authorize(r.Context(), auth.BearerToken(r), "execute", "unit/"+req.Unit, req.Payload)
	if err != nil {
		writeAuthzError(w, err)
		return req, authz, false
	}
	return req, authz, true
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, authz, ok := s.readTask(w, r)
	if !ok {
		return
	}
	prio := scheduler.DefaultPriority
	if req.Priority != nil {
		prio = *req.Priority
	}
	item := s.GW.Enqueue(gateway.Task{
		Identity:   authz.Identity,
		Unit:       req.Unit,
		Prompt:     req.Prompt,
		Payload:    req.Payload,
		Complexity: req.Complexity,
	}, prio)
	s.writeQueued(w, item)
}

func (s *Server) handleEnqueueUrgent(w http.ResponseWriter, r *http.Request) {
	req, authz, ok := s.readTask(w, r)
	if !ok {
		return
	}
	item := s.GW.PushToFront(gateway.Task{
		Identity:   authz.Identity,
		Unit:       req.Unit,
		Prompt:     req.Prompt,
		Payload:    req.Payload,
		Complexity: req.Complexity,
	})
	s.writeQueued(w, item)
}

func (s *Server) writeQueued(w http.ResponseWriter, item scheduler.Item[gateway.Task]) {
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"task_id":    item.Value.ID,
		"priority":   item.Priority,
		"queue_size": s.GW.QueueSize(),
	})
}

type routingDecisionRequest struct {
	Complexity int              `json:"complexity_estimated"`
	Telemetry  shadow.Telemetry `json:"telemetry_snapshot"`
	Decision   shadow.Decision  `json:"routing_decision"`
}

func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	var req routingDecisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Decision.Tier == "" {
		httpx.Error(w, http.StatusBadRequest, "routing_decision.tier is required")
		return
	}
	id := s.GW.RecordDecision(r.Context(), req.Complexity, req.Telemetry, req.Decision)
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"request_id": id})
}

type routingOutcomeRequest struct {
	RequestID   string             `json:"request_id"`
	Performance shadow.Performance `json:"actual_performance"`
}

func (s *Server) handleRoutingOutcome(w http.ResponseWriter, r *http.Request) {
	var req routingOutcomeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.GW.RecordOutcome(r.Context(), req.RequestID, req.Performance) {
		httpx.Error(w, http.StatusNotFound, "unknown request_id")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": req.RequestID, "updated": true})
}

func (s *Server) handleTierStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.GW.TierStatistics(chi.URLParam(r, "tier")))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.GW.QueryAudit(r.Context(), r.URL.Query().Get("ghost_id"), limit)
	switch {
	case errors.Is(err, audit.ErrNoStore):
		httpx.Error(w, http.StatusServiceUnavailable, "audit store not configured")
	case err != nil:
		s.Log.WithError(err).Warn("audit query failed")
		httpx.Error(w, http.StatusInternalServerError, "audit query failed")
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

type sweepRequest struct {
	Quality bool `json:"quality"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	opts := s.sweepOptions()
	opts.Quality = req.Quality
	httpx.WriteJSON(w, http.StatusOK, s.GW.Sweep(r.Context(), opts))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	hub := s.GW.Hub()
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(s.Config.WSAllowedOrigins); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := hub.Subscribe(64, config.SplitList(r.URL.Query().Get("types"))...)
	defer sub.Close()

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
