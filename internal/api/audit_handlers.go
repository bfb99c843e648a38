package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	auditerrors "github.com/ctxaudit/auditcore/internal/errors"
	"github.com/ctxaudit/auditcore/internal/events"
	"github.com/ctxaudit/auditcore/internal/models"
	"github.com/ctxaudit/auditcore/internal/orchestrator"
	"github.com/ctxaudit/auditcore/internal/report"
	"github.com/ctxaudit/auditcore/internal/store"
)

// AuditHandlers serves the audit lifecycle endpoints.
type AuditHandlers struct {
	manager   *orchestrator.Manager
	store     *store.Store
	publisher *events.Publisher
}

// NewAuditHandlers creates audit handlers
func NewAuditHandlers(mgr *orchestrator.Manager, st *store.Store, pub *events.Publisher) *AuditHandlers {
	return &AuditHandlers{
		manager:   mgr,
		store:     st,
		publisher: pub,
	}
}

type startAuditRequest struct {
	ProjectID   string                 `json:"project_id"`
	AuditType   string                 `json:"audit_type"`
	TargetTypes []string               `json:"target_types,omitempty"`
	Config      orchestrator.Overrides `json:"config,omitempty"`
}

type startAuditResponse struct {
	AuditID       string `json:"audit_id"`
	Status        string `json:"status"`
	EstimatedTime int    `json:"estimated_time"`
}

// HandleStart starts a new audit session.
func (h *AuditHandlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req startAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sess, estimate, err := h.manager.Start(orchestrator.StartRequest{
		ProjectID:   req.ProjectID,
		Mode:        models.AuditMode(req.AuditType),
		TargetTypes: req.TargetTypes,
		Overrides:   req.Config,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	log.Info().
		Str("auditId", sess.ID).
		Str("projectId", sess.ProjectID).
		Str("mode", string(sess.Mode)).
		Msg("Audit started")

	writeJSON(w, http.StatusAccepted, startAuditResponse{
		AuditID:       sess.ID,
		Status:        string(sess.Status),
		EstimatedTime: int(estimate.Seconds()),
	})
}

// HandleListAudits lists known audit sessions, newest first.
func (h *AuditHandlers) HandleListAudits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	sessions, err := h.store.ListSessions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audits")
		return
	}
	if sessions == nil {
		sessions = []models.AuditSession{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"audits": sessions})
}

// HandleAudit routes /api/audit/{id}/{action} requests.
func (h *AuditHandlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/audit/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	auditID := parts[0]
	action := strings.Join(parts[1:], "/")

	switch action {
	case "status":
		h.handleStatus(w, r, auditID)
	case "result":
		h.handleResult(w, r, auditID)
	case "result/pdf":
		h.handleResultPDF(w, r, auditID)
	case "stream":
		h.handleStream(w, r, auditID)
	case "events":
		h.handleEvents(w, r, auditID)
	case "cancel":
		h.handleControl(w, r, auditID, h.manager.Cancel)
	case "pause":
		h.handleControl(w, r, auditID, h.manager.Pause)
	case "resume":
		h.handleControl(w, r, auditID, h.manager.Resume)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (h *AuditHandlers) handleStatus(w http.ResponseWriter, r *http.Request, auditID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.manager.Status(auditID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *AuditHandlers) handleResult(w http.ResponseWriter, r *http.Request, auditID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.manager.Result(auditID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AuditHandlers) handleResultPDF(w http.ResponseWriter, r *http.Request, auditID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := h.store.GetSession(auditID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	result, err := h.manager.Result(auditID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	pdf, err := report.NewPDFGenerator().Generate(sess, result)
	if err != nil {
		log.Error().Err(err).Str("auditId", auditID).Msg("Failed to generate PDF report")
		writeError(w, http.StatusInternalServerError, "failed to generate report")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=audit-%s.pdf", auditID))
	w.Write(pdf)
}

// handleStream serves the ordered event stream over SSE. Replay starts after
// ?from_seq (default 0, meaning the full history), then continues live until
// the terminal event or client disconnect.
func (h *AuditHandlers) handleStream(w http.ResponseWriter, r *http.Request, auditID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := h.store.GetSession(auditID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	fromSeq := int64(0)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid from_seq")
			return
		}
		fromSeq = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Long-lived stream; the server-wide write timeout must not cut it off.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	flusher.Flush()

	sub := h.publisher.Subscribe(auditID, fromSeq)
	defer sub.Close()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				// Terminal event delivered; tell the client not to reconnect.
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Str("auditId", auditID).Msg("Failed to marshal stream event")
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Sequence, payload)
			flusher.Flush()
		}
	}
}

// handleEvents returns a page of the persisted event log.
func (h *AuditHandlers) handleEvents(w http.ResponseWriter, r *http.Request, auditID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := h.store.GetSession(auditID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	fromSeq := int64(0)
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid from_seq")
			return
		}
		fromSeq = n
	}

	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var types []string
	if v := r.URL.Query().Get("types"); v != "" {
		types = strings.Split(v, ",")
	}

	records, err := h.store.ListEvents(auditID, fromSeq, limit, types)
	if err != nil {
		log.Error().Err(err).Str("auditId", auditID).Msg("Failed to list events")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if records == nil {
		records = []store.EventRecord{}
	}

	nextSeq := fromSeq
	if len(records) > 0 {
		nextSeq = records[len(records)-1].Sequence
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":   records,
		"next_seq": nextSeq,
	})
}

func (h *AuditHandlers) handleControl(w http.ResponseWriter, r *http.Request, auditID string, op func(string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := op(auditID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().Unix(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auditerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auditerrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auditerrors.ErrSessionTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
