package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ctxaudit/auditcore/internal/config"
	"github.com/ctxaudit/auditcore/internal/events"
	"github.com/ctxaudit/auditcore/internal/orchestrator"
	"github.com/ctxaudit/auditcore/internal/store"
	"github.com/ctxaudit/auditcore/internal/websocket"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Router handles HTTP routing
type Router struct {
	mux       *http.ServeMux
	config    *config.Config
	manager   *orchestrator.Manager
	store     *store.Store
	publisher *events.Publisher
	wsHub     *websocket.Hub
	startTime time.Time
}

// NewRouter creates a new router instance
func NewRouter(cfg *config.Config, mgr *orchestrator.Manager, st *store.Store, pub *events.Publisher, wsHub *websocket.Hub) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		manager:   mgr,
		store:     st,
		publisher: pub,
		wsHub:     wsHub,
		startTime: time.Now(),
	}

	r.setupRoutes()
	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	auditHandlers := NewAuditHandlers(r.manager, r.store, r.publisher)

	r.mux.HandleFunc("/api/audit/start", auditHandlers.HandleStart)
	r.mux.HandleFunc("/api/audit/", auditHandlers.HandleAudit)
	r.mux.HandleFunc("/api/audits", auditHandlers.HandleListAudits)

	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/ws", r.wsHub.HandleWebSocket)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)

	if !strings.HasPrefix(req.URL.Path, "/metrics") {
		log.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

// handleHealth handles health check requests
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.startTime).Seconds(),
		"clients":   r.wsHub.GetClientCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleVersion handles version requests
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version": Version,
	})
}
