package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/streamgate/internal/config"
	"github.com/ajitpratap0/streamgate/internal/market"
	"github.com/ajitpratap0/streamgate/internal/metrics"
)

// Pinger reports whether the database is reachable
type Pinger interface {
	Health(ctx context.Context) error
}

// PriceHealth classifies price feed freshness
type PriceHealth interface {
	CheckHealth(now time.Time) market.Health
}

// HTTPServer provides health checks and metrics endpoints for Kubernetes
type HTTPServer struct {
	server *http.Server
	db     Pinger
	prices PriceHealth
	port   int
}

// NewHTTPServer creates the health and metrics server
func NewHTTPServer(port int, db Pinger, prices PriceHealth) *HTTPServer {
	return &HTTPServer{db: db, prices: prices, port: port}
}

func (h *HTTPServer) routes(enableMetrics bool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/liveness", h.handleHealth)
	mux.HandleFunc("/readiness", h.handleReadiness)
	mux.HandleFunc("/health/prices", h.handlePrices)

	if enableMetrics {
		metrics.RegisterHandlers(mux)
	}
	return metrics.HTTPMiddleware(mux)
}

// Start starts the HTTP server in a goroutine
func (h *HTTPServer) Start(enableMetrics bool) {
	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.port),
		Handler:      h.routes(enableMetrics),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", h.port).Msg("HTTP server started (health checks, metrics)")

		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	log.Info().Msg("Shutting down HTTP server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleHealth handles GET /health and /liveness
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "streamgate",
		"version":   config.GetVersion(),
	})
}

// handleReadiness handles GET /readiness. Ready means the database answers
// and prices are not CRITICAL.
func (h *HTTPServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := map[string]string{}
	ready := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Health(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	prices := h.prices.CheckHealth(time.Now())
	checks["prices"] = string(prices.Status)
	if prices.Status == market.HealthCritical {
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

// handlePrices handles GET /health/prices with per-exchange freshness
func (h *HTTPServer) handlePrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := h.prices.CheckHealth(time.Now())
	code := http.StatusOK
	if health.Status == market.HealthCritical {
		code = http.StatusServiceUnavailable
	}

	exchanges := make(map[string]any, len(health.Exchanges))
	for name, rep := range health.Exchanges {
		exchanges[name] = map[string]any{
			"status":      rep.Status,
			"age_seconds": rep.Age.Seconds(),
			"symbols":     rep.Symbols,
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    health.Status,
		"exchanges": exchanges,
	})
}
