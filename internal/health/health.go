// Package health serves connection state and Prometheus metrics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshrelay/meshrelay/internal/connectors"
)

// StatusSource reports the current state of each transport.
type StatusSource interface {
	RadioState() connectors.ConnectionState
	ChatState() connectors.ConnectionState
}

type Check struct {
	Status string                     `json:"status"`
	State  connectors.ConnectionState `json:"state"`
}

type Response struct {
	Status    string           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// NewRouter creates the health and metrics router.
func NewRouter(src StatusSource) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, src)
	})

	return r
}

func writeHealth(w http.ResponseWriter, src StatusSource) {
	checks := map[string]Check{
		connectors.TransportRadio: check(src.RadioState()),
		connectors.TransportChat:  check(src.ChatState()),
	}

	status := "healthy"
	statusCode := http.StatusOK
	for _, c := range checks {
		if c.Status != "pass" {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(Response{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func check(state connectors.ConnectionState) Check {
	if state == connectors.ConnectionStateConnected {
		return Check{Status: "pass", State: state}
	}

	return Check{Status: "fail", State: state}
}

// Serve runs the router on addr until ctx ends.
func Serve(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("health server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown failed", "error", err)
	}
	logger.Info("health server stopped")

	return nil
}
