package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coreos-dash/coreos-client/internal/connection"
	"github.com/coreos-dash/coreos-client/internal/model"
	"github.com/coreos-dash/coreos-client/internal/session"
)

type connectionView interface {
	Snapshot() connection.Snapshot
}

type sessionView interface {
	Snapshot() session.Snapshot
}

type eventSource interface {
	events(ctx context.Context, limit int) ([]model.SecurityEvent, error)
}

type messageView interface {
	Messages() []model.Message
}

// connectionStatus is the JSON form of a connection snapshot.
type connectionStatus struct {
	State          connection.State `json:"state"`
	URL            string           `json:"url,omitempty"`
	LastError      *errorStatus     `json:"lastError,omitempty"`
	RetryCount     int              `json:"retryCount"`
	GaveUp         bool             `json:"gaveUp"`
	QueueLength    int              `json:"queueLength"`
	FramesSent     int64            `json:"framesSent"`
	FramesReceived int64            `json:"framesReceived"`
}

type errorStatus struct {
	Code    connection.ErrorCode `json:"code"`
	Message string               `json:"message"`
}

func toConnectionStatus(s connection.Snapshot) connectionStatus {
	cs := connectionStatus{
		State:          s.State,
		URL:            s.URL,
		RetryCount:     s.RetryCount,
		GaveUp:         s.GaveUp,
		QueueLength:    s.QueueLength,
		FramesSent:     s.FramesSent,
		FramesReceived: s.FramesReceived,
	}
	if s.LastError != nil {
		cs.LastError = &errorStatus{Code: s.LastError.Code, Message: s.LastError.Message}
	}
	return cs
}

// newHealthHandler creates the HTTP handler for health and debug endpoints.
func newHealthHandler(conn connectionView, sess sessionView, events eventSource, msgs messageView, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		cs := conn.Snapshot()
		health.Components["connection"] = map[string]any{
			"state":  cs.State,
			"queued": cs.QueueLength,
		}
		switch {
		case cs.GaveUp:
			health.Status = "unhealthy"
		case cs.State != connection.StateConnected:
			health.Status = "degraded"
		}

		ss := sess.Snapshot()
		health.Components["session"] = map[string]any{
			"authenticated": ss.Authenticated,
		}
		if !ss.Authenticated {
			health.Status = "unhealthy"
		}

		status := http.StatusOK
		if health.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health, logger)
	})

	r.Route("/debug", func(r chi.Router) {
		r.Get("/connection", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, toConnectionStatus(conn.Snapshot()), logger)
		})

		r.Get("/session", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, sess.Snapshot(), logger)
		})

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			limit := 100
			if raw := r.URL.Query().Get("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n < 0 {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"}, logger)
					return
				}
				limit = n
			}

			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()

			list, err := events.events(ctx, limit)
			if err != nil {
				logger.Error("failed to list security events", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()}, logger)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"count":  len(list),
				"events": list,
			}, logger)
		})

		r.Get("/messages", func(w http.ResponseWriter, r *http.Request) {
			list := msgs.Messages()
			writeJSON(w, http.StatusOK, map[string]any{
				"count":    len(list),
				"messages": list,
			}, logger)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}
