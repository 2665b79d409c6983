package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/deadman/internal/events"
	"github.com/mattjoyce/deadman/internal/history"
	"github.com/mattjoyce/deadman/internal/watchdog"
)

// MaxKeyBytes is the longest key the adapter accepts.
const MaxKeyBytes = 256

// handlePing handles POST /ping/{key}.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.EnqueueTimeout)
	defer cancel()

	err = s.watchdog.RegisterPing(ctx, key)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, PingResponse{Status: "ok", Key: key})
	case errors.Is(err, watchdog.ErrEmptyKey):
		s.writeError(w, http.StatusBadRequest, "key is required")
	default:
		s.logger.Warn("ping rejected", "key", key, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "ping not accepted")
	}
}

// handleForget handles DELETE /ping/{key}.
func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := s.watchdog.Forget(r.Context(), key)
	if err != nil {
		s.logger.Warn("forget failed", "key", key, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "watchdog unavailable")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "key not tracked")
		return
	}
	respondJSON(w, http.StatusOK, ForgetResponse{Status: "forgotten", Key: key})
}

// handleKeys handles GET /keys.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.watchdog.Keys(r.Context())
	if err != nil {
		s.logger.Error("failed to snapshot keys", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "watchdog unavailable")
		return
	}

	now := s.now()
	resp := KeysResponse{
		GracePeriodSeconds: s.watchdog.GracePeriod().Seconds(),
		Keys:               make([]KeyView, 0, len(keys)),
	}
	for _, k := range keys {
		remaining := k.Deadline.Sub(now)
		if remaining < 0 || k.Expired {
			remaining = 0
		}
		resp.Keys = append(resp.Keys, KeyView{
			Key:              k.Key,
			FirstSeen:        k.FirstSeen,
			LastPing:         k.LastPing,
			Deadline:         k.Deadline,
			RemainingSeconds: remaining.Seconds(),
			Pings:            k.Pings,
			Expired:          k.Expired,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleAlerts handles GET /alerts?limit=N.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	resp := AlertsResponse{Alerts: []history.Delivery{}}
	if s.history != nil {
		alerts, err := s.history.Recent(r.Context(), limit)
		if err != nil {
			s.logger.Error("failed to read alert history", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read alert history")
			return
		}
		resp.Alerts = alerts
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.watchdog.Stats()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:             "ok",
		UptimeSeconds:      int64(time.Since(s.startedAt).Seconds()),
		GracePeriodSeconds: s.watchdog.GracePeriod().Seconds(),
		TrackedKeys:        st.TrackedKeys,
		PingsAccepted:      st.PingsAccepted,
		PingsRejected:      st.PingsRejected,
		AlertsEmitted:      st.AlertsEmitted,
		AlertsDropped:      st.AlertsDropped,
		AlertsQueued:       st.AlertsQueued,
		PingQueueDepth:     st.PingQueueDepth,
		RecentFailures:     s.recentFailures(),
	})
}

func (s *Server) recentFailures() int {
	if s.events == nil {
		return 0
	}
	return s.events.CountByType(events.TypeFailed)
}

// keyParam returns the unescaped {key} path parameter.
func keyParam(r *http.Request) (string, error) {
	key := chi.URLParam(r, "key")
	// chi routes on RawPath when the request carried escapes.
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			return "", fmt.Errorf("invalid key encoding")
		}
		key = unescaped
	}
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	if len(key) > MaxKeyBytes {
		return "", fmt.Errorf("key exceeds %d bytes", MaxKeyBytes)
	}
	return key, nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
