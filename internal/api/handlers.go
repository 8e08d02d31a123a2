package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voxbridge/voxbridge/internal/database"
)

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.Count(),
	})
}

// handleSessions lists the active bridge sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

// triggerCallRequest is the body for POST /api/v1/calls.
type triggerCallRequest struct {
	To string `json:"to"`
}

// handleTriggerCall places an outbound call that will connect to the bridge
// once answered.
func (s *Server) handleTriggerCall(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		writeError(w, http.StatusServiceUnavailable, "outbound calling is not configured")
		return
	}
	if s.cfg.PublicURL == "" {
		writeError(w, http.StatusServiceUnavailable, "public-url is not configured")
		return
	}

	var req triggerCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validatePhoneNumber("to", req.To); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	callbackURL := strings.TrimRight(s.cfg.PublicURL, "/") + "/twiml"
	callSID, err := s.dialer.PlaceCall(req.To, callbackURL)
	if err != nil {
		s.logger.Error("failed to place outbound call", "error", err, "to", req.To)
		writeError(w, http.StatusBadGateway, "failed to place call")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"call_sid": callSID,
		"to":       req.To,
	})
}

// handleListRecords returns past call records, newest first.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	records, err := s.records.List(r.Context(), pg.Limit, pg.Offset)
	if err != nil {
		s.logger.Error("failed to list call records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call records")
		return
	}
	total, err := s.records.Count(r.Context())
	if err != nil {
		s.logger.Error("failed to count call records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call records")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  records,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetRecord returns one call record by ID.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	rec, err := s.records.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call record not found")
			return
		}
		s.logger.Error("failed to load call record", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to load call record")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleTwiML hands the telephony provider the markup that connects the
// answered call to the media-stream endpoint. Each response carries a fresh
// short-lived token.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PublicURL == "" {
		writeError(w, http.StatusServiceUnavailable, "public-url is not configured")
		return
	}

	token, err := s.tokens.Issue()
	if err != nil {
		s.logger.Error("failed to issue stream token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue stream token")
		return
	}

	markup, err := s.twiml(s.cfg.PublicURL, token)
	if err != nil {
		s.logger.Error("failed to build call-control markup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build response")
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(markup)) //nolint:errcheck
}

// handleStream upgrades the media-stream websocket and runs the bridge for
// the lifetime of the call. Token validation happens in middleware before
// the upgrade.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("media stream upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	// Run blocks until the call ends. The app context, not the request
	// context, governs the session so shutdown reaches hijacked connections.
	s.bridge.Run(s.appCtx, conn)
}
