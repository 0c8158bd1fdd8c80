package diagram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"modeler/cmd/identity"
	"modeler/cmd/internal/auth/session"
)

// CapabilitySource reports the current user's capabilities.
type CapabilitySource interface {
	Capabilities() identity.Capabilities
}

// Handler serves /diagrams on the local bridge. The Surface is chosen per
// request from the session's capabilities at that moment.
type Handler struct {
	log      *slog.Logger
	caps     CapabilitySource
	store    Store
	maxBytes int64
}

// NewHandler constructs a Handler. maxBytes bounds uploaded diagrams.
func NewHandler(log *slog.Logger, caps CapabilitySource, store Store, maxBytes int64) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &Handler{log: log, caps: caps, store: store, maxBytes: maxBytes}
}

// Register wires diagram routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /diagrams", h.handleList)
	mux.HandleFunc("POST /diagrams", h.handleSave)
	mux.HandleFunc("GET /diagrams/{id}", h.handleLoad)
	mux.HandleFunc("DELETE /diagrams/{id}", h.handleDelete)
}

type listResponse struct {
	Mode  Mode       `json:"mode"`
	Files []FileInfo `json:"files"`
}

func (h *Handler) surface(w http.ResponseWriter) (Surface, bool) {
	s, err := Open(h.caps.Capabilities(), h.store)
	if err != nil {
		h.writeErr(w, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	s, ok := h.surface(w)
	if !ok {
		return
	}
	files, err := s.List(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if files == nil {
		files = []FileInfo{}
	}
	writeJSON(w, http.StatusOK, listResponse{Mode: s.Mode(), Files: files})
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, ok := h.surface(w)
	if !ok {
		return
	}
	doc, err := s.Load(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleSave uploads the raw request body as the diagram named by ?name=.
func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" || strings.ContainsAny(name, `/\`) {
		writeError(w, http.StatusBadRequest, "invalid_request", "a plain file name is required")
		return
	}
	s, ok := h.surface(w)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "diagram too large")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "empty diagram")
		return
	}

	info, err := s.Save(r.Context(), name, data)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, ok := h.surface(w)
	if !ok {
		return
	}
	if err := s.Delete(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid diagram id")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	var se *session.ServerError
	switch {
	case errors.Is(err, ErrNoAccess):
		writeError(w, http.StatusForbidden, "no_access", "sign in with a role that can view diagrams")
	case errors.Is(err, ErrReadOnly):
		writeError(w, http.StatusForbidden, "read_only", "your role cannot change diagrams")
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "session_expired", "session expired")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "diagram not found")
	case errors.Is(err, context.Canceled):
		// Client went away.
	case errors.As(err, &se):
		h.log.Warn("diagram.backend.fail", "status", se.Status, "err", err)
		writeError(w, http.StatusBadGateway, "upstream_error", "backend unavailable")
	default:
		h.log.Error("diagram.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	type apiError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	writeJSON(w, status, struct {
		Error apiError `json:"error"`
	}{Error: apiError{Code: code, Message: msg}})
}
