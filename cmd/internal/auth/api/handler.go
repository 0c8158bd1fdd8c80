// Package authapi serves the local session bridge: login, logout, register
// and the current session with its capabilities.
package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"modeler/cmd/identity"
	"modeler/cmd/internal/auth/session"
)

// Sessions is the part of *session.Manager the bridge drives.
type Sessions interface {
	Snapshot() session.Snapshot
	Login(ctx context.Context, username, password string) (session.Snapshot, error)
	Register(ctx context.Context, req session.RegisterRequest) (session.Snapshot, error)
	Logout(ctx context.Context) error
	ReloadUser(ctx context.Context) (identity.User, error)
}

// Handler wires bridge endpoints to the session manager.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions Sessions
	limiter  *loginLimiter
	now      func() time.Time
}

// NewHandler constructs a bridge Handler.
func NewHandler(log *slog.Logger, sessions Sessions, cfg Config) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("authapi: nil sessions")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		limiter:  newLoginLimiter(cfg),
		now:      time.Now,
	}, nil
}

// Register wires bridge routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/session", h.handleSession)
	mux.HandleFunc("/session/login", h.handleLogin)
	mux.HandleFunc("/session/logout", h.handleLogout)
	mux.HandleFunc("/session/register", h.handleRegister)
	mux.HandleFunc("/session/capabilities", h.handleCapabilities)
	mux.HandleFunc("/session/user", h.handleUser)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(h.sessions.Snapshot()))
}

func (h *Handler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.Snapshot().Capabilities())
}

// handleUser returns the signed-in user. With ?reload=1 the record is fetched
// from the backend first, picking up role changes made since login.
func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if reload, _ := strconv.ParseBool(r.URL.Query().Get("reload")); reload {
		u, err := h.sessions.ReloadUser(r.Context())
		if err != nil {
			h.log.Info("bridge.user.reload.fail", "err", err)
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toUserResponse(u))
		return
	}

	snap := h.sessions.Snapshot()
	if !snap.Authenticated() || snap.User == nil {
		writeSessionError(w, session.ErrNotAuthenticated)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*snap.User))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	now := h.now()
	ip := ipKey(clientIP(r, h.cfg.TrustProxy))
	userKey := identity.NormalizeUsername(username)

	if blocked, retryAfter := h.limiter.check(ip, userKey, now); blocked {
		h.log.Warn("bridge.login.rate_limited", "ip", ip, "retry_after", retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	snap, err := h.sessions.Login(r.Context(), username, req.Password)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			h.limiter.fail(ip, userKey, now)
		}
		h.log.Info("bridge.login.fail", "ip", ip, "err", err)
		writeSessionError(w, err)
		return
	}
	h.limiter.succeed(userKey)

	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(req.Email)
	if username == "" || email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username, email and password are required")
		return
	}

	snap, err := h.sessions.Register(r.Context(), session.RegisterRequest{
		Username:  username,
		Email:     email,
		Password:  req.Password,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Roles:     req.Roles,
	})
	if err != nil {
		h.log.Info("bridge.register.fail", "err", err)
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(snap))
}

// handleLogout always ends the local session. A storage failure is reported
// as 500 so the caller knows credentials may still be on disk.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.sessions.Logout(r.Context()); err != nil {
		h.log.Error("bridge.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "storage_unavailable", "signed out, but stored credentials could not be removed")
		return
	}
	writeJSON(w, http.StatusOK, logoutResponse{OK: true})
}
