package authapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"modeler/cmd/identity"
	"modeler/cmd/internal/auth/session"
)

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName(),
		Roles:       u.RoleNames(),
	}
}

func toSessionResponse(s session.Snapshot) sessionResponse {
	resp := sessionResponse{
		State:         string(s.State),
		Authenticated: s.Authenticated(),
		Capabilities:  s.Capabilities(),
	}
	if s.User != nil {
		u := toUserResponse(*s.User)
		resp.User = &u
	}
	if !s.ExpiresAt.IsZero() {
		exp := s.ExpiresAt.UTC()
		resp.ExpiresAt = &exp
	}
	return resp
}

// writeSessionError maps session errors onto bridge responses.
func writeSessionError(w http.ResponseWriter, err error) {
	var se *session.ServerError
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, session.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not_authenticated", "not signed in")
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "session_expired", "session expired")
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadGateway, "invalid_upstream_response", "backend returned an invalid session")
	case errors.As(err, &se) && se.Err == nil && se.Status >= 400 && se.Status < 500:
		code := se.Code
		if code == "" {
			code = "rejected"
		}
		msg := se.Message
		if msg == "" {
			msg = http.StatusText(se.Status)
		}
		writeError(w, se.Status, code, msg)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "backend did not respond")
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", "backend unavailable")
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
