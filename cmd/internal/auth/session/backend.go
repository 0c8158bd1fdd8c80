package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"modeler/cmd/identity"
	"modeler/cmd/identity/ids"
)

const maxResponseBytes = 1 << 20

// Backend is the remote authentication service.
type Backend interface {
	Login(ctx context.Context, req LoginRequest) (AuthResponse, error)
	Register(ctx context.Context, req RegisterRequest) (AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (AuthResponse, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	CurrentUser(ctx context.Context, accessToken string) (identity.User, error)
}

// HTTPBackend talks to the backend's /auth endpoints over HTTP.
//
// It uses a plain client: auth endpoints are never routed through the
// request authorizer.
type HTTPBackend struct {
	base   string
	client *http.Client
}

// NewHTTPBackend returns a Backend rooted at baseURL. A nil client uses a
// client with no timeout; callers bound calls through ctx.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (b *HTTPBackend) Login(ctx context.Context, req LoginRequest) (AuthResponse, error) {
	var out AuthResponse
	status, err := b.do(ctx, http.MethodPost, PathLogin, "", req, &out)
	if err != nil {
		switch status {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return AuthResponse{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return AuthResponse{}, err
	}
	return out, validateAuthResponse(out, true)
}

func (b *HTTPBackend) Register(ctx context.Context, req RegisterRequest) (AuthResponse, error) {
	var out AuthResponse
	if _, err := b.do(ctx, http.MethodPost, PathRegister, "", req, &out); err != nil {
		return AuthResponse{}, err
	}
	return out, validateAuthResponse(out, true)
}

func (b *HTTPBackend) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	var out AuthResponse
	status, err := b.do(ctx, http.MethodPost, PathRefresh, "", refreshRequest{RefreshToken: refreshToken}, &out)
	if err != nil {
		if status == http.StatusUnauthorized {
			return AuthResponse{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return AuthResponse{}, err
	}
	return out, validateAuthResponse(out, false)
}

// Logout sends the tokens being discarded so the backend can revoke them.
func (b *HTTPBackend) Logout(ctx context.Context, accessToken, refreshToken string) error {
	var body any
	if refreshToken != "" {
		body = refreshRequest{RefreshToken: refreshToken}
	}
	_, err := b.do(ctx, http.MethodPost, PathLogout, accessToken, body, nil)
	return err
}

func (b *HTTPBackend) CurrentUser(ctx context.Context, accessToken string) (identity.User, error) {
	var u identity.User
	status, err := b.do(ctx, http.MethodGet, PathUser, accessToken, nil, &u)
	if err != nil {
		switch status {
		case http.StatusUnauthorized:
			return identity.User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusForbidden:
			return identity.User{}, &ForbiddenError{Method: http.MethodGet, Path: PathUser}
		}
		return identity.User{}, err
	}
	if err := u.Validate(); err != nil {
		return identity.User{}, &ServerError{Status: status, Message: "malformed user response", Err: err}
	}
	return u.WithUniqueRoles(), nil
}

// do sends one request. On a non-2xx response it returns the status and a *ServerError.
func (b *HTTPBackend) do(ctx context.Context, method, path, bearer string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", ids.NewRequestID())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, &ServerError{Err: ctxErr}
		}
		return 0, &ServerError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, &ServerError{Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, serverErrorFrom(resp.StatusCode, raw)
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, &ServerError{Status: resp.StatusCode, Message: "malformed response body", Err: err}
		}
	}
	return resp.StatusCode, nil
}

func serverErrorFrom(status int, raw []byte) *ServerError {
	se := &ServerError{Status: status}

	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil {
		se.Code = eb.Code
		se.Message = eb.Message
		if se.Message == "" {
			se.Message = eb.Error
		}
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(raw))
		if len(se.Message) > 200 {
			se.Message = se.Message[:200]
		}
	}
	return se
}

// validateAuthResponse rejects responses that would break the session invariant.
func validateAuthResponse(r AuthResponse, full bool) error {
	if r.AccessToken == "" {
		return &ServerError{Status: http.StatusOK, Message: "response carries no access token"}
	}
	if !full {
		return nil
	}
	if r.RefreshToken == "" {
		return &ServerError{Status: http.StatusOK, Message: "response carries no refresh token"}
	}
	if r.User == nil {
		return &ServerError{Status: http.StatusOK, Message: "response carries no user"}
	}
	if err := r.User.Validate(); err != nil {
		return &ServerError{Status: http.StatusOK, Message: "malformed user in response", Err: err}
	}
	return nil
}

// IsAuthEndpoint reports whether path targets login, register, refresh or
// logout. Such requests never carry a bearer token and never trigger a refresh.
func IsAuthEndpoint(path string) bool {
	p := strings.TrimRight(path, "/")
	for _, ep := range []string{PathLogin, PathRegister, PathRefresh, PathLogout} {
		if strings.HasSuffix(p, ep) {
			return true
		}
	}
	return false
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(h http.Header) string {
	v := h.Get("Authorization")
	const prefix = "Bearer "
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}
