package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"modeler/cmd/identity"
	"modeler/cmd/internal/credstore"
	"modeler/cmd/security/token/tokentest"
)

type fakeBackend struct {
	mu sync.Mutex

	loginResp AuthResponse
	loginErr  error

	refreshFn    func(ctx context.Context, refreshToken string) (AuthResponse, error)
	refreshCalls int
	refreshSeen  []string

	logoutErr   error
	logoutCalls int

	userFn    func(ctx context.Context, accessToken string) (identity.User, error)
	userCalls int
}

func (f *fakeBackend) Login(_ context.Context, _ LoginRequest) (AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginResp, f.loginErr
}

func (f *fakeBackend) Register(_ context.Context, _ RegisterRequest) (AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginResp, f.loginErr
}

func (f *fakeBackend) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.refreshSeen = append(f.refreshSeen, refreshToken)
	fn := f.refreshFn
	f.mu.Unlock()

	if fn == nil {
		return AuthResponse{}, errors.New("refresh not configured")
	}
	return fn(ctx, refreshToken)
}

func (f *fakeBackend) Logout(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.logoutErr
}

func (f *fakeBackend) CurrentUser(ctx context.Context, accessToken string) (identity.User, error) {
	f.mu.Lock()
	f.userCalls++
	fn := f.userFn
	f.mu.Unlock()
	return fn(ctx, accessToken)
}

func (f *fakeBackend) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func (f *fakeBackend) LogoutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutCalls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func alice(roles ...string) *identity.User {
	return &identity.User{ID: 1, Username: "alice", Roles: identity.RolesFromNames(roles), Enabled: true}
}

// loginResponse returns a session response whose access token expires in ttl.
func loginResponse(t *testing.T, ttl time.Duration, roles ...string) AuthResponse {
	t.Helper()
	return AuthResponse{
		AccessToken:  tokentest.JWT(t, "alice", time.Now().Add(ttl), roles...),
		RefreshToken: "refresh-0",
		User:         alice(roles...),
		ExpiresIn:    int64(ttl.Seconds()),
	}
}

type harness struct {
	mgr     *Manager
	backend *fakeBackend
	store   *credstore.MemoryStore
	creds   *credstore.Credentials
	metrics *Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	fb := &fakeBackend{}
	store := credstore.NewMemoryStore()
	creds := credstore.NewCredentials(store, quietLogger())
	metrics := NewMetrics(nil)

	mgr, err := NewManager(cfg, Options{
		Backend:     fb,
		Credentials: creds,
		Metrics:     metrics,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &harness{mgr: mgr, backend: fb, store: store, creds: creds, metrics: metrics}
}

func (h *harness) login(t *testing.T, resp AuthResponse) Snapshot {
	t.Helper()
	h.backend.mu.Lock()
	h.backend.loginResp = resp
	h.backend.loginErr = nil
	h.backend.mu.Unlock()

	s, err := h.mgr.Login(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return s
}
