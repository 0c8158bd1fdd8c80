package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"modeler/cmd/identity"
	"modeler/cmd/internal/credstore"
	"modeler/cmd/security/token/tokentest"
)

func TestLogin_AdminCapabilities(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	snap := h.login(t, loginResponse(t, time.Hour, "ROLE_ADMIN"))

	if snap.State != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", snap.State)
	}
	if !h.mgr.IsAdmin() || !h.mgr.CanEdit() || !h.mgr.CanView() {
		t.Fatalf("expected admin capabilities, got %+v", h.mgr.Capabilities())
	}
	if h.mgr.IsViewer() {
		t.Fatalf("admin must not report isViewer without the viewer role")
	}
	if snap.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry derived from the token")
	}

	rec, ok := h.creds.Load(context.Background())
	if !ok || rec.AccessToken != snap.AccessToken || rec.RefreshToken != "refresh-0" {
		t.Fatalf("expected persisted session, got %+v ok=%v", rec, ok)
	}
}

func TestLogin_CapabilityRoundTrip(t *testing.T) {
	for _, roles := range [][]string{
		{"ROLE_ADMIN"}, {"MODELER"}, {"ROLE_VIEWER"}, {"VIEWER", "ROLE_MODELER"}, {"GUEST"}, {},
	} {
		h := newHarness(t, DefaultConfig())
		snap := h.login(t, loginResponse(t, time.Hour, roles...))

		want := identity.CapabilitiesFor(snap.User.Roles)
		got := identity.Capabilities{
			CanView:   h.mgr.CanView(),
			CanEdit:   h.mgr.CanEdit(),
			CanCreate: h.mgr.CanCreate(),
			CanDelete: h.mgr.CanDelete(),
			IsAdmin:   h.mgr.IsAdmin(),
			IsModeler: h.mgr.IsModeler(),
			IsViewer:  h.mgr.IsViewer(),
		}
		if got != want {
			t.Fatalf("roles %v: getters %+v != derived %+v", roles, got, want)
		}
	}
}

func TestLogin_FailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	_ = h.store.Set(ctx, "unrelated", "keep")

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"bad credentials", fmt.Errorf("%w: 401", ErrInvalidCredentials), ErrInvalidCredentials},
		{"server error", &ServerError{Status: 503, Message: "down"}, ErrServerError},
		{"transport error", errors.New("connection refused"), ErrServerError},
	}
	for _, tc := range cases {
		h.backend.loginErr = tc.err
		_, err := h.mgr.Login(ctx, "alice", "wrong")
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if h.store.Len() != 1 {
			t.Fatalf("%s: store modified, %d keys", tc.name, h.store.Len())
		}
		if h.mgr.State() != StateAnonymous {
			t.Fatalf("%s: expected anonymous, got %s", tc.name, h.mgr.State())
		}
	}

	if _, err := h.mgr.Login(ctx, "  ", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for blank username, got %v", err)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.login(t, loginResponse(t, time.Hour, "MODELER"))
	h.backend.logoutErr = errors.New("backend unreachable")

	if err := h.mgr.Logout(ctx); err != nil {
		t.Fatalf("first Logout: %v", err)
	}
	if err := h.mgr.Logout(ctx); err != nil {
		t.Fatalf("second Logout: %v", err)
	}

	if h.mgr.State() != StateAnonymous || h.mgr.AccessToken() != "" {
		t.Fatalf("expected anonymous, got %+v", h.mgr.Snapshot())
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected cleared storage, %d keys left", h.store.Len())
	}
	if got := h.backend.LogoutCalls(); got != 1 {
		t.Fatalf("expected one backend notification, got %d", got)
	}
	if h.mgr.CanView() {
		t.Fatalf("expected no capabilities after logout")
	}
}

func TestReauthorize_RefreshFailureExpiresEveryWaiter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	snap := h.login(t, loginResponse(t, time.Hour, "MODELER"))

	events, cancel := h.mgr.Subscribe(16)
	defer cancel()
	<-events // initial

	release := make(chan struct{})
	h.backend.refreshFn = func(ctx context.Context, _ string) (AuthResponse, error) {
		<-release
		return AuthResponse{}, fmt.Errorf("%w: refresh token revoked", ErrUnauthorized)
	}

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.mgr.Reauthorize(ctx, snap.AccessToken)
			errs <- err
		}()
	}
	waitFor(t, "waiters to queue", func() bool { return h.mgr.RefreshPending() == n })
	close(release)

	for i := 0; i < n; i++ {
		if err := <-errs; !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("waiter %d: expected ErrSessionExpired, got %v", i, err)
		}
	}

	if got := h.backend.RefreshCalls(); got != 1 {
		t.Fatalf("expected one refresh call, got %d", got)
	}
	if h.mgr.State() != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", h.mgr.State())
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected cleared storage, %d keys left", h.store.Len())
	}

	var reasons []Reason
	for len(reasons) < 2 {
		reasons = append(reasons, (<-events).Reason)
	}
	if reasons[0] != ReasonRefreshStart || reasons[1] != ReasonRefreshFailed {
		t.Fatalf("unexpected transitions %v", reasons)
	}

	if got := testutil.ToFloat64(h.metrics.refreshes.WithLabelValues(OutcomeFailure)); got != 1 {
		t.Fatalf("expected one failed refresh metric, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.waiters); got != n-1 {
		t.Fatalf("expected %d joined waiters, got %v", n-1, got)
	}
}

func TestReauthorize_SuccessSharesNewToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	snap := h.login(t, loginResponse(t, time.Hour, "VIEWER"))

	fresh := tokentest.JWT(t, "alice", time.Now().Add(2*time.Hour), "VIEWER")
	h.backend.refreshFn = func(context.Context, string) (AuthResponse, error) {
		// Refresh token and user omitted: previous values are kept.
		return AuthResponse{AccessToken: fresh}, nil
	}

	got, err := h.mgr.Reauthorize(ctx, snap.AccessToken)
	if err != nil || got != fresh {
		t.Fatalf("Reauthorize=%q err=%v", got, err)
	}

	now := h.mgr.Snapshot()
	if now.RefreshToken != "refresh-0" || now.User == nil || now.User.Username != "alice" {
		t.Fatalf("expected previous refresh token and user to be kept, got %+v", now)
	}
	rec, ok := h.creds.Load(ctx)
	if !ok || rec.AccessToken != fresh {
		t.Fatalf("expected refreshed token persisted, got %+v", rec)
	}

	// A request rejected with the old token retries with the current one, no new refresh.
	again, err := h.mgr.Reauthorize(ctx, snap.AccessToken)
	if err != nil || again != fresh {
		t.Fatalf("stale rejection: got %q err=%v", again, err)
	}
	if calls := h.backend.RefreshCalls(); calls != 1 {
		t.Fatalf("expected one refresh call, got %d", calls)
	}
}

// gatedStore blocks Set while armed until release is closed.
type gatedStore struct {
	*credstore.MemoryStore
	armed   atomic.Bool
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *gatedStore) Set(ctx context.Context, key, value string) error {
	if s.armed.Load() {
		s.once.Do(func() { close(s.started) })
		<-s.release
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestReauthorize_TokenRejectedWhilePersistingStartsNewRefresh(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{
		MemoryStore: credstore.NewMemoryStore(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	fb := &fakeBackend{loginResp: loginResponse(t, time.Hour, "MODELER")}
	mgr, err := NewManager(DefaultConfig(), Options{
		Backend:     fb,
		Credentials: credstore.NewCredentials(store, quietLogger()),
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	snap, err := mgr.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	fresh := tokentest.JWT(t, "alice", time.Now().Add(time.Hour), "MODELER")
	fresher := tokentest.JWT(t, "alice", time.Now().Add(2*time.Hour), "MODELER")
	fb.refreshFn = func(context.Context, string) (AuthResponse, error) {
		if fb.RefreshCalls() == 1 {
			return AuthResponse{AccessToken: fresh}, nil
		}
		return AuthResponse{AccessToken: fresher}, nil
	}
	store.armed.Store(true)

	first := make(chan string, 1)
	go func() {
		tok, _ := mgr.Reauthorize(ctx, snap.AccessToken)
		first <- tok
	}()
	<-store.started
	if mgr.AccessToken() != fresh {
		t.Fatalf("expected the refreshed token to be published before persisting")
	}

	type result struct {
		tok string
		err error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := mgr.Reauthorize(ctx, fresh)
		second <- result{tok, err}
	}()
	waitFor(t, "caller to join the persisting refresh", func() bool { return mgr.RefreshPending() == 2 })
	close(store.release)

	if got := <-first; got != fresh {
		t.Fatalf("first caller got %q, want the first refreshed token", got)
	}
	got := <-second
	if got.err != nil || got.tok != fresher {
		t.Fatalf("caller rejected with the new token got %q err=%v, want a second refresh", got.tok, got.err)
	}
	if calls := fb.RefreshCalls(); calls != 2 {
		t.Fatalf("expected two refresh calls, got %d", calls)
	}
	if mgr.State() != StateAuthenticated || mgr.AccessToken() != fresher {
		t.Fatalf("expected session on the second token, got %+v", mgr.Snapshot())
	}
}

func TestReauthorize_Anonymous(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	if _, err := h.mgr.Reauthorize(context.Background(), "whatever"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if h.backend.RefreshCalls() != 0 {
		t.Fatalf("anonymous session must not refresh")
	}
}

func TestRefresh_DiscardedAfterLogout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	snap := h.login(t, loginResponse(t, time.Hour, "MODELER"))

	started := make(chan struct{})
	release := make(chan struct{})
	h.backend.refreshFn = func(context.Context, string) (AuthResponse, error) {
		close(started)
		<-release
		return AuthResponse{AccessToken: tokentest.JWT(t, "alice", time.Now().Add(time.Hour))}, nil
	}

	errc := make(chan error, 1)
	go func() {
		_, err := h.mgr.Reauthorize(ctx, snap.AccessToken)
		errc <- err
	}()
	<-started

	if err := h.mgr.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if h.mgr.State() != StateAnonymous || h.store.Len() != 0 {
		t.Fatalf("late refresh must not resurrect the session: %+v, %d keys", h.mgr.Snapshot(), h.store.Len())
	}
}

func TestHandleUnauthorized_RetriesWithNewToken(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	snap := h.login(t, loginResponse(t, time.Hour, "MODELER"))

	fresh := tokentest.JWT(t, "alice", time.Now().Add(time.Hour))
	h.backend.refreshFn = func(context.Context, string) (AuthResponse, error) {
		return AuthResponse{AccessToken: fresh, RefreshToken: "refresh-1"}, nil
	}

	var retriedWith string
	resp, err := h.mgr.HandleUnauthorized(context.Background(), snap.AccessToken, func(_ context.Context, tok string) (*http.Response, error) {
		retriedWith = tok
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusOK)
		return rec.Result(), nil
	})
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("HandleUnauthorized: resp=%v err=%v", resp, err)
	}
	if retriedWith != fresh {
		t.Fatalf("retried with %q, want the refreshed token", retriedWith)
	}
	if h.mgr.Snapshot().RefreshToken != "refresh-1" {
		t.Fatalf("expected rotated refresh token")
	}
}

func TestAuthorize(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "http://backend/api/v1/diagrams", nil)
	if got := h.mgr.Authorize(req).Header.Get("Authorization"); got != "" {
		t.Fatalf("anonymous request must not carry a token, got %q", got)
	}

	snap := h.login(t, loginResponse(t, time.Hour, "VIEWER"))

	out := h.mgr.Authorize(req)
	if got := BearerToken(out.Header); got != snap.AccessToken {
		t.Fatalf("expected bearer token, got %q", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("Authorize must not mutate the original request")
	}

	for _, path := range []string{PathLogin, PathRegister, PathRefresh, PathLogout} {
		r := httptest.NewRequest(http.MethodPost, "http://backend/api/v1"+path, nil)
		r.Header.Set("Authorization", "Bearer stale")
		if got := h.mgr.Authorize(r).Header.Get("Authorization"); got != "" {
			t.Fatalf("%s must never carry a token, got %q", path, got)
		}
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing stored", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		snap, err := h.mgr.Restore(ctx)
		if err != nil || snap.State != StateAnonymous {
			t.Fatalf("Restore=%+v err=%v", snap, err)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		resp := loginResponse(t, time.Hour, "ADMIN")
		_ = h.creds.Save(ctx, credstore.Record{AccessToken: resp.AccessToken, RefreshToken: "r", User: *resp.User})

		snap, err := h.mgr.Restore(ctx)
		if err != nil || snap.State != StateAuthenticated || !h.mgr.IsAdmin() {
			t.Fatalf("Restore=%+v err=%v", snap, err)
		}
		if h.backend.RefreshCalls() != 0 {
			t.Fatalf("valid token must not be refreshed")
		}
	})

	t.Run("expired token is refreshed", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		expired := tokentest.JWT(t, "alice", time.Now().Add(-time.Minute))
		_ = h.creds.Save(ctx, credstore.Record{AccessToken: expired, RefreshToken: "r", User: *alice("VIEWER")})

		fresh := tokentest.JWT(t, "alice", time.Now().Add(time.Hour))
		h.backend.refreshFn = func(context.Context, string) (AuthResponse, error) {
			return AuthResponse{AccessToken: fresh}, nil
		}

		snap, err := h.mgr.Restore(ctx)
		if err != nil || snap.AccessToken != fresh || snap.State != StateAuthenticated {
			t.Fatalf("Restore=%+v err=%v", snap, err)
		}
	})

	t.Run("malformed token with failing refresh clears session", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		_ = h.creds.Save(ctx, credstore.Record{AccessToken: "not-a-jwt", RefreshToken: "r", User: *alice("VIEWER")})
		h.backend.refreshFn = func(context.Context, string) (AuthResponse, error) {
			return AuthResponse{}, errors.New("invalid refresh token")
		}

		snap, err := h.mgr.Restore(ctx)
		if !errors.Is(err, ErrSessionExpired) || snap.State != StateAnonymous {
			t.Fatalf("Restore=%+v err=%v", snap, err)
		}
		if h.store.Len() != 0 {
			t.Fatalf("expected storage cleared, %d keys left", h.store.Len())
		}
	})
}

func TestReloadUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	snap := h.login(t, loginResponse(t, time.Hour, "VIEWER"))

	fresh := tokentest.JWT(t, "alice", time.Now().Add(time.Hour))
	h.backend.refreshFn = func(context.Context, string) (AuthResponse, error) {
		return AuthResponse{AccessToken: fresh}, nil
	}
	h.backend.userFn = func(_ context.Context, tok string) (identity.User, error) {
		if tok == snap.AccessToken {
			return identity.User{}, ErrUnauthorized
		}
		return *alice("ROLE_MODELER"), nil
	}

	u, err := h.mgr.ReloadUser(ctx)
	if err != nil {
		t.Fatalf("ReloadUser: %v", err)
	}
	if !u.HasRole(identity.RoleModeler) || !h.mgr.CanEdit() {
		t.Fatalf("expected promoted user, got %+v", u)
	}
	stored, ok := h.creds.User(ctx)
	if !ok || !stored.HasRole(identity.RoleModeler) {
		t.Fatalf("expected reloaded user persisted, got %+v", stored)
	}
	if h.backend.RefreshCalls() != 1 {
		t.Fatalf("expected one refresh, got %d", h.backend.RefreshCalls())
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	events, cancel := h.mgr.Subscribe(8)
	first := <-events
	if first.Reason != ReasonInitial || first.Snapshot.State != StateAnonymous {
		t.Fatalf("unexpected initial event %+v", first)
	}

	h.login(t, loginResponse(t, time.Hour, "VIEWER"))
	if ev := <-events; ev.Reason != ReasonLogin || ev.Snapshot.State != StateAuthenticated || ev.Seq <= first.Seq {
		t.Fatalf("unexpected login event %+v", ev)
	}

	_ = h.mgr.Logout(context.Background())
	if ev := <-events; ev.Reason != ReasonLogout || ev.Snapshot.State != StateAnonymous {
		t.Fatalf("unexpected logout event %+v", ev)
	}

	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestSubscribe_SlowSubscriberKeepsNewest(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	events, cancel := h.mgr.Subscribe(1)
	defer cancel()

	for i := 0; i < 3; i++ {
		h.login(t, loginResponse(t, time.Hour, "VIEWER"))
		_ = h.mgr.Logout(context.Background())
	}

	ev := <-events
	if ev.Reason != ReasonLogout {
		t.Fatalf("expected the newest event to survive, got %s", ev.Reason)
	}
}

func TestSubscribe_ConcurrentPublishers(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.login(t, loginResponse(t, time.Hour, "VIEWER"))

	events, cancel := h.mgr.Subscribe(256)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.mgr.Subscribe(1)
			_ = h.mgr.Capabilities()
		}()
	}
	wg.Wait()

	last := (<-events).Seq
	_ = h.mgr.Logout(context.Background())
	if ev := <-events; ev.Seq <= last {
		t.Fatalf("sequence must increase: %d then %d", last, ev.Seq)
	}
}

func TestRefreshDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		exp    time.Time
		leeway time.Duration
		want   time.Duration
	}{
		{"long lived", now.Add(15 * time.Minute), 5 * time.Minute, 10 * time.Minute},
		{"shorter than leeway", now.Add(2 * time.Minute), 5 * time.Minute, time.Minute},
		{"already expired", now.Add(-time.Minute), 5 * time.Minute, time.Second},
		{"no leeway", now.Add(time.Hour), 0, time.Hour},
	}
	for _, tc := range cases {
		if got := RefreshDelay(tc.exp, now, tc.leeway); got != tc.want {
			t.Fatalf("%s: RefreshDelay=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestRunRefresher_RefreshesBeforeExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshLeeway = time.Hour
	h := newHarness(t, cfg)

	// A 2s token with an hour of leeway is refreshed after half its lifetime.
	h.login(t, loginResponse(t, 2*time.Second, "VIEWER"))

	fresh := tokentest.JWT(t, "alice", time.Now().Add(time.Hour))
	h.backend.refreshFn = func(context.Context, string) (AuthResponse, error) {
		return AuthResponse{AccessToken: fresh}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mgr.RunRefresher(ctx) }()

	waitFor(t, "proactive refresh", func() bool { return h.mgr.AccessToken() == fresh })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunRefresher: %v", err)
	}
	if h.backend.RefreshCalls() != 1 {
		t.Fatalf("expected one refresh, got %d", h.backend.RefreshCalls())
	}
}
