package interceptor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modeler/cmd/internal/auth/session"
	"modeler/cmd/internal/credstore"
	"modeler/cmd/security/token/tokentest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI is a backend whose protected resources accept only the current token.
type fakeAPI struct {
	t *testing.T

	mu        sync.Mutex
	current   string
	next      string
	refreshes atomic.Int32
	rejected  atomic.Int32

	// refreshGate, when set, holds the refresh until it returns.
	refreshGate func()
	refreshFail bool

	forbidden map[string]bool
	seenAuth  map[string][]string
	bodies    []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	return &fakeAPI{t: t, forbidden: map[string]bool{}, seenAuth: map[string][]string{}}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")

	f.mu.Lock()
	f.seenAuth[path] = append(f.seenAuth[path], r.Header.Get("Authorization"))
	f.mu.Unlock()

	switch path {
	case session.PathLogin:
		_, _ = io.WriteString(w, `{"accessToken":"`+f.currentToken()+`","refreshToken":"r0","user":{"id":1,"username":"alice","roles":["ROLE_MODELER"]}}`)
		return
	case session.PathRefresh:
		f.refreshes.Add(1)
		if f.refreshGate != nil {
			f.refreshGate()
		}
		if f.refreshFail {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.current = f.next
		tok := f.current
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"accessToken":"`+tok+`","refreshToken":"r1"}`)
		return
	}

	if f.forbidden[path] {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if session.BearerToken(r.Header) != f.currentToken() {
		f.rejected.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(b))
	f.mu.Unlock()
	_, _ = io.WriteString(w, "ok")
}

func (f *fakeAPI) currentToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

type fixture struct {
	api    *fakeAPI
	srv    *httptest.Server
	mgr    *session.Manager
	store  *credstore.MemoryStore
	client *http.Client
	base   string
}

// newFixture signs alice in with stale, while the backend already expects next.
func newFixture(t *testing.T, api *fakeAPI) *fixture {
	t.Helper()

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	base := srv.URL + "/api/v1"

	cfg := session.DefaultConfig()
	cfg.APIBaseURL = base

	store := credstore.NewMemoryStore()
	mgr, err := session.NewManager(cfg, session.Options{
		Backend:     session.NewHTTPBackend(base, srv.Client()),
		Credentials: credstore.NewCredentials(store, quietLogger()),
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := mgr.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	return &fixture{
		api:    api,
		srv:    srv,
		mgr:    mgr,
		store:  store,
		client: NewClient(mgr, srv.Client().Transport, quietLogger(), 5*time.Second),
		base:   base,
	}
}

// expire makes the backend reject the current token and mint fresh on refresh.
func (f *fixture) expire(t *testing.T) (stale, fresh string) {
	t.Helper()
	stale = f.mgr.AccessToken()
	fresh = tokentest.JWT(t, "alice", time.Now().Add(time.Hour), "ROLE_MODELER")
	f.api.mu.Lock()
	f.api.current = "rotated-away"
	f.api.next = fresh
	f.api.mu.Unlock()
	return stale, fresh
}

func loggedInAPI(t *testing.T) *fakeAPI {
	api := newFakeAPI(t)
	api.current = tokentest.JWT(t, "alice", time.Now().Add(time.Hour), "ROLE_MODELER")
	return api
}

func TestTransport_AttachesToken(t *testing.T) {
	f := newFixture(t, loggedInAPI(t))

	resp, err := f.client.Get(f.base + "/diagrams")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := f.api.seenAuth["/diagrams"][0]; got != "Bearer "+f.mgr.AccessToken() {
		t.Fatalf("unexpected Authorization %q", got)
	}
}

func TestTransport_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	api := loggedInAPI(t)
	f := newFixture(t, api)
	_, fresh := f.expire(t)

	const n = 3
	api.refreshGate = func() {
		// Hold the refresh until every request has been rejected once.
		deadline := time.Now().Add(3 * time.Second)
		for api.rejected.Load() < n && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.client.Get(f.base + "/diagrams")
			if err != nil {
				errs <- err
				return
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- errors.New(resp.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request failed: %v", err)
	}

	if got := api.refreshes.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
	if got := api.rejected.Load(); got != n {
		t.Fatalf("expected %d rejections, got %d", n, got)
	}

	var retried int
	for _, h := range api.seenAuth["/diagrams"] {
		if h == "Bearer "+fresh {
			retried++
		}
	}
	if retried != n {
		t.Fatalf("expected %d retries with the new token, got %d", n, retried)
	}
}

func TestTransport_RefreshFailureExpiresAll(t *testing.T) {
	api := loggedInAPI(t)
	f := newFixture(t, api)
	f.expire(t)
	api.refreshFail = true

	const n = 3
	api.refreshGate = func() {
		deadline := time.Now().Add(3 * time.Second)
		for api.rejected.Load() < n && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.client.Get(f.base + "/diagrams")
			if err == nil {
				_ = resp.Body.Close()
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, session.ErrSessionExpired) {
			t.Fatalf("expected ErrSessionExpired, got %v", err)
		}
	}
	if api.refreshes.Load() != 1 {
		t.Fatalf("expected one refresh call, got %d", api.refreshes.Load())
	}
	if f.mgr.State() != session.StateAnonymous || f.store.Len() != 0 {
		t.Fatalf("expected anonymous with cleared storage, got %s and %d keys", f.mgr.State(), f.store.Len())
	}
}

func TestTransport_AuthEndpointNeverCarriesToken(t *testing.T) {
	f := newFixture(t, loggedInAPI(t))
	if f.mgr.AccessToken() == "" {
		t.Fatalf("expected a stored token")
	}

	req, _ := http.NewRequest(http.MethodPost, f.base+"/auth/login", strings.NewReader(`{"username":"alice","password":"x"}`))
	req.Header.Set("Authorization", "Bearer stale")
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()

	if got := f.api.seenAuth[session.PathLogin]; len(got) == 0 || got[len(got)-1] != "" {
		t.Fatalf("login must not carry a bearer token, saw %q", got)
	}
}

func TestTransport_SecondUnauthorizedIsSessionExpired(t *testing.T) {
	api := loggedInAPI(t)
	f := newFixture(t, api)
	api.next = tokentest.JWT(t, "alice", time.Now().Add(time.Hour), "ROLE_MODELER")

	rejectAll := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer rejectAll.Close()

	resp, err := f.client.Get(rejectAll.URL + "/api/v1/diagrams")
	if err == nil {
		_ = resp.Body.Close()
	}
	if !errors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if api.refreshes.Load() != 1 {
		t.Fatalf("expected a single refresh, got %d", api.refreshes.Load())
	}
	// A rejected retry is reported, not turned into a logout.
	if f.mgr.State() != session.StateAuthenticated {
		t.Fatalf("expected session kept, got %s", f.mgr.State())
	}
}

func TestTransport_Forbidden(t *testing.T) {
	api := loggedInAPI(t)
	api.forbidden["/admin/users"] = true
	f := newFixture(t, api)

	var notified atomic.Int32
	f.client.Transport.(*Transport).OnForbidden = func(*http.Request) { notified.Add(1) }

	resp, err := f.client.Get(f.base + "/admin/users")
	if err == nil {
		_ = resp.Body.Close()
	}

	var fe *session.ForbiddenError
	if !errors.As(err, &fe) || !errors.Is(err, session.ErrForbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if fe.Path != "/api/v1/admin/users" {
		t.Fatalf("unexpected path %q", fe.Path)
	}
	if notified.Load() != 1 {
		t.Fatalf("expected one forbidden notification, got %d", notified.Load())
	}
	if api.refreshes.Load() != 0 || f.mgr.State() != session.StateAuthenticated {
		t.Fatalf("403 must neither refresh nor log out")
	}
	if len(api.seenAuth["/admin/users"]) != 1 {
		t.Fatalf("403 must not be retried")
	}
}

func TestTransport_ReplaysBodyOnRetry(t *testing.T) {
	api := loggedInAPI(t)
	f := newFixture(t, api)
	f.expire(t)

	const payload = `<bpmn:definitions id="d1"/>`
	req, _ := http.NewRequest(http.MethodPut, f.base+"/diagrams/1", io.NopCloser(strings.NewReader(payload)))
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(api.bodies) != 1 || api.bodies[0] != payload {
		t.Fatalf("expected the original body on retry, got %q", api.bodies)
	}
}

func TestTransport_RequestID(t *testing.T) {
	var ids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, r.Header.Get("X-Request-ID"))
	}))
	defer srv.Close()

	mgr := &stubAuthorizer{}
	client := NewClient(mgr, nil, quietLogger(), time.Second)

	resp, err := client.Get(srv.URL + "/x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/y", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()

	if len(ids) != 2 || len(ids[0]) != 26 || ids[1] != "caller-id" {
		t.Fatalf("unexpected request ids %q", ids)
	}
}

type stubAuthorizer struct{}

func (stubAuthorizer) Authorize(r *http.Request) *http.Request { return r }

func (stubAuthorizer) HandleUnauthorized(context.Context, string, session.RetryFunc) (*http.Response, error) {
	return nil, session.ErrSessionExpired
}

var _ Authorizer = (*session.Manager)(nil)
