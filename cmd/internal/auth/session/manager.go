package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"modeler/cmd/identity"
	"modeler/cmd/internal/credstore"
	"modeler/cmd/security/token"
)

// minRefreshDelay keeps the proactive refresher from spinning on tokens that
// are already (or almost) expired.
const minRefreshDelay = time.Second

// RetryFunc re-issues a rejected request with accessToken.
type RetryFunc func(ctx context.Context, accessToken string) (*http.Response, error)

// Options are the Manager's collaborators.
type Options struct {
	Backend     Backend
	Credentials *credstore.Credentials

	// Codec reads token expiry. Defaults to the JWT codec.
	Codec token.Codec

	// Metrics may be nil.
	Metrics *Metrics

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager owns the session state. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	backend Backend
	creds   *credstore.Credentials
	codec   token.Codec
	coord   *Coordinator
	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time

	// mu guards the snapshot, the epoch and the subscriber set. Events are
	// published while it is held so subscribers see transitions in order.
	mu      sync.RWMutex
	snap    Snapshot
	epoch   uint64
	seq     uint64
	subs    map[uint64]chan Event
	nextSub uint64

	// persistMu serializes writes to the credential store.
	persistMu sync.Mutex
}

// NewManager returns a Manager in the Anonymous state. Call Restore to load
// a persisted session.
func NewManager(cfg Config, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Backend == nil || opts.Credentials == nil {
		return nil, fmt.Errorf("%w: backend and credentials are required", ErrConfig)
	}

	m := &Manager{
		cfg:     cfg,
		backend: opts.Backend,
		creds:   opts.Credentials,
		codec:   opts.Codec,
		coord:   NewCoordinator(cfg.RefreshTimeout),
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     opts.Now,
		snap:    anonymous(),
		subs:    make(map[uint64]chan Event),
	}
	if m.codec == nil {
		m.codec = token.NewJWTCodec()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Snapshot returns the current session.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.Snapshot().State }

// AccessToken returns the current access token, or "".
func (m *Manager) AccessToken() string { return m.Snapshot().AccessToken }

// User returns the signed-in user.
func (m *Manager) User() (identity.User, bool) {
	s := m.Snapshot()
	if s.User == nil {
		return identity.User{}, false
	}
	return *s.User, true
}

// Capabilities returns the flags derived from the current user's roles.
func (m *Manager) Capabilities() identity.Capabilities { return m.Snapshot().Capabilities() }

func (m *Manager) CanView() bool   { return m.Capabilities().CanView }
func (m *Manager) CanEdit() bool   { return m.Capabilities().CanEdit }
func (m *Manager) CanCreate() bool { return m.Capabilities().CanCreate }
func (m *Manager) CanDelete() bool { return m.Capabilities().CanDelete }
func (m *Manager) IsAdmin() bool   { return m.Capabilities().IsAdmin }
func (m *Manager) IsModeler() bool { return m.Capabilities().IsModeler }
func (m *Manager) IsViewer() bool  { return m.Capabilities().IsViewer }

// RefreshPending reports how many callers wait on the in-flight refresh.
func (m *Manager) RefreshPending() int { return m.coord.Pending() }

// Login exchanges credentials for a session. On failure the stored
// credentials are left untouched.
func (m *Manager) Login(ctx context.Context, username, password string) (Snapshot, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		m.metrics.login(OutcomeFailure)
		return Snapshot{}, ErrInvalidCredentials
	}

	resp, err := m.backend.Login(ctx, LoginRequest{Username: username, Password: password})
	if err != nil {
		m.metrics.login(OutcomeFailure)
		m.log.Info("session.login.fail", "username", username, "err", err)
		return Snapshot{}, asServerError(err)
	}
	return m.establish(ctx, resp, ReasonLogin)
}

// Register creates an account and signs it in.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (Snapshot, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Password == "" {
		return Snapshot{}, identity.OpError{Op: "session.Register", Kind: identity.ErrInvalidInput, Msg: "username and password are required"}
	}

	resp, err := m.backend.Register(ctx, req)
	if err != nil {
		m.metrics.login(OutcomeFailure)
		m.log.Info("session.register.fail", "username", req.Username, "err", err)
		return Snapshot{}, asServerError(err)
	}
	return m.establish(ctx, resp, ReasonRegister)
}

func (m *Manager) establish(ctx context.Context, resp AuthResponse, reason Reason) (Snapshot, error) {
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.User == nil {
		m.metrics.login(OutcomeFailure)
		return Snapshot{}, &ServerError{Status: http.StatusOK, Message: "incomplete session in response"}
	}

	next := m.authenticated(resp.AccessToken, resp.RefreshToken, *resp.User, resp.ExpiresIn)

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.setLocked(next, reason)
	m.mu.Unlock()

	m.persist(ctx, epoch, next)
	m.metrics.login(OutcomeSuccess)
	m.log.Info("session."+string(reason)+".ok",
		"username", next.User.Username,
		"roles", next.User.RoleNames(),
		"token", token.Fingerprint(next.AccessToken),
		"expires_at", next.ExpiresAt,
	)
	return next, nil
}

// Logout clears the local session first, then notifies the backend on a
// best-effort basis. It is idempotent. The returned error only reports a
// failure to clear stored credentials.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	prev := m.snap
	m.epoch++
	if prev.State != StateAnonymous {
		m.setLocked(anonymous(), ReasonLogout)
	}
	m.mu.Unlock()

	err := m.clearPersisted(ctx)

	if prev.AccessToken != "" {
		m.log.Info("session.logout", "username", prev.User.Username, "token", token.Fingerprint(prev.AccessToken))

		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LogoutTimeout)
		defer cancel()
		if berr := m.backend.Logout(nctx, prev.AccessToken, prev.RefreshToken); berr != nil {
			m.log.Info("session.logout.notify.fail", "err", berr)
		}
	}
	return err
}

// Restore loads the persisted session. An expired or unreadable access token
// is refreshed once; if that fails the session ends Anonymous and
// ErrSessionExpired is returned. No stored session is not an error.
func (m *Manager) Restore(ctx context.Context) (Snapshot, error) {
	rec, ok := m.creds.Load(ctx)
	if !ok {
		m.log.Info("session.restore.none")
		return m.Snapshot(), nil
	}

	next := m.authenticated(rec.AccessToken, rec.RefreshToken, rec.User, 0)

	m.mu.Lock()
	m.epoch++
	m.setLocked(next, ReasonRestore)
	m.mu.Unlock()

	if !token.IsExpired(m.codec, rec.AccessToken, m.now(), m.cfg.ClockSkew) {
		m.log.Info("session.restore.ok", "username", rec.User.Username, "expires_at", next.ExpiresAt)
		return next, nil
	}

	m.log.Info("session.restore.expired", "token", token.Fingerprint(rec.AccessToken))
	return m.Refresh(ctx)
}

// Refresh renews the access token through the Coordinator, joining a refresh
// already in flight.
func (m *Manager) Refresh(ctx context.Context) (Snapshot, error) {
	if !m.Snapshot().Authenticated() {
		return m.Snapshot(), ErrNotAuthenticated
	}
	if _, err := m.await(ctx); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// ReloadUser fetches the current user from the backend and replaces the
// cached record. A rejected token is renewed once.
func (m *Manager) ReloadUser(ctx context.Context) (identity.User, error) {
	tok := m.AccessToken()
	if tok == "" {
		return identity.User{}, ErrNotAuthenticated
	}

	u, err := m.backend.CurrentUser(ctx, tok)
	if errors.Is(err, ErrUnauthorized) {
		tok, err = m.Reauthorize(ctx, tok)
		if err != nil {
			return identity.User{}, err
		}
		u, err = m.backend.CurrentUser(ctx, tok)
		if errors.Is(err, ErrUnauthorized) {
			return identity.User{}, ErrSessionExpired
		}
	}
	if err != nil {
		return identity.User{}, err
	}

	m.mu.Lock()
	if m.snap.AccessToken != tok {
		// The session changed underneath; the fetched record belongs to an older token.
		m.mu.Unlock()
		return u, nil
	}
	next := m.snap
	next.User = &u
	epoch := m.epoch
	m.setLocked(next, ReasonUserReloaded)
	m.mu.Unlock()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if m.epochIs(epoch) {
		if err := m.creds.SaveUser(context.WithoutCancel(ctx), u); err != nil {
			m.log.Warn("session.persist.fail", "err", err)
		}
	}
	return u, nil
}

// Authorize returns a copy of req carrying the current bearer token. Auth
// endpoints never carry one.
func (m *Manager) Authorize(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	if IsAuthEndpoint(req.URL.Path) {
		out.Header.Del("Authorization")
		return out
	}
	if tok := m.AccessToken(); tok != "" {
		out.Header.Set("Authorization", "Bearer "+tok)
	}
	return out
}

// HandleUnauthorized recovers from a 401 on a request sent with
// rejectedToken: it obtains a fresh token (see Reauthorize) and re-issues the
// request through retry exactly once.
func (m *Manager) HandleUnauthorized(ctx context.Context, rejectedToken string, retry RetryFunc) (*http.Response, error) {
	tok, err := m.Reauthorize(ctx, rejectedToken)
	if err != nil {
		return nil, err
	}
	return retry(ctx, tok)
}

// Reauthorize returns the token a rejected request should be retried with.
//
// If the session already moved past rejectedToken, the current token is
// returned without a refresh. Otherwise the caller joins (or starts) the
// single in-flight refresh. Failures are reported as ErrSessionExpired; a
// cancelled ctx is reported as its own error.
func (m *Manager) Reauthorize(ctx context.Context, rejectedToken string) (string, error) {
	cur := m.Snapshot()
	if !cur.Authenticated() {
		return "", ErrSessionExpired
	}
	if cur.State == StateAuthenticated && cur.AccessToken != rejectedToken {
		m.log.Debug("session.reauthorize.current", "rejected", token.Fingerprint(rejectedToken), "current", token.Fingerprint(cur.AccessToken))
		return cur.AccessToken, nil
	}

	tok, err := m.await(ctx)
	if err == nil && tok == rejectedToken {
		// Joined a refresh that had already published the rejected token;
		// the coordinator is reset by now, so this starts a new one.
		m.log.Debug("session.reauthorize.rejoin", "rejected", token.Fingerprint(rejectedToken))
		return m.await(ctx)
	}
	return tok, err
}

func (m *Manager) await(ctx context.Context) (string, error) {
	out, leader := m.coord.Do(ctx, m.refresh)
	if !leader {
		m.metrics.waiterJoined()
	}
	if out.Err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(out.Err, ctxErr) {
			return "", ctxErr
		}
		return "", ErrSessionExpired
	}
	return out.AccessToken, nil
}

// refresh is the Coordinator's RefreshFunc. It runs at most once at a time.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	start := time.Now()

	m.mu.Lock()
	epoch := m.epoch
	cur := m.snap
	if !cur.Authenticated() {
		m.mu.Unlock()
		return "", ErrSessionExpired
	}
	if cur.State == StateAuthenticated {
		refreshing := cur
		refreshing.State = StateRefreshing
		m.setLocked(refreshing, ReasonRefreshStart)
	}
	m.mu.Unlock()

	if cur.RefreshToken == "" {
		m.metrics.observeRefresh(OutcomeNoRefreshToken, 0)
		return "", m.expire(ctx, epoch, errors.New("no refresh token stored"))
	}

	resp, err := m.backend.Refresh(ctx, cur.RefreshToken)
	elapsed := time.Since(start)

	m.mu.Lock()
	if m.epoch != epoch {
		// Signed out or in again while the call was pending.
		now := m.snap
		m.mu.Unlock()
		m.metrics.observeRefresh(OutcomeDiscarded, elapsed)
		m.log.Info("session.refresh.discarded")
		if now.Authenticated() {
			return now.AccessToken, nil
		}
		return "", ErrSessionExpired
	}
	if err != nil {
		m.mu.Unlock()
		m.metrics.observeRefresh(OutcomeFailure, elapsed)
		return "", m.expire(ctx, epoch, err)
	}

	user := *cur.User
	if resp.User != nil && resp.User.Validate() == nil {
		user = *resp.User
	}
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = cur.RefreshToken
	}
	next := m.authenticated(resp.AccessToken, refreshToken, user, resp.ExpiresIn)
	m.setLocked(next, ReasonRefreshed)
	m.mu.Unlock()

	m.persist(ctx, epoch, next)
	m.metrics.observeRefresh(OutcomeSuccess, elapsed)
	m.log.Info("session.refresh.ok",
		"token", token.Fingerprint(next.AccessToken),
		"expires_at", next.ExpiresAt,
		"duration_ms", elapsed.Milliseconds(),
	)
	return next.AccessToken, nil
}

// expire ends the session after an unrecoverable refresh failure.
func (m *Manager) expire(ctx context.Context, epoch uint64, cause error) error {
	m.log.Warn("session.refresh.fail", "err", cause)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return ErrSessionExpired
	}
	m.epoch++
	m.setLocked(anonymous(), ReasonRefreshFailed)
	m.mu.Unlock()

	_ = m.clearPersisted(ctx)
	return ErrSessionExpired
}

// RunRefresher renews the access token RefreshLeeway before it expires until
// ctx is done. It shares the Coordinator with request-driven refreshes.
func (m *Manager) RunRefresher(ctx context.Context) error {
	events, cancel := m.Subscribe(4)
	defer cancel()

	for {
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if s := m.Snapshot(); s.State == StateAuthenticated && !s.ExpiresAt.IsZero() {
			wait := RefreshDelay(s.ExpiresAt, m.now(), m.cfg.RefreshLeeway)
			timer = time.NewTimer(wait)
			fire = timer.C
			m.log.Debug("session.refresher.armed", "in", wait.String())
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-events:
		case <-fire:
			if _, err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrNotAuthenticated) {
				m.log.Warn("session.refresher.fail", "err", err)
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// RefreshDelay returns how long to wait before proactively refreshing a token
// expiring at exp: leeway before expiry, but never less than half of the
// remaining lifetime, and never less than a second.
func RefreshDelay(exp, now time.Time, leeway time.Duration) time.Duration {
	until := exp.Sub(now)
	wait := until - leeway
	if half := until / 2; wait < half {
		wait = half
	}
	if wait < minRefreshDelay {
		wait = minRefreshDelay
	}
	return wait
}

// Subscribe returns a channel of session events and a cancel func. The
// current session is delivered first. A subscriber that falls behind loses
// its oldest undelivered events; the newest is always kept.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- Event{Seq: m.seq, Reason: ReasonInitial, At: m.now(), Snapshot: m.snap}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// setLocked installs next and publishes it. m.mu must be held for writing.
func (m *Manager) setLocked(next Snapshot, reason Reason) {
	prev := m.snap.State
	m.snap = next
	m.seq++

	ev := Event{Seq: m.seq, Reason: reason, At: m.now(), Snapshot: next}
	for _, ch := range m.subs {
		deliver(ch, ev)
	}

	m.metrics.setState(next.State)
	if prev != next.State {
		m.log.Debug("session.state", "from", string(prev), "to", string(next.State), "reason", string(reason))
	}
}

func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	// Full: drop the oldest and retry once.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

func (m *Manager) authenticated(access, refresh string, u identity.User, expiresIn int64) Snapshot {
	u = u.WithUniqueRoles()
	exp := token.ExpiresAt(m.codec, access)
	if exp.IsZero() && expiresIn > 0 {
		exp = m.now().Add(time.Duration(expiresIn) * time.Second)
	}
	return Snapshot{
		State:        StateAuthenticated,
		AccessToken:  access,
		RefreshToken: refresh,
		User:         &u,
		ExpiresAt:    exp,
	}
}

func (m *Manager) epochIs(epoch uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch == epoch
}

// persist writes s unless the session changed since epoch. Storage failures
// are logged; the in-memory session stays valid for the life of the process.
func (m *Manager) persist(ctx context.Context, epoch uint64, s Snapshot) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if !m.epochIs(epoch) {
		return
	}
	err := m.creds.Save(context.WithoutCancel(ctx), credstore.Record{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		User:         *s.User,
	})
	if err != nil {
		m.log.Warn("session.persist.fail", "err", err)
	}
}

func (m *Manager) clearPersisted(ctx context.Context) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.creds.Clear(context.WithoutCancel(ctx)); err != nil {
		m.log.Warn("session.clear.fail", "err", err)
		return err
	}
	return nil
}

// asServerError passes through the backend's typed errors and wraps anything
// else as a ServerError.
func asServerError(err error) error {
	if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrServerError) {
		return err
	}
	var ie identity.OpError
	if errors.As(err, &ie) {
		return err
	}
	return &ServerError{Err: err}
}
