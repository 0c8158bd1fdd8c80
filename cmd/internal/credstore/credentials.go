package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"modeler/cmd/identity"
)

// Record is a complete persisted session.
type Record struct {
	AccessToken  string
	RefreshToken string
	User         identity.User
}

// Credentials is the typed view over a Store.
type Credentials struct {
	store Store
	log   *slog.Logger
}

// NewCredentials wraps s. A nil logger falls back to slog.Default().
func NewCredentials(s Store, log *slog.Logger) *Credentials {
	if log == nil {
		log = slog.Default()
	}
	return &Credentials{store: s, log: log}
}

// AccessToken returns the stored access token, or "" when absent or unreadable.
func (c *Credentials) AccessToken(ctx context.Context) string {
	return c.read(ctx, KeyAccessToken)
}

// RefreshToken returns the stored refresh token, or "" when absent or unreadable.
func (c *Credentials) RefreshToken(ctx context.Context) string {
	return c.read(ctx, KeyRefreshToken)
}

// User returns the cached user record. A record that does not parse is
// reported absent but left in place.
func (c *Credentials) User(ctx context.Context) (identity.User, bool) {
	raw := c.read(ctx, KeyCurrentUser)
	if raw == "" {
		return identity.User{}, false
	}

	var u identity.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		c.log.Warn("credstore.user.unparseable", "err", err)
		return identity.User{}, false
	}
	if err := u.Validate(); err != nil {
		c.log.Warn("credstore.user.invalid", "err", err)
		return identity.User{}, false
	}
	return u, true
}

// Load returns the stored record. ok is false unless all three parts are present.
func (c *Credentials) Load(ctx context.Context) (Record, bool) {
	at := c.AccessToken(ctx)
	rt := c.RefreshToken(ctx)
	u, hasUser := c.User(ctx)
	if at == "" || rt == "" || !hasUser {
		return Record{}, false
	}
	return Record{AccessToken: at, RefreshToken: rt, User: u}, true
}

// Save persists rec. The user is written first and the access token last, so
// an interrupted Save never leaves a token without its user. On a partial
// failure the remaining entries are cleared.
func (c *Credentials) Save(ctx context.Context, rec Record) error {
	if rec.AccessToken == "" || rec.RefreshToken == "" || rec.User.Username == "" {
		return ErrIncompleteRecord
	}

	b, err := json.Marshal(rec.User)
	if err != nil {
		return fmt.Errorf("credstore: encode user: %w", err)
	}

	writes := []struct{ key, value string }{
		{KeyCurrentUser, string(b)},
		{KeyRefreshToken, rec.RefreshToken},
		{KeyAccessToken, rec.AccessToken},
	}
	for _, w := range writes {
		if err := c.store.Set(ctx, w.key, w.value); err != nil {
			c.log.Error("credstore.save.fail", "key", w.key, "err", err)
			_ = c.Clear(ctx)
			return unavailable("save", err)
		}
	}
	return nil
}

// SaveUser replaces only the cached user record.
func (c *Credentials) SaveUser(ctx context.Context, u identity.User) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("credstore: encode user: %w", err)
	}
	if err := c.store.Set(ctx, KeyCurrentUser, string(b)); err != nil {
		return unavailable("save_user", err)
	}
	return nil
}

// Clear removes all three entries. Every key is attempted; errors are joined.
func (c *Credentials) Clear(ctx context.Context) error {
	var errs []error
	for _, k := range []string{KeyAccessToken, KeyRefreshToken, KeyCurrentUser} {
		if err := c.store.Remove(ctx, k); err != nil {
			errs = append(errs, unavailable("clear", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Credentials) read(ctx context.Context, key string) string {
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("credstore.read.fail", "key", key, "err", err)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}
