package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"modeler/cmd/internal/credstore"
	"modeler/cmd/security/seal"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for stores without resources to release.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

type sqliteStore struct{ s *credstore.SQLiteStore }

func (s sqliteStore) Close(_ context.Context) error { return s.s.Close() }

// dbStore owns the pool shared by the postgres credential store and /readyz.
type dbStore struct{ pool *pgxpool.Pool }

func (s dbStore) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}

// credentialBackend is the selected credential store and what it holds open.
type credentialBackend struct {
	store  credstore.Store
	closer Store
	pool   *pgxpool.Pool
}

// newCredentialStore opens the credential store named by cfg.CredStore.
func newCredentialStore(ctx context.Context, cfg Config, log Logger) (credentialBackend, error) {
	switch cfg.CredStore {
	case CredStoreFile:
		path, err := credentialPath(cfg.CredStorePath, "credentials.json")
		if err != nil {
			return credentialBackend{}, err
		}
		var sealer *seal.Sealer
		if cfg.CredStorePassphrase != "" {
			sc, err := seal.FromEnv()
			if err != nil {
				return credentialBackend{}, err
			}
			if sealer, err = seal.NewSealer(cfg.CredStorePassphrase, sc); err != nil {
				return credentialBackend{}, err
			}
		}
		fs, err := credstore.NewFileStore(path, sealer)
		if err != nil {
			return credentialBackend{}, err
		}
		log.Info("credstore.file", "path", path, "sealed", sealer != nil)
		return credentialBackend{store: fs, closer: nopStore{}}, nil

	case CredStoreSQLite:
		path, err := credentialPath(cfg.CredStorePath, "credentials.db")
		if err != nil {
			return credentialBackend{}, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return credentialBackend{}, fmt.Errorf("create credential dir: %w", err)
		}
		ss, err := credstore.OpenSQLite(path)
		if err != nil {
			return credentialBackend{}, err
		}
		log.Info("credstore.sqlite", "path", path)
		return credentialBackend{store: ss, closer: sqliteStore{s: ss}}, nil

	case CredStorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return credentialBackend{}, err
		}
		ps := credstore.NewPostgresStore(pool, cfg.CredStoreProfile)
		if err := ps.EnsureSchema(ctx); err != nil {
			pool.Close()
			return credentialBackend{}, err
		}
		log.Info("credstore.postgres", "profile", cfg.CredStoreProfile)
		return credentialBackend{store: ps, closer: dbStore{pool: pool}, pool: pool}, nil

	default:
		log.Info("credstore.memory")
		return credentialBackend{store: credstore.NewMemoryStore(), closer: nopStore{}}, nil
	}
}

// credentialPath returns path, or name inside the user config directory.
func credentialPath(path, name string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve credential path: %w", err)
	}
	return filepath.Join(dir, "modeler", name), nil
}
