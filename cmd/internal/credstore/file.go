package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"modeler/cmd/security/seal"
)

// FileStore keeps all entries in one JSON document on disk.
//
// Writes go to a temp file in the same directory and are renamed into place,
// so readers never observe a torn document. With a Sealer the document is
// encrypted at rest; a plaintext document is still readable and is sealed on
// the next write.
type FileStore struct {
	path   string
	sealer *seal.Sealer

	mu sync.Mutex
}

// NewFileStore returns a store backed by path. sealer may be nil.
func NewFileStore(path string, sealer *seal.Sealer) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credstore: file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, unavailable("file.init", err)
	}
	return &FileStore{path: path, sealer: sealer}, nil
}

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := doc[key]
	return v, ok, nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc[key] = value
	return s.write(doc)
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return s.write(doc)
}

func (s *FileStore) load() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, unavailable("file.read", err)
	}
	if len(b) == 0 {
		return make(map[string]string), nil
	}

	if seal.IsSealed(b) {
		if s.sealer == nil {
			return nil, unavailable("file.read", errors.New("document is sealed and no passphrase is configured"))
		}
		b, err = s.sealer.Open(b)
		if err != nil {
			return nil, unavailable("file.open", err)
		}
	}

	doc := make(map[string]string)
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, unavailable("file.decode", err)
	}
	return doc, nil
}

func (s *FileStore) write(doc map[string]string) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("credstore: encode document: %w", err)
	}
	if s.sealer != nil {
		b, err = s.sealer.Seal(b)
		if err != nil {
			return unavailable("file.seal", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return unavailable("file.write", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return unavailable("file.write", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return unavailable("file.write", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return unavailable("file.write", err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("file.write", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return unavailable("file.rename", err)
	}
	return nil
}
