package diagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"modeler/cmd/internal/auth/session"
)

// maxDocumentBytes bounds a downloaded diagram record.
const maxDocumentBytes = 32 << 20

// FileInfo describes a stored diagram without its content.
type FileInfo struct {
	ID       int64  `json:"id"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
}

// Document is a stored diagram with its content.
type Document struct {
	FileInfo
	Data []byte `json:"data"`
}

// Store is the backend's diagram file service.
type Store interface {
	List(ctx context.Context) ([]FileInfo, error)
	Get(ctx context.Context, id int64) (Document, error)
	Upload(ctx context.Context, name string, data []byte) (FileInfo, error)
	Delete(ctx context.Context, id int64) error
}

// HTTPStore talks to the backend file endpoints under <base>/file. The client
// is expected to authorize requests itself (see interceptor.NewClient).
type HTTPStore struct {
	base   string
	client *http.Client
}

// NewHTTPStore returns a Store for the API rooted at baseURL.
func NewHTTPStore(baseURL string, client *http.Client) (*HTTPStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("diagram: empty base url")
	}
	if client == nil {
		return nil, errors.New("diagram: nil http client")
	}
	return &HTTPStore{base: baseURL + "/file", client: client}, nil
}

func (s *HTTPStore) List(ctx context.Context) ([]FileInfo, error) {
	var out []FileInfo
	if err := s.do(ctx, http.MethodGet, "/all", nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPStore) Get(ctx context.Context, id int64) (Document, error) {
	var doc Document
	if err := s.do(ctx, http.MethodGet, "/"+strconv.FormatInt(id, 10), nil, "", &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *HTTPStore) Upload(ctx context.Context, name string, data []byte) (FileInfo, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return FileInfo{}, fmt.Errorf("diagram: build upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return FileInfo{}, fmt.Errorf("diagram: build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return FileInfo{}, fmt.Errorf("diagram: build upload: %w", err)
	}

	var info FileInfo
	if err := s.do(ctx, http.MethodPost, "/upload", &body, mw.FormDataContentType(), &info); err != nil {
		return FileInfo{}, err
	}
	return info, nil
}

func (s *HTTPStore) Delete(ctx context.Context, id int64) error {
	return s.do(ctx, http.MethodDelete, "/delete/"+strconv.FormatInt(id, 10), nil, "", nil)
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return fmt.Errorf("diagram: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Session and authorization errors pass through for errors.Is.
		if errors.Is(err, session.ErrSessionExpired) || errors.Is(err, session.ErrForbidden) || ctx.Err() != nil {
			return err
		}
		return &session.ServerError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &session.ServerError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(out); err != nil {
		return &session.ServerError{Status: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}
