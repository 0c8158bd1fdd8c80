// Package interceptor attaches session credentials to outgoing backend
// requests and recovers from expired access tokens.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"modeler/cmd/identity/ids"
	"modeler/cmd/internal/auth/session"
	"modeler/cmd/security/token"
)

// Authorizer is the part of the session the transport depends on.
type Authorizer interface {
	Authorize(req *http.Request) *http.Request
	HandleUnauthorized(ctx context.Context, rejectedToken string, retry session.RetryFunc) (*http.Response, error)
}

// Transport is an http.RoundTripper that authorizes every request.
//
//   - 401 from a non-auth endpoint: renew the session once and retry once.
//     A second 401 is reported as session.ErrSessionExpired.
//   - 403: never retried; reported as *session.ForbiddenError and OnForbidden is called.
//
// Errors from RoundTrip reach http.Client callers wrapped in *url.Error;
// match them with errors.Is.
type Transport struct {
	// Base sends the requests. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	Session Authorizer

	// OnForbidden is notified of every 403. It must not block.
	OnForbidden func(*http.Request)

	Logger *slog.Logger
}

// NewClient returns an http.Client whose requests go through a Transport.
func NewClient(auth Authorizer, base http.RoundTripper, log *slog.Logger, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &Transport{Base: base, Session: auth, Logger: log},
		Timeout:   timeout,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Session == nil {
		return nil, errors.New("interceptor: no session configured")
	}

	prepared, err := replayable(req)
	if err != nil {
		return nil, err
	}
	if prepared.Header.Get("X-Request-ID") == "" {
		prepared.Header.Set("X-Request-ID", ids.NewRequestID())
	}

	out := t.Session.Authorize(prepared)
	sent := session.BearerToken(out.Header)

	resp, err := t.base().RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if session.IsAuthEndpoint(req.URL.Path) {
		return resp, nil
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		discard(resp)
		t.logger().Info("interceptor.unauthorized",
			"request_id", prepared.Header.Get("X-Request-ID"),
			"method", req.Method,
			"path", req.URL.Path,
			"token", token.Fingerprint(sent),
		)
		return t.Session.HandleUnauthorized(req.Context(), sent, func(ctx context.Context, accessToken string) (*http.Response, error) {
			return t.retry(ctx, prepared, accessToken)
		})
	case http.StatusForbidden:
		return nil, t.forbidden(req, resp)
	}
	return resp, nil
}

// retry re-sends prepared once with accessToken.
func (t *Transport) retry(ctx context.Context, prepared *http.Request, accessToken string) (*http.Response, error) {
	again := prepared.Clone(ctx)
	if prepared.GetBody != nil {
		body, err := prepared.GetBody()
		if err != nil {
			return nil, err
		}
		again.Body = body
	}
	again.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := t.base().RoundTrip(again)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		discard(resp)
		t.logger().Warn("interceptor.retry.unauthorized",
			"request_id", prepared.Header.Get("X-Request-ID"),
			"path", prepared.URL.Path,
			"token", token.Fingerprint(accessToken),
		)
		return nil, session.ErrSessionExpired
	case http.StatusForbidden:
		return nil, t.forbidden(prepared, resp)
	}
	return resp, nil
}

func (t *Transport) forbidden(req *http.Request, resp *http.Response) error {
	discard(resp)
	t.logger().Info("interceptor.forbidden", "method", req.Method, "path", req.URL.Path)
	if t.OnForbidden != nil {
		t.OnForbidden(req)
	}
	return &session.ForbiddenError{Method: req.Method, Path: req.URL.Path}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// replayable returns a clone of req whose body can be re-read via GetBody.
func replayable(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return out, nil
	}

	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	out.Body = io.NopCloser(bytes.NewReader(b))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	out.ContentLength = int64(len(b))
	return out, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
