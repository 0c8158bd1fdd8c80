package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"modeler/cmd/internal/auth/session"
)

// proxyPrefix is where the bridge exposes the backend API.
const proxyPrefix = "/api"

// newBackendProxy forwards /api/<path> to <apiBase>/<path> through an
// authorizing transport. Client credentials are stripped; the session's
// bearer token is attached instead. Auth endpoints are not proxied because
// the session is owned by the bridge.
func newBackendProxy(apiBase string, rt http.RoundTripper, log Logger) (http.Handler, error) {
	target, err := url.Parse(apiBase)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("proxy: invalid backend url %q", apiBase)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, proxyPrefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("Origin")
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			switch {
			case errors.Is(err, session.ErrForbidden):
				writeProxyError(w, http.StatusForbidden, "forbidden", "forbidden")
			case errors.Is(err, session.ErrSessionExpired):
				writeProxyError(w, http.StatusUnauthorized, "session_expired", "session expired")
			case errors.Is(err, context.Canceled):
				// Client went away.
			case errors.Is(err, context.DeadlineExceeded):
				writeProxyError(w, http.StatusGatewayTimeout, "upstream_timeout", "backend timed out")
			default:
				log.Warn("proxy.fail", "path", r.URL.Path, "err", err)
				writeProxyError(w, http.StatusBadGateway, "upstream_error", "backend unavailable")
			}
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session.IsAuthEndpoint(r.URL.Path) {
			writeProxyError(w, http.StatusNotFound, "not_found", "use /session for authentication")
			return
		}
		rp.ServeHTTP(w, r)
	}), nil
}

func writeProxyError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`+"\n", code, msg)
}
