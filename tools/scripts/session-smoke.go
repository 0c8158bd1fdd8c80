// Package main provides a CI-friendly smoke test for a running modeler bridge.
//
// It validates:
//   - handshake + subprotocol selection
//   - initial session_event on connect
//   - hello/ack subscriber id
//   - optional login -> session_event(login) without tokens on the wire
//   - session_refresh -> session_event(refreshed) while signed in
//   - logout -> session_event(logout)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "modeler/shared/contracts/session/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 16

type smokeClient struct {
	conn         *websocket.Conn
	subscriberID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:7070", "Bridge base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		username = flag.String("user", "", "Username to sign in with; empty skips the login steps")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := eventsURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	c := mustConnect(root, wsURL, *origin, *timeout)
	defer closeWS(c.conn)

	initial := mustSessionEvent(root, c, "initial", *timeout)
	if *verbose {
		fmt.Printf("connected: subscriber=%s state=%s\n", c.subscriberID, initial.State)
	}

	if *username == "" {
		fmt.Printf("OK: subscriber=%s state=%s (login skipped)\n", c.subscriberID, initial.State)
		return
	}

	password := os.Getenv("MODELER_SMOKE_PASSWORD")
	if password == "" {
		fatalf("MODELER_SMOKE_PASSWORD is required with -user")
	}

	mustPost(root, *baseURL+"/session/login", map[string]string{"username": *username, "password": password}, *timeout)
	login := mustSessionEvent(root, c, "login", *timeout)
	if !login.Authenticated || login.User == nil || !strings.EqualFold(login.User.Username, *username) {
		fatalf("login event mismatch: %+v", login)
	}

	mustWriteWithTimeout(root, c.conn, v1.Envelope{V: v1.Version, Type: v1.TypeSessionRefresh, TS: time.Now().UTC()}, *timeout)
	refreshed := mustSessionEvent(root, c, "refreshed", *timeout)
	if !refreshed.Authenticated {
		fatalf("refresh ended the session: %+v", refreshed)
	}

	mustPost(root, *baseURL+"/session/logout", nil, *timeout)
	logout := mustSessionEvent(root, c, "logout", *timeout)
	if logout.Authenticated {
		fatalf("logout event still authenticated: %+v", logout)
	}

	fmt.Printf("OK: subscriber=%s user=%s caps=%+v\n", c.subscriberID, *username, login.Capabilities)
}

func eventsURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/session/events"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "smoke-hello",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Client: "session-smoke"}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, map[string]struct{}{v1.TypeSessionEvent: {}})

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload: %v", err)
	}
	if strings.TrimSpace(p.SubscriberID) == "" {
		fatalf("hello_ack missing subscriberId")
	}
	c.subscriberID = p.SubscriberID
	return c
}

func (c *smokeClient) startReadLoop() {
	report := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				report(err)
				return
			}
			if mt != websocket.MessageText {
				report(fmt.Errorf("unsupported message type: %v", mt))
				return
			}
			if bytes.Contains(data, []byte("Token")) {
				report(errors.New("token field on the wire"))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				report(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				report(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				report(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

// mustSessionEvent waits for a session_event with the given reason. Initial
// and refresh_started events are skipped; any other reason fails the run.
func mustSessionEvent(parent context.Context, c *smokeClient, reason string, stepTimeout time.Duration) v1.SessionEventPayload {
	for {
		env := c.mustReadUntilType(parent, v1.TypeSessionEvent, stepTimeout, map[string]struct{}{v1.TypeHelloAck: {}})
		var p v1.SessionEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal session_event: %v", err)
		}
		if p.Reason == reason {
			return p
		}
		if p.Reason == "initial" || p.Reason == "refresh_started" {
			continue
		}
		fatalf("unexpected session_event reason: got=%q want=%q", p.Reason, reason)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q", wantType)
			}
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		}
	}
}

func mustPost(parent context.Context, target string, body any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, rd)
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fatalf("POST %s: status %d", target, resp.StatusCode)
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
