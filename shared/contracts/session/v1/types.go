// Package v1 defines the modeler session event stream contract.
//
// It has no dependencies outside the standard library so UI clients and
// tools can share it with the process that serves the stream.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must offer.
const Subprotocol = "modeler.session.v1"

// Type constants (wire-stable).
const (
	// TypeHello identifies the subscriber (client -> server).
	TypeHello = "hello"
	// TypeHelloAck returns the subscriber id (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionEvent carries one session change (server -> client).
	// The first one on every connection has reason "initial".
	TypeSessionEvent = "session_event"

	// TypeSessionRefresh asks for a token refresh (client -> server).
	// The outcome arrives as session events; failures also produce an error.
	TypeSessionRefresh = "session_refresh"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case "":
		return errors.New("missing field: type")
	case TypeHello, TypeHelloAck, TypeSessionEvent, TypeSessionRefresh, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloPayload optionally names the client for logs.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload carries the server-assigned subscriber id.
type HelloAckPayload struct {
	SubscriberID string `json:"subscriberId"`
}

// UserPayload is the public view of the signed-in user.
type UserPayload struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
}

// CapabilitiesPayload mirrors the capability flags gating UI actions.
type CapabilitiesPayload struct {
	CanView   bool `json:"canView"`
	CanEdit   bool `json:"canEdit"`
	CanCreate bool `json:"canCreate"`
	CanDelete bool `json:"canDelete"`
	IsAdmin   bool `json:"isAdmin"`
	IsModeler bool `json:"isModeler"`
	IsViewer  bool `json:"isViewer"`
}

// SessionEventPayload describes the session after a change. Tokens are never sent.
type SessionEventPayload struct {
	Seq           uint64              `json:"seq"`
	Reason        string              `json:"reason"`
	State         string              `json:"state"`
	Authenticated bool                `json:"authenticated"`
	User          *UserPayload        `json:"user,omitempty"`
	Capabilities  CapabilitiesPayload `json:"capabilities"`
	ExpiresAt     *time.Time          `json:"expiresAt,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
