package session

import (
	"time"

	"modeler/cmd/identity"
)

// State is the session's position in its lifecycle.
type State string

const (
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
	StateRefreshing    State = "refreshing"
)

// Reason names the transition that produced an Event.
type Reason string

const (
	ReasonInitial       Reason = "initial"
	ReasonLogin         Reason = "login"
	ReasonRegister      Reason = "register"
	ReasonRestore       Reason = "restore"
	ReasonRefreshStart  Reason = "refresh_started"
	ReasonRefreshed     Reason = "refreshed"
	ReasonRefreshFailed Reason = "refresh_failed"
	ReasonUserReloaded  Reason = "user_reloaded"
	ReasonLogout        Reason = "logout"
)

// Snapshot is an immutable copy of the session at one point in time.
//
// Invariant: AccessToken != "" implies User != nil.
type Snapshot struct {
	State        State
	AccessToken  string
	RefreshToken string
	User         *identity.User
	ExpiresAt    time.Time
}

// Authenticated reports whether the snapshot carries a usable token.
func (s Snapshot) Authenticated() bool {
	return s.AccessToken != "" && s.User != nil
}

// Capabilities derives the capability flags of the snapshot's user.
func (s Snapshot) Capabilities() identity.Capabilities {
	if s.User == nil {
		return identity.Capabilities{}
	}
	return s.User.Capabilities()
}

// Event is published to subscribers on every state change.
type Event struct {
	Seq      uint64
	Reason   Reason
	At       time.Time
	Snapshot Snapshot
}

func anonymous() Snapshot { return Snapshot{State: StateAnonymous} }
