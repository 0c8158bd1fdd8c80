// Package session owns the client's authentication state.
//
// A Manager holds the current tokens and user, persists them through a
// credstore.Credentials, and publishes every state change to subscribers.
// When the backend rejects an access token, callers go through
// Manager.HandleUnauthorized, which collapses concurrent rejections into a
// single refresh call via the Coordinator. Every caller waiting on that refresh
// is resumed in arrival order with either the new token or ErrSessionExpired.
//
// States: Anonymous and Authenticated are stable; Refreshing is entered only
// from Authenticated and always resolves to one of the other two.
package session
