// Package hop tracks execution contexts: the always-present local context
// and remote hops reached over SSH, plus which one is active.
package hop

import (
	"errors"
	"fmt"
	"time"

	"icotes-hop/pkg/backend"
)

// LocalContextID is the id of the local execution context.
const LocalContextID = backend.LocalContextID

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Session is a snapshot of one execution context. The context id of a remote
// session is the credential id it was opened from.
type Session struct {
	ContextID    string    `json:"contextId"`
	CredentialID string    `json:"credentialId,omitempty"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	Host         string    `json:"host,omitempty"`
	Port         int       `json:"port,omitempty"`
	Username     string    `json:"username,omitempty"`
	Cwd          string    `json:"cwd,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func (s Session) IsLocal() bool { return s.ContextID == LocalContextID }

// Usable reports whether operations can be routed to the session.
func (s Session) Usable() bool { return s.IsLocal() || s.Status == StatusConnected }

func localSession(root string) Session {
	return Session{
		ContextID: LocalContextID,
		Name:      LocalContextID,
		Status:    StatusConnected,
		Cwd:       root,
	}
}

var (
	// ErrCredentialNotFound is returned by Connect for an unknown credential id.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrSessionNotFound is returned when a context id has no usable session.
	ErrSessionNotFound = errors.New("session not found")
)

// ConnectionError reports a failed or lost hop connection.
type ConnectionError struct {
	ContextID string
	Host      string
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("hop %s (%s): %v", e.ContextID, e.Host, e.Err)
	}
	return fmt.Sprintf("hop %s: %v", e.ContextID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
