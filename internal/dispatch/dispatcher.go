package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"fieldsync/internal/model"
)

// Ack is the backend's positive acknowledgment of a dispatched action.
// NewVersion and State describe the entity after the action was applied
// and feed the confirmed-state projection cache.
type Ack struct {
	EntityKey  string          `json:"entity_key"`
	NewVersion int64           `json:"new_version"`
	State      json.RawMessage `json:"state"`
}

// Dispatcher delivers one action to the remote system. Implementations
// must honor action.ID as an idempotency key: the engine re-sends after
// timeouts, so duplicate delivery has to be safe. The engine treats the
// action as opaque; it never inspects the payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, action model.Action) (*Ack, error)
}

// TransientError marks a failure worth retrying with backoff: network
// errors, timeouts, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient dispatch error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a business rejection (4xx). Retrying cannot help;
// the action dead-letters immediately.
type ValidationError struct {
	Status int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation rejected (%d): %s", e.Status, e.Reason)
}

// ConflictError reports that the backend's state diverged from the
// assumption the action was built on. ServerVersion and ServerState
// carry the authoritative side for the resolver.
type ConflictError struct {
	ServerVersion int64
	ServerState   json.RawMessage
	Reason        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: server at version %d: %s", e.ServerVersion, e.Reason)
}

// AuthExpiredError pauses the whole engine until the auth collaborator
// installs a fresh session. It is never counted against the action.
type AuthExpiredError struct{}

func (e *AuthExpiredError) Error() string { return "session expired" }
