package resolver

import (
	"fmt"

	"fieldsync/internal/dispatch"
	"fieldsync/internal/model"
)

// Decision is the resolver's verdict on a contested action.
type Decision int

const (
	// Discard drops the action as stale: the server committed a newer
	// state than the one the action assumed. The action is surfaced to
	// the user as conflicted, never silently thrown away.
	Discard Decision = iota
	// Retry grants one more bounded delivery attempt for mismatches
	// that look like a commit race rather than real divergence.
	Retry
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "discard"
}

// Outcome carries the decision plus the reason recorded against the
// action for user review.
type Outcome struct {
	Decision Decision
	Reason   string
}

// Resolver applies last-write-wins by server authority. It is pure:
// the same action and conflict always produce the same outcome.
type Resolver struct{}

func New() *Resolver {
	return &Resolver{}
}

// Resolve decides the fate of an action the backend rejected with a
// state conflict.
//
// If the server's version is ahead of the action's base version the
// local assumption is stale and the action is discarded. If the server
// reports a version at or below the base version the mismatch is a
// commit race: the concurrent write the backend tripped on was built on
// the same state, so a single retry is allowed. An action
// that already consumed an attempt is discarded, which is what keeps
// the resolver from retrying indefinitely. An action without a base
// version has nothing to compare against, so any conflict means
// divergence.
func (r *Resolver) Resolve(action model.Action, conflict *dispatch.ConflictError) Outcome {
	if action.BaseVersion == 0 {
		return Outcome{
			Decision: Discard,
			Reason:   fmt.Sprintf("server state diverged (server version %d, no base version): %s", conflict.ServerVersion, conflict.Reason),
		}
	}

	if conflict.ServerVersion > action.BaseVersion {
		return Outcome{
			Decision: Discard,
			Reason: fmt.Sprintf("server version %d supersedes base version %d: %s",
				conflict.ServerVersion, action.BaseVersion, conflict.Reason),
		}
	}

	if action.Attempts > 0 {
		return Outcome{
			Decision: Discard,
			Reason: fmt.Sprintf("conflict persisted after retry (server version %d, base %d): %s",
				conflict.ServerVersion, action.BaseVersion, conflict.Reason),
		}
	}

	return Outcome{
		Decision: Retry,
		Reason: fmt.Sprintf("conflict at server version %d not newer than base %d, retrying once",
			conflict.ServerVersion, action.BaseVersion),
	}
}
