// Package store archives workflow sessions and their step outputs in libSQL.
// The archive is a history: live session state never comes from here.
package store

import (
	"context"
	"time"
)

// Archive is the session history contract. Implementations must be safe for concurrent use.
type Archive interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	SaveStepOutput(ctx context.Context, rec *StepOutputRecord) error
	ListStepOutputs(ctx context.Context, sessionID string) ([]*StepOutputRecord, error)

	Close() error
}
