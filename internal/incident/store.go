package incident

import (
	"context"
	"errors"
)

// ErrAlreadyExists is returned by Store.Create when an incident with the
// same alert ID is already stored.
var ErrAlreadyExists = errors.New("incident already exists for alert id")

// ErrNotFound is returned by Store.Update when the record no longer exists.
var ErrNotFound = errors.New("incident not found")

// ErrAlreadyResolved is returned by Store.Update when the stored incident
// was resolved after it was read.
var ErrAlreadyResolved = errors.New("incident already resolved")

// Store is the persistence interface for incident records.
//
// Create assigns SysID, Number and timestamps on rec and returns the number.
// It must be atomic with respect to AlertID: two concurrent creates for the
// same alert ID leave one record and the loser gets ErrAlreadyExists.
//
// Update writes a resolution. It must not overwrite an incident that is
// already resolved; the loser of two concurrent resolutions gets
// ErrAlreadyResolved.
type Store interface {
	Create(ctx context.Context, table string, rec *Record) (number string, err error)
	FindByAlertID(ctx context.Context, alertID string) (*Record, bool, error)
	Update(ctx context.Context, rec *Record) error
}

// Identity resolves the caller recorded on new incidents.
type Identity interface {
	CallerID(ctx context.Context) (string, error)
}

// StaticCaller is an Identity with a fixed caller ID.
type StaticCaller string

// CallerID implements Identity.
func (c StaticCaller) CallerID(_ context.Context) (string, error) {
	return string(c), nil
}

// EventKind says what happened to an incident.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventResolved EventKind = "resolved"
)

// Event is passed to a Notifier after a successful mutation.
type Event struct {
	Kind        EventKind
	Record      *Record
	Scenario    string
	Application string
}

// Notifier is told about created and resolved incidents. Errors are logged
// by the Service and do not change the sync result.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}
