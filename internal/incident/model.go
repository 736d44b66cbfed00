package incident

import (
	"strconv"
	"time"
)

// State is the numeric incident state code used by the incident table.
type State int

const (
	// StateInProgress is written when an incident is opened from a Start alert.
	StateInProgress State = 1

	// StateResolved is terminal.
	StateResolved State = 6
)

// String returns the state label.
func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in-progress"
	case StateResolved:
		return "resolved"
	default:
		return strconv.Itoa(int(s))
	}
}

// Fixed values for incidents opened from alerts.
const (
	DefaultCategory = "software"
	DefaultImpact   = 1
	DefaultUrgency  = 1

	// ResolveCloseNotes is written to close_notes on automatic resolution.
	ResolveCloseNotes = "Incident resolved automatically via script"
)

// Record is an incident row.
type Record struct {
	SysID            string     `json:"sys_id"`
	Number           string     `json:"number"`
	Table            string     `json:"table"`
	AlertID          string     `json:"alert_id"`
	CallerID         string     `json:"caller_id"`
	State            State      `json:"state"`
	Comments         string     `json:"comments"`
	ShortDescription string     `json:"short_description"`
	Category         string     `json:"category"`
	Impact           int        `json:"impact"`
	Urgency          int        `json:"urgency"`
	Description      string     `json:"description"`
	CloseNotes       string     `json:"close_notes,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Fields returns the column values set on insert, keyed by column name.
func (r *Record) Fields() map[string]any {
	return map[string]any{
		"caller_id":         r.CallerID,
		"state":             int(r.State),
		"comments":          r.Comments,
		"short_description": r.ShortDescription,
		"category":          r.Category,
		"impact":            r.Impact,
		"urgency":           r.Urgency,
		"description":       r.Description,
		"correlation_id":    r.AlertID,
	}
}

// Outcome classifies a sync result.
type Outcome string

const (
	OutcomeCreated         Outcome = "created"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeResolved        Outcome = "resolved"
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeInvalidPayload  Outcome = "invalid_payload"
	OutcomeInvalidStatus   Outcome = "invalid_status"
	OutcomeDisabled        Outcome = "disabled"
	OutcomeError           Outcome = "error"
)

// Messages returned to the webhook caller.
const (
	MsgInserted        = "Record inserted successfully"
	MsgDuplicateStart  = "Cannot start a new incident when alertId already exists."
	MsgResolved        = "Incident resolved successfully"
	MsgAlreadyResolved = "Incident already resolved"
	MsgNotFound        = "No matching incident found."
	MsgInvalidPayload  = "Invalid payload format"
	MsgInvalidStatus   = `Invalid alertStatus. Must be "Start" or "End".`
	MsgResolveDisabled = "Incident resolution is disabled."
	MsgInternalError   = "Internal error"
)

// Result is the response body for a sync. A nil IncidentNumber encodes as null.
type Result struct {
	IncidentNumber *string `json:"incidentNumber"`
	Message        string  `json:"message"`
	Outcome        Outcome `json:"-"`
}

// Number returns the incident number, or "" when it is null.
func (r *Result) Number() string {
	if r.IncidentNumber == nil {
		return ""
	}
	return *r.IncidentNumber
}

func newResult(number string, outcome Outcome, msg string) *Result {
	return &Result{IncidentNumber: &number, Message: msg, Outcome: outcome}
}
