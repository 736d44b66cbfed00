package servicenow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ekarasync/internal/incident"
)

const (
	// incidentTable is where lookups and resolutions happen, whatever table
	// new records are inserted into.
	incidentTable = "incident"

	userTable = "sys_user"

	// glideTimeLayout is the Table API date-time format (UTC).
	glideTimeLayout = "2006-01-02 15:04:05"
)

var incidentFields = []string{
	"sys_id", "number", "correlation_id", "caller_id", "state", "comments",
	"short_description", "category", "impact", "urgency", "description",
	"close_notes", "closed_at", "sys_created_on", "sys_updated_on",
}

// Store implements incident.Store and incident.Identity on the Table API.
//
// ServiceNow has no uniqueness constraint on correlation_id, so Create never
// returns incident.ErrAlreadyExists; duplicates are prevented only by the
// lookup that precedes it. PATCH has no condition either, so Update never
// returns incident.ErrAlreadyResolved.
type Store struct {
	client      *Client
	legacyMatch bool
	logger      log.Logger

	mu       sync.Mutex
	callerID string
}

// NewStore wraps client. With legacyMatch, lookups also match incidents
// whose description contains the alert ID.
func NewStore(client *Client, legacyMatch bool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{client: client, legacyMatch: legacyMatch, logger: logger}
}

// Create inserts rec into table and copies back sys_id and number.
func (s *Store) Create(ctx context.Context, table string, rec *incident.Record) (string, error) {
	row, err := s.client.Insert(ctx, table, rec.Fields(), "sys_id", "number", "sys_created_on", "sys_updated_on")
	if err != nil {
		return "", err
	}
	if row["number"] == "" {
		return "", fmt.Errorf("insert into %s: response has no number", table)
	}
	rec.SysID = row["sys_id"]
	rec.Number = row["number"]
	rec.Table = table
	rec.CreatedAt = parseGlideTime(row["sys_created_on"])
	rec.UpdatedAt = parseGlideTime(row["sys_updated_on"])
	return rec.Number, nil
}

// FindByAlertID returns the oldest incident correlated to alertID.
func (s *Store) FindByAlertID(ctx context.Context, alertID string) (*incident.Record, bool, error) {
	rows, err := s.client.Query(ctx, incidentTable, s.matchQuery(alertID), 1, incidentFields...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	rec, err := recordFromRow(rows[0])
	if err != nil {
		return nil, false, err
	}
	if rec.AlertID == "" {
		// matched through the description of a legacy incident
		rec.AlertID = alertID
		s.logger.Info(ctx, "incident matched by description",
			"alert_id", alertID,
			"incident_number", rec.Number,
		)
	}
	return rec, true, nil
}

func (s *Store) matchQuery(alertID string) string {
	v := escapeQueryValue(alertID)
	q := "correlation_id=" + v
	if s.legacyMatch {
		q += "^ORdescriptionLIKE" + v
	}
	return q + "^ORDERBYsys_created_on"
}

// escapeQueryValue escapes the encoded-query separator.
func escapeQueryValue(v string) string {
	return strings.ReplaceAll(v, "^", "^^")
}

// Update writes the resolution fields. comments is a journal field, so only
// its newest line is sent.
func (s *Store) Update(ctx context.Context, rec *incident.Record) error {
	fields := map[string]any{
		"state":       int(rec.State),
		"close_notes": rec.CloseNotes,
	}
	if line := lastLine(rec.Comments); line != "" {
		fields["comments"] = line
	}
	if rec.ClosedAt != nil {
		fields["closed_at"] = rec.ClosedAt.UTC().Format(glideTimeLayout)
	}

	row, err := s.client.Patch(ctx, incidentTable, rec.SysID, fields, "sys_id", "sys_updated_on")
	if IsNotFound(err) {
		return incident.ErrNotFound
	}
	if err != nil {
		return err
	}
	rec.UpdatedAt = parseGlideTime(row["sys_updated_on"])
	return nil
}

// CallerID returns the sys_id of the authenticated integration user. A
// successful lookup is cached for the life of the Store.
func (s *Store) CallerID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callerID != "" {
		return s.callerID, nil
	}

	query := "user_name=" + escapeQueryValue(s.client.Username())
	rows, err := s.client.Query(ctx, userTable, query, 1, "sys_id")
	if err != nil {
		return "", fmt.Errorf("look up caller: %w", err)
	}
	if len(rows) == 0 || rows[0]["sys_id"] == "" {
		return "", fmt.Errorf("look up caller: no %s record for user %q", userTable, s.client.Username())
	}
	s.callerID = rows[0]["sys_id"]
	return s.callerID, nil
}

func recordFromRow(row Row) (*incident.Record, error) {
	state, err := atoiField(row, "state")
	if err != nil {
		return nil, err
	}
	impact, err := atoiField(row, "impact")
	if err != nil {
		return nil, err
	}
	urgency, err := atoiField(row, "urgency")
	if err != nil {
		return nil, err
	}

	rec := &incident.Record{
		SysID:            row["sys_id"],
		Number:           row["number"],
		Table:            incidentTable,
		AlertID:          row["correlation_id"],
		CallerID:         row["caller_id"],
		State:            incident.State(state),
		Comments:         row["comments"],
		ShortDescription: row["short_description"],
		Category:         row["category"],
		Impact:           impact,
		Urgency:          urgency,
		Description:      row["description"],
		CloseNotes:       row["close_notes"],
		CreatedAt:        parseGlideTime(row["sys_created_on"]),
		UpdatedAt:        parseGlideTime(row["sys_updated_on"]),
	}
	if closed := parseGlideTime(row["closed_at"]); !closed.IsZero() {
		rec.ClosedAt = &closed
	}
	return rec, nil
}

func atoiField(row Row, name string) (int, error) {
	v := row[name]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return n, nil
}

// parseGlideTime returns the zero time for empty or unparseable values.
func parseGlideTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(glideTimeLayout, v, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
