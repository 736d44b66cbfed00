// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/ekarasync/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ekarasync/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL. alert_id is unique, so concurrent
// creates for one alert leave a single row.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool is
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `sys_id, number, record_table, alert_id, caller_id, state, comments,
	short_description, category, impact, urgency, description, close_notes,
	closed_at, created_at, updated_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", "incidents"),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create inserts rec unless an incident for rec.AlertID already exists, in
// which case incident.ErrAlreadyExists is returned and nothing is written.
func (s *Store) Create(ctx context.Context, table string, rec *incident.Record) (string, error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	sysID := ulid.Make().String()

	query := `INSERT INTO incidents (
		sys_id, record_table, alert_id, caller_id, state, comments,
		short_description, category, impact, urgency, description
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (alert_id) DO NOTHING
	RETURNING number, created_at, updated_at`

	err := s.pool.QueryRow(ctx, query,
		sysID, table, rec.AlertID, rec.CallerID, int(rec.State), rec.Comments,
		rec.ShortDescription, rec.Category, rec.Impact, rec.Urgency, rec.Description,
	).Scan(&rec.Number, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetAttributes(attribute.Bool("incident.conflict", true))
		return "", incident.ErrAlreadyExists
	}
	if err != nil {
		return "", fail(span, fmt.Errorf("insert incident: %w", err))
	}

	rec.SysID = sysID
	rec.Table = table
	return rec.Number, nil
}

// FindByAlertID retrieves the incident correlated to alertID.
func (s *Store) FindByAlertID(ctx context.Context, alertID string) (*incident.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.FindByAlertID", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE alert_id = $1`
	rec, err := scanIncident(s.pool.QueryRow(ctx, query, alertID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

// Update writes the state, comments and closure fields of rec. An incident
// that is already resolved is left untouched.
func (s *Store) Update(ctx context.Context, rec *incident.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := s.updateIncident(ctx, tx, rec); err != nil {
		if errors.Is(err, incident.ErrNotFound) || errors.Is(err, incident.ErrAlreadyResolved) {
			return err
		}
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) updateIncident(ctx context.Context, tx pgx.Tx, rec *incident.Record) error {
	query := `UPDATE incidents SET
		state       = $2,
		comments    = $3,
		close_notes = $4,
		closed_at   = $5,
		updated_at  = now()
	WHERE sys_id = $1 AND state <> $6
	RETURNING updated_at`

	err := tx.QueryRow(ctx, query,
		rec.SysID, int(rec.State), rec.Comments, rec.CloseNotes, rec.ClosedAt, int(incident.StateResolved),
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return noUpdateReason(ctx, tx, rec.SysID)
	}
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	return nil
}

// noUpdateReason tells a missing incident from a resolved one after a
// conditional update matched no row.
func noUpdateReason(ctx context.Context, tx pgx.Tx, sysID string) error {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE sys_id = $1)`, sysID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check incident: %w", err)
	}
	if !exists {
		return incident.ErrNotFound
	}
	return incident.ErrAlreadyResolved
}

// scanIncident scans one row. Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Record, error) {
	var (
		rec   incident.Record
		state int16
	)

	err := row.Scan(
		&rec.SysID, &rec.Number, &rec.Table, &rec.AlertID, &rec.CallerID, &state, &rec.Comments,
		&rec.ShortDescription, &rec.Category, &rec.Impact, &rec.Urgency, &rec.Description, &rec.CloseNotes,
		&rec.ClosedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	rec.State = incident.State(state)
	return &rec, nil
}
