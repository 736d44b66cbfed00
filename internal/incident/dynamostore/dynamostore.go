// Package dynamostore provides a DynamoDB implementation of incident.Store.
//
// Incidents and the incident number counter share one table. Incident items
// are keyed "alert#<alertId>" and the counter lives at "counter#incident".
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/guregu/dynamo/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/ekarasync/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ekarasync/internal/incident/dynamostore")

const (
	alertKeyPrefix = "alert#"
	counterKey     = "counter#incident"

	// firstNumber is the number handed out by a fresh counter.
	firstNumber = 10001
)

// Config selects the table and endpoint.
type Config struct {
	Table  string
	Region string
	// Endpoint points at DynamoDB Local. When set, static dummy credentials
	// are used and the table is created if missing.
	Endpoint string
}

// item is the stored form of an incident.
type item struct {
	PK               string     `dynamo:"pk,hash"`
	AlertID          string     `dynamo:"alert_id"`
	SysID            string     `dynamo:"sys_id"`
	Number           string     `dynamo:"number"`
	RecordTable      string     `dynamo:"record_table"`
	CallerID         string     `dynamo:"caller_id"`
	State            int        `dynamo:"state"`
	Comments         string     `dynamo:"comments"`
	ShortDescription string     `dynamo:"short_description"`
	Category         string     `dynamo:"category"`
	Impact           int        `dynamo:"impact"`
	Urgency          int        `dynamo:"urgency"`
	Description      string     `dynamo:"description"`
	CloseNotes       string     `dynamo:"close_notes,omitempty"`
	ClosedAt         *time.Time `dynamo:"closed_at,omitempty"`
	CreatedAt        time.Time  `dynamo:"created_at"`
	UpdatedAt        time.Time  `dynamo:"updated_at"`
}

type counter struct {
	PK  string `dynamo:"pk,hash"`
	Seq int64  `dynamo:"seq"`
}

// Store persists incidents in DynamoDB.
type Store struct {
	table dynamo.Table
	now   func() time.Time
}

// New loads AWS configuration and returns a Store for cfg.Table.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("dummy", "dummy", "dummy"),
		))
		if cfg.Region == "" {
			opts = append(opts, config.WithRegion("us-east-1"))
		}
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var db *dynamo.DB
	if cfg.Endpoint != "" {
		db = dynamo.New(awsCfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
		if err := ensureTable(ctx, db, cfg.Table); err != nil {
			return nil, err
		}
	} else {
		db = dynamo.New(awsCfg)
	}

	return &Store{table: db.Table(cfg.Table), now: time.Now}, nil
}

func ensureTable(ctx context.Context, db *dynamo.DB, name string) error {
	if _, err := db.Table(name).Describe().Run(ctx); err == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.CreateTable(name, item{}).Provision(10, 10).Run(ctx); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create allocates the next incident number and writes rec with a
// condition that no item exists for the alert.
func (s *Store) Create(ctx context.Context, table string, rec *incident.Record) (string, error) {
	ctx, span := startSpan(ctx, "dynamostore.Create", "PutItem")
	defer span.End()

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return "", fail(span, err)
	}

	now := s.now().UTC()
	rec.SysID = strings.ReplaceAll(uuid.NewString(), "-", "")
	rec.Number = formatNumber(seq)
	rec.Table = table
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err = s.table.Put(toItem(rec)).If("attribute_not_exists('pk')").Run(ctx)
	if dynamo.IsCondCheckFailed(err) {
		span.SetAttributes(attribute.Bool("incident.conflict", true))
		return "", incident.ErrAlreadyExists
	}
	if err != nil {
		return "", fail(span, fmt.Errorf("put incident: %w", err))
	}
	return rec.Number, nil
}

// nextSeq atomically increments the counter item and returns the new value.
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var c counter
	err := s.table.Update("pk", counterKey).Add("seq", 1).Value(ctx, &c)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return firstNumber - 1 + c.Seq, nil
}

func formatNumber(seq int64) string {
	return fmt.Sprintf("INC%07d", seq)
}

// FindByAlertID reads the incident for alertID with a consistent read.
func (s *Store) FindByAlertID(ctx context.Context, alertID string) (*incident.Record, bool, error) {
	ctx, span := startSpan(ctx, "dynamostore.FindByAlertID", "GetItem")
	defer span.End()

	var it item
	err := s.table.Get("pk", alertKey(alertID)).Consistent(true).One(ctx, &it)
	if errors.Is(err, dynamo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get incident: %w", err))
	}
	return fromItem(&it), true, nil
}

// Update writes the state, comments and closure fields of an existing,
// unresolved incident.
func (s *Store) Update(ctx context.Context, rec *incident.Record) error {
	ctx, span := startSpan(ctx, "dynamostore.Update", "UpdateItem")
	defer span.End()

	rec.UpdatedAt = s.now().UTC()
	u := s.table.Update("pk", alertKey(rec.AlertID)).
		Set("state", int(rec.State)).
		Set("comments", rec.Comments).
		Set("updated_at", rec.UpdatedAt).
		If("attribute_exists('pk') AND 'sys_id' = ? AND 'state' <> ?", rec.SysID, int(incident.StateResolved))

	if rec.CloseNotes != "" {
		u = u.Set("close_notes", rec.CloseNotes)
	} else {
		u = u.Remove("close_notes")
	}
	if rec.ClosedAt != nil {
		u = u.Set("closed_at", rec.ClosedAt.UTC())
	} else {
		u = u.Remove("closed_at")
	}

	err := u.Run(ctx)
	if dynamo.IsCondCheckFailed(err) {
		return s.noUpdateReason(ctx, rec)
	}
	if err != nil {
		return fail(span, fmt.Errorf("update incident: %w", err))
	}
	return nil
}

// noUpdateReason tells a missing incident from a resolved one after the
// update condition failed.
func (s *Store) noUpdateReason(ctx context.Context, rec *incident.Record) error {
	var it item
	err := s.table.Get("pk", alertKey(rec.AlertID)).Consistent(true).One(ctx, &it)
	if errors.Is(err, dynamo.ErrNotFound) {
		return incident.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read incident after failed update: %w", err)
	}
	return conditionFailure(&it, rec.SysID)
}

func conditionFailure(stored *item, sysID string) error {
	if stored.SysID != sysID {
		return incident.ErrNotFound
	}
	if incident.State(stored.State) == incident.StateResolved {
		return incident.ErrAlreadyResolved
	}
	return incident.ErrNotFound
}

func alertKey(alertID string) string {
	return alertKeyPrefix + alertID
}

func toItem(rec *incident.Record) *item {
	return &item{
		PK:               alertKey(rec.AlertID),
		AlertID:          rec.AlertID,
		SysID:            rec.SysID,
		Number:           rec.Number,
		RecordTable:      rec.Table,
		CallerID:         rec.CallerID,
		State:            int(rec.State),
		Comments:         rec.Comments,
		ShortDescription: rec.ShortDescription,
		Category:         rec.Category,
		Impact:           rec.Impact,
		Urgency:          rec.Urgency,
		Description:      rec.Description,
		CloseNotes:       rec.CloseNotes,
		ClosedAt:         rec.ClosedAt,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

func fromItem(it *item) *incident.Record {
	return &incident.Record{
		SysID:            it.SysID,
		Number:           it.Number,
		Table:            it.RecordTable,
		AlertID:          it.AlertID,
		CallerID:         it.CallerID,
		State:            incident.State(it.State),
		Comments:         it.Comments,
		ShortDescription: it.ShortDescription,
		Category:         it.Category,
		Impact:           it.Impact,
		Urgency:          it.Urgency,
		Description:      it.Description,
		CloseNotes:       it.CloseNotes,
		ClosedAt:         it.ClosedAt,
		CreatedAt:        it.CreatedAt,
		UpdatedAt:        it.UpdatedAt,
	}
}
