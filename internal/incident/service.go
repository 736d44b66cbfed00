package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/ekarasync/internal/ekara"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ekarasync/internal/incident")

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for closed_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service is the business boundary for alert to incident sync.
type Service struct {
	store    Store
	identity Identity
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	now      func() time.Time
}

// NewService creates a new incident sync service. metrics and notifier may be nil.
func NewService(store Store, identity Identity, logger log.Logger, metrics *Metrics, notifier Notifier, opts ...Option) *Service {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if identity == nil {
		panic(xerrors.New("identity provider is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:    store,
		identity: identity,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync applies one raw Ekara payload to the incident table. Start opens an
// incident, End resolves it when resolve is set. Every failure is reported
// through the returned Result; Sync never returns nil.
func (s *Service) Sync(ctx context.Context, table, raw string, resolve bool) *Result {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "incident.Sync", trace.WithAttributes(
		attribute.String("incident.table", table),
		attribute.Bool("incident.resolve_enabled", resolve),
	))
	defer span.End()

	res := s.sync(ctx, table, raw, resolve)

	span.SetAttributes(attribute.String("incident.outcome", string(res.Outcome)))
	if res.Outcome == OutcomeError {
		span.SetStatus(codes.Error, res.Message)
	}
	s.metrics.observeSync(res.Outcome, time.Since(start))
	return res
}

func (s *Service) sync(ctx context.Context, table, raw string, resolve bool) (res *Result) {
	p, err := ekara.Parse(raw)
	if err != nil {
		return newResult("", OutcomeInvalidPayload, MsgInvalidPayload)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("ekara.alert_id", p.AlertID),
		attribute.String("ekara.alert_status", p.AlertStatus),
	)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("panic: %v", r), "incident sync panicked", "alert_id", p.AlertID)
			res = newResult("", OutcomeError, MsgInternalError)
		}
	}()

	res, err = s.dispatch(ctx, table, p, resolve)
	if err != nil {
		s.logger.Error(ctx, err, "incident sync failed",
			"alert_id", p.AlertID,
			"alert_status", p.AlertStatus,
			"table", table,
		)
		msg := err.Error()
		if msg == "" {
			msg = MsgInternalError
		}
		return newResult("", OutcomeError, msg)
	}
	return res
}

func (s *Service) dispatch(ctx context.Context, table string, p *ekara.Payload, resolve bool) (*Result, error) {
	switch {
	case p.AlertStatus == ekara.StatusStart:
		return s.start(ctx, table, p)
	case p.AlertStatus == ekara.StatusEnd && resolve:
		return s.Resolve(ctx, p)
	case resolve:
		return newResult("", OutcomeInvalidStatus, MsgInvalidStatus), nil
	default:
		return newResult("", OutcomeDisabled, MsgResolveDisabled), nil
	}
}

func (s *Service) start(ctx context.Context, table string, p *ekara.Payload) (*Result, error) {
	if p.AlertID == "" {
		return newResult("", OutcomeInvalidPayload, MsgInvalidPayload), nil
	}

	existing, ok, err := s.Find(ctx, p.AlertID)
	if err != nil {
		return nil, err
	}
	if ok {
		return newResult(existing.Number, OutcomeDuplicate, MsgDuplicateStart), nil
	}

	callerID, err := s.identity.CallerID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve caller id: %w", err)
	}

	rec, err := BuildRecord(p, callerID)
	if err != nil {
		return nil, err
	}

	number, err := s.Insert(ctx, table, rec)
	if errors.Is(err, ErrAlreadyExists) {
		// a concurrent Start for the same alert committed first
		winner, ok, ferr := s.Find(ctx, p.AlertID)
		if ferr != nil {
			return nil, ferr
		}
		var winnerNumber string
		if ok {
			winnerNumber = winner.Number
		}
		return newResult(winnerNumber, OutcomeDuplicate, MsgDuplicateStart), nil
	}
	if err != nil {
		return nil, err
	}

	s.notify(ctx, newEvent(EventCreated, rec, p))
	return newResult(number, OutcomeCreated, MsgInserted), nil
}

// Insert creates rec in table and returns the store-assigned incident number.
func (s *Service) Insert(ctx context.Context, table string, rec *Record) (string, error) {
	number, err := s.store.Create(ctx, table, rec)
	if err != nil {
		return "", fmt.Errorf("insert incident into %s: %w", table, err)
	}
	return number, nil
}

// Find returns the incident correlated to alertID.
func (s *Service) Find(ctx context.Context, alertID string) (*Record, bool, error) {
	rec, ok, err := s.store.FindByAlertID(ctx, alertID)
	if err != nil {
		return nil, false, fmt.Errorf("find incident for alert %s: %w", alertID, err)
	}
	return rec, ok, nil
}

// Resolve moves the incident correlated to the payload's alert to the
// resolved state. Resolving twice is a no-op reported as already resolved.
func (s *Service) Resolve(ctx context.Context, p *ekara.Payload) (*Result, error) {
	if p.AlertID == "" {
		return newResult("", OutcomeInvalidPayload, MsgInvalidPayload), nil
	}

	rec, ok, err := s.Find(ctx, p.AlertID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{Message: MsgNotFound, Outcome: OutcomeNotFound}, nil
	}
	if rec.State == StateResolved {
		return newResult(rec.Number, OutcomeAlreadyResolved, MsgAlreadyResolved), nil
	}

	closedAt := s.now()
	rec.State = StateResolved
	rec.Comments = appendComment(rec.Comments, scenarioLabel(p.ScenarioName())+" has been resolved.")
	rec.CloseNotes = ResolveCloseNotes
	rec.ClosedAt = &closedAt

	err = s.store.Update(ctx, rec)
	if errors.Is(err, ErrAlreadyResolved) {
		// a concurrent End resolved it between Find and Update
		return newResult(rec.Number, OutcomeAlreadyResolved, MsgAlreadyResolved), nil
	}
	if err != nil {
		return nil, fmt.Errorf("update incident %s: %w", rec.Number, err)
	}

	s.notify(ctx, newEvent(EventResolved, rec, p))
	return newResult(rec.Number, OutcomeResolved, MsgResolved), nil
}

// appendComment adds a journal line to the comments field.
func appendComment(comments, line string) string {
	if comments == "" {
		return line
	}
	return comments + "\n" + line
}

func newEvent(kind EventKind, rec *Record, p *ekara.Payload) Event {
	return Event{
		Kind:        kind,
		Record:      rec,
		Scenario:    p.ScenarioName(),
		Application: ekara.Text(p.Application),
	}
}

func (s *Service) notify(ctx context.Context, ev Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.metrics.incNotifyFailure()
		s.logger.Warn(ctx, "incident notification failed",
			"error", err,
			"kind", string(ev.Kind),
			"incident_number", ev.Record.Number,
		)
	}
}
