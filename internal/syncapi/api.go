// Package syncapi exposes the Ekara webhook and incident lookup over HTTP.
package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/ekarasync/internal/incident"
	"github.com/linnemanlabs/ekarasync/internal/postgres"
)

// SyncService defines the incident operations syncapi needs.
type SyncService interface {
	Sync(ctx context.Context, table, raw string, resolve bool) *incident.Result
	Find(ctx context.Context, alertID string) (*incident.Record, bool, error)
}

// Options controls how webhook calls are applied and answered.
type Options struct {
	// Table receives new incidents.
	Table string
	// ResolveIncidents enables the End path.
	ResolveIncidents bool
	// StrictStatus maps outcomes to HTTP status codes instead of always 200.
	StrictStatus bool
	// Auth wraps the webhook route. nil leaves it open.
	Auth func(http.Handler) http.Handler
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    SyncService
	opts   Options
}

// New creates a new API handler.
func New(logger log.Logger, svc SyncService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("sync service is required"))
	}
	if opts.Table == "" {
		opts.Table = "incident"
	}
	return &API{
		logger: logger,
		svc:    svc,
		opts:   opts,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if a.opts.Auth != nil {
				r.Use(a.opts.Auth)
			}
			r.Post("/ekara/alerts", a.handleEkaraAlert)
			r.Get("/incidents/{alertID}", a.handleGetIncident)
		})
	})
}

func (a *API) handleEkaraAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeResult(w, http.StatusRequestEntityTooLarge, &incident.Result{
				IncidentNumber: new(string),
				Message:        incident.MsgInvalidPayload,
				Outcome:        incident.OutcomeInvalidPayload,
			})
			return
		}
		a.logger.Warn(ctx, "read webhook body", "error", err)
		a.writeResult(w, http.StatusBadRequest, &incident.Result{
			IncidentNumber: new(string),
			Message:        incident.MsgInvalidPayload,
			Outcome:        incident.OutcomeInvalidPayload,
		})
		return
	}

	res := a.svc.Sync(ctx, a.opts.Table, string(body), a.opts.ResolveIncidents)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("incident.outcome", string(res.Outcome)),
		attribute.String("incident.number", res.Number()),
	)

	fields := []any{
		"incident_number", res.Number(),
		"message", res.Message,
		"outcome", string(res.Outcome),
	}
	if stats, ok := postgres.ReqDBStatsFromContext(ctx); ok {
		queries, total, _ := stats.Snapshot()
		fields = append(fields, "db.queries", queries, "db.duration", total.Seconds())
	}
	a.logger.Info(ctx, "incident sync", fields...)

	status := http.StatusOK
	if a.opts.StrictStatus {
		status = statusFor(res.Outcome)
	}
	a.writeResult(w, status, res)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("ekara.alert_id", alertID))

	rec, ok, err := a.svc.Find(r.Context(), alertID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to find incident", "alert_id", alertID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("incident.state", rec.State.String()))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (a *API) writeResult(w http.ResponseWriter, status int, res *incident.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

// statusFor maps a sync outcome to the strict-mode HTTP status.
func statusFor(o incident.Outcome) int {
	switch o {
	case incident.OutcomeInvalidPayload, incident.OutcomeInvalidStatus:
		return http.StatusBadRequest
	case incident.OutcomeDuplicate:
		return http.StatusConflict
	case incident.OutcomeNotFound:
		return http.StatusNotFound
	case incident.OutcomeError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
