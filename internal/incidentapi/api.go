// Package incidentapi exposes the incident workflow over HTTP: submission,
// listing, delivery history, and the risk progression series consumed by the
// dashboard.
package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/halcyonlabs/sentinel/internal/analysis"
	"github.com/halcyonlabs/sentinel/internal/incident"
	"github.com/halcyonlabs/sentinel/internal/ingest"
	"github.com/halcyonlabs/sentinel/internal/risk"
)

// AnalysisService defines the business operations incidentapi needs.
type AnalysisService interface {
	Submit(ctx context.Context, sub *ingest.Submission) (*analysis.SubmitResult, error)
	Override(ctx context.Context, id string, req *analysis.OverrideRequest) (*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	List(ctx context.Context, f incident.ListFilter) ([]*incident.Incident, error)
	Responses(ctx context.Context, incidentID string) ([]*incident.SiemResponse, error)
}

// Snapshots feeds the risk progression endpoint.
type Snapshots interface {
	Snapshot(ctx context.Context) ([]*incident.Incident, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       AnalysisService
	snapshots Snapshots

	// now is swappable for deterministic risk series in tests.
	now func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, svc AnalysisService, snapshots Snapshots) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("analysis service is required"))
	}
	if snapshots == nil {
		panic(xerrors.New("incident snapshot source is required"))
	}
	return &API{
		logger:    logger,
		svc:       svc,
		snapshots: snapshots,
		now:       time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/incidents", a.handleSubmitIncident)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Post("/incidents/{id}/classification", a.handleOverrideClassification)
		r.Get("/incidents/{id}/responses", a.handleGetResponses)
		r.Get("/risk/progression", a.handleRiskProgression)
	})
}

func (a *API) handleSubmitIncident(w http.ResponseWriter, r *http.Request) {
	var sub ingest.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	sr, err := a.svc.Submit(r.Context(), &sub)
	if err != nil {
		var verr *ingest.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":    "invalid submission",
				"problems": verr.Problems,
			})
		case errors.Is(err, analysis.ErrAnalysisInFlight):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": "analysis already in flight",
			})
		default:
			a.logger.Error(r.Context(), err, "failed to submit incident")
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.incident.id", sr.ID))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":      sr.ID,
		"skipped": sr.Skipped,
	})
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := incident.ListFilter{
		Status:         incident.Status(q.Get("status")),
		Severity:       incident.Severity(q.Get("severity")),
		Classification: incident.Classification(q.Get("classification")),
		Source:         incident.Source(q.Get("source")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}

	incidents, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.incident.id", id))

	inc, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("sentinel.incident.classification", string(inc.Classification)))

	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleOverrideClassification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req analysis.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.incident.id", id))

	inc, err := a.svc.Override(r.Context(), id, &req)
	if err != nil {
		switch {
		case errors.Is(err, analysis.ErrInvalidOverride):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		case errors.Is(err, analysis.ErrIncidentNotFound):
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		case errors.Is(err, analysis.ErrAnalysisInFlight):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "analysis already in flight"})
		default:
			a.logger.Error(r.Context(), err, "failed to override classification", "id", id)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleGetResponses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok, err := a.svc.Get(r.Context(), id); err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	} else if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	responses, err := a.svc.Responses(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get delivery history", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": id,
		"responses":   responses,
	})
}

func (a *API) handleRiskProgression(w http.ResponseWriter, r *http.Request) {
	tf, err := risk.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	snapshot, err := a.snapshots.Snapshot(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to snapshot incidents")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, risk.Series(snapshot, tf, a.now()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
