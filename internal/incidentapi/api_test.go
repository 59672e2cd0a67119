package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/halcyonlabs/sentinel/internal/analysis"
	"github.com/halcyonlabs/sentinel/internal/incident"
	"github.com/halcyonlabs/sentinel/internal/ingest"
)

// mockService implements AnalysisService and Snapshots with canned data.
type mockService struct {
	incidents map[string]*incident.Incident
	responses map[string][]*incident.SiemResponse
	submitErr error
	lastList  incident.ListFilter
}

func newMockService() *mockService {
	return &mockService{
		incidents: make(map[string]*incident.Incident),
		responses: make(map[string][]*incident.SiemResponse),
	}
}

func (m *mockService) Submit(_ context.Context, sub *ingest.Submission) (*analysis.SubmitResult, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	inc, err := ingest.Normalize(sub)
	if err != nil {
		return nil, err
	}
	m.incidents[inc.ID] = inc
	return &analysis.SubmitResult{ID: inc.ID}, nil
}

func (m *mockService) Override(_ context.Context, id string, req *analysis.OverrideRequest) (*incident.Incident, error) {
	if req.Comment == "" {
		return nil, analysis.ErrInvalidOverride
	}
	inc, ok := m.incidents[id]
	if !ok {
		return nil, analysis.ErrIncidentNotFound
	}
	inc.Classification = req.Classification
	inc.Confidence = req.Confidence
	inc.Comments = append(inc.Comments, incident.Comment{Author: req.Author, Body: req.Comment})
	return inc, nil
}

func (m *mockService) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	inc, ok := m.incidents[id]
	return inc, ok, nil
}

func (m *mockService) List(_ context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	m.lastList = f
	out := make([]*incident.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		out = append(out, inc)
	}
	return out, nil
}

func (m *mockService) Responses(_ context.Context, id string) ([]*incident.SiemResponse, error) {
	return m.responses[id], nil
}

func (m *mockService) Snapshot(_ context.Context) ([]*incident.Incident, error) {
	return m.List(context.Background(), incident.ListFilter{})
}

func newTestRouter(t *testing.T) (chi.Router, *mockService) {
	t.Helper()
	svc := newMockService()
	api := New(nil, svc, svc)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r, svc
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil, nil) did not panic")
		}
	}()
	New(nil, nil, nil)
}

func TestSubmitIncident_Accepted(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)

	body := `{"title":"failed logins spike","logData":"sshd: Failed password","iocs":["203.0.113.7"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := svc.incidents[resp.ID]; !ok {
		t.Errorf("incident %q not submitted", resp.ID)
	}
}

func TestSubmitIncident_ValidationError(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", strings.NewReader(`{"title":"no logs"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp struct {
		Problems []string `json:"problems"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Problems) == 0 {
		t.Error("expected validation problems in response")
	}
}

func TestSubmitIncident_MalformedJSON(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitIncident_Conflict(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	svc.submitErr = fmt.Errorf("%w: 01X", analysis.ErrAnalysisInFlight)

	body := `{"title":"t","logData":"l"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestSubmitIncident_InternalError(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	svc.submitErr = errors.New("store down")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", strings.NewReader(`{"title":"t","logData":"l"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestGetIncident(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	svc.incidents["01A"] = &incident.Incident{
		ID:             "01A",
		Title:          "beaconing",
		Classification: incident.ClassificationTruePositive,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/01A", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var inc incident.Incident
	if err := json.Unmarshal(rec.Body.Bytes(), &inc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if inc.ID != "01A" || inc.Classification != incident.ClassificationTruePositive {
		t.Errorf("incident = %+v", inc)
	}
}

func TestGetIncident_NotFound(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListIncidents_Filters(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	svc.incidents["01A"] = &incident.Incident{ID: "01A"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents?status=open&severity=high&limit=10", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if svc.lastList.Status != incident.StatusOpen || svc.lastList.Severity != incident.SeverityHigh || svc.lastList.Limit != 10 {
		t.Errorf("filter = %+v", svc.lastList)
	}
}

func TestListIncidents_BadLimit(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents?limit=many", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetResponses(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	svc.incidents["01A"] = &incident.Incident{ID: "01A"}
	svc.responses["01A"] = []*incident.SiemResponse{
		{ID: "01R", IncidentID: "01A", Status: incident.DeliverySent},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/01A/responses", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Responses []incident.SiemResponse `json:"responses"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Responses) != 1 || resp.Responses[0].Status != incident.DeliverySent {
		t.Errorf("responses = %+v", resp.Responses)
	}
}

func TestGetResponses_UnknownIncident(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/missing/responses", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRiskProgression(t *testing.T) {
	t.Parallel()

	svc := newMockService()
	svc.incidents["01A"] = &incident.Incident{
		ID:             "01A",
		Severity:       incident.SeverityCritical,
		Classification: incident.ClassificationTruePositive,
		CreatedAt:      time.Now().Add(-time.Hour),
	}

	api := New(nil, svc, svc)
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/risk/progression?timeframe=24h", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Timeframe    string `json:"timeframe"`
		CurrentScore int    `json:"current_score"`
		Incidents    int    `json:"incidents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Timeframe != "24h" || resp.Incidents != 1 || resp.CurrentScore != 100 {
		t.Errorf("progression = %+v", resp)
	}
}

func TestRiskProgression_BadTimeframe(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/risk/progression?timeframe=90d", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetIncident_AnnotatesSpan(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	r, svc := newTestRouter(t)
	svc.incidents["01JNSPAN"] = &incident.Incident{
		ID:             "01JNSPAN",
		Title:          "span attributes",
		Classification: incident.ClassificationTruePositive,
	}

	ctx, span := tp.Tracer("test").Start(context.Background(), "GET /api/v1/incidents/{id}")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/01JNSPAN", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	span.End()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}

	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["sentinel.incident.id"] != "01JNSPAN" {
		t.Errorf("sentinel.incident.id = %q, want %q", attrs["sentinel.incident.id"], "01JNSPAN")
	}
	if attrs["sentinel.incident.classification"] != "true-positive" {
		t.Errorf("sentinel.incident.classification = %q, want true-positive", attrs["sentinel.incident.classification"])
	}
}

func TestOverrideClassification(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	svc.incidents["01JNOVR"] = &incident.Incident{
		ID:             "01JNOVR",
		Title:          "flagged for review",
		Classification: incident.ClassificationNeedsReview,
	}

	body := `{"classification":"false-positive","confidence":95,"author":"jdoe","comment":"known scanner"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents/01JNOVR/classification", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var got incident.Incident
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Classification != incident.ClassificationFalsePositive || got.Confidence != 95 {
		t.Errorf("incident = %+v, want false-positive with confidence 95", got)
	}
	if len(got.Comments) != 1 || got.Comments[0].Body != "known scanner" {
		t.Errorf("comments = %+v, want the override rationale", got.Comments)
	}
}

func TestOverrideClassification_Errors(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	svc.incidents["01JNOVR"] = &incident.Incident{ID: "01JNOVR"}

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing comment", "/api/v1/incidents/01JNOVR/classification", `{"classification":"true-positive","confidence":90}`, http.StatusBadRequest},
		{"unknown incident", "/api/v1/incidents/nope/classification", `{"classification":"true-positive","confidence":90,"comment":"x"}`, http.StatusNotFound},
		{"malformed body", "/api/v1/incidents/01JNOVR/classification", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d; body %s", rec.Code, tc.want, rec.Body)
			}
		})
	}
}
