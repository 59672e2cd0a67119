package siem

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

// respStore records every persisted delivery state in order.
type respStore struct {
	mu     sync.Mutex
	states []incident.SiemResponse
}

func (s *respStore) PutResponse(_ context.Context, resp *incident.SiemResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, *resp)
	return nil
}

func (s *respStore) last(t *testing.T) incident.SiemResponse {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		t.Fatal("no delivery record persisted")
	}
	return s.states[len(s.states)-1]
}

func fastCfg(maxAttempts int) Config {
	return Config{
		BaseInterval:   time.Millisecond,
		Multiplier:     2,
		MaxInterval:    5 * time.Millisecond,
		MaxAttempts:    maxAttempts,
		RequestTimeout: time.Second,
	}
}

func classifiedIncident() *incident.Incident {
	return &incident.Incident{
		ID:              "01INC",
		Title:           "beaconing to known C2",
		Classification:  incident.ClassificationTruePositive,
		Severity:        incident.SeverityHigh,
		Confidence:      88,
		MitreTechniques: []string{"T1071"},
		Recommendations: []string{"Isolate the host"},
		Source:          incident.SourceSiemWebhook,
		SiemType:        "splunk",
		SiemIncidentID:  "EV-1",
		UpdatedAt:       time.Now(),
	}
}

func dispatchAndWait(t *testing.T, d *Dispatcher, inc *incident.Incident) {
	t.Helper()
	d.Dispatch(context.Background(), inc)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestDispatch_Success(t *testing.T) {
	t.Parallel()

	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if p.IncidentID != "01INC" || p.Classification != "true-positive" {
			t.Errorf("payload = %+v", p)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ack":true}`))
	}))
	defer srv.Close()

	store := &respStore{}
	reg := NewRegistry(map[string]Endpoint{"splunk": {URL: srv.URL, AuthHeader: "Splunk tok"}})
	d := NewDispatcher(store, reg, fastCfg(5), log.Nop(), Hooks{})

	dispatchAndWait(t, d, classifiedIncident())

	rec := store.last(t)
	if rec.Status != incident.DeliverySent {
		t.Fatalf("status = %s, want sent", rec.Status)
	}
	if rec.RetriedCount != 0 {
		t.Errorf("retriedCount = %d, want 0", rec.RetriedCount)
	}
	if rec.HTTPStatus != http.StatusOK {
		t.Errorf("http status = %d", rec.HTTPStatus)
	}
	if rec.ResponseBody != `{"ack":true}` {
		t.Errorf("response body = %q", rec.ResponseBody)
	}
	if got := gotAuth.Load(); got != "Splunk tok" {
		t.Errorf("auth header = %v", got)
	}
}

func TestDispatch_NotConfigured(t *testing.T) {
	t.Parallel()

	store := &respStore{}
	d := NewDispatcher(store, NewRegistry(nil), fastCfg(5), log.Nop(), Hooks{})

	dispatchAndWait(t, d, classifiedIncident())

	rec := store.last(t)
	if rec.Status != incident.DeliveryNotConfigured {
		t.Fatalf("status = %s, want not-configured", rec.Status)
	}
	if !rec.Terminal() {
		t.Error("not-configured record is not terminal")
	}
	if rec.EndpointURL != "" || rec.Payload != "" || rec.HTTPStatus != 0 {
		t.Errorf("not-configured record carries attempt fields: %+v", rec)
	}
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := &respStore{}
	reg := NewRegistry(map[string]Endpoint{"splunk": {URL: srv.URL}})

	var attempts atomic.Int32
	hooks := Hooks{OnDelivery: func(_, status string, n int) {
		if status == string(incident.DeliverySent) {
			attempts.Store(int32(n))
		}
	}}
	d := NewDispatcher(store, reg, fastCfg(5), log.Nop(), hooks)

	dispatchAndWait(t, d, classifiedIncident())

	rec := store.last(t)
	if rec.Status != incident.DeliverySent {
		t.Fatalf("status = %s, want sent after retries", rec.Status)
	}
	if rec.RetriedCount != 2 {
		t.Errorf("retriedCount = %d, want 2", rec.RetriedCount)
	}
	if attempts.Load() != 3 {
		t.Errorf("hook attempts = %d, want 3", attempts.Load())
	}

	// retriedCount never decreases across persisted states
	store.mu.Lock()
	prev := -1
	for _, st := range store.states {
		if st.RetriedCount < prev {
			t.Errorf("retriedCount regressed: %d after %d", st.RetriedCount, prev)
		}
		prev = st.RetriedCount
	}
	store.mu.Unlock()
}

func TestDispatch_PermanentAfterCap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &respStore{}
	reg := NewRegistry(map[string]Endpoint{"splunk": {URL: srv.URL}})
	d := NewDispatcher(store, reg, fastCfg(3), log.Nop(), Hooks{})

	dispatchAndWait(t, d, classifiedIncident())

	rec := store.last(t)
	if rec.Status != incident.DeliveryFailed || !rec.Permanent {
		t.Fatalf("record = %+v, want permanent failed", rec)
	}
	if rec.RetriedCount != 2 {
		t.Errorf("retriedCount = %d, want 2 for 3 attempts", rec.RetriedCount)
	}
	if !rec.Terminal() {
		t.Error("permanent failed record is not terminal")
	}
	if rec.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
}

func TestDispatch_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := &respStore{}
	reg := NewRegistry(map[string]Endpoint{"splunk": {URL: srv.URL}})
	d := NewDispatcher(store, reg, fastCfg(5), log.Nop(), Hooks{})

	dispatchAndWait(t, d, classifiedIncident())

	rec := store.last(t)
	if rec.Status != incident.DeliveryFailed || !rec.Permanent {
		t.Fatalf("record = %+v, want permanent failed", rec)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (4xx never retried)", calls.Load())
	}
}

func TestDispatch_UnreachableEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	store := &respStore{}
	reg := NewRegistry(map[string]Endpoint{"splunk": {URL: url}})
	d := NewDispatcher(store, reg, fastCfg(3), log.Nop(), Hooks{})

	dispatchAndWait(t, d, classifiedIncident())

	rec := store.last(t)
	if rec.Status != incident.DeliveryFailed || !rec.Permanent {
		t.Fatalf("record = %+v, want permanent failed", rec)
	}
	if rec.HTTPStatus != 0 {
		t.Errorf("http status = %d, want 0 for transport error", rec.HTTPStatus)
	}
	if rec.ErrorMessage == "" {
		t.Error("transport error not recorded")
	}
}

func TestPermanentStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   bool
	}{
		{0, false},
		{200, false},
		{400, true},
		{404, true},
		{408, false},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tc := range cases {
		if got := permanentStatus(tc.status); got != tc.want {
			t.Errorf("permanentStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
