package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

func TestPutGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	inc := &incident.Incident{
		ID:             "inc-1",
		Title:          "Suspicious PowerShell Execution",
		Classification: incident.ClassificationUnset,
		Severity:       incident.SeverityHigh,
		Status:         incident.StatusOpen,
		Source:         incident.SourceSiemWebhook,
		SiemType:       "splunk",
		SiemIncidentID: "spl-42",
		IOCs:           []incident.IOC{{Kind: incident.IOCIPAddress, Value: "185.220.101.45"}},
		CreatedAt:      time.Now(),
	}
	if err := s.Put(ctx, inc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "inc-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Title != inc.Title {
		t.Errorf("title = %q, want %q", got.Title, inc.Title)
	}

	// mutating the returned copy must not affect the stored record
	got.IOCs[0].Value = "mutated"
	again, _, _ := s.Get(ctx, "inc-1")
	if again.IOCs[0].Value != "185.220.101.45" {
		t.Error("Get returned a shared slice, want a copy")
	}
}

func TestGetBySiemIncidentID(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_ = s.Put(ctx, &incident.Incident{ID: "inc-1", SiemType: "splunk", SiemIncidentID: "spl-42"})

	got, ok, err := s.GetBySiemIncidentID(ctx, "splunk", "spl-42")
	if err != nil || !ok {
		t.Fatalf("GetBySiemIncidentID: ok=%v err=%v", ok, err)
	}
	if got.ID != "inc-1" {
		t.Errorf("id = %q, want inc-1", got.ID)
	}

	if _, ok, _ := s.GetBySiemIncidentID(ctx, "sentinel", "spl-42"); ok {
		t.Error("expected miss for different siem type")
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now()

	_ = s.Put(ctx, &incident.Incident{ID: "a", Status: incident.StatusOpen, Severity: incident.SeverityHigh, Source: incident.SourceManual, CreatedAt: base})
	_ = s.Put(ctx, &incident.Incident{ID: "b", Status: incident.StatusClosed, Severity: incident.SeverityHigh, Source: incident.SourceSiemAPI, CreatedAt: base.Add(time.Minute)})
	_ = s.Put(ctx, &incident.Incident{ID: "c", Status: incident.StatusOpen, Severity: incident.SeverityLow, Source: incident.SourceManual, CreatedAt: base.Add(2 * time.Minute)})

	open, err := s.List(ctx, incident.ListFilter{Status: incident.StatusOpen})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open incidents = %d, want 2", len(open))
	}
	// newest first
	if open[0].ID != "c" || open[1].ID != "a" {
		t.Errorf("order = [%s %s], want [c a]", open[0].ID, open[1].ID)
	}

	high, _ := s.List(ctx, incident.ListFilter{Severity: incident.SeverityHigh, Limit: 1})
	if len(high) != 1 || high[0].ID != "b" {
		t.Errorf("high severity limit 1 = %v, want [b]", ids(high))
	}
}

func TestSnapshotOrder(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now()

	_ = s.Put(ctx, &incident.Incident{ID: "later", CreatedAt: base.Add(time.Hour)})
	_ = s.Put(ctx, &incident.Incident{ID: "earlier", CreatedAt: base})

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 2 || snap[0].ID != "earlier" || snap[1].ID != "later" {
		t.Errorf("snapshot order = %v, want [earlier later]", ids(snap))
	}
}

func TestPutResponseUpsert(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	resp := &incident.SiemResponse{ID: "r-1", IncidentID: "inc-1", Status: incident.DeliveryPending}
	if err := s.PutResponse(ctx, resp); err != nil {
		t.Fatalf("PutResponse: %v", err)
	}

	resp.Status = incident.DeliveryFailed
	resp.RetriedCount = 1
	_ = s.PutResponse(ctx, resp)

	_ = s.PutResponse(ctx, &incident.SiemResponse{ID: "r-2", IncidentID: "inc-1", Status: incident.DeliveryPending})

	hist, err := s.ResponsesForIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("ResponsesForIncident: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2 (upsert must not duplicate)", len(hist))
	}
	if hist[0].Status != incident.DeliveryFailed || hist[0].RetriedCount != 1 {
		t.Errorf("first record = %+v, want failed with retried_count 1", hist[0])
	}
}

func TestPutResponseCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	resp := &incident.SiemResponse{
		ID:         "r-1",
		IncidentID: "inc-1",
		Status:     incident.DeliverySent,
		Payload:    `{"incidentId":"inc-1"}`,
	}
	if err := s.PutResponse(ctx, resp); err != nil {
		t.Fatalf("PutResponse: %v", err)
	}

	// mutating the caller's record must not reach the stored copy
	resp.Payload = "tampered"
	resp.ResponseBody = "tampered"

	hist, err := s.ResponsesForIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("ResponsesForIncident: %v", err)
	}
	if hist[0].Payload != `{"incidentId":"inc-1"}` || hist[0].ResponseBody != "" {
		t.Errorf("stored record = %+v, want the values from Put time", hist[0])
	}
}

func ids(incs []*incident.Incident) []string {
	out := make([]string, len(incs))
	for i, inc := range incs {
		out[i] = inc.ID
	}
	return out
}
