package analysis

import (
	"strings"
	"testing"
	"time"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

func baseIncident() incident.Incident {
	return incident.Incident{
		ID:             "01TEST",
		Title:          "suspicious login burst",
		Status:         incident.StatusOpen,
		Classification: incident.ClassificationUnset,
		Severity:       incident.SeverityLow,
		Source:         incident.SourceManual,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFinalize_CommitsConfidentVerdict(t *testing.T) {
	t.Parallel()

	e := NewEngine(70)
	verdict := &Verdict{
		State:           PhaseComplete,
		Classification:  incident.ClassificationTruePositive,
		Severity:        incident.SeverityHigh,
		Confidence:      88,
		Explanation:     "Correlated brute-force evidence.",
		Recommendations: []string{"Reset credentials"},
		MitreTechniques: []string{"T1110"},
	}
	result := &OrchestratorResult{
		Findings: []incident.AgentFinding{{Agent: "pattern-recognition"}, {Agent: "mitre-mapping"}},
	}

	now := time.Now()
	out := e.Finalize(baseIncident(), verdict, result, now)

	if out.Classification != incident.ClassificationTruePositive {
		t.Errorf("classification = %s", out.Classification)
	}
	if out.Confidence != 88 {
		t.Errorf("confidence = %d, want 88", out.Confidence)
	}
	if out.Severity != incident.SeverityHigh {
		t.Errorf("severity = %s, want high", out.Severity)
	}
	if out.Status != incident.StatusInProgress {
		t.Errorf("status = %s, want in-progress", out.Status)
	}
	if len(out.Comments) != 1 || !out.Comments[0].System {
		t.Fatalf("expected one system comment, got %+v", out.Comments)
	}
	body := out.Comments[0].Body
	if !strings.Contains(body, "pattern-recognition") || !strings.Contains(body, "mitre-mapping") {
		t.Errorf("comment missing contributing agents: %q", body)
	}
	if !out.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", out.UpdatedAt, now)
	}
}

func TestFinalize_BelowThresholdRoutesToReview(t *testing.T) {
	t.Parallel()

	e := NewEngine(70)
	verdict := &Verdict{
		State:          PhaseComplete,
		Classification: incident.ClassificationTruePositive,
		Severity:       incident.SeverityCritical,
		Confidence:     55,
	}

	out := e.Finalize(baseIncident(), verdict, &OrchestratorResult{}, time.Now())

	if out.Classification != incident.ClassificationNeedsReview {
		t.Errorf("classification = %s, want needs-review", out.Classification)
	}
	if out.Confidence != 0 {
		t.Errorf("confidence = %d, want 0 for needs-review", out.Confidence)
	}
	// prior-known severity is kept, not the unconfident verdict's
	if out.Severity != incident.SeverityLow {
		t.Errorf("severity = %s, want prior low", out.Severity)
	}
}

func TestFinalize_DegradedRoutesToReview(t *testing.T) {
	t.Parallel()

	e := NewEngine(70)
	verdict := &Verdict{
		State:          PhaseDegraded,
		Classification: incident.ClassificationTruePositive,
		Severity:       incident.SeverityHigh,
		Confidence:     95, // even a high degraded confidence never auto-classifies
	}

	out := e.Finalize(baseIncident(), verdict, nil, time.Now())
	if out.Classification != incident.ClassificationNeedsReview {
		t.Errorf("classification = %s, want needs-review", out.Classification)
	}
}

func TestFinalize_DefaultsSeverityWhenUnknown(t *testing.T) {
	t.Parallel()

	inc := baseIncident()
	inc.Severity = ""

	e := NewEngine(70)
	out := e.Finalize(inc, &Verdict{State: PhaseDegraded}, nil, time.Now())

	if out.Severity != incident.SeverityMedium {
		t.Errorf("severity = %s, want medium default", out.Severity)
	}
}

func TestFinalize_MergesTechniques(t *testing.T) {
	t.Parallel()

	inc := baseIncident()
	inc.MitreTechniques = []string{"T1078", "T1110"}

	verdict := &Verdict{
		State:           PhaseComplete,
		Classification:  incident.ClassificationTruePositive,
		Severity:        incident.SeverityHigh,
		Confidence:      90,
		MitreTechniques: []string{"T1110", "T1021.001", "bogus"},
	}

	e := NewEngine(70)
	out := e.Finalize(inc, verdict, nil, time.Now())

	want := []string{"T1078", "T1110", "T1021.001"}
	if len(out.MitreTechniques) != len(want) {
		t.Fatalf("techniques = %v, want %v", out.MitreTechniques, want)
	}
	for i := range want {
		if out.MitreTechniques[i] != want[i] {
			t.Errorf("techniques[%d] = %q, want %q", i, out.MitreTechniques[i], want[i])
		}
	}
}

func TestFinalize_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	inc := baseIncident()
	e := NewEngine(70)
	e.Finalize(inc, &Verdict{State: PhaseDegraded}, nil, time.Now())

	if inc.Classification != incident.ClassificationUnset {
		t.Errorf("input incident mutated: classification = %s", inc.Classification)
	}
	if len(inc.Comments) != 0 {
		t.Errorf("input incident mutated: comments = %d", len(inc.Comments))
	}
}
