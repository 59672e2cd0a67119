package analysis

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

// Engine resolves a synthesis verdict into the canonical incident fields.
// It is the only writer of classification, severity and confidence.
type Engine struct {
	// ConfidenceThreshold is the minimum chief-synthesis confidence for an
	// automated classification. Verdicts below it route to human review.
	ConfidenceThreshold int
}

// NewEngine creates an engine with the given threshold, defaulting to 70.
func NewEngine(threshold int) *Engine {
	if threshold <= 0 || threshold > 100 {
		threshold = 70
	}
	return &Engine{ConfidenceThreshold: threshold}
}

// Finalize applies the verdict to a copy of the incident and returns it. The
// returned incident is the complete post-analysis state so callers can commit
// it in a single store write. inc is not mutated.
func (e *Engine) Finalize(inc incident.Incident, verdict *Verdict, result *OrchestratorResult, now time.Time) incident.Incident {
	out := inc

	confident := verdict.State == PhaseComplete &&
		verdict.Confidence >= e.ConfidenceThreshold &&
		verdict.Classification.Valid() &&
		verdict.Classification != incident.ClassificationUnset &&
		verdict.Classification != incident.ClassificationNeedsReview

	if confident {
		out.Classification = verdict.Classification
		out.Confidence = verdict.Confidence
		if verdict.Severity.Valid() {
			out.Severity = verdict.Severity
		}
	} else {
		out.Classification = incident.ClassificationNeedsReview
		out.Confidence = 0
		if !out.Severity.Valid() {
			out.Severity = incident.SeverityMedium
		}
	}

	out.MitreTechniques = mergeTechniques(out.MitreTechniques, verdict.MitreTechniques)
	if len(verdict.Recommendations) > 0 {
		out.Recommendations = verdict.Recommendations
	}
	if out.Status == incident.StatusOpen {
		out.Status = incident.StatusInProgress
	}

	out.Comments = append(out.Comments, incident.Comment{
		Author:    "sentinel",
		Body:      e.summarize(out, verdict, result),
		System:    true,
		CreatedAt: now,
	})
	out.UpdatedAt = now
	return out
}

// summarize renders the system comment recording the verdict rationale and
// which agents contributed.
func (e *Engine) summarize(inc incident.Incident, verdict *Verdict, result *OrchestratorResult) string {
	var b strings.Builder

	switch {
	case verdict.State == PhaseDegraded:
		fmt.Fprintf(&b, "Automated analysis degraded; routed to human review (confidence %d, threshold %d).",
			verdict.Confidence, e.ConfidenceThreshold)
	case inc.Classification == incident.ClassificationNeedsReview:
		fmt.Fprintf(&b, "Confidence %d below threshold %d; routed to human review.",
			verdict.Confidence, e.ConfidenceThreshold)
	default:
		fmt.Fprintf(&b, "Classified %s at confidence %d (threshold %d), severity %s.",
			inc.Classification, inc.Confidence, e.ConfidenceThreshold, inc.Severity)
	}

	if verdict.Explanation != "" {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(verdict.Explanation))
	}

	if result != nil {
		var contributed []string
		for _, f := range result.Findings {
			contributed = append(contributed, f.Agent)
		}
		if len(contributed) > 0 {
			fmt.Fprintf(&b, " Contributing agents: %s.", strings.Join(contributed, ", "))
		}
		if len(result.Failures) > 0 {
			var failed []string
			for _, f := range result.Failures {
				failed = append(failed, f.Agent)
			}
			fmt.Fprintf(&b, " Unavailable agents: %s.", strings.Join(failed, ", "))
		}
	}
	return b.String()
}

// mergeTechniques unions two technique lists, preserving first-seen order of
// the existing list and sorting only the additions.
func mergeTechniques(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(added))
	for _, t := range existing {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	var extra []string
	for _, t := range added {
		if incident.ValidTechniqueID(t) && !seen[t] {
			seen[t] = true
			extra = append(extra, t)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
