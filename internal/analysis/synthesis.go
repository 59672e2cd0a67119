package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/halcyonlabs/sentinel/internal/agents"
	"github.com/halcyonlabs/sentinel/internal/incident"
	"github.com/halcyonlabs/sentinel/internal/llm"
)

// Phase names the states of the synthesis stage.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseTactical  Phase = "tactical-analysis"
	PhaseStrategic Phase = "strategic-analysis"
	PhaseChief     Phase = "chief-synthesis"
	PhaseComplete  Phase = "complete"

	// PhaseDegraded is terminal and entered from any phase's
	// exhausted-retry path. A degraded verdict is never promoted to a
	// confident classification.
	PhaseDegraded Phase = "degraded"
)

const phaseTokens = 2048

// Verdict is the reconciled output of the synthesis stage.
type Verdict struct {
	State           Phase
	Classification  incident.Classification
	Severity        incident.Severity
	Confidence      int
	Explanation     string
	Recommendations []string
	MitreTechniques []string
}

// SynthesizerConfig bounds retries and the degraded confidence cap.
type SynthesizerConfig struct {
	// PhaseRetries is the number of additional attempts after a phase's
	// first failure.
	PhaseRetries int

	// RetryBackoff is the pause before each retry attempt.
	RetryBackoff time.Duration

	// DegradedConfidenceCap must sit below the auto-classification
	// threshold so degraded verdicts always route to human review.
	DegradedConfidenceCap int
}

// Synthesizer runs the sequential analyst phases: tactical weighs technical
// evidence, strategic weighs behavioral evidence, chief reconciles both into
// one verdict.
type Synthesizer struct {
	provider llm.Provider
	cfg      SynthesizerConfig
	logger   log.Logger
	hooks    Hooks
}

// NewSynthesizer creates a synthesizer on the given LLM provider.
func NewSynthesizer(provider llm.Provider, cfg SynthesizerConfig, logger log.Logger, hooks Hooks) *Synthesizer {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.PhaseRetries < 0 {
		cfg.PhaseRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.DegradedConfidenceCap <= 0 {
		cfg.DegradedConfidenceCap = 69
	}
	return &Synthesizer{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
	}
}

// Run executes the three analyst phases in order. Exhausting any phase's
// retries falls back to a single-phase synthesis over the findings alone,
// with confidence capped below the auto-classification threshold.
func (s *Synthesizer) Run(ctx context.Context, ac *agents.Context, findings []incident.AgentFinding) *Verdict {
	tactical, err := s.runPhase(ctx, PhaseTactical, tacticalSystem, buildTacticalPrompt(ac, findings))
	if err != nil {
		return s.degrade(ctx, ac, findings, PhaseTactical, err)
	}

	strategic, err := s.runPhase(ctx, PhaseStrategic, strategicSystem, buildStrategicPrompt(ac, findings, tactical))
	if err != nil {
		return s.degrade(ctx, ac, findings, PhaseStrategic, err)
	}

	verdict, err := s.runChief(ctx, ac, findings, tactical, strategic)
	if err != nil {
		return s.degrade(ctx, ac, findings, PhaseChief, err)
	}
	return verdict
}

// runPhase executes one free-text analyst phase with bounded retries.
func (s *Synthesizer) runPhase(ctx context.Context, phase Phase, system, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.PhaseRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		resp, err := s.provider.Complete(ctx, &llm.Request{
			System:    system,
			Prompt:    prompt,
			MaxTokens: phaseTokens,
		})
		if s.hooks.OnPhase != nil {
			s.hooks.OnPhase(string(phase), attempt, err != nil)
		}
		if err == nil {
			return resp.Text, nil
		}

		lastErr = err
		s.logger.Warn(ctx, "synthesis phase attempt failed",
			"phase", phase,
			"attempt", attempt,
			"error", err,
		)
	}
	return "", fmt.Errorf("%s exhausted retries: %w", phase, lastErr)
}

// runChief executes the chief phase, which must return a parseable verdict;
// an unparseable reply counts as a failed attempt.
func (s *Synthesizer) runChief(ctx context.Context, ac *agents.Context, findings []incident.AgentFinding, tactical, strategic string) (*Verdict, error) {
	prompt := buildChiefPrompt(ac, findings, tactical, strategic)

	var lastErr error
	for attempt := 0; attempt <= s.cfg.PhaseRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := s.provider.Complete(ctx, &llm.Request{
			System:    chiefSystem,
			Prompt:    prompt,
			MaxTokens: phaseTokens,
		})
		if err == nil {
			verdict, perr := parseVerdict(resp.Text)
			if s.hooks.OnPhase != nil {
				s.hooks.OnPhase(string(PhaseChief), attempt, perr != nil)
			}
			if perr == nil {
				verdict.State = PhaseComplete
				return verdict, nil
			}
			lastErr = perr
			s.logger.Warn(ctx, "chief synthesis returned unparseable verdict",
				"attempt", attempt, "error", perr)
			continue
		}

		if s.hooks.OnPhase != nil {
			s.hooks.OnPhase(string(PhaseChief), attempt, true)
		}
		lastErr = err
		s.logger.Warn(ctx, "chief synthesis attempt failed", "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("%s exhausted retries: %w", PhaseChief, lastErr)
}

// degrade produces the fallback single-phase verdict from whatever findings
// are available. Confidence is capped so the classification engine routes
// the incident to human review.
func (s *Synthesizer) degrade(ctx context.Context, ac *agents.Context, findings []incident.AgentFinding, failedAt Phase, err error) *Verdict {
	s.logger.Warn(ctx, "synthesis degraded to single-phase fallback",
		"incident_id", ac.Incident.ID,
		"failed_phase", failedAt,
		"error", err,
	)

	v := FallbackVerdict(findings, s.cfg.DegradedConfidenceCap)
	v.Explanation = fmt.Sprintf("Synthesis degraded at %s (%v); verdict derived from %d agent finding(s) only.",
		failedAt, err, len(findings))
	return v
}

// FallbackVerdict reduces the raw findings to a confidence-weighted majority
// vote. The result is always in the degraded state with confidence at most
// maxConfidence.
func FallbackVerdict(findings []incident.AgentFinding, maxConfidence int) *Verdict {
	v := &Verdict{
		State:          PhaseDegraded,
		Classification: incident.ClassificationUnset,
	}
	if len(findings) == 0 {
		return v
	}

	weights := map[incident.Classification]int{}
	for _, f := range findings {
		weights[f.Classification] += f.Confidence
	}

	winner := incident.ClassificationTruePositive
	if weights[incident.ClassificationFalsePositive] > weights[incident.ClassificationTruePositive] {
		winner = incident.ClassificationFalsePositive
	}
	v.Classification = winner

	var confSum, n int
	for _, f := range findings {
		if f.Classification != winner {
			continue
		}
		confSum += f.Confidence
		n++
		if severityRank(f.Severity) > severityRank(v.Severity) {
			v.Severity = f.Severity
		}
		v.MitreTechniques = mergeTechniques(v.MitreTechniques, f.MitreTechniques)
	}
	if n > 0 {
		v.Confidence = confSum / n
	}
	if v.Confidence > maxConfidence {
		v.Confidence = maxConfidence
	}
	return v
}

func severityRank(s incident.Severity) int {
	switch s {
	case incident.SeverityCritical:
		return 5
	case incident.SeverityHigh:
		return 4
	case incident.SeverityMedium:
		return 3
	case incident.SeverityLow:
		return 2
	case incident.SeverityInformational:
		return 1
	}
	return 0
}

const tacticalSystem = `You are the Tactical Analyst in a security incident pipeline.
You weigh technical evidence: raw log artifacts and indicator reputation.
Write a compact technical assessment of what the evidence shows. Plain text.`

const strategicSystem = `You are the Strategic Analyst in a security incident pipeline.
You weigh behavioral and pattern evidence: MITRE techniques, campaign
similarity, plausibility for the described environment. You receive the
Tactical Analyst's assessment and either corroborate or challenge it.
Write a compact strategic assessment. Plain text.`

const chiefSystem = `You are the Chief Analyst. Reconcile the tactical and strategic
assessments and the individual agent findings into one final verdict.

Respond with exactly one JSON object and nothing else:
{
  "classification": "true-positive" | "false-positive",
  "severity": "critical" | "high" | "medium" | "low" | "informational",
  "confidence": <integer 0-100>,
  "explanation": "<short paragraph reconciling the assessments>",
  "recommendations": ["<action>", ...],
  "mitre_techniques": ["Txxxx", ...]
}`

func buildTacticalPrompt(ac *agents.Context, findings []incident.AgentFinding) string {
	var b strings.Builder
	b.WriteString(renderIncident(ac))
	b.WriteString(renderFindings(findings))
	b.WriteString("\nAssess the technical evidence.")
	return b.String()
}

func buildStrategicPrompt(ac *agents.Context, findings []incident.AgentFinding, tactical string) string {
	var b strings.Builder
	b.WriteString(renderIncident(ac))
	b.WriteString(renderFindings(findings))
	fmt.Fprintf(&b, "\nTactical Analyst assessment:\n%s\n", tactical)
	b.WriteString("\nAssess the behavioral and pattern evidence.")
	return b.String()
}

func buildChiefPrompt(ac *agents.Context, findings []incident.AgentFinding, tactical, strategic string) string {
	var b strings.Builder
	b.WriteString(renderIncident(ac))
	b.WriteString(renderFindings(findings))
	fmt.Fprintf(&b, "\nTactical Analyst assessment:\n%s\n", tactical)
	fmt.Fprintf(&b, "\nStrategic Analyst assessment:\n%s\n", strategic)
	b.WriteString("\nDeliver the final verdict as the single JSON object described in your instructions.")
	return b.String()
}

func renderIncident(ac *agents.Context) string {
	inc := ac.Incident
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", inc.Title)
	if inc.SystemContext != "" {
		fmt.Fprintf(&b, "System context: %s\n", inc.SystemContext)
	}
	fmt.Fprintf(&b, "Log artifact:\n%s\n", inc.LogData)
	if ac.Intel != nil {
		fmt.Fprintf(&b, "Threat intel: aggregate risk %d, threat level %s, %d indicator(s)\n",
			ac.Intel.RiskScore, ac.Intel.ThreatLevel, len(ac.Intel.Reputations))
	}
	return b.String()
}

func renderFindings(findings []incident.AgentFinding) string {
	if len(findings) == 0 {
		return "\nNo agent findings are available for this incident.\n"
	}
	var b strings.Builder
	b.WriteString("\nAgent findings:\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s: %s (confidence %d, severity %s): %s\n",
			f.Agent, f.Classification, f.Confidence, f.Severity, f.Rationale)
	}
	return b.String()
}

// parseVerdict extracts and validates the chief verdict JSON.
func parseVerdict(text string) (*Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}

	var raw struct {
		Classification  string   `json:"classification"`
		Severity        string   `json:"severity"`
		Confidence      int      `json:"confidence"`
		Explanation     string   `json:"explanation"`
		Recommendations []string `json:"recommendations"`
		MitreTechniques []string `json:"mitre_techniques"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}

	cls := incident.Classification(raw.Classification)
	if cls != incident.ClassificationTruePositive && cls != incident.ClassificationFalsePositive {
		return nil, fmt.Errorf("invalid classification %q", raw.Classification)
	}
	sev := incident.Severity(raw.Severity)
	if !sev.Valid() {
		return nil, fmt.Errorf("invalid severity %q", raw.Severity)
	}
	if raw.Confidence < 0 || raw.Confidence > 100 {
		return nil, fmt.Errorf("confidence %d out of range", raw.Confidence)
	}

	techniques := make([]string, 0, len(raw.MitreTechniques))
	for _, id := range raw.MitreTechniques {
		if incident.ValidTechniqueID(id) {
			techniques = append(techniques, id)
		}
	}

	return &Verdict{
		Classification:  cls,
		Severity:        sev,
		Confidence:      raw.Confidence,
		Explanation:     raw.Explanation,
		Recommendations: raw.Recommendations,
		MitreTechniques: techniques,
	}, nil
}
