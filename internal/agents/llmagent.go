package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/halcyonlabs/sentinel/internal/incident"
	"github.com/halcyonlabs/sentinel/internal/llm"
)

const findingTokens = 1024

// llmAgent is a specialist built on the shared LLM provider. Each instance
// differs only in its name and analytical focus.
type llmAgent struct {
	name     string
	focus    string
	provider llm.Provider
}

// NewPatternRecognition returns the agent that looks for known attack
// patterns in the raw log artifacts.
func NewPatternRecognition(p llm.Provider) Agent {
	return &llmAgent{
		name:     "pattern-recognition",
		provider: p,
		focus: `Focus on the raw log artifacts. Identify command-line patterns, encoded
payloads, persistence mechanisms, lateral-movement traces and other known
attack patterns. Weigh how closely the observed activity matches documented
malicious tradecraft versus plausible administrative behavior.`,
	}
}

// NewMitreMapping returns the agent that maps observed behavior onto MITRE
// ATT&CK techniques.
func NewMitreMapping(p llm.Provider) Agent {
	return &llmAgent{
		name:     "mitre-mapping",
		provider: p,
		focus: `Map the observed behavior to MITRE ATT&CK technique identifiers
(Txxxx or Txxxx.xxx). List every technique supported by the evidence in
mitre_techniques and base your vote on how coherent the technique chain is
as an intrusion narrative.`,
	}
}

// NewIOCEnrichment returns the agent that weighs indicator reputation.
func NewIOCEnrichment(p llm.Provider) Agent {
	return &llmAgent{
		name:     "ioc-enrichment",
		provider: p,
		focus: `Focus on the indicators of compromise and their reputation data.
Weigh malicious-flagged indicators, their scores and tags. Unknown
reputation is reduced evidence, not proof of benignity.`,
	}
}

// NewLogForensics returns the agent that reconstructs the event timeline.
func NewLogForensics(p llm.Provider) Agent {
	return &llmAgent{
		name:     "log-forensics",
		provider: p,
		focus: `Reconstruct the sequence of events from the log artifacts. Look for
gaps, tampering, impossible orderings and corroboration across the primary
and additional logs.`,
	}
}

// NewBehavioral returns the agent that judges behavioral plausibility.
func NewBehavioral(p llm.Provider) Agent {
	return &llmAgent{
		name:     "behavioral",
		provider: p,
		focus: `Judge whether the activity is plausible for the described system
context: expected processes, hours of operation, typical network peers.
Deviation from the system's stated purpose raises suspicion; consistency
lowers it.`,
	}
}

func (a *llmAgent) Name() string { return a.name }

// Analyze submits the incident context to the model and parses the strict
// JSON finding it returns.
func (a *llmAgent) Analyze(ctx context.Context, ac *Context) (*incident.AgentFinding, error) {
	resp, err := a.provider.Complete(ctx, &llm.Request{
		System:    a.systemPrompt(),
		Prompt:    buildEvidencePrompt(ac),
		MaxTokens: findingTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.name, err)
	}

	finding, err := parseFinding(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.name, err)
	}
	finding.Agent = a.name
	return finding, nil
}

func (a *llmAgent) systemPrompt() string {
	return fmt.Sprintf(`You are the %s analysis agent in a security incident pipeline.

%s

Respond with exactly one JSON object and nothing else:
{
  "classification": "true-positive" | "false-positive",
  "confidence": <integer 0-100>,
  "severity": "critical" | "high" | "medium" | "low" | "informational",
  "mitre_techniques": ["Txxxx", ...],
  "rationale": "<one short paragraph>"
}`, a.name, a.focus)
}

// buildEvidencePrompt renders the incident and its intel assessment for the
// model. Shared by every agent so their votes are over identical evidence.
func buildEvidencePrompt(ac *Context) string {
	inc := ac.Incident

	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", inc.Title)
	if inc.SystemContext != "" {
		fmt.Fprintf(&b, "System context: %s\n", inc.SystemContext)
	}
	fmt.Fprintf(&b, "Source: %s\n", inc.Source)
	fmt.Fprintf(&b, "\nPrimary log artifact:\n%s\n", inc.LogData)
	for i, logs := range inc.AdditionalLogs {
		fmt.Fprintf(&b, "\nAdditional log %d:\n%s\n", i+1, logs)
	}

	if len(inc.MitreTechniques) > 0 {
		fmt.Fprintf(&b, "\nSubmitted MITRE techniques: %s\n", strings.Join(inc.MitreTechniques, ", "))
	}

	if ac.Intel != nil && len(ac.Intel.Reputations) > 0 {
		fmt.Fprintf(&b, "\nIndicator reputations (aggregate risk %d, threat level %s):\n",
			ac.Intel.RiskScore, ac.Intel.ThreatLevel)
		for _, rep := range ac.Intel.Reputations {
			switch {
			case !rep.Known:
				fmt.Fprintf(&b, "- %s %s: reputation unknown\n", rep.Indicator.Kind, rep.Indicator.Value)
			case rep.Malicious:
				fmt.Fprintf(&b, "- %s %s: MALICIOUS score=%d tags=%s\n",
					rep.Indicator.Kind, rep.Indicator.Value, rep.Score, strings.Join(rep.Tags, ","))
			default:
				fmt.Fprintf(&b, "- %s %s: clean\n", rep.Indicator.Kind, rep.Indicator.Value)
			}
		}
	}

	b.WriteString("\nProduce your finding as the single JSON object described in your instructions.")
	return b.String()
}

// parseFinding extracts and validates the JSON finding from a model reply,
// tolerating markdown fences and surrounding prose.
func parseFinding(text string) (*incident.AgentFinding, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}

	var raw struct {
		Classification  string   `json:"classification"`
		Confidence      int      `json:"confidence"`
		Severity        string   `json:"severity"`
		MitreTechniques []string `json:"mitre_techniques"`
		Rationale       string   `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode finding: %w", err)
	}

	cls := incident.Classification(raw.Classification)
	if cls != incident.ClassificationTruePositive && cls != incident.ClassificationFalsePositive {
		return nil, fmt.Errorf("invalid classification vote %q", raw.Classification)
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

	return &incident.AgentFinding{
		Classification:  cls,
		Confidence:      raw.Confidence,
		Severity:        sev,
		MitreTechniques: techniques,
		Rationale:       raw.Rationale,
	}, nil
}
