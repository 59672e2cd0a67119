// Package ingest validates and normalizes incident submissions, from either a
// manual analyst form or an automated SIEM webhook/API call, into a canonical
// draft incident. Malformed input is a client error surfaced synchronously;
// nothing here retries.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

// Submission is the inbound payload accepted from both entry paths.
type Submission struct {
	Title          string   `json:"title"`
	SystemContext  string   `json:"systemContext,omitempty"`
	LogData        string   `json:"logData"`
	AdditionalLogs []string `json:"additionalLogs,omitempty"`
	IOCs           []string `json:"iocs,omitempty"`
	Mitre          []string `json:"mitreAttack,omitempty"`
	Severity       string   `json:"severity,omitempty"`
	Source         string   `json:"source"`
	SiemID         string   `json:"siemIntegrationId,omitempty"`
	SiemType       string   `json:"siemType,omitempty"`
}

// ValidationError reports one or more rejected submission fields.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + strings.Join(e.Problems, "; ")
}

// Normalize validates a submission and produces a draft incident in unset
// classification state, ready for the analysis pipeline.
func Normalize(sub *Submission) (*incident.Incident, error) {
	var problems []string

	title := strings.TrimSpace(sub.Title)
	if title == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(sub.LogData) == "" {
		problems = append(problems, "at least one log artifact is required")
	}

	source := incident.Source(sub.Source)
	if sub.Source == "" {
		source = incident.SourceManual
	} else if !source.Valid() {
		problems = append(problems, fmt.Sprintf("unknown source %q", sub.Source))
	}

	if source.Automated() && strings.TrimSpace(sub.SiemType) == "" {
		problems = append(problems, "siemType is required for automated submissions")
	}

	var severity incident.Severity
	if sub.Severity != "" {
		severity = incident.Severity(strings.ToLower(sub.Severity))
		if !severity.Valid() {
			problems = append(problems, fmt.Sprintf("unknown severity %q", sub.Severity))
		}
	}

	iocs := make([]incident.IOC, 0, len(sub.IOCs))
	for _, raw := range sub.IOCs {
		ioc, ok := incident.ClassifyIOC(raw)
		if !ok {
			problems = append(problems, fmt.Sprintf("unrecognized ioc %q", raw))
			continue
		}
		iocs = append(iocs, ioc)
	}

	techniques := make([]string, 0, len(sub.Mitre))
	for _, id := range sub.Mitre {
		id = strings.TrimSpace(id)
		if !incident.ValidTechniqueID(id) {
			problems = append(problems, fmt.Sprintf("malformed mitre technique id %q", id))
			continue
		}
		techniques = append(techniques, id)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	now := time.Now().UTC()
	return &incident.Incident{
		ID:              ulid.Make().String(),
		Title:           title,
		SystemContext:   strings.TrimSpace(sub.SystemContext),
		LogData:         sub.LogData,
		AdditionalLogs:  sub.AdditionalLogs,
		Severity:        severity,
		Status:          incident.StatusOpen,
		Classification:  incident.ClassificationUnset,
		MitreTechniques: techniques,
		IOCs:            iocs,
		Source:          source,
		SiemType:        strings.ToLower(strings.TrimSpace(sub.SiemType)),
		SiemIncidentID:  strings.TrimSpace(sub.SiemID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}
