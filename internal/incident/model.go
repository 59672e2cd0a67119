package incident

import (
	"regexp"
	"strings"
	"time"
)

// Severity ranks the operational impact of an incident.
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInformational:
		return true
	}
	return false
}

// Status tracks where an incident is in its workflow lifecycle.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusClosed     Status = "closed"
)

// Classification is the analytic verdict on an incident.
type Classification string

const (
	// ClassificationUnset means no completed synthesis pass has run yet.
	ClassificationUnset Classification = "unset"

	ClassificationTruePositive  Classification = "true-positive"
	ClassificationFalsePositive Classification = "false-positive"

	// ClassificationNeedsReview means the automated verdict fell below the
	// confidence threshold and is routed to a human analyst.
	ClassificationNeedsReview Classification = "needs-review"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationUnset, ClassificationTruePositive, ClassificationFalsePositive, ClassificationNeedsReview:
		return true
	}
	return false
}

// Source identifies how an incident entered the system.
type Source string

const (
	SourceManual      Source = "manual"
	SourceSiemWebhook Source = "siem-webhook"
	SourceSiemAPI     Source = "siem-api"
)

// Valid reports whether s is a known submission source.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceSiemWebhook, SourceSiemAPI:
		return true
	}
	return false
}

// Automated reports whether the incident originated from a SIEM and therefore
// expects an analysis response delivered back to it.
func (s Source) Automated() bool {
	return s == SourceSiemWebhook || s == SourceSiemAPI
}

// IOCKind is the indicator type of a single IOC value.
type IOCKind string

const (
	IOCIPAddress IOCKind = "ip"
	IOCDomain    IOCKind = "domain"
	IOCHash      IOCKind = "hash"
	IOCURL       IOCKind = "url"
	IOCCVE       IOCKind = "cve"
)

// IOC is a single indicator of compromise attached to an incident.
type IOC struct {
	Kind  IOCKind `json:"kind"`
	Value string  `json:"value"`
}

var (
	ipv4Re   = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)
	hashRe   = regexp.MustCompile(`^[0-9a-fA-F]{32}$|^[0-9a-fA-F]{40}$|^[0-9a-fA-F]{64}$`)
	cveRe    = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)
	domainRe = regexp.MustCompile(`^([a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}$`)
)

// ClassifyIOC infers the indicator kind from a raw value. Returns false when
// the value matches none of the supported shapes.
func ClassifyIOC(value string) (IOC, bool) {
	v := strings.TrimSpace(value)
	switch {
	case v == "":
		return IOC{}, false
	case ipv4Re.MatchString(v):
		return IOC{Kind: IOCIPAddress, Value: v}, true
	case hashRe.MatchString(v):
		return IOC{Kind: IOCHash, Value: v}, true
	case cveRe.MatchString(strings.ToUpper(v)):
		return IOC{Kind: IOCCVE, Value: strings.ToUpper(v)}, true
	case strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://"):
		return IOC{Kind: IOCURL, Value: v}, true
	case domainRe.MatchString(v):
		return IOC{Kind: IOCDomain, Value: strings.ToLower(v)}, true
	}
	return IOC{}, false
}

var techniqueRe = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// ValidTechniqueID reports whether id is a well-formed MITRE ATT&CK technique
// identifier (e.g. T1059 or T1059.001).
func ValidTechniqueID(id string) bool {
	return techniqueRe.MatchString(id)
}

// Comment is one entry in an incident's ordered comment history.
type Comment struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	System    bool      `json:"system"`
	CreatedAt time.Time `json:"created_at"`
}

// Incident is the canonical record flowing through the analysis pipeline.
// Classification, severity and confidence are written only by the
// classification engine (or an explicit analyst override).
type Incident struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	SystemContext  string         `json:"system_context,omitempty"`
	LogData        string         `json:"log_data"`
	AdditionalLogs []string       `json:"additional_logs,omitempty"`
	Severity       Severity       `json:"severity"`
	Status         Status         `json:"status"`
	Classification Classification `json:"classification"`

	// Confidence is 0..100 and meaningful only when Classification is a
	// completed verdict other than needs-review.
	Confidence int `json:"confidence,omitempty"`

	MitreTechniques []string  `json:"mitre_techniques,omitempty"`
	IOCs            []IOC     `json:"iocs,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Source          Source    `json:"source"`
	SiemType        string    `json:"siem_type,omitempty"`
	SiemIncidentID  string    `json:"siem_incident_id,omitempty"`
	Comments        []Comment `json:"comments,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AgentFinding is one agent's vote for a single orchestrator run. Findings
// are ephemeral: the classification engine folds them into the incident and
// only the aggregate survives.
type AgentFinding struct {
	Agent           string         `json:"agent"`
	Classification  Classification `json:"classification"`
	Confidence      int            `json:"confidence"`
	Severity        Severity       `json:"severity"`
	MitreTechniques []string       `json:"mitre_techniques,omitempty"`
	Rationale       string         `json:"rationale"`
}

// DeliveryStatus tracks the SIEM response delivery state machine.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"

	// DeliverySent is terminal: the SIEM acknowledged the analysis.
	DeliverySent DeliveryStatus = "sent"

	// DeliveryFailed covers both retryable and, once Permanent is set,
	// exhausted deliveries.
	DeliveryFailed DeliveryStatus = "failed"

	// DeliveryNotConfigured is terminal and means no endpoint is registered
	// for the incident's SIEM type. A configuration state, not an error.
	DeliveryNotConfigured DeliveryStatus = "not-configured"
)

// SiemResponse records one delivery of a finalized analysis back to the
// originating SIEM, including every retry outcome for audit.
type SiemResponse struct {
	ID           string         `json:"id"`
	IncidentID   string         `json:"incident_id"`
	SiemType     string         `json:"siem_type"`
	EndpointURL  string         `json:"endpoint_url,omitempty"`
	Status       DeliveryStatus `json:"status"`
	Permanent    bool           `json:"permanent,omitempty"`
	HTTPStatus   int            `json:"http_status,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Payload      string         `json:"payload,omitempty"`
	ResponseBody string         `json:"response_body,omitempty"`
	SentAt       time.Time      `json:"sent_at,omitempty"`
	RetriedCount int            `json:"retried_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Terminal reports whether the delivery record can no longer transition.
func (r *SiemResponse) Terminal() bool {
	switch r.Status {
	case DeliverySent, DeliveryNotConfigured:
		return true
	case DeliveryFailed:
		return r.Permanent
	}
	return false
}
