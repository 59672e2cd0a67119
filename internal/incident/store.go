package incident

import "context"

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status         Status
	Severity       Severity
	Classification Classification
	Source         Source
	Limit          int
}

// Store is the persistence interface for incidents and their SIEM delivery
// history.
type Store interface {
	Get(ctx context.Context, id string) (*Incident, bool, error)

	// GetBySiemIncidentID retrieves the most recent incident recorded for an
	// external SIEM incident identifier, for correlation and dedup.
	GetBySiemIncidentID(ctx context.Context, siemType, siemIncidentID string) (*Incident, bool, error)

	Put(ctx context.Context, inc *Incident) error
	List(ctx context.Context, f ListFilter) ([]*Incident, error)

	// Snapshot returns every incident ordered by creation time. The risk
	// aggregator windows the result itself so repeated calls over the same
	// population stay deterministic.
	Snapshot(ctx context.Context) ([]*Incident, error)

	PutResponse(ctx context.Context, resp *SiemResponse) error
	ResponsesForIncident(ctx context.Context, incidentID string) ([]*SiemResponse, error)
}
