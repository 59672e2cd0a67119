// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

// Store holds incidents and SIEM responses in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident     // incident ID -> record
	external  map[string]string                 // siemType|siemIncidentID -> incident ID
	responses map[string][]*incident.SiemResponse // incident ID -> delivery history
	byRespID  map[string]*incident.SiemResponse // response ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		external:  make(map[string]string),
		responses: make(map[string][]*incident.SiemResponse),
		byRespID:  make(map[string]*incident.SiemResponse),
	}
}

// Get retrieves an incident by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return cloneIncident(inc), true, nil
}

// GetBySiemIncidentID retrieves an incident by its external SIEM identifier.
func (s *Store) GetBySiemIncidentID(_ context.Context, siemType, siemIncidentID string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.external[externalKey(siemType, siemIncidentID)]
	if !ok {
		return nil, false, nil
	}
	return cloneIncident(s.incidents[id]), true, nil
}

// Put stores a copy of the incident.
func (s *Store) Put(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = cloneIncident(inc)
	if inc.SiemIncidentID != "" {
		s.external[externalKey(inc.SiemType, inc.SiemIncidentID)] = inc.ID
	}
	return nil
}

// List returns incidents matching the filter, newest first.
func (s *Store) List(_ context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		if f.Classification != "" && inc.Classification != f.Classification {
			continue
		}
		if f.Source != "" && inc.Source != f.Source {
			continue
		}
		out = append(out, cloneIncident(inc))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Snapshot returns every incident ordered by creation time, oldest first.
func (s *Store) Snapshot(_ context.Context) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, cloneIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// PutResponse stores a copy of the SIEM response record.
func (s *Store) PutResponse(_ context.Context, resp *incident.SiemResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneResponse(resp)
	if existing, ok := s.byRespID[resp.ID]; ok {
		hist := s.responses[existing.IncidentID]
		for i := range hist {
			if hist[i].ID == resp.ID {
				hist[i] = cp
				break
			}
		}
	} else {
		s.responses[resp.IncidentID] = append(s.responses[resp.IncidentID], cp)
	}
	s.byRespID[resp.ID] = cp
	return nil
}

// ResponsesForIncident returns the delivery history for an incident in
// creation order.
func (s *Store) ResponsesForIncident(_ context.Context, incidentID string) ([]*incident.SiemResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.responses[incidentID]
	out := make([]*incident.SiemResponse, 0, len(hist))
	for _, r := range hist {
		out = append(out, cloneResponse(r))
	}
	return out, nil
}

func externalKey(siemType, siemIncidentID string) string {
	return siemType + "|" + siemIncidentID
}

func cloneIncident(inc *incident.Incident) *incident.Incident {
	cp := *inc
	cp.AdditionalLogs = append([]string(nil), inc.AdditionalLogs...)
	cp.MitreTechniques = append([]string(nil), inc.MitreTechniques...)
	cp.IOCs = append([]incident.IOC(nil), inc.IOCs...)
	cp.Recommendations = append([]string(nil), inc.Recommendations...)
	cp.Comments = append([]incident.Comment(nil), inc.Comments...)
	return &cp
}

func cloneResponse(r *incident.SiemResponse) *incident.SiemResponse {
	cp := *r
	return &cp
}
