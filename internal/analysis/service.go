package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/halcyonlabs/sentinel/internal/agents"
	"github.com/halcyonlabs/sentinel/internal/incident"
	"github.com/halcyonlabs/sentinel/internal/ingest"
	"github.com/halcyonlabs/sentinel/internal/intel"
)

// ErrAnalysisInFlight is returned when a submission targets an incident whose
// analysis pipeline is already running. The caller should retry after the
// current run completes.
var ErrAnalysisInFlight = errors.New("analysis already in flight for incident")

// ErrIncidentNotFound is returned when an operation targets an unknown id.
var ErrIncidentNotFound = errors.New("incident not found")

// ErrInvalidOverride is returned when a manual classification override fails
// validation.
var ErrInvalidOverride = errors.New("invalid override")

// Dispatcher delivers a finalized verdict back to the originating SIEM.
// Delivery runs in the background and must never block the pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, inc *incident.Incident)
}

// Notifier announces a finished analysis to an external channel. A nil
// notifier disables notifications.
type Notifier interface {
	Send(ctx context.Context, inc *incident.Incident) error
}

// SubmitResult is the outcome of submitting an incident for analysis.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// Service is the business boundary for incident analysis. It owns the
// pipeline lifecycle: intel correlation, agent fan-out, synthesis,
// classification, and handoff to SIEM delivery.
type Service struct {
	store        incident.Store
	correlator   *intel.Correlator
	orchestrator *Orchestrator
	synthesizer  *Synthesizer
	engine       *Engine
	dispatcher   Dispatcher
	notifier     Notifier
	timeout      time.Duration
	logger       log.Logger
	hooks        Hooks

	mu       sync.Mutex
	inFlight map[string]bool
}

// ServiceConfig carries the service's collaborators and bounds.
type ServiceConfig struct {
	Store        incident.Store
	Correlator   *intel.Correlator
	Orchestrator *Orchestrator
	Synthesizer  *Synthesizer
	Engine       *Engine

	// Dispatcher may be nil when no SIEM delivery is configured.
	Dispatcher Dispatcher

	// Notifier may be nil when no notification channel is configured.
	Notifier Notifier

	// PipelineTimeout bounds one incident's full analysis run.
	PipelineTimeout time.Duration

	Logger log.Logger
	Hooks  Hooks
}

// NewService creates a new analysis service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 5 * time.Minute
	}
	return &Service{
		store:        cfg.Store,
		correlator:   cfg.Correlator,
		orchestrator: cfg.Orchestrator,
		synthesizer:  cfg.Synthesizer,
		engine:       cfg.Engine,
		dispatcher:   cfg.Dispatcher,
		notifier:     cfg.Notifier,
		timeout:      cfg.PipelineTimeout,
		logger:       cfg.Logger,
		hooks:        cfg.Hooks,
	}
}

// Submit accepts an incident submission, handling dedup and lifecycle. The
// analysis pipeline runs asynchronously; the returned ID can be polled.
func (s *Service) Submit(ctx context.Context, sub *ingest.Submission) (*SubmitResult, error) {
	inc, err := ingest.Normalize(sub)
	if err != nil {
		return nil, err
	}

	// dedup: automated sources may redeliver the same SIEM incident
	if inc.Source.Automated() {
		existing, ok, err := s.store.GetBySiemIncidentID(ctx, inc.SiemType, inc.SiemIncidentID)
		if err != nil {
			return nil, err
		}
		if ok {
			if s.analysisInFlight(existing.ID) {
				return nil, fmt.Errorf("%w: %s", ErrAnalysisInFlight, existing.ID)
			}
			return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "duplicate"}, nil
		}
	}

	if !s.claim(inc.ID) {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisInFlight, inc.ID)
	}

	if err := s.store.Put(ctx, inc); err != nil {
		s.release(inc.ID)
		return nil, err
	}

	// run the pipeline detached from the request's cancellation - pass only
	// the ID so the goroutine re-reads its own copy.
	go s.runPipeline(context.WithoutCancel(ctx), inc.ID)

	return &SubmitResult{ID: inc.ID}, nil
}

// OverrideRequest is an analyst's manual classification decision. The comment
// is mandatory: workflow policy requires every override to carry a rationale.
type OverrideRequest struct {
	Classification incident.Classification `json:"classification"`
	Severity       incident.Severity       `json:"severity,omitempty"`
	Confidence     int                     `json:"confidence"`
	Author         string                  `json:"author"`
	Comment        string                  `json:"comment"`
}

// Override applies an analyst's classification decision to an incident,
// appending the rationale comment in the same store write. It conflicts with
// a running analysis pipeline for the same incident.
func (s *Service) Override(ctx context.Context, id string, req *OverrideRequest) (*incident.Incident, error) {
	switch req.Classification {
	case incident.ClassificationTruePositive, incident.ClassificationFalsePositive:
	default:
		return nil, fmt.Errorf("%w: classification must be true-positive or false-positive", ErrInvalidOverride)
	}
	if strings.TrimSpace(req.Comment) == "" {
		return nil, fmt.Errorf("%w: a rationale comment is required", ErrInvalidOverride)
	}
	if req.Confidence < 1 || req.Confidence > 100 {
		return nil, fmt.Errorf("%w: confidence must be 1..100", ErrInvalidOverride)
	}
	if req.Severity != "" && !req.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidOverride, req.Severity)
	}

	// claim the id so the override cannot interleave with a pipeline run
	if !s.claim(id) {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisInFlight, id)
	}
	defer s.release(id)

	inc, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}

	author := req.Author
	if author == "" {
		author = "analyst"
	}
	now := time.Now().UTC()

	out := *inc
	out.Classification = req.Classification
	out.Confidence = req.Confidence
	if req.Severity != "" {
		out.Severity = req.Severity
	}
	out.Comments = append(append([]incident.Comment(nil), inc.Comments...), incident.Comment{
		Author:    author,
		Body:      req.Comment,
		CreatedAt: now,
	})
	if out.Status == incident.StatusOpen {
		out.Status = incident.StatusInProgress
	}
	out.UpdatedAt = now

	if err := s.store.Put(ctx, &out); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "classification overridden",
		"incident_id", id,
		"classification", string(out.Classification),
		"confidence", out.Confidence,
		"author", author,
	)
	return &out, nil
}

// Get retrieves an incident by ID.
func (s *Service) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	return s.store.Get(ctx, id)
}

// List retrieves incidents matching the filter, newest first.
func (s *Service) List(ctx context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	return s.store.List(ctx, f)
}

// Responses retrieves the SIEM delivery records for an incident.
func (s *Service) Responses(ctx context.Context, incidentID string) ([]*incident.SiemResponse, error) {
	return s.store.ResponsesForIncident(ctx, incidentID)
}

func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = make(map[string]bool)
	}
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Service) analysisInFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[id]
}

func (s *Service) runPipeline(ctx context.Context, id string) {
	defer s.release(id)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	L := s.logger.With("incident_id", id)
	start := time.Now()

	inc, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch incident for analysis")
		return
	}

	assessment := s.correlator.Correlate(ctx, inc.IOCs)
	ac := &agents.Context{Incident: inc, Intel: assessment}

	result := s.orchestrator.Run(ctx, ac)
	verdict := s.synthesizer.Run(ctx, ac, result.Findings)

	// single atomic commit of classification, severity, confidence and the
	// rationale comment
	final := s.engine.Finalize(*inc, verdict, result, time.Now())
	if err := s.store.Put(ctx, &final); err != nil {
		L.Error(ctx, err, "failed to persist analysis outcome")
		return
	}

	duration := time.Since(start)
	L.Info(ctx, "analysis complete",
		"state", string(verdict.State),
		"classification", string(final.Classification),
		"confidence", final.Confidence,
		"severity", string(final.Severity),
		"findings", len(result.Findings),
		"failures", len(result.Failures),
		"duration", duration,
	)

	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(&CompleteEvent{
			Status:         string(verdict.State),
			Classification: string(final.Classification),
			Confidence:     final.Confidence,
			Duration:       duration.Seconds(),
			Findings:       len(result.Findings),
			Failures:       len(result.Failures),
			Degraded:       verdict.State == PhaseDegraded,
		})
	}

	if s.dispatcher != nil && final.Source.Automated() {
		s.dispatcher.Dispatch(ctx, &final)
	}

	if s.notifier != nil {
		if err := s.notifier.Send(ctx, &final); err != nil {
			L.Error(ctx, err, "notification failed")
		}
	}
}
