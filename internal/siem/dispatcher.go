package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

// maxResponseBody bounds how much of the SIEM's reply is kept for audit.
const maxResponseBody = 4 << 10

// Payload is the finalized analysis POSTed back to the originating SIEM.
type Payload struct {
	IncidentID      string    `json:"incidentId"`
	Classification  string    `json:"classification"`
	Severity        string    `json:"severity"`
	Confidence      int       `json:"confidence"`
	MitreAttack     []string  `json:"mitreAttack"`
	Recommendations []string  `json:"recommendations"`
	AnalyzedAt      time.Time `json:"analyzedAt"`
}

// Config bounds the delivery retry policy.
type Config struct {
	// BaseInterval is the first retry delay.
	BaseInterval time.Duration

	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64

	// MaxInterval caps the delay regardless of growth.
	MaxInterval time.Duration

	// MaxAttempts is the total number of delivery attempts before the
	// record goes permanently failed.
	MaxAttempts int

	// Jitter randomizes each delay by the given factor.
	Jitter float64

	// RequestTimeout bounds one HTTP delivery attempt.
	RequestTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseInterval <= 0 {
		out.BaseInterval = 5 * time.Second
	}
	if out.Multiplier <= 1 {
		out.Multiplier = 2
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = 5 * time.Minute
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.Jitter < 0 {
		out.Jitter = 0.2
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 15 * time.Second
	}
	return out
}

// ResponseStore is the slice of the incident store deliveries are recorded
// in.
type ResponseStore interface {
	PutResponse(ctx context.Context, resp *incident.SiemResponse) error
}

// Dispatcher delivers finalized analyses back to the origin SIEM. Each
// delivery runs as an independent background task with its own retry
// schedule; the analysis pipeline never waits on it.
type Dispatcher struct {
	store    ResponseStore
	registry *Registry
	client   *http.Client
	cfg      Config
	logger   log.Logger
	hooks    Hooks

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given endpoint registry.
func NewDispatcher(store ResponseStore, registry *Registry, cfg Config, logger log.Logger, hooks Hooks) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	c := cfg.withDefaults()
	return &Dispatcher{
		store:    store,
		registry: registry,
		client:   &http.Client{Timeout: c.RequestTimeout},
		cfg:      c,
		logger:   logger,
		hooks:    hooks,
	}
}

// Dispatch records a delivery for the incident and starts its background
// attempt loop. Incidents whose SIEM type has no registered endpoint get a
// terminal not-configured record and no delivery is attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, inc *incident.Incident) {
	now := time.Now()
	rec := &incident.SiemResponse{
		ID:         ulid.Make().String(),
		IncidentID: inc.ID,
		SiemType:   inc.SiemType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ep, ok := d.registry.Lookup(inc.SiemType)
	if !ok {
		rec.Status = incident.DeliveryNotConfigured
		if err := d.store.PutResponse(ctx, rec); err != nil {
			d.logger.Error(ctx, err, "failed to record not-configured delivery",
				"incident_id", inc.ID, "siem_type", inc.SiemType)
		}
		if d.hooks.OnDelivery != nil {
			d.hooks.OnDelivery(inc.SiemType, string(incident.DeliveryNotConfigured), 0)
		}
		return
	}

	payload, err := json.Marshal(Payload{
		IncidentID:      inc.ID,
		Classification:  string(inc.Classification),
		Severity:        string(inc.Severity),
		Confidence:      inc.Confidence,
		MitreAttack:     inc.MitreTechniques,
		Recommendations: inc.Recommendations,
		AnalyzedAt:      inc.UpdatedAt,
	})
	if err != nil {
		d.logger.Error(ctx, err, "failed to encode delivery payload", "incident_id", inc.ID)
		return
	}

	rec.Status = incident.DeliveryPending
	rec.EndpointURL = ep.URL
	rec.Payload = string(payload)
	if err := d.store.PutResponse(ctx, rec); err != nil {
		d.logger.Error(ctx, err, "failed to record pending delivery", "incident_id", inc.ID)
		return
	}

	d.wg.Add(1)
	go d.deliver(context.WithoutCancel(ctx), rec, ep)
}

// Shutdown waits for in-flight deliveries to finish or the context to end.
// Deliveries still waiting on a backoff interval are abandoned by process
// exit; their records stay in the failed state and are visible to operators.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver runs the attempt loop for one record until it reaches a terminal
// state. The record is persisted after every attempt so retriedCount and the
// audit trail survive a crash mid-schedule.
func (d *Dispatcher) deliver(ctx context.Context, rec *incident.SiemResponse, ep Endpoint) {
	defer d.wg.Done()

	L := d.logger.With("incident_id", rec.IncidentID, "siem_type", rec.SiemType, "response_id", rec.ID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.BaseInterval
	bo.Multiplier = d.cfg.Multiplier
	bo.MaxInterval = d.cfg.MaxInterval
	bo.RandomizationFactor = d.cfg.Jitter
	bo.Reset()

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			rec.RetriedCount = attempt - 1
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}

		status, body, err := d.attempt(ctx, ep, rec.Payload)

		now := time.Now()
		rec.UpdatedAt = now
		rec.HTTPStatus = status
		rec.ResponseBody = body

		if err == nil && status >= 200 && status < 300 {
			rec.Status = incident.DeliverySent
			rec.SentAt = now
			rec.ErrorMessage = ""
			d.persist(ctx, L, rec)
			if d.hooks.OnDelivery != nil {
				d.hooks.OnDelivery(rec.SiemType, string(incident.DeliverySent), attempt)
			}
			L.Info(ctx, "siem delivery succeeded", "attempt", attempt, "http_status", status)
			return
		}

		rec.Status = incident.DeliveryFailed
		switch {
		case err != nil:
			rec.ErrorMessage = err.Error()
		default:
			rec.ErrorMessage = fmt.Sprintf("unexpected status %d", status)
		}

		// client errors other than throttling will not heal on retry
		if permanentStatus(status) || attempt == d.cfg.MaxAttempts {
			rec.Permanent = true
			d.persist(ctx, L, rec)
			if d.hooks.OnDelivery != nil {
				d.hooks.OnDelivery(rec.SiemType, "failed-permanent", attempt)
			}
			L.Error(ctx, errors.New(rec.ErrorMessage), "siem delivery permanently failed",
				"attempt", attempt, "http_status", status)
			return
		}

		d.persist(ctx, L, rec)
		L.Warn(ctx, "siem delivery attempt failed",
			"attempt", attempt, "http_status", status, "error", rec.ErrorMessage)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, ep Endpoint, payload string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader([]byte(payload)))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.AuthHeader != "" {
		req.Header.Set("Authorization", ep.AuthHeader)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(body), nil
}

func (d *Dispatcher) persist(ctx context.Context, L log.Logger, rec *incident.SiemResponse) {
	if err := d.store.PutResponse(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to persist delivery record")
	}
}

// permanentStatus reports whether an HTTP status will not heal on retry.
func permanentStatus(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}
