// Package intel correlates incident IOCs against an external reputation
// source. Lookups are cached with a bounded TTL, concurrent misses for the
// same indicator collapse into one outbound call, and upstream failure
// degrades to an unknown reputation instead of failing the pipeline.
package intel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/linnemanlabs/go-core/log"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

// Reputation is the enrichment result for a single indicator.
type Reputation struct {
	Indicator incident.IOC `json:"indicator"`

	// Known is false when the reputation source could not be consulted and
	// the indicator's standing is unknown.
	Known     bool      `json:"known"`
	Malicious bool      `json:"malicious"`
	Score     int       `json:"score"` // 0..100, only meaningful when Known
	Tags      []string  `json:"tags,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Assessment aggregates per-indicator reputations into a single risk view.
type Assessment struct {
	Reputations []Reputation      `json:"reputations"`
	RiskScore   int               `json:"risk_score"` // 0..100
	ThreatLevel incident.Severity `json:"threat_level"`
}

// Source queries an external reputation provider for one indicator.
type Source interface {
	Lookup(ctx context.Context, ioc incident.IOC) (*Reputation, error)
}

// UnknownSource serves deployments without a reputation provider. Every
// lookup reports the indicator as unknown.
type UnknownSource struct{}

// Lookup implements Source.
func (UnknownSource) Lookup(_ context.Context, ioc incident.IOC) (*Reputation, error) {
	return &Reputation{Indicator: ioc, Known: false}, nil
}

// Cache stores reputations keyed by indicator value with a bounded TTL.
// Implementations own expiry; Get must never return a stale entry.
type Cache interface {
	Get(ctx context.Context, key string) (*Reputation, bool, error)
	Set(ctx context.Context, key string, rep *Reputation) error
}

// Lookup outcome labels reported to the observer.
const (
	LookupCached   = "cached"
	LookupFetched  = "fetched"
	LookupDegraded = "degraded"
)

// LookupObserver receives the outcome of each indicator lookup (wired by main
// for Prometheus).
type LookupObserver func(kind, outcome string, dur time.Duration)

// Correlator resolves incident IOCs through the cache and reputation source.
type Correlator struct {
	source  Source
	cache   Cache
	timeout time.Duration
	logger  log.Logger
	observe LookupObserver

	sf singleflight.Group
}

// NewCorrelator creates a correlator. timeout bounds each upstream lookup.
func NewCorrelator(source Source, cache Cache, timeout time.Duration, logger log.Logger) *Correlator {
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Correlator{
		source:  source,
		cache:   cache,
		timeout: timeout,
		logger:  logger,
	}
}

// SetLookupObserver installs the per-lookup observer. Must be called before
// the first Correlate.
func (c *Correlator) SetLookupObserver(fn LookupObserver) {
	c.observe = fn
}

// Correlate enriches the given indicators concurrently and returns the
// aggregate assessment. It never fails: indicators whose lookup errors out
// come back with Known=false.
func (c *Correlator) Correlate(ctx context.Context, iocs []incident.IOC) *Assessment {
	unique := dedupe(iocs)

	reps := make([]Reputation, len(unique))
	var wg sync.WaitGroup
	for i, ioc := range unique {
		wg.Add(1)
		go func(i int, ioc incident.IOC) {
			defer wg.Done()
			reps[i] = c.lookup(ctx, ioc)
		}(i, ioc)
	}
	wg.Wait()

	score := AggregateRisk(reps)
	return &Assessment{
		Reputations: reps,
		RiskScore:   score,
		ThreatLevel: ThreatLevel(score),
	}
}

// lookup resolves one indicator: cache first, then a singleflighted upstream
// call whose result is written back to the cache.
func (c *Correlator) lookup(ctx context.Context, ioc incident.IOC) Reputation {
	start := time.Now()
	outcome := LookupFetched
	defer func() {
		if c.observe != nil {
			c.observe(string(ioc.Kind), outcome, time.Since(start))
		}
	}()

	if rep, ok, err := c.cache.Get(ctx, ioc.Value); err == nil && ok {
		outcome = LookupCached
		return *rep
	} else if err != nil {
		c.logger.Warn(ctx, "intel cache read failed", "indicator", ioc.Value, "error", err)
	}

	v, err, _ := c.sf.Do(ioc.Value, func() (any, error) {
		lctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		rep, err := c.source.Lookup(lctx, ioc)
		if err != nil {
			return nil, err
		}
		rep.FetchedAt = time.Now().UTC()

		if err := c.cache.Set(ctx, ioc.Value, rep); err != nil {
			c.logger.Warn(ctx, "intel cache write failed", "indicator", ioc.Value, "error", err)
		}
		return rep, nil
	})
	if err != nil {
		outcome = LookupDegraded
		c.logger.Warn(ctx, "reputation lookup degraded to unknown",
			"indicator", ioc.Value,
			"kind", ioc.Kind,
			"error", err,
		)
		return Reputation{Indicator: ioc, Known: false, FetchedAt: time.Now().UTC()}
	}
	return *(v.(*Reputation))
}

func dedupe(iocs []incident.IOC) []incident.IOC {
	seen := make(map[string]struct{}, len(iocs))
	out := make([]incident.IOC, 0, len(iocs))
	for _, ioc := range iocs {
		if _, ok := seen[ioc.Value]; ok {
			continue
		}
		seen[ioc.Value] = struct{}{}
		out = append(out, ioc)
	}
	return out
}

// AggregateRisk computes a 0..100 score that grows monotonically with both
// the proportion of malicious indicators and their individual scores.
func AggregateRisk(reps []Reputation) int {
	if len(reps) == 0 {
		return 0
	}

	var malicious, scoreSum int
	for _, r := range reps {
		if r.Known && r.Malicious {
			malicious++
			scoreSum += r.Score
		}
	}
	if malicious == 0 {
		return 0
	}

	proportion := float64(malicious) / float64(len(reps))
	avgScore := float64(scoreSum) / float64(malicious)

	score := int(proportion*60 + avgScore*0.4)
	if score > 100 {
		score = 100
	}
	return score
}

// ThreatLevel maps an aggregate risk score to a severity band.
func ThreatLevel(score int) incident.Severity {
	switch {
	case score >= 80:
		return incident.SeverityCritical
	case score >= 60:
		return incident.SeverityHigh
	case score >= 40:
		return incident.SeverityMedium
	case score >= 20:
		return incident.SeverityLow
	default:
		return incident.SeverityInformational
	}
}
