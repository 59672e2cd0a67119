// Package risk derives time-bucketed risk curves from the incident
// population. Everything here is a pure function over a snapshot: identical
// inputs always produce identical output, regardless of call order or
// concurrent execution, so nothing is ever persisted.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

// Timeframe selects the window and bucket granularity of a progression.
type Timeframe string

const (
	Timeframe24h Timeframe = "24h"
	Timeframe7d  Timeframe = "7d"
	Timeframe30d Timeframe = "30d"
)

// ParseTimeframe validates a timeframe query parameter.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case Timeframe24h, Timeframe7d, Timeframe30d:
		return Timeframe(s), nil
	case "":
		return Timeframe24h, nil
	}
	return "", fmt.Errorf("unknown timeframe %q (want 24h, 7d or 30d)", s)
}

// window returns the timeframe's total span and bucket width.
func (t Timeframe) window() (span, bucket time.Duration) {
	switch t {
	case Timeframe7d:
		return 7 * 24 * time.Hour, 6 * time.Hour
	case Timeframe30d:
		return 30 * 24 * time.Hour, 24 * time.Hour
	default:
		return 24 * time.Hour, time.Hour
	}
}

// Bucket is one point on the risk curve.
type Bucket struct {
	Start     time.Time `json:"start"`
	Score     int       `json:"score"`
	Incidents int       `json:"incidents"`
	Threats   int       `json:"threats"`
}

// Progression is the ordered risk series for one timeframe plus the current
// aggregate over the whole window.
type Progression struct {
	Timeframe    Timeframe `json:"timeframe"`
	Buckets      []Bucket  `json:"buckets"`
	CurrentScore int       `json:"current_score"`
	Incidents    int       `json:"incidents"`
	Threats      int       `json:"threats"`
}

var severityWeights = map[incident.Severity]float64{
	incident.SeverityCritical:      1.0,
	incident.SeverityHigh:          0.8,
	incident.SeverityMedium:        0.5,
	incident.SeverityLow:           0.3,
	incident.SeverityInformational: 0.1,
}

var classificationWeights = map[incident.Classification]float64{
	incident.ClassificationTruePositive:  1.0,
	incident.ClassificationNeedsReview:   0.6,
	incident.ClassificationUnset:         0.5,
	incident.ClassificationFalsePositive: 0.2,
}

// Contribution scores one incident on the 0..100 scale: severity weight
// times classification weight. Unknown severities weigh as medium.
func Contribution(inc *incident.Incident) float64 {
	sw, ok := severityWeights[inc.Severity]
	if !ok {
		sw = severityWeights[incident.SeverityMedium]
	}
	cw, ok := classificationWeights[inc.Classification]
	if !ok {
		cw = classificationWeights[incident.ClassificationUnset]
	}
	return sw * cw * 100
}

// Series computes the risk progression for the window ending at now. The
// snapshot may be in any order; only creation time matters.
func Series(snapshot []*incident.Incident, tf Timeframe, now time.Time) *Progression {
	span, width := tf.window()
	start := now.Add(-span).Truncate(width)
	n := int(now.Sub(start) / width)
	if now.Sub(start)%width != 0 {
		n++
	}

	buckets := make([]Bucket, n)
	sums := make([]float64, n)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * width)
	}

	var (
		total      float64
		count      int
		threats    int
		windowFrom = now.Add(-span)
	)
	for _, inc := range snapshot {
		if inc.CreatedAt.Before(windowFrom) || inc.CreatedAt.After(now) {
			continue
		}
		i := int(inc.CreatedAt.Sub(start) / width)
		if i < 0 || i >= n {
			continue
		}

		c := Contribution(inc)
		sums[i] += c
		buckets[i].Incidents++
		total += c
		count++

		if inc.Classification == incident.ClassificationTruePositive {
			buckets[i].Threats++
			threats++
		}
	}

	for i := range buckets {
		if buckets[i].Incidents > 0 {
			buckets[i].Score = int(math.Round(sums[i] / float64(buckets[i].Incidents)))
		}
	}

	p := &Progression{
		Timeframe: tf,
		Buckets:   buckets,
		Incidents: count,
		Threats:   threats,
	}
	if count > 0 {
		p.CurrentScore = int(math.Round(total / float64(count)))
	}
	return p
}
