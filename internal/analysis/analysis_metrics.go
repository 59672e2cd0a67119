package analysis

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives callbacks at analysis milestones. Nil funcs are skipped.
type Hooks struct {
	// OnAgent fires once per specialist agent run with its wall time.
	OnAgent func(agent string, duration float64, isError bool)
	// OnPhase fires per synthesis phase attempt, including retries.
	OnPhase func(phase string, attempt int, isError bool)
	// OnComplete fires once when a pipeline run finishes.
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent summarizes a finished pipeline run.
type CompleteEvent struct {
	Status         string
	Classification string
	Confidence     int
	Duration       float64
	Findings       int
	Failures       int
	Degraded       bool
}

// Metrics holds Prometheus metrics for the analysis subsystem.
type Metrics struct {
	PipelinesTotal   *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	PipelineFindings prometheus.Histogram
	Confidence       *prometheus.HistogramVec
	AgentRunsTotal   *prometheus.CounterVec
	AgentDuration    *prometheus.HistogramVec
	PhaseAttempts    *prometheus.CounterVec
	DegradedTotal    prometheus.Counter
	SubmitsTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns analysis metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PipelinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_analysis_pipelines_total",
			Help: "Total analysis pipeline runs by final status.",
		}, []string{"status", "classification"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_analysis_pipeline_duration_seconds",
			Help:    "Duration of analysis pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status"}),
		PipelineFindings: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_analysis_findings",
			Help:    "Specialist findings collected per pipeline run.",
			Buckets: prometheus.LinearBuckets(0, 1, 8), // 0 .. 7
		}),
		Confidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_analysis_confidence",
			Help:    "Final confidence score per pipeline run.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 .. 100
		}, []string{"classification"}),
		AgentRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_agent_runs_total",
			Help: "Total specialist agent runs by agent and status.",
		}, []string{"agent", "status"}),
		AgentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_agent_duration_seconds",
			Help:    "Duration of specialist agent runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}, []string{"agent"}),
		PhaseAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_synthesis_phase_attempts_total",
			Help: "Total synthesis phase attempts by phase and status.",
		}, []string{"phase", "status"}),
		DegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_analysis_degraded_total",
			Help: "Total pipeline runs that fell back to degraded synthesis.",
		}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_submits_total",
			Help: "Total incident submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.PipelinesTotal,
		m.PipelineDuration,
		m.PipelineFindings,
		m.Confidence,
		m.AgentRunsTotal,
		m.AgentDuration,
		m.PhaseAttempts,
		m.DegradedTotal,
		m.SubmitsTotal,
	)

	return m
}

// Hooks returns a Hooks that increments the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAgent: func(agent string, duration float64, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.AgentRunsTotal.WithLabelValues(agent, status).Inc()
			m.AgentDuration.WithLabelValues(agent).Observe(duration)
		},
		OnPhase: func(phase string, attempt int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.PhaseAttempts.WithLabelValues(phase, status).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.PipelinesTotal.WithLabelValues(e.Status, e.Classification).Inc()
			m.PipelineDuration.WithLabelValues(e.Status).Observe(e.Duration)
			m.PipelineFindings.Observe(float64(e.Findings))
			m.Confidence.WithLabelValues(e.Classification).Observe(float64(e.Confidence))
			if e.Degraded {
				m.DegradedTotal.Inc()
			}
		},
	}
}
