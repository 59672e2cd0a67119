package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/halcyonlabs/sentinel/internal/agents"
	"github.com/halcyonlabs/sentinel/internal/incident"
)

// AgentFailure records one agent that produced no finding.
type AgentFailure struct {
	Agent string `json:"agent"`
	Err   string `json:"error"`
}

// OrchestratorResult is the collected outcome of one fan-out run. Findings
// keep registry order so downstream synthesis is deterministic.
type OrchestratorResult struct {
	Findings []incident.AgentFinding
	Failures []AgentFailure
}

// Orchestrator runs every registered agent concurrently against the same
// incident context, each bounded by a per-agent timeout. A failing or
// timed-out agent is recorded as reduced evidence, never as a pipeline
// failure.
type Orchestrator struct {
	registry *agents.Registry
	timeout  time.Duration
	logger   log.Logger
	hooks    Hooks
}

// NewOrchestrator creates an orchestrator over the given agent registry.
func NewOrchestrator(registry *agents.Registry, timeout time.Duration, logger log.Logger, hooks Hooks) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		hooks:    hooks,
	}
}

// Run fans out to every agent and collects their findings. It always
// returns: if every agent fails the result simply carries no findings.
func (o *Orchestrator) Run(ctx context.Context, ac *agents.Context) *OrchestratorResult {
	all := o.registry.All()

	type slot struct {
		finding *incident.AgentFinding
		failure *AgentFailure
	}
	slots := make([]slot, len(all))

	var wg sync.WaitGroup
	for i, agent := range all {
		wg.Add(1)
		go func(i int, agent agents.Agent) {
			defer wg.Done()

			actx, cancel := context.WithTimeout(ctx, o.timeout)
			defer cancel()

			start := time.Now()
			finding, err := agent.Analyze(actx, ac)
			dur := time.Since(start).Seconds()

			if o.hooks.OnAgent != nil {
				o.hooks.OnAgent(agent.Name(), dur, err != nil)
			}

			if err != nil {
				o.logger.Warn(ctx, "agent produced no finding",
					"agent", agent.Name(),
					"incident_id", ac.Incident.ID,
					"error", err,
				)
				slots[i] = slot{failure: &AgentFailure{Agent: agent.Name(), Err: err.Error()}}
				return
			}
			slots[i] = slot{finding: finding}
		}(i, agent)
	}
	wg.Wait()

	result := &OrchestratorResult{}
	for _, s := range slots {
		if s.finding != nil {
			result.Findings = append(result.Findings, *s.finding)
		}
		if s.failure != nil {
			result.Failures = append(result.Failures, *s.failure)
		}
	}

	o.logger.Info(ctx, "agent fan-out complete",
		"incident_id", ac.Incident.ID,
		"findings", len(result.Findings),
		"failures", len(result.Failures),
	)
	return result
}
