// Package incident defines the canonical domain model for the analysis
// pipeline: the Incident record, its classification and severity enums,
// structured IOC and MITRE technique types, per-run AgentFinding votes, and
// the SiemResponse delivery record, plus the Store persistence interface.
package incident
