// Package analysis implements the incident analysis pipeline: specialist
// agent fan-out, the sequential analyst synthesis phases, and the
// classification engine that commits the verdict to the incident record.
//
// The Service at the top owns lifecycle and concurrency: one pipeline per
// incident at a time, detached from the submitting request, bounded by an
// overall timeout. Everything below it is synchronous and testable in
// isolation.
package analysis
