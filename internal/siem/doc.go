// Package siem delivers finalized incident analyses back to the SIEM that
// raised them. Each delivery is an independent background task with bounded
// exponential-backoff retries; every attempt is recorded for audit. A SIEM
// type without a registered endpoint is a configuration state, recorded as
// not-configured, never an error.
package siem
