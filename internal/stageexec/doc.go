// Package stageexec is the single execution wrapper used for every stage
// attempt. It owns readiness gating, per-attempt timeouts, error
// classification, and bounded exponential backoff so callers only supply
// the attempt itself.
package stageexec
