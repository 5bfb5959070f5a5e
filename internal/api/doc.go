// Package api defines the wire-format types of the pipeline REST surface and
// the HTTP client used by the crew CLI.
//
// DTOs use camelCase JSON tags for the dashboard. Timestamps are RFC3339 with
// milliseconds in UTC. Stage outputs and checkpoint payloads pass through as
// json.RawMessage so agent payloads are never re-encoded.
//
// RunView carries derived fields (total cost, total duration, last completed
// stage, failed stage) so clients do not recompute them from the stage list.
package api
