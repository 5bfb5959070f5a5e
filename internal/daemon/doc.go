// Package daemon coordinates the long-running crew process.
//
// It wires configuration, the run store, the pipeline controller, the event
// hub, and the HTTP API into a single lifecycle with flock-based locking to
// prevent multiple instances. On start the daemon runs preflight checks,
// recovers runs interrupted by a previous process, and begins serving the
// pipeline API; on stop it drains the API, lets in-flight stages return, and
// releases the lock.
//
// Keep orchestration logic here: run semantics live in internal/pipeline and
// the daemon focuses on startup, shutdown, and request routing.
package daemon
