// Package logs reads the daemon's session log from disk for `crew logs`.
//
// The daemon keeps crewd.log in the log directory pointing at the current
// session file. Tail reads the last N lines or everything after a byte
// offset, and can block until new lines arrive so the CLI can follow a live
// daemon. PipelineFilter narrows output to one run in either log format.
package logs
