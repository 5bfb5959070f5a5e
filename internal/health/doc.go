// Package health probes the external services stages depend on.
//
// The Aggregator holds no state between checks: every CheckAll or IsReady
// call probes afresh. Each probe runs under a bounded timeout; a service that
// does not answer in time is offline, one that answers with a failure is
// unhealthy, and anything else is healthy. HTTP services are probed with a
// GET; MCP servers are probed by initializing a streamable-HTTP session and
// sending a ping.
package health
