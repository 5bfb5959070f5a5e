// Command crew is the agentcrew CLI. It runs the pipeline daemon in the
// foreground or in the background and talks to a running daemon over its
// HTTP API to trigger, resume, stop, and inspect pipeline runs.
package main
