// Package pipeline hosts the controller that drives pipeline runs through the
// stage registry.
//
// Each run advances on its own goroutine, one stage at a time. Before a stage
// starts the controller consults the cost guard and the health aggregator;
// the stage itself runs inside stageexec, which owns retries and timeouts. A
// successful stage is committed together with its checkpoint, so a resumed
// run always restarts immediately after the last durable output.
//
// Status changes are published to the event hub and, when enabled, pushed as
// ntfy notifications.
package pipeline
