// Package stage defines the closed, versioned registry of pipeline stages and
// the contract agents implement to execute them.
//
// Stage kinds, names, and order are fixed at compile time; configuration may
// only adjust cost estimates, timeouts, and the services a stage depends on.
// Checkpoints record the registry version and stage name they were written
// under so a resume against a changed registry is refused instead of silently
// skipping or repeating work.
package stage
