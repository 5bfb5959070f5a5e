// Package run defines the persisted pipeline model shared by the controller,
// the checkpoint store, and the HTTP surface.
//
// A PipelineRun records one end-to-end execution of the stage sequence. Its
// Stages slice holds at most one StageResult per registry index: completed
// results are never rewritten, and a failed result may only occupy the tail
// until a resume re-executes that index. Status moves through the transitions
// accepted by CanTransition; callers must check it before persisting.
package run
