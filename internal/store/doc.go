// Package store persists pipeline runs, stage results, stage attempts, and
// checkpoints.
//
// Backend is the persistence contract shared by the SQLite implementation in
// this package and the Postgres implementation in store/pgstore. Checkpoint
// rows are only written through SaveCheckpoint and CommitStage, and both refuse
// writes whose stage index does not advance past the stored one. CommitStage
// writes the completed stage result and its checkpoint in a single
// transaction so a crash can never leave one without the other.
//
// The SQLite schema is embedded and versioned. A database created with a
// different schema version is rejected with ErrSchemaMismatch rather than
// migrated in place.
package store
