// Package faults defines the error taxonomy shared across the orchestration
// engine.
//
// Components tag failures with one of the exported sentinel markers through
// Wrap so callers can classify them with errors.Is: the controller decides
// between retry and failure, and the HTTP layer picks a status code. Details
// exposes the structured parts of a wrapped error for logging.
package faults
