// Package services defines shared utilities consumed by the pipeline
// orchestrator, the artifact store, and the external stage transforms.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, stage names, and fingerprints for
//     logging and tracing.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures (not found, encoding, io, stage execution, validation) with
//     errors.Is rather than string matching.
//   - StageExecutionError, the typed failure returned when an external
//     transform fails.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
