// Package pipeline sequences song-cover stages through the artifact store.
//
// The Orchestrator turns each stage request into a stage.Descriptor, derives
// its fingerprint and asks the artifact.Store for it. Transforms only run on
// a cache miss, so repeating a request with identical inputs is a chain of
// lookups, while a changed parameter re-executes exactly the stages whose
// fingerprints moved.
//
// Run walks the full chain source → separate → convert → effects → mix →
// render. When an upstream artifact is swept away mid-run, the walk restarts
// at the earliest stage whose artifact is gone and derives forward again;
// stages past that point cache-hit as soon as their inputs hash the same.
// When even the source is gone and no source file was supplied, Run fails
// with services.ErrNotFound.
//
// Stage outcomes are written to an optional Recorder (the lineage index).
// Recording is advisory; failures are logged and never fail a stage.
package pipeline
