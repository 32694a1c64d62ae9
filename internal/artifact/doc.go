// Package artifact stores stage outputs by fingerprint.
//
// Every artifact is a write-once directory holding the stage's output files
// and a canonical metadata record (MetaFileName). Store.Create guarantees at
// most one concurrent producer per fingerprint: callers in the same process
// are coalesced, and the backend's lock serializes separate processes sharing
// a cache root. Producers write into a private staging area that is published
// with an atomic rename, so readers never observe a partial artifact.
//
// The core never deletes artifacts. FSBackend exposes Remove and listing
// helpers for the sweep collaborator; readers tolerate artifacts vanishing at
// any time and report services.ErrNotFound.
package artifact
