// Package sweep is the out-of-band maintenance collaborator for the artifact
// cache. It reports usage, prunes the oldest artifacts once the cache exceeds
// its size budget or the filesystem runs low on space, removes abandoned
// staging directories and re-verifies stored artifacts.
//
// The pipeline never calls into this package. Removing an artifact is always
// safe: the next run that needs it re-derives it from the nearest surviving
// ancestor.
package sweep
