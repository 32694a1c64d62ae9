// Command coverforge drives the song-cover pipeline against the local
// artifact cache.
//
// "run" takes a song through separation, conversion, effects, mixing and
// rendering, reusing every stage whose fingerprint is already cached.
// "stage" runs a single stage over existing artifacts, "lookup" prints an
// artifact's provenance, and the "cache", "lineage" and "runs" commands
// inspect and maintain the cache and its lineage index.
package main
