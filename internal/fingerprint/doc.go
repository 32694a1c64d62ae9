// Package fingerprint derives the short, deterministic identities that address
// every artifact in the cache.
//
// Parameter sets are rendered to a canonical JSON encoding (sorted keys, fixed
// indentation, NFC strings, shortest round-trip floats) and digested with
// BLAKE2b; file content is streamed through the same digest family. Composite
// combines a stage-kind tag with already-canonical components so stage
// fingerprints never re-read upstream audio.
//
// The digest size is configurable. DefaultDigestSize keeps the historic 5-byte
// identities; RecommendedDigestSize should be used for caches where collisions
// matter.
package fingerprint
