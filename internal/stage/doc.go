// Package stage describes the song-cover pipeline's processing steps.
//
// Kind enumerates the strictly ordered stages (source, separate, convert,
// effects, mix, render). Each stage carries a typed parameter record; a
// Descriptor pairs those parameters with the upstream files they consume and
// derives the stage fingerprint without touching the filesystem. MetaData is
// the provenance record persisted beside every artifact.
//
// Transform is the contract implemented by the external collaborators
// (separation models, voice conversion, DSP, codecs). Transforms must be
// deterministic for a given input and parameter set; the cache relies on it.
package stage
