// Package transform provides the stage.Transform implementations that run
// the external processing steps: separation, voice conversion, effects,
// mixing and rendering are delegated to configured command-line tools, and
// local source acquisition is a plain copy.
//
// A command line is a template. Placeholders are substituted per argument,
// so paths containing spaces stay a single argument:
//
//	{input}          first input file
//	{input.N}        input file N (zero-based)
//	{inputs}         every input file, one argument each (whole argument only)
//	{output_dir}     directory the command must write its outputs into
//	{param.<name>}   a stage parameter, e.g. {param.n_semitones}
//	{stage}          the stage kind
//	{params}         the canonical JSON parameter record
//
// The same values are exported as COVERFORGE_* environment variables.
package transform
