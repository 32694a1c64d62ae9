// Package preflight provides readiness checks for the directories and
// external programs coverforge depends on.
//
// These checks run in two contexts:
//   - The CLI "run" and "stage" commands call RunAll before touching the
//     cache, so a missing directory fails fast instead of after a long
//     separation pass.
//   - The CLI "status" command uses the individual check functions
//     (CheckDirectoryAccess, CheckFreeSpace, CheckSystemDeps) to display
//     health.
//
// Stages without a configured transform are skipped.
package preflight
