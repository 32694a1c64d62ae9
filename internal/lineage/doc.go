// Package lineage keeps an SQLite index of published artifacts and pipeline
// runs.
//
// The index is advisory. Artifact directories remain the source of truth; a
// missing or stale row never changes what the artifact store returns. The
// CLI uses the index to list artifacts, walk an artifact's ancestry and show
// how each stage of a run was satisfied (cache hit, fresh production or
// failure).
package lineage
