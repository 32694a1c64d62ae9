package lineage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// RecordArtifact upserts an artifact row. Re-recording an existing artifact
// only refreshes its last-used time and size.
func (i *Index) RecordArtifact(ctx context.Context, a Artifact) error {
	if a.Fingerprint == "" {
		return services.Wrap(services.ErrValidation, "lineage", "record artifact", "fingerprint is required", nil)
	}
	upstream, err := json.Marshal(nonNilFiles(a.Upstream))
	if err != nil {
		return fmt.Errorf("marshal upstream: %w", err)
	}
	outputs, err := json.Marshal(nonNilFiles(a.Outputs))
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	params := string(a.Parameters)
	if params == "" {
		params = "{}"
	}
	created := formatTime(a.CreatedAt)
	used := created
	if !a.LastUsedAt.IsZero() {
		used = formatTime(a.LastUsedAt)
	}

	return i.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO artifacts (
                fingerprint, stage_kind, upstream_json, parameters_json, outputs_json,
                size_bytes, run_id, created_at, last_used_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(fingerprint) DO UPDATE SET
                last_used_at = excluded.last_used_at,
                size_bytes = CASE WHEN excluded.size_bytes > 0 THEN excluded.size_bytes ELSE artifacts.size_bytes END`,
			string(a.Fingerprint), string(a.StageKind), string(upstream), params, string(outputs),
			a.SizeBytes, nullableString(a.RunID), created, used,
		); err != nil {
			return fmt.Errorf("upsert artifact: %w", err)
		}
		for pos, parent := range a.Parents {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO artifact_parents (child, parent, position) VALUES (?, ?, ?)`,
				string(a.Fingerprint), string(parent), pos,
			); err != nil {
				return fmt.Errorf("record parent: %w", err)
			}
		}
		return nil
	})
}

// Touch marks an artifact as used now.
func (i *Index) Touch(ctx context.Context, fp fingerprint.Fingerprint) error {
	return i.exec(ctx, `UPDATE artifacts SET last_used_at = ? WHERE fingerprint = ?`, formatTime(time.Now()), string(fp))
}

// Forget removes an artifact row, typically after the sweep deleted it.
func (i *Index) Forget(ctx context.Context, fp fingerprint.Fingerprint) error {
	return i.exec(ctx, `DELETE FROM artifacts WHERE fingerprint = ?`, string(fp))
}

// Artifact fetches one row or returns services.ErrNotFound.
func (i *Index) Artifact(ctx context.Context, fp fingerprint.Fingerprint) (*Artifact, error) {
	ctx = ensureContext(ctx)
	row := i.db.QueryRowContext(ctx, artifactSelect+` WHERE fingerprint = ?`, string(fp))
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "lineage", "artifact", string(fp), nil)
	}
	if err != nil {
		return nil, err
	}
	if err := i.loadParents(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Artifacts lists indexed artifacts, most recently used first. An empty kind
// lists every stage.
func (i *Index) Artifacts(ctx context.Context, kind stage.Kind) ([]*Artifact, error) {
	ctx = ensureContext(ctx)
	query := artifactSelect
	var args []any
	if kind != "" {
		query += ` WHERE stage_kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY last_used_at DESC, fingerprint`
	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	for _, a := range out {
		if err := i.loadParents(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Ancestors walks parent links from fp back to the source, nearest first.
// Ancestors that were never indexed end the walk along their branch.
func (i *Index) Ancestors(ctx context.Context, fp fingerprint.Fingerprint) ([]*Artifact, error) {
	ctx = ensureContext(ctx)
	rows, err := i.db.QueryContext(ctx, `
        WITH RECURSIVE chain(fp, depth) AS (
            SELECT parent, 1 FROM artifact_parents WHERE child = ?
            UNION
            SELECT p.parent, c.depth + 1 FROM artifact_parents p JOIN chain c ON p.child = c.fp
            WHERE c.depth < 16
        )
        SELECT fp, MIN(depth) AS depth FROM chain GROUP BY fp ORDER BY depth, fp`, string(fp))
	if err != nil {
		return nil, fmt.Errorf("walk ancestors: %w", err)
	}
	var chain []fingerprint.Fingerprint
	for rows.Next() {
		var (
			parent string
			depth  int
		)
		if err := rows.Scan(&parent, &depth); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		chain = append(chain, fingerprint.Fingerprint(parent))
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate ancestors: %w", err)
	}
	_ = rows.Close()

	out := make([]*Artifact, 0, len(chain))
	for _, parent := range chain {
		a, err := i.Artifact(ctx, parent)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Descendants returns artifacts that consumed fp directly or transitively.
func (i *Index) Descendants(ctx context.Context, fp fingerprint.Fingerprint) ([]fingerprint.Fingerprint, error) {
	ctx = ensureContext(ctx)
	rows, err := i.db.QueryContext(ctx, `
        WITH RECURSIVE down(fp, depth) AS (
            SELECT child, 1 FROM artifact_parents WHERE parent = ?
            UNION
            SELECT p.child, d.depth + 1 FROM artifact_parents p JOIN down d ON p.parent = d.fp
            WHERE d.depth < 16
        )
        SELECT fp FROM down GROUP BY fp ORDER BY MIN(depth), fp`, string(fp))
	if err != nil {
		return nil, fmt.Errorf("walk descendants: %w", err)
	}
	defer rows.Close()
	var out []fingerprint.Fingerprint
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("scan descendant: %w", err)
		}
		out = append(out, fingerprint.Fingerprint(child))
	}
	return out, rows.Err()
}

const artifactSelect = `SELECT fingerprint, stage_kind, upstream_json, parameters_json, outputs_json,
    size_bytes, run_id, created_at, last_used_at FROM artifacts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		fp, kind, upstream, params, outputs string
		size                                int64
		runID, created, used                sql.NullString
	)
	if err := row.Scan(&fp, &kind, &upstream, &params, &outputs, &size, &runID, &created, &used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a := &Artifact{
		Fingerprint: fingerprint.Fingerprint(fp),
		StageKind:   stage.Kind(kind),
		Parameters:  json.RawMessage(params),
		SizeBytes:   size,
		RunID:       runID.String,
		CreatedAt:   parseTime(created),
		LastUsedAt:  parseTime(used),
	}
	if err := json.Unmarshal([]byte(upstream), &a.Upstream); err != nil {
		return nil, services.Wrap(services.ErrEncoding, "lineage", "decode upstream", fp, err)
	}
	if err := json.Unmarshal([]byte(outputs), &a.Outputs); err != nil {
		return nil, services.Wrap(services.ErrEncoding, "lineage", "decode outputs", fp, err)
	}
	return a, nil
}

func (i *Index) loadParents(ctx context.Context, a *Artifact) error {
	rows, err := i.db.QueryContext(ctx,
		`SELECT parent FROM artifact_parents WHERE child = ? ORDER BY position`, string(a.Fingerprint))
	if err != nil {
		return fmt.Errorf("load parents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return fmt.Errorf("scan parent: %w", err)
		}
		a.Parents = append(a.Parents, fingerprint.Fingerprint(parent))
	}
	return rows.Err()
}

func nonNilFiles(files []stage.FileMetaData) []stage.FileMetaData {
	if files == nil {
		return []stage.FileMetaData{}
	}
	return files
}
