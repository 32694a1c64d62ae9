package lineage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// StartRun records a new pipeline run.
func (i *Index) StartRun(ctx context.Context, id, source string) error {
	if id == "" {
		return services.Wrap(services.ErrValidation, "lineage", "start run", "run id is required", nil)
	}
	return i.exec(ctx,
		`INSERT INTO runs (run_id, source, status, started_at) VALUES (?, ?, ?, ?)`,
		id, source, string(RunRunning), formatTime(time.Now()),
	)
}

// FinishRun closes a run. A nil runErr marks it succeeded.
func (i *Index) FinishRun(ctx context.Context, id string, runErr error) error {
	status := RunSucceeded
	var message any
	if runErr != nil {
		status = RunFailed
		message = runErr.Error()
	}
	return i.exec(ctx,
		`UPDATE runs SET status = ?, error_message = ?, finished_at = ? WHERE run_id = ?`,
		string(status), message, formatTime(time.Now()), id,
	)
}

// RecordStage appends one stage outcome.
func (i *Index) RecordStage(ctx context.Context, sr StageRun) error {
	switch sr.Outcome {
	case OutcomeHit, OutcomeMiss, OutcomeFailed:
	default:
		return services.Wrap(services.ErrValidation, "lineage", "record stage", fmt.Sprintf("unknown outcome %q", sr.Outcome), nil)
	}
	return i.exec(ctx,
		`INSERT INTO stage_runs (run_id, stage_kind, fingerprint, outcome, duration_ms, error_message, recorded_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sr.RunID, string(sr.StageKind), string(sr.Fingerprint), string(sr.Outcome),
		sr.Duration.Milliseconds(), nullableString(sr.Error), formatTime(sr.RecordedAt),
	)
}

// Run fetches one run or returns services.ErrNotFound.
func (i *Index) Run(ctx context.Context, id string) (*Run, error) {
	ctx = ensureContext(ctx)
	row := i.db.QueryRowContext(ctx, runSelect+` WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "lineage", "run", id, nil)
	}
	return r, err
}

// Runs lists the most recent runs first.
func (i *Index) Runs(ctx context.Context, limit int) ([]*Run, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 20
	}
	rows, err := i.db.QueryContext(ctx, runSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StageRuns lists a run's stage outcomes in the order they were recorded.
func (i *Index) StageRuns(ctx context.Context, runID string) ([]StageRun, error) {
	ctx = ensureContext(ctx)
	rows, err := i.db.QueryContext(ctx, `
        SELECT run_id, stage_kind, fingerprint, outcome, duration_ms, error_message, recorded_at
        FROM stage_runs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage runs: %w", err)
	}
	defer rows.Close()
	var out []StageRun
	for rows.Next() {
		var (
			sr              StageRun
			kind, fp, outc  string
			durationMillis  int64
			message, record sql.NullString
		)
		if err := rows.Scan(&sr.RunID, &kind, &fp, &outc, &durationMillis, &message, &record); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		sr.StageKind = stage.Kind(kind)
		sr.Fingerprint = fingerprint.Fingerprint(fp)
		sr.Outcome = Outcome(outc)
		sr.Duration = time.Duration(durationMillis) * time.Millisecond
		sr.Error = message.String
		sr.RecordedAt = parseTime(record)
		out = append(out, sr)
	}
	return out, rows.Err()
}

// HitRate summarizes stage outcomes across every recorded run.
func (i *Index) HitRate(ctx context.Context) (hits, misses int, err error) {
	ctx = ensureContext(ctx)
	err = i.db.QueryRowContext(ctx, `
        SELECT
            COALESCE(SUM(CASE WHEN outcome = 'hit' THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN outcome = 'miss' THEN 1 ELSE 0 END), 0)
        FROM stage_runs`).Scan(&hits, &misses)
	if err != nil {
		return 0, 0, fmt.Errorf("hit rate: %w", err)
	}
	return hits, misses, nil
}

const runSelect = `SELECT run_id, source, status, error_message, started_at, finished_at FROM runs`

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                 Run
		status            string
		message           sql.NullString
		started, finished sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Source, &status, &message, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Status = RunStatus(status)
	r.Error = message.String
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return &r, nil
}
