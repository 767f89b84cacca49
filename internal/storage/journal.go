package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS bringup_runs (
	id          UUID PRIMARY KEY,
	interface   TEXT NOT NULL,
	units       INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	failures    JSONB,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS move_runs (
	id             UUID PRIMARY KEY,
	degrees        INTEGER NOT NULL,
	target         INTEGER NOT NULL,
	final_position INTEGER NOT NULL,
	polls          INTEGER NOT NULL,
	failed_steps   INTEGER NOT NULL,
	step_errors    JSONB,
	outcome        TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS move_runs_started_at_idx ON move_runs (started_at DESC);
`

// Migrate creates the journal tables if they do not exist.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate journal schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) RecordBringUp(ctx context.Context, run *BringUpRun) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bringup_runs (id, interface, units, outcome, error, failures, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.ID, run.Interface, run.Units, string(run.Outcome), run.Error, run.Failures, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bring-up run: %w", err)
	}
	return nil
}

func (p *PostgresClient) RecordMove(ctx context.Context, run *MoveRun) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO move_runs (id, degrees, target, final_position, polls, failed_steps,
		                       step_errors, outcome, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, run.ID, run.Degrees, run.Target, run.FinalPosition, run.Polls, run.FailedSteps,
		run.StepErrors, string(run.Outcome), run.Error, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert move run: %w", err)
	}
	return nil
}

// GetMove loads one move run by ID.
func (p *PostgresClient) GetMove(ctx context.Context, id uuid.UUID) (*MoveRun, error) {
	var run MoveRun
	var outcome string
	err := p.pool.QueryRow(ctx, `
		SELECT id, degrees, target, final_position, polls, failed_steps,
		       step_errors, outcome, error, started_at, finished_at
		FROM move_runs
		WHERE id = $1
	`, id).Scan(
		&run.ID, &run.Degrees, &run.Target, &run.FinalPosition, &run.Polls, &run.FailedSteps,
		&run.StepErrors, &outcome, &run.Error, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to load move run: %w", err)
	}
	run.Outcome = Outcome(outcome)
	return &run, nil
}

// RecentMoves lists the latest move runs, newest first.
func (p *PostgresClient) RecentMoves(ctx context.Context, limit int) ([]MoveRun, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, degrees, target, final_position, polls, failed_steps,
		       step_errors, outcome, error, started_at, finished_at
		FROM move_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list move runs: %w", err)
	}
	defer rows.Close()

	runs := make([]MoveRun, 0)
	for rows.Next() {
		var run MoveRun
		var outcome string
		if err := rows.Scan(
			&run.ID, &run.Degrees, &run.Target, &run.FinalPosition, &run.Polls, &run.FailedSteps,
			&run.StepErrors, &outcome, &run.Error, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan move run: %w", err)
		}
		run.Outcome = Outcome(outcome)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecentBringUps lists the latest bring-up runs, newest first.
func (p *PostgresClient) RecentBringUps(ctx context.Context, limit int) ([]BringUpRun, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, interface, units, outcome, error, failures, started_at, finished_at
		FROM bringup_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bring-up runs: %w", err)
	}
	defer rows.Close()

	runs := make([]BringUpRun, 0)
	for rows.Next() {
		var run BringUpRun
		var outcome string
		if err := rows.Scan(
			&run.ID, &run.Interface, &run.Units, &outcome, &run.Error, &run.Failures,
			&run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bring-up run: %w", err)
		}
		run.Outcome = Outcome(outcome)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
