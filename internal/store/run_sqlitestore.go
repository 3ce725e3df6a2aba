package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
	"github.com/haatos/releaseci/internal"
)

type RunSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewRunSQLiteStore(rdb, rwdb *sql.DB) *RunSQLiteStore {
	return &RunSQLiteStore{rdb, rwdb}
}

func (store *RunSQLiteStore) CreateRun(
	ctx context.Context,
	lane, appIdentifier, distribution string,
	runID string,
	trigger TriggerReason,
) (*Run, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	r := &Run{
		RunID:         runID,
		Lane:          lane,
		AppIdentifier: appIdentifier,
		Distribution:  distribution,
		TriggerReason: trigger,
		Status:        StatusPending,
	}
	query := `insert into runs (
		run_id,
		lane,
		app_identifier,
		distribution,
		trigger_reason,
		status
	)
	values ($1, $2, $3, $4, $5, $6)
	returning created_on`
	if err := sqlscan.Get(
		ctx, store.rwdb, r, query,
		r.RunID, r.Lane, r.AppIdentifier, r.Distribution, r.TriggerReason, r.Status,
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *RunSQLiteStore) ReadRunByID(ctx context.Context, id string) (*Run, error) {
	r := &Run{RunID: id}
	query := "select * from runs where run_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, r, query, r.RunID); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *RunSQLiteStore) UpdateRunStartedOn(
	ctx context.Context,
	id string,
	status RunStatus,
	startedOn *time.Time,
) error {
	query := `update runs
	set status = $1,
		started_on = $2
	where run_id = $3`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		startedOn.Format(internal.DBTimestampLayout),
		id,
	)
	return err
}

// UpdateRunEndedOn records the terminal status. The status guard keeps
// terminal runs immutable.
func (store *RunSQLiteStore) UpdateRunEndedOn(
	ctx context.Context,
	id string,
	status RunStatus,
	failureReason, artifactPath *string,
	endedOn *time.Time,
) error {
	query := `update runs
	set status = $1,
		failure_reason = $2,
		artifact_path = $3,
		ended_on = $4
	where run_id = $5
	and status not in ($6, $7)`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		failureReason,
		artifactPath,
		endedOn.Format(internal.DBTimestampLayout),
		id,
		StatusSucceeded,
		StatusFailed,
	)
	return err
}

func (store *RunSQLiteStore) AppendRunOutput(ctx context.Context, id string, out string) error {
	tx, err := store.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r := &Run{RunID: id}
	readQuery := `select * from runs where run_id = $1`
	err = sqlscan.Get(ctx, tx, r, readQuery, r.RunID)
	if err != nil {
		return err
	}

	var existingOutput string
	if r.Output != nil {
		existingOutput = *r.Output
	}
	updateQuery := `update runs
	set output = $1
	where run_id = $2`
	_, err = tx.ExecContext(ctx, updateQuery, existingOutput+out, r.RunID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (store *RunSQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	query := `select * from runs order by created_on desc`
	runs := make([]Run, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query)
	return runs, err
}

func (store *RunSQLiteStore) ListLaneRuns(ctx context.Context, lane string) ([]Run, error) {
	query := `select * from runs
	where lane = $1
	order by created_on desc`
	runs := make([]Run, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, lane)
	return runs, err
}

func (store *RunSQLiteStore) ListRunsPaginated(
	ctx context.Context,
	limit, offset int64,
) ([]Run, error) {
	query := `select * from runs
	order by created_on desc limit $1 offset $2`
	runs := make([]Run, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, limit, offset)
	return runs, err
}

func (store *RunSQLiteStore) CountRuns(ctx context.Context) (int64, error) {
	var count int64
	query := `select count(*) from runs`
	err := sqlscan.Get(ctx, store.rdb, &count, query)
	return count, err
}

func (store *RunSQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := "delete from runs where run_id = $1"
	_, err := store.rwdb.ExecContext(ctx, query, id)
	return err
}

func (store *RunSQLiteStore) CreateStageResult(
	ctx context.Context,
	sr *StageResult,
) (*StageResult, error) {
	query := `insert into stage_results (
		result_run_id,
		position,
		stage,
		status,
		outcome,
		error_detail,
		retry_count,
		backoff_hint_seconds,
		duration_ms
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	returning stage_result_id, created_on`
	if err := sqlscan.Get(
		ctx, store.rwdb, sr, query,
		sr.ResultRunID,
		sr.Position,
		sr.Stage,
		sr.Status,
		sr.Outcome,
		sr.ErrorDetail,
		sr.RetryCount,
		sr.BackoffHintSeconds,
		sr.DurationMS,
	); err != nil {
		return nil, err
	}
	return sr, nil
}

func (store *RunSQLiteStore) ListStageResults(
	ctx context.Context,
	runID string,
) ([]StageResult, error) {
	query := `select * from stage_results
	where result_run_id = $1
	order by position asc`
	results := make([]StageResult, 0)
	err := sqlscan.Select(ctx, store.rdb, &results, query, runID)
	return results, err
}
