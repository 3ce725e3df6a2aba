package store

import (
	"context"
	"time"
)

type RunStore interface {
	CreateRun(context.Context, string, string, string, string, TriggerReason) (*Run, error)
	ReadRunByID(context.Context, string) (*Run, error)
	UpdateRunStartedOn(context.Context, string, RunStatus, *time.Time) error
	UpdateRunEndedOn(context.Context, string, RunStatus, *string, *string, *time.Time) error
	AppendRunOutput(context.Context, string, string) error
	ListRuns(context.Context) ([]Run, error)
	ListLaneRuns(context.Context, string) ([]Run, error)
	ListRunsPaginated(context.Context, int64, int64) ([]Run, error)
	CountRuns(context.Context) (int64, error)
	DeleteRun(context.Context, string) error

	CreateStageResult(context.Context, *StageResult) (*StageResult, error)
	ListStageResults(context.Context, string) ([]StageResult, error)
}
