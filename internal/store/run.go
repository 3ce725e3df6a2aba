package store

import (
	"time"
)

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

func (rs RunStatus) Terminal() bool {
	return rs == StatusSucceeded || rs == StatusFailed
}

type TriggerReason string

const (
	TriggerManual    TriggerReason = "manual"
	TriggerScheduled TriggerReason = "scheduled"
	TriggerAPI       TriggerReason = "api"
)

// Run is one end-to-end pipeline execution. Once the status is terminal the
// record is never updated again.
type Run struct {
	RunID         string `param:"run_id"`
	Lane          string
	AppIdentifier string
	Distribution  string
	TriggerReason TriggerReason
	Status        RunStatus
	FailureReason *string
	ArtifactPath  *string
	Output        *string
	CreatedOn     time.Time
	StartedOn     *time.Time
	EndedOn       *time.Time
}

type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

// Outcome is the kind of result a stage produced. The orchestrator records
// it verbatim and never inspects component-internal error detail.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeAuthError   Outcome = "auth_error"
	OutcomeSyncError   Outcome = "sync_error"
	OutcomeBuildError  Outcome = "build_error"
	OutcomeUploadError Outcome = "upload_error"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeTimeout     Outcome = "timeout"
)

// StageResult is recorded only after its stage fully completes or exhausts
// its retries. Partial results are never written.
type StageResult struct {
	StageResultID      int64
	ResultRunID        string
	Position           int64
	Stage              string
	Status             StageStatus
	Outcome            Outcome
	ErrorDetail        *string
	RetryCount         int64
	BackoffHintSeconds *int64
	DurationMS         int64
	CreatedOn          time.Time
}
