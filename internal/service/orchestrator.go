package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haatos/releaseci/internal"
	"github.com/haatos/releaseci/internal/broker"
	"github.com/haatos/releaseci/internal/secrets"
	"github.com/haatos/releaseci/internal/signing"
	"github.com/haatos/releaseci/internal/store"
	"github.com/haatos/releaseci/internal/toolchain"
	"github.com/haatos/releaseci/internal/upload"
	"github.com/sethvargo/go-retry"
)

type TokenProvider interface {
	Token(context.Context) (string, error)
}

type IdentitySynchronizer interface {
	Sync(context.Context, string, signing.Distribution, string) (*signing.Identity, error)
}

type ArtifactBuilder interface {
	Build(context.Context, *signing.Identity, string, string, func(string)) (*toolchain.Artifact, error)
}

type ArtifactUploader interface {
	Upload(context.Context, string, *toolchain.Artifact, upload.Destination, func(string)) (*upload.Receipt, error)
}

type StageResultWriter interface {
	CreateStageResult(context.Context, *store.StageResult) (*store.StageResult, error)
}

type StageTimeouts struct {
	Auth   time.Duration
	Sync   time.Duration
	Build  time.Duration
	Upload time.Duration
}

// Orchestrator drives one run through the fixed stage sequence
// authenticate -> sync -> build -> upload. Stages are strictly sequential:
// a stage starts only after its predecessor's result is recorded as
// successful, and on failure nothing further runs.
type Orchestrator struct {
	broker       TokenProvider
	synchronizer IdentitySynchronizer
	builder      ArtifactBuilder
	uploader     ArtifactUploader
	results      StageResultWriter
	timeouts     StageTimeouts
}

func NewOrchestrator(
	tokenBroker TokenProvider,
	synchronizer IdentitySynchronizer,
	builder ArtifactBuilder,
	uploader ArtifactUploader,
	results StageResultWriter,
	timeouts StageTimeouts,
) *Orchestrator {
	return &Orchestrator{
		broker:       tokenBroker,
		synchronizer: synchronizer,
		builder:      builder,
		uploader:     uploader,
		results:      results,
		timeouts:     timeouts,
	}
}

// RunResult is what Execute hands back to the queue for the terminal run
// record.
type RunResult struct {
	ArtifactPath  *string
	FailureReason *string
}

func (o *Orchestrator) Execute(
	ctx context.Context,
	run *store.Run,
	lane Lane,
	workdir string,
	out func(string),
) (*RunResult, error) {
	result := new(RunResult)

	var token string
	var identity *signing.Identity
	var artifact *toolchain.Artifact

	position := int64(1)

	// Authenticating
	out("authenticating against the signing authority\n")
	err := o.runStage(
		ctx, run, &position, internal.StageAuthenticate,
		o.timeouts.Auth, store.OutcomeAuthError, result,
		func(sctx context.Context) (int64, error) {
			t, err := o.broker.Token(sctx)
			token = t
			return 0, err
		},
	)
	if err != nil {
		return result, err
	}

	// Syncing. A SyncError gets exactly one retry; the synchronizer
	// re-fetches authority state on every call.
	out(fmt.Sprintf("syncing signing material for %s/%s\n", run.AppIdentifier, run.Distribution))
	err = o.runStage(
		ctx, run, &position, internal.StageSync,
		o.timeouts.Sync, store.OutcomeSyncError, result,
		func(sctx context.Context) (int64, error) {
			var retries int64
			backoff := retry.WithMaxRetries(1, retry.NewConstant(2*time.Second))
			err := retry.Do(sctx, backoff, func(rctx context.Context) error {
				id, err := o.synchronizer.Sync(
					rctx, run.AppIdentifier, signing.Distribution(run.Distribution), token,
				)
				if err != nil {
					var syncErr *signing.SyncError
					if errors.As(err, &syncErr) && rctx.Err() == nil {
						retries++
						return retry.RetryableError(err)
					}
					return err
				}
				identity = id
				return nil
			})
			if err != nil && retries > 0 {
				retries--
			}
			return retries, err
		},
	)
	if err != nil {
		return result, err
	}

	// Building. Tokens are re-minted transparently if the sync stage took
	// long enough to age the cached one out.
	out(fmt.Sprintf("building with identity %s\n", identity.Identifier))
	err = o.runStage(
		ctx, run, &position, internal.StageBuild,
		o.timeouts.Build, store.OutcomeBuildError, result,
		func(sctx context.Context) (int64, error) {
			a, err := o.builder.Build(sctx, identity, lane.Branch, workdir, out)
			if err != nil {
				return 0, err
			}
			artifact = a
			result.ArtifactPath = &a.LocalPath
			return 0, nil
		},
	)
	if err != nil {
		return result, err
	}

	if lane.SkipUpload {
		out("lane skips upload, run complete\n")
		return result, nil
	}

	// Uploading. Never retried: a second submission after a success or an
	// UploadError would duplicate remote state.
	out(fmt.Sprintf("uploading artifact to the %s queue\n", lane.Destination))
	err = o.runStage(
		ctx, run, &position, internal.StageUpload,
		o.timeouts.Upload, store.OutcomeUploadError, result,
		func(sctx context.Context) (int64, error) {
			t, err := o.broker.Token(sctx)
			if err != nil {
				return 0, err
			}
			_, err = o.uploader.Upload(
				sctx, t, artifact, upload.Destination(lane.Destination), out,
			)
			return 0, err
		},
	)
	if err != nil {
		return result, err
	}

	return result, nil
}

// runStage executes one stage under its timeout and records the StageResult
// once the stage has fully completed or exhausted its retries. Partial
// results are never written.
func (o *Orchestrator) runStage(
	ctx context.Context,
	run *store.Run,
	position *int64,
	stage string,
	timeout time.Duration,
	defaultOutcome store.Outcome,
	result *RunResult,
	fn func(context.Context) (int64, error),
) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	retries, err := fn(sctx)
	duration := time.Since(started).Milliseconds()

	sr := &store.StageResult{
		ResultRunID: run.RunID,
		Position:    *position,
		Stage:       stage,
		Status:      store.StageSucceeded,
		Outcome:     store.OutcomeOK,
		RetryCount:  retries,
		DurationMS:  duration,
	}
	*position++

	if err != nil {
		outcome, hint := classifyError(ctx, sctx, err, defaultOutcome)
		detail := err.Error()
		sr.Status = store.StageFailed
		sr.Outcome = outcome
		sr.ErrorDetail = &detail
		sr.BackoffHintSeconds = hint
		reason := string(outcome)
		result.FailureReason = &reason
	}

	if _, recordErr := o.results.CreateStageResult(context.Background(), sr); recordErr != nil {
		return errors.Join(err, recordErr)
	}
	return err
}

// classifyError maps a component error onto the outcome kind the run record
// carries. The orchestrator never interprets component-internal detail
// beyond this.
func classifyError(
	runCtx, stageCtx context.Context,
	err error,
	defaultOutcome store.Outcome,
) (store.Outcome, *int64) {
	var notFound *secrets.NotFoundError
	var authErr *broker.AuthError
	var syncErr *signing.SyncError
	var buildErr *toolchain.BuildError
	var uploadErr *upload.UploadError
	var rateLimited *upload.RateLimitedError
	var cancelErr RunCancelError

	switch {
	case errors.As(err, &rateLimited):
		hint := int64(rateLimited.RetryAfter.Seconds())
		return store.OutcomeRateLimited, &hint
	case errors.As(err, &notFound):
		return store.OutcomeNotFound, nil
	case errors.As(err, &authErr):
		return store.OutcomeAuthError, nil
	case errors.As(err, &syncErr):
		return store.OutcomeSyncError, nil
	case errors.As(err, &buildErr):
		return store.OutcomeBuildError, nil
	case errors.As(err, &uploadErr):
		return store.OutcomeUploadError, nil
	case errors.As(err, &cancelErr):
		return store.OutcomeCancelled, nil
	case runCtx.Err() != nil && errors.Is(runCtx.Err(), context.Canceled):
		// Run-level cancellation, not a stage timeout.
		return store.OutcomeCancelled, nil
	case errors.Is(err, context.DeadlineExceeded) || stageCtx.Err() == context.DeadlineExceeded:
		return store.OutcomeTimeout, nil
	case errors.Is(err, context.Canceled):
		return store.OutcomeCancelled, nil
	default:
		return defaultOutcome, nil
	}
}
