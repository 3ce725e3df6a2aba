package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haatos/releaseci/internal/service"
	"github.com/haatos/releaseci/internal/signing"
	"github.com/haatos/releaseci/internal/store"
	"github.com/haatos/releaseci/internal/testutil"
	"github.com/haatos/releaseci/internal/toolchain"
	"github.com/haatos/releaseci/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stageRecorder collects stage results in the order the orchestrator writes
// them.
type stageRecorder struct {
	mu      sync.Mutex
	results []store.StageResult
}

func (r *stageRecorder) CreateStageResult(
	ctx context.Context,
	sr *store.StageResult,
) (*store.StageResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, *sr)
	return sr, nil
}

func (r *stageRecorder) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := make([]string, 0, len(r.results))
	for _, sr := range r.results {
		stages = append(stages, sr.Stage)
	}
	return stages
}

func testTimeouts() service.StageTimeouts {
	return service.StageTimeouts{
		Auth:   10 * time.Second,
		Sync:   10 * time.Second,
		Build:  10 * time.Second,
		Upload: 10 * time.Second,
	}
}

func testLane() service.Lane {
	return service.Lane{
		Lane:          "nightly-beta",
		AppIdentifier: "com.example.app",
		Distribution:  "appstore",
		Destination:   "beta",
		Branch:        "main",
	}
}

func testRun() *store.Run {
	return &store.Run{
		RunID:         "run-1",
		Lane:          "nightly-beta",
		AppIdentifier: "com.example.app",
		Distribution:  "appstore",
		Status:        store.StatusRunning,
	}
}

func testIdentity() *signing.Identity {
	return &signing.Identity{
		Identifier:    "ident-1",
		AppIdentifier: "com.example.app",
		Distribution:  signing.DistributionAppStore,
		Team:          "TEAM123",
		ProfileName:   "match AppStore com.example.app",
	}
}

func testArtifact() *toolchain.Artifact {
	return &toolchain.Artifact{
		LocalPath:  "artifacts/wd/App.ipa",
		RemotePath: "~/releaseci/wd/app/build/App.ipa",
		Platform:   "ios",
		IdentityID: "ident-1",
	}
}

type orchestratorMocks struct {
	broker       *testutil.MockTokenProvider
	synchronizer *testutil.MockSynchronizer
	builder      *testutil.MockBuilder
	uploader     *testutil.MockUploader
	recorder     *stageRecorder
}

func newTestOrchestrator(timeouts service.StageTimeouts) (*service.Orchestrator, *orchestratorMocks) {
	m := &orchestratorMocks{
		broker:       new(testutil.MockTokenProvider),
		synchronizer: new(testutil.MockSynchronizer),
		builder:      new(testutil.MockBuilder),
		uploader:     new(testutil.MockUploader),
		recorder:     new(stageRecorder),
	}
	o := service.NewOrchestrator(m.broker, m.synchronizer, m.builder, m.uploader, m.recorder, timeouts)
	return o, m
}

func discard(string) {}

func TestOrchestrator_Execute(t *testing.T) {
	t.Run("happy path runs every stage in order", func(t *testing.T) {
		// arrange
		o, m := newTestOrchestrator(testTimeouts())
		identity := testIdentity()
		artifact := testArtifact()
		m.broker.On("Token", mock.Anything).Return("token", nil)
		m.synchronizer.On(
			"Sync", mock.Anything, "com.example.app", signing.DistributionAppStore, "token",
		).Return(identity, nil)
		m.builder.On("Build", mock.Anything, identity, "main", "wd").Return(artifact, nil)
		m.uploader.On(
			"Upload", mock.Anything, "token", artifact, upload.DestinationBeta,
		).Return(&upload.Receipt{SubmissionID: "sub-1", State: "accepted"}, nil)

		// act
		result, err := o.Execute(context.Background(), testRun(), testLane(), "wd", discard)

		// assert
		require.NoError(t, err)
		assert.Nil(t, result.FailureReason)
		require.NotNil(t, result.ArtifactPath)
		assert.Equal(t, artifact.LocalPath, *result.ArtifactPath)

		assert.Equal(t, []string{"authenticate", "sync", "build", "upload"}, m.recorder.stages())
		for i, sr := range m.recorder.results {
			assert.Equal(t, store.StageSucceeded, sr.Status)
			assert.Equal(t, store.OutcomeOK, sr.Outcome)
			assert.Equal(t, int64(i+1), sr.Position)
		}
	})
	t.Run("auth failure stops the run before sync", func(t *testing.T) {
		// arrange
		o, m := newTestOrchestrator(testTimeouts())
		m.broker.On("Token", mock.Anything).Return("", assert.AnError)

		// act
		result, err := o.Execute(context.Background(), testRun(), testLane(), "wd", discard)

		// assert
		require.Error(t, err)
		require.NotNil(t, result.FailureReason)
		assert.Equal(t, string(store.OutcomeAuthError), *result.FailureReason)
		assert.Equal(t, []string{"authenticate"}, m.recorder.stages())
		m.synchronizer.AssertNotCalled(
			t, "Sync", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		)
	})
	t.Run("transient sync error is retried exactly once", func(t *testing.T) {
		// arrange
		o, m := newTestOrchestrator(testTimeouts())
		identity := testIdentity()
		artifact := testArtifact()
		m.broker.On("Token", mock.Anything).Return("token", nil)
		m.synchronizer.On(
			"Sync", mock.Anything, "com.example.app", signing.DistributionAppStore, "token",
		).Return(nil, &signing.SyncError{Op: "lock", Err: assert.AnError}).Once()
		m.synchronizer.On(
			"Sync", mock.Anything, "com.example.app", signing.DistributionAppStore, "token",
		).Return(identity, nil).Once()
		m.builder.On("Build", mock.Anything, identity, "main", "wd").Return(artifact, nil)
		m.uploader.On(
			"Upload", mock.Anything, "token", artifact, upload.DestinationBeta,
		).Return(&upload.Receipt{}, nil)

		// act
		result, err := o.Execute(context.Background(), testRun(), testLane(), "wd", discard)

		// assert
		require.NoError(t, err)
		assert.Nil(t, result.FailureReason)
		syncResult := m.recorder.results[1]
		assert.Equal(t, "sync", syncResult.Stage)
		assert.Equal(t, store.StageSucceeded, syncResult.Status)
		assert.Equal(t, int64(1), syncResult.RetryCount)
	})
	t.Run("persistent sync error fails the run after one retry", func(t *testing.T) {
		// arrange
		o, m := newTestOrchestrator(testTimeouts())
		m.broker.On("Token", mock.Anything).Return("token", nil)
		m.synchronizer.On(
			"Sync", mock.Anything, "com.example.app", signing.DistributionAppStore, "token",
		).Return(nil, &signing.SyncError{Op: "status", Err: assert.AnError})

		// act
		result, err := o.Execute(context.Background(), testRun(), testLane(), "wd", discard)

		// assert
		require.Error(t, err)
		require.NotNil(t, result.FailureReason)
		assert.Equal(t, string(store.OutcomeSyncError), *result.FailureReason)

		m.synchronizer.AssertNumberOfCalls(t, "Sync", 2)
		syncResult := m.recorder.results[1]
		assert.Equal(t, store.StageFailed, syncResult.Status)
		assert.Equal(t, store.OutcomeSyncError, syncResult.Outcome)
		assert.Equal(t, int64(1), syncResult.RetryCount)
		m.builder.AssertNotCalled(
			t, "Build", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		)
	})
	t.Run("upload is never retried", func(t *testing.T) {
		// arrange
		o, m := newTestOrchestrator(testTimeouts())
		identity := testIdentity()
		artifact := testArtifact()
		m.broker.On("Token", mock.Anything).Return("token", nil)
		m.synchronizer.On(
			"Sync", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		).Return(identity, nil)
		m.builder.On("Build", mock.Anything, identity, "main", "wd").Return(artifact, nil)
		m.uploader.On(
			"Upload", mock.Anything, "token", artifact, upload.DestinationBeta,
		).Return(nil, &upload.UploadError{StatusCode: 422, Message: "invalid build"})

		// act
		result, err := o.Execute(context.Background(), testRun(), testLane(), "wd", discard)

		// assert
		require.Error(t, err)
		m.uploader.AssertNumberOfCalls(t, "Upload", 1)
		require.NotNil(t, result.FailureReason)
		assert.Equal(t, string(store.OutcomeUploadError), *result.FailureReason)
		// the built artifact stays recorded for manual resubmission
		require.NotNil(t, result.ArtifactPath)
		assert.Equal(t, artifact.LocalPath, *result.ArtifactPath)

		uploadResult := m.recorder.results[3]
		assert.Equal(t, store.StageFailed, uploadResult.Status)
		assert.Equal(t, int64(0), uploadResult.RetryCount)
	})
	t.Run("rate limited upload keeps the build result and records the hint", func(t *testing.T) {
		// arrange
		o, m := newTestOrchestrator(testTimeouts())
		identity := testIdentity()
		artifact := testArtifact()
		m.broker.On("Token", mock.Anything).Return("token", nil)
		m.synchronizer.On(
			"Sync", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		).Return(identity, nil)
		m.builder.On("Build", mock.Anything, identity, "main", "wd").Return(artifact, nil)
		m.uploader.On(
			"Upload", mock.Anything, "token", artifact, upload.DestinationBeta,
		).Return(nil, &upload.RateLimitedError{RetryAfter: 5 * time.Minute})

		// act
		result, err := o.Execute(context.Background(), testRun(), testLane(), "wd", discard)

		// assert
		require.Error(t, err)
		require.NotNil(t, result.FailureReason)
		assert.Equal(t, string(store.OutcomeRateLimited), *result.FailureReason)
		require.NotNil(t, result.ArtifactPath)

		buildResult := m.recorder.results[2]
		assert.Equal(t, store.StageSucceeded, buildResult.Status)

		uploadResult := m.recorder.results[3]
		assert.Equal(t, store.OutcomeRateLimited, uploadResult.Outcome)
		require.NotNil(t, uploadResult.BackoffHintSeconds)
		assert.Equal(t, int64(300), *uploadResult.BackoffHintSeconds)
	})
	t.Run("skip-upload lane stops after the build", func(t *testing.T) {
		// arrange
		o, m := newTestOrchestrator(testTimeouts())
		identity := testIdentity()
		artifact := testArtifact()
		m.broker.On("Token", mock.Anything).Return("token", nil)
		m.synchronizer.On(
			"Sync", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		).Return(identity, nil)
		m.builder.On("Build", mock.Anything, identity, "main", "wd").Return(artifact, nil)

		lane := testLane()
		lane.SkipUpload = true
		lane.Destination = ""

		// act
		result, err := o.Execute(context.Background(), testRun(), lane, "wd", discard)

		// assert
		require.NoError(t, err)
		assert.Equal(t, []string{"authenticate", "sync", "build"}, m.recorder.stages())
		require.NotNil(t, result.ArtifactPath)
		m.uploader.AssertNotCalled(
			t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		)
	})
	t.Run("cancellation during the build skips the upload", func(t *testing.T) {
		// arrange
		o, m := newTestOrchestrator(testTimeouts())
		identity := testIdentity()
		ctx, cancel := context.WithCancel(context.Background())

		m.broker.On("Token", mock.Anything).Return("token", nil)
		m.synchronizer.On(
			"Sync", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		).Return(identity, nil)
		m.builder.On("Build", mock.Anything, identity, "main", "wd").
			Run(func(args mock.Arguments) {
				cancel()
				sctx := args.Get(0).(context.Context)
				<-sctx.Done()
			}).
			Return(nil, context.Canceled)

		// act
		result, err := o.Execute(ctx, testRun(), testLane(), "wd", discard)

		// assert
		require.Error(t, err)
		require.NotNil(t, result.FailureReason)
		assert.Equal(t, string(store.OutcomeCancelled), *result.FailureReason)
		assert.Equal(t, []string{"authenticate", "sync", "build"}, m.recorder.stages())

		buildResult := m.recorder.results[2]
		assert.Equal(t, store.StageFailed, buildResult.Status)
		assert.Equal(t, store.OutcomeCancelled, buildResult.Outcome)
		m.uploader.AssertNotCalled(
			t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		)
	})
	t.Run("stage timeout is recorded as a timeout, not a cancellation", func(t *testing.T) {
		// arrange
		timeouts := testTimeouts()
		timeouts.Build = 50 * time.Millisecond
		o, m := newTestOrchestrator(timeouts)
		identity := testIdentity()

		m.broker.On("Token", mock.Anything).Return("token", nil)
		m.synchronizer.On(
			"Sync", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		).Return(identity, nil)
		m.builder.On("Build", mock.Anything, identity, "main", "wd").
			Run(func(args mock.Arguments) {
				sctx := args.Get(0).(context.Context)
				<-sctx.Done()
			}).
			Return(nil, context.DeadlineExceeded)

		// act
		result, err := o.Execute(context.Background(), testRun(), testLane(), "wd", discard)

		// assert
		require.Error(t, err)
		require.NotNil(t, result.FailureReason)
		assert.Equal(t, string(store.OutcomeTimeout), *result.FailureReason)

		buildResult := m.recorder.results[2]
		assert.Equal(t, store.OutcomeTimeout, buildResult.Outcome)
	})
}
