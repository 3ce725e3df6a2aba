package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/haatos/releaseci/internal/store"
)

// ReleaseService owns the lanes, their run queues and the persisted run
// records. It is the single entry point for triggering, inspecting and
// cancelling runs.
type ReleaseService struct {
	runStore     store.RunStore
	orchestrator *Orchestrator
	scheduler    gocron.Scheduler
	lanes        map[string]Lane
	queueSize    int64

	mu     sync.Mutex
	queues map[string]*RunQueue
}

func NewReleaseService(
	runStore store.RunStore,
	orchestrator *Orchestrator,
	scheduler gocron.Scheduler,
	lanes map[string]Lane,
	queueSize int64,
) *ReleaseService {
	return &ReleaseService{
		runStore:     runStore,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		lanes:        lanes,
		queueSize:    queueSize,
		queues:       make(map[string]*RunQueue),
	}
}

func (s *ReleaseService) Lanes() map[string]Lane {
	return s.lanes
}

func (s *ReleaseService) InitializeRunQueues() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, lane := range s.lanes {
		rq := NewRunQueue(s, s.orchestrator, lane, s.queueSize)
		s.queues[name] = rq
		go rq.Run()
	}
}

// TriggerRun creates a pending run for the lane and enqueues it. runID may
// be empty; an identifier is generated then.
func (s *ReleaseService) TriggerRun(
	ctx context.Context,
	laneName, runID string,
	trigger store.TriggerReason,
) (*store.Run, error) {
	lane, ok := s.lanes[laneName]
	if !ok {
		return nil, &UnknownLaneError{Lane: laneName}
	}

	r, err := s.runStore.CreateRun(
		ctx, lane.Lane, lane.AppIdentifier, lane.Distribution, runID, trigger,
	)
	if err != nil {
		return nil, err
	}

	rq, ok := s.getRunQueue(laneName)
	if !ok {
		return nil, fmt.Errorf("run queue for lane %q does not exist", laneName)
	}
	if err := rq.Enqueue(r); err != nil {
		return r, err
	}
	return r, nil
}

// ScheduleLanes registers cron jobs for every lane carrying a schedule.
// Scheduled triggers go through the same path as manual ones; only the
// recorded trigger reason differs.
func (s *ReleaseService) ScheduleLanes() error {
	if s.scheduler == nil {
		return nil
	}
	for name, lane := range s.lanes {
		if lane.Schedule == nil {
			continue
		}
		laneName := name
		_, err := s.scheduler.NewJob(
			gocron.CronJob(*lane.Schedule, false),
			gocron.NewTask(func() {
				if _, err := s.TriggerRun(
					context.Background(),
					laneName,
					"",
					store.TriggerScheduled,
				); err != nil {
					log.Printf("err triggering scheduled run for lane %s: %+v\n", laneName, err)
				}
			}))
		if err != nil {
			return fmt.Errorf("error scheduling lane %s: %+w", laneName, err)
		}
	}
	return nil
}

// CancelRun aborts the in-flight stage of a running run. The run ends
// failed with a cancelled reason; partially-uploaded artifacts are left for
// operator intervention.
func (s *ReleaseService) CancelRun(ctx context.Context, runID string) (bool, error) {
	r, err := s.runStore.ReadRunByID(ctx, runID)
	if err != nil {
		return false, err
	}
	rq, ok := s.getRunQueue(r.Lane)
	if !ok {
		return false, nil
	}
	return rq.CancelRun(runID), nil
}

func (s *ReleaseService) StartScheduler() {
	if s.scheduler != nil {
		s.scheduler.Start()
	}
}

func (s *ReleaseService) StopScheduler() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

func (s *ReleaseService) getRunQueue(lane string) (*RunQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rq, ok := s.queues[lane]
	return rq, ok
}

func (s *ReleaseService) ShutdownAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wg sync.WaitGroup
	for _, rq := range s.queues {
		wg.Go(func() {
			rq.Shutdown()
		})
	}
	wg.Wait()
}

func (s *ReleaseService) GetRunByID(ctx context.Context, runID string) (*store.Run, error) {
	return s.runStore.ReadRunByID(ctx, runID)
}

func (s *ReleaseService) ListRuns(ctx context.Context) ([]store.Run, error) {
	runs, err := s.runStore.ListRuns(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return runs, nil
}

func (s *ReleaseService) ListRunsPaginated(
	ctx context.Context,
	limit, offset int64,
) ([]store.Run, error) {
	return s.runStore.ListRunsPaginated(ctx, limit, offset)
}

func (s *ReleaseService) CountRuns(ctx context.Context) (int64, error) {
	return s.runStore.CountRuns(ctx)
}

func (s *ReleaseService) ListStageResults(
	ctx context.Context,
	runID string,
) ([]store.StageResult, error) {
	results, err := s.runStore.ListStageResults(ctx, runID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return results, nil
}

func (s *ReleaseService) UpdateRunStartedOn(
	ctx context.Context,
	runID string,
	status store.RunStatus,
	startedOn *time.Time,
) error {
	return s.runStore.UpdateRunStartedOn(ctx, runID, status, startedOn)
}

func (s *ReleaseService) UpdateRunEndedOn(
	ctx context.Context,
	runID string,
	status store.RunStatus,
	failureReason, artifactPath *string,
	endedOn *time.Time,
) error {
	return s.runStore.UpdateRunEndedOn(ctx, runID, status, failureReason, artifactPath, endedOn)
}

func (s *ReleaseService) AppendRunOutput(ctx context.Context, runID, out string) error {
	return s.runStore.AppendRunOutput(ctx, runID, out)
}
