package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/haatos/releaseci/internal"
	"github.com/haatos/releaseci/internal/store"
)

type RunServicer interface {
	GetRunByID(context.Context, string) (*store.Run, error)
	UpdateRunStartedOn(context.Context, string, store.RunStatus, *time.Time) error
	UpdateRunEndedOn(context.Context, string, store.RunStatus, *string, *string, *time.Time) error
	AppendRunOutput(context.Context, string, string) error
}

func NewCancelMap[K comparable]() *CancelMap[K] {
	return &CancelMap[K]{
		cancels: make(map[K]context.CancelFunc),
	}
}

type CancelMap[K comparable] struct {
	m       sync.Mutex
	cancels map[K]context.CancelFunc
}

func (m *CancelMap[K]) AddCancel(id K, cf context.CancelFunc) {
	m.m.Lock()
	defer m.m.Unlock()
	m.cancels[id] = cf
}

func (m *CancelMap[K]) RemoveCancel(key K) {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.cancels, key)
}

func (m *CancelMap[K]) Call(key K) bool {
	m.m.Lock()
	defer m.m.Unlock()
	cf, ok := m.cancels[key]
	if ok {
		cf()
	}
	return ok
}

func NewRunQueue(
	runService RunServicer,
	orchestrator *Orchestrator,
	lane Lane,
	maxRuns int64,
) *RunQueue {
	return &RunQueue{
		runService:   runService,
		orchestrator: orchestrator,
		lane:         lane,
		queue:        make(chan *store.Run, maxRuns),
		done:         make(chan struct{}),
		cancelRunMap: NewCancelMap[string](),
	}
}

// RunQueue serializes the runs of one lane. A run executes its stages in a
// single logical thread of control; lanes run concurrently with each other.
type RunQueue struct {
	runService   RunServicer
	orchestrator *Orchestrator
	lane         Lane

	queue        chan *store.Run
	done         chan struct{}
	cancelRunMap *CancelMap[string]

	outputCh chan string
	mu       sync.Mutex
}

func (rq *RunQueue) CancelRun(runID string) bool {
	return rq.cancelRunMap.Call(runID)
}

func (rq *RunQueue) Enqueue(r *store.Run) error {
	select {
	case rq.queue <- r:
		return nil
	default:
		return NewErrRunQueueFull()
	}
}

const passBanner = `
=============================================
PASS || Release pipeline completed.
=============================================
`

const failBanner = `
=============================================
FAIL || Release pipeline failed.
=============================================
`

func (rq *RunQueue) Run() {
	for {
		select {
		case run := <-rq.queue:
			rq.outputCh = make(chan string)

			ctx, cancel := context.WithCancel(context.Background())
			rq.cancelRunMap.AddCancel(run.RunID, cancel)

			outputDone := make(chan struct{})
			go rq.handleOutput(run.RunID, outputDone)

			result, execErr := rq.processRun(ctx, run)
			if execErr != nil {
				log.Println("err processing run:", execErr)
				rq.outputCh <- failBanner
			} else {
				rq.outputCh <- passBanner
			}

			// Output is flushed before the record turns terminal; nothing
			// writes to a terminal run.
			close(rq.outputCh)
			<-outputDone
			if result != nil {
				rq.finishRun(run, result, execErr)
			}

			rq.cancelRunMap.RemoveCancel(run.RunID)
			cancel()
		case <-rq.done:
			close(rq.queue)
			return
		}
	}
}

func (rq *RunQueue) Shutdown() {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	select {
	case <-rq.done:
	default:
		close(rq.done)
	}
}

func (rq *RunQueue) handleOutput(runID string, done chan struct{}) {
	defer close(done)
	for out := range rq.outputCh {
		if err := rq.runService.AppendRunOutput(context.Background(), runID, out); err != nil {
			log.Printf("err appending run output: %+v\n", err)
		}
	}
}

func (rq *RunQueue) processRun(ctx context.Context, run *store.Run) (*RunResult, error) {
	workdir := time.Now().UTC().Format(internal.RunDirLayout)

	startedOn := time.Now().UTC()
	if err := rq.runService.UpdateRunStartedOn(
		context.Background(),
		run.RunID,
		store.StatusRunning,
		&startedOn,
	); err != nil {
		rq.outputCh <- "err updating run started on\n"
		return nil, err
	}

	out := func(line string) {
		rq.outputCh <- line
	}

	return rq.orchestrator.Execute(ctx, run, rq.lane, workdir, out)
}

func (rq *RunQueue) finishRun(run *store.Run, result *RunResult, execErr error) {
	status := store.StatusSucceeded
	if execErr != nil {
		status = store.StatusFailed
	}
	endedOn := time.Now().UTC()
	// The artifact path is kept on failed runs too: an artifact that built
	// but did not upload stays around for manual resubmission.
	if err := rq.runService.UpdateRunEndedOn(
		context.Background(),
		run.RunID,
		status,
		result.FailureReason,
		result.ArtifactPath,
		&endedOn,
	); err != nil {
		log.Printf("err updating run ended on: %+v\n", err)
	}
}
