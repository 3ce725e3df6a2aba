package testutil

import (
	"context"

	"github.com/haatos/releaseci/internal/service"
	"github.com/haatos/releaseci/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockReleaseService struct {
	mock.Mock
}

func (m *MockReleaseService) Lanes() map[string]service.Lane {
	args := m.Called()
	return args.Get(0).(map[string]service.Lane)
}

func (m *MockReleaseService) TriggerRun(
	ctx context.Context,
	laneName, runID string,
	trigger store.TriggerReason,
) (*store.Run, error) {
	args := m.Called(ctx, laneName, runID, trigger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockReleaseService) GetRunByID(ctx context.Context, runID string) (*store.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), nil
}

func (m *MockReleaseService) ListRunsPaginated(
	ctx context.Context,
	limit, offset int64,
) ([]store.Run, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.Run), nil
}

func (m *MockReleaseService) CountRuns(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockReleaseService) ListStageResults(
	ctx context.Context,
	runID string,
) ([]store.StageResult, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.StageResult), nil
}

func (m *MockReleaseService) CancelRun(ctx context.Context, runID string) (bool, error) {
	args := m.Called(ctx, runID)
	return args.Bool(0), args.Error(1)
}
