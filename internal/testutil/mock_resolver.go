package testutil

import (
	"context"

	"github.com/haatos/releaseci/internal/secrets"
	"github.com/stretchr/testify/mock"
)

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(
	ctx context.Context,
	name string,
	scope secrets.Scope,
) (*secrets.Secret, error) {
	args := m.Called(ctx, name, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*secrets.Secret), nil
}
