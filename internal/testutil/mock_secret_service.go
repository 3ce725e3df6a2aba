package testutil

import (
	"context"

	"github.com/haatos/releaseci/internal/secrets"
	"github.com/haatos/releaseci/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockSecretService struct {
	mock.Mock
}

func (m *MockSecretService) List(ctx context.Context) ([]*store.SecretRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.SecretRecord), nil
}

func (m *MockSecretService) Put(
	ctx context.Context,
	name string,
	scope secrets.Scope,
	description, value string,
) error {
	args := m.Called(ctx, name, scope, description, value)
	return args.Error(0)
}

func (m *MockSecretService) Delete(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}
