package testutil

import (
	"context"

	"github.com/haatos/releaseci/internal/signing"
	"github.com/stretchr/testify/mock"
)

type MockAuthority struct {
	mock.Mock
}

func (m *MockAuthority) Status(
	ctx context.Context,
	token, identifier string,
) (signing.IdentityStatus, error) {
	args := m.Called(ctx, token, identifier)
	return args.Get(0).(signing.IdentityStatus), args.Error(1)
}

func (m *MockAuthority) Issue(
	ctx context.Context,
	token, appIdentifier string,
	distribution signing.Distribution,
) (*signing.Identity, error) {
	args := m.Called(ctx, token, appIdentifier, distribution)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*signing.Identity), nil
}

func (m *MockAuthority) RevokeAll(
	ctx context.Context,
	token, appIdentifier string,
	distribution signing.Distribution,
) error {
	args := m.Called(ctx, token, appIdentifier, distribution)
	return args.Error(0)
}
