package testutil

import (
	"context"

	"github.com/haatos/releaseci/internal/signing"
	"github.com/haatos/releaseci/internal/toolchain"
	"github.com/haatos/releaseci/internal/upload"
	"github.com/stretchr/testify/mock"
)

type MockTokenProvider struct {
	mock.Mock
}

func (m *MockTokenProvider) Token(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

type MockSynchronizer struct {
	mock.Mock
}

func (m *MockSynchronizer) Sync(
	ctx context.Context,
	appIdentifier string,
	distribution signing.Distribution,
	token string,
) (*signing.Identity, error) {
	args := m.Called(ctx, appIdentifier, distribution, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*signing.Identity), nil
}

type MockBuilder struct {
	mock.Mock
}

func (m *MockBuilder) Build(
	ctx context.Context,
	identity *signing.Identity,
	branch, workdir string,
	out func(string),
) (*toolchain.Artifact, error) {
	args := m.Called(ctx, identity, branch, workdir)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*toolchain.Artifact), nil
}

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(
	ctx context.Context,
	token string,
	artifact *toolchain.Artifact,
	destination upload.Destination,
	out func(string),
) (*upload.Receipt, error) {
	args := m.Called(ctx, token, artifact, destination)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*upload.Receipt), nil
}
