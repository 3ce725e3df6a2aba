package signing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haatos/releaseci/internal/signing"
	"github.com/haatos/releaseci/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory CanonicalStore for testing the reconciliation
// logic without an SSH host.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*signing.Identity
	writes  int
	locked  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*signing.Identity)}
}

func key(appIdentifier string, distribution signing.Distribution) string {
	return appIdentifier + "/" + string(distribution)
}

func (s *memoryStore) Read(
	ctx context.Context,
	appIdentifier string,
	distribution signing.Distribution,
) (*signing.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.records[key(appIdentifier, distribution)]
	if !ok {
		return nil, signing.ErrRecordMissing
	}
	return identity, nil
}

func (s *memoryStore) Write(ctx context.Context, identity *signing.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key(identity.AppIdentifier, identity.Distribution)] = identity
	s.writes++
	return nil
}

func (s *memoryStore) Delete(
	ctx context.Context,
	appIdentifier string,
	distribution signing.Distribution,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key(appIdentifier, distribution))
	return nil
}

func (s *memoryStore) Lock(
	ctx context.Context,
	appIdentifier string,
	distribution signing.Distribution,
) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, context.DeadlineExceeded
	}
	s.locked = true
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.locked = false
		return nil
	}, nil
}

func (s *memoryStore) EnsureLayout(ctx context.Context) error {
	return nil
}

func validIdentity() *signing.Identity {
	return &signing.Identity{
		Identifier:    "ident-1",
		AppIdentifier: "com.example.app",
		Distribution:  signing.DistributionAppStore,
		Team:          "TEAM123",
		CertificateID: "cert-1",
		ProfileID:     "prof-1",
		ProfileName:   "match AppStore com.example.app",
		ExpiresOn:     time.Now().UTC().Add(90 * 24 * time.Hour),
	}
}

func TestSynchronizer_Sync(t *testing.T) {
	t.Run("missing record is regenerated", func(t *testing.T) {
		// arrange
		store := newMemoryStore()
		authority := new(testutil.MockAuthority)
		issued := validIdentity()
		authority.On("Issue", mock.Anything, "token", "com.example.app", signing.DistributionAppStore).
			Return(issued, nil)
		synchronizer := signing.NewSynchronizer(store, authority)

		// act
		identity, err := synchronizer.Sync(
			context.Background(), "com.example.app", signing.DistributionAppStore, "token",
		)

		// assert
		require.NoError(t, err)
		assert.Equal(t, issued.Identifier, identity.Identifier)
		assert.Equal(t, 1, store.writes)
		assert.False(t, store.locked)
		authority.AssertExpectations(t)
	})
	t.Run("valid record is returned without a write", func(t *testing.T) {
		// arrange
		store := newMemoryStore()
		stored := validIdentity()
		require.NoError(t, store.Write(context.Background(), stored))
		store.writes = 0

		authority := new(testutil.MockAuthority)
		authority.On("Status", mock.Anything, "token", stored.Identifier).
			Return(signing.IdentityValid, nil)
		synchronizer := signing.NewSynchronizer(store, authority)

		// act: syncing twice with no external change is idempotent
		first, err := synchronizer.Sync(
			context.Background(), "com.example.app", signing.DistributionAppStore, "token",
		)
		require.NoError(t, err)
		second, err := synchronizer.Sync(
			context.Background(), "com.example.app", signing.DistributionAppStore, "token",
		)
		require.NoError(t, err)

		// assert
		assert.Equal(t, stored.Identifier, first.Identifier)
		assert.Equal(t, first.Identifier, second.Identifier)
		assert.Equal(t, 0, store.writes)
		authority.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
	t.Run("revoked record is regenerated", func(t *testing.T) {
		// arrange
		store := newMemoryStore()
		stored := validIdentity()
		require.NoError(t, store.Write(context.Background(), stored))
		store.writes = 0

		fresh := validIdentity()
		fresh.Identifier = "ident-2"
		authority := new(testutil.MockAuthority)
		authority.On("Status", mock.Anything, "token", stored.Identifier).
			Return(signing.IdentityRevoked, nil)
		authority.On("Issue", mock.Anything, "token", "com.example.app", signing.DistributionAppStore).
			Return(fresh, nil)
		synchronizer := signing.NewSynchronizer(store, authority)

		// act
		identity, err := synchronizer.Sync(
			context.Background(), "com.example.app", signing.DistributionAppStore, "token",
		)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "ident-2", identity.Identifier)
		assert.Equal(t, 1, store.writes)
	})
	t.Run("expired record skips the status check and regenerates", func(t *testing.T) {
		// arrange
		store := newMemoryStore()
		stored := validIdentity()
		stored.ExpiresOn = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, store.Write(context.Background(), stored))
		store.writes = 0

		fresh := validIdentity()
		fresh.Identifier = "ident-3"
		authority := new(testutil.MockAuthority)
		authority.On("Issue", mock.Anything, "token", "com.example.app", signing.DistributionAppStore).
			Return(fresh, nil)
		synchronizer := signing.NewSynchronizer(store, authority)

		// act
		identity, err := synchronizer.Sync(
			context.Background(), "com.example.app", signing.DistributionAppStore, "token",
		)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "ident-3", identity.Identifier)
		authority.AssertNotCalled(t, "Status", mock.Anything, mock.Anything, mock.Anything)
	})
	t.Run("sync never revokes", func(t *testing.T) {
		// arrange
		store := newMemoryStore()
		authority := new(testutil.MockAuthority)
		authority.On("Issue", mock.Anything, "token", "com.example.app", signing.DistributionAppStore).
			Return(validIdentity(), nil)
		synchronizer := signing.NewSynchronizer(store, authority)

		// act
		_, err := synchronizer.Sync(
			context.Background(), "com.example.app", signing.DistributionAppStore, "token",
		)

		// assert
		require.NoError(t, err)
		authority.AssertNotCalled(
			t, "RevokeAll", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		)
	})
	t.Run("authority failure is a sync error", func(t *testing.T) {
		// arrange
		store := newMemoryStore()
		stored := validIdentity()
		require.NoError(t, store.Write(context.Background(), stored))

		authority := new(testutil.MockAuthority)
		authority.On("Status", mock.Anything, "token", stored.Identifier).
			Return(signing.IdentityUnknown, assert.AnError)
		synchronizer := signing.NewSynchronizer(store, authority)

		// act
		_, err := synchronizer.Sync(
			context.Background(), "com.example.app", signing.DistributionAppStore, "token",
		)

		// assert
		var syncErr *signing.SyncError
		require.ErrorAs(t, err, &syncErr)
		assert.Equal(t, "status", syncErr.Op)
		assert.False(t, store.locked)
	})
}

func TestSynchronizer_Regenerate(t *testing.T) {
	t.Run("revokes everything before issuing", func(t *testing.T) {
		// arrange
		store := newMemoryStore()
		stored := validIdentity()
		require.NoError(t, store.Write(context.Background(), stored))
		store.writes = 0

		fresh := validIdentity()
		fresh.Identifier = "ident-new"
		authority := new(testutil.MockAuthority)
		authority.On("RevokeAll", mock.Anything, "token", "com.example.app", signing.DistributionAppStore).
			Return(nil)
		authority.On("Issue", mock.Anything, "token", "com.example.app", signing.DistributionAppStore).
			Return(fresh, nil)
		synchronizer := signing.NewSynchronizer(store, authority)

		// act
		identity, err := synchronizer.Regenerate(
			context.Background(), "com.example.app", signing.DistributionAppStore, "token",
		)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "ident-new", identity.Identifier)
		assert.Equal(t, 1, store.writes)
		authority.AssertExpectations(t)
	})
	t.Run("revoke failure stops before issuing", func(t *testing.T) {
		// arrange
		store := newMemoryStore()
		authority := new(testutil.MockAuthority)
		authority.On("RevokeAll", mock.Anything, "token", "com.example.app", signing.DistributionAppStore).
			Return(assert.AnError)
		synchronizer := signing.NewSynchronizer(store, authority)

		// act
		_, err := synchronizer.Regenerate(
			context.Background(), "com.example.app", signing.DistributionAppStore, "token",
		)

		// assert
		var syncErr *signing.SyncError
		require.ErrorAs(t, err, &syncErr)
		assert.Equal(t, "revoke", syncErr.Op)
		authority.AssertNotCalled(
			t, "Issue", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		)
	})
}
