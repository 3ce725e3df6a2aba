package signing

import (
	"context"
	"errors"
	"log"
	"time"
)

// Synchronizer reconciles the canonical store against what the signing
// authority currently considers valid. Concurrent syncs for the same key
// are serialized through the store's advisory lease.
type Synchronizer struct {
	store     CanonicalStore
	authority Authority
	now       func() time.Time
}

func NewSynchronizer(store CanonicalStore, authority Authority) *Synchronizer {
	return &Synchronizer{
		store:     store,
		authority: authority,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sync returns the stored identity when the authority still considers it
// valid, regenerating it otherwise. Calling Sync again with no external
// state change returns the same identity and performs no write.
func (s *Synchronizer) Sync(
	ctx context.Context,
	appIdentifier string,
	distribution Distribution,
	token string,
) (*Identity, error) {
	unlock, err := s.store.Lock(ctx, appIdentifier, distribution)
	if err != nil {
		return nil, &SyncError{Op: "lock", Err: err}
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Println("err releasing signing store lease:", err)
		}
	}()

	stored, err := s.store.Read(ctx, appIdentifier, distribution)
	if err != nil && !errors.Is(err, ErrRecordMissing) {
		return nil, &SyncError{Op: "read", Err: err}
	}

	if stored != nil && !stored.Expired(s.now()) {
		status, err := s.authority.Status(ctx, token, stored.Identifier)
		if err != nil {
			return nil, &SyncError{Op: "status", Err: err}
		}
		if status == IdentityValid {
			return stored, nil
		}
	}

	return s.regenerate(ctx, appIdentifier, distribution, token)
}

// Regenerate revokes every existing identity for the key and issues a fresh
// one. Destructive; only ever invoked explicitly, never from Sync.
func (s *Synchronizer) Regenerate(
	ctx context.Context,
	appIdentifier string,
	distribution Distribution,
	token string,
) (*Identity, error) {
	unlock, err := s.store.Lock(ctx, appIdentifier, distribution)
	if err != nil {
		return nil, &SyncError{Op: "lock", Err: err}
	}
	defer func() {
		if err := unlock(); err != nil {
			log.Println("err releasing signing store lease:", err)
		}
	}()

	if err := s.authority.RevokeAll(ctx, token, appIdentifier, distribution); err != nil {
		return nil, &SyncError{Op: "revoke", Err: err}
	}
	return s.regenerate(ctx, appIdentifier, distribution, token)
}

func (s *Synchronizer) regenerate(
	ctx context.Context,
	appIdentifier string,
	distribution Distribution,
	token string,
) (*Identity, error) {
	identity, err := s.authority.Issue(ctx, token, appIdentifier, distribution)
	if err != nil {
		return nil, &SyncError{Op: "issue", Err: err}
	}
	if err := s.store.Write(ctx, identity); err != nil {
		return nil, &SyncError{Op: "write", Err: err}
	}
	return identity, nil
}

// Bootstrap prepares the canonical store layout. One-time administrative
// operation, kept outside the pipeline state machine.
func (s *Synchronizer) Bootstrap(ctx context.Context) error {
	if err := s.store.EnsureLayout(ctx); err != nil {
		return &SyncError{Op: "bootstrap", Err: err}
	}
	return nil
}
