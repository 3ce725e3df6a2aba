package secrets

import (
	"context"
	"database/sql"
	"errors"

	"github.com/haatos/releaseci/internal/security"
	"github.com/haatos/releaseci/internal/store"
)

// Resolver is what the pipeline stages see: lazy, point-of-use resolution of
// a named credential.
type Resolver interface {
	Resolve(ctx context.Context, name string, scope Scope) (*Secret, error)
}

// Adapter resolves named credentials from the encrypted store. Plaintext is
// produced on demand and held only by the returned Secret.
type Adapter struct {
	secretStore store.SecretStore
	encrypter   security.Encrypter
}

func NewAdapter(secretStore store.SecretStore, encrypter security.Encrypter) *Adapter {
	return &Adapter{secretStore: secretStore, encrypter: encrypter}
}

func (a *Adapter) Resolve(ctx context.Context, name string, scope Scope) (*Secret, error) {
	rec, err := a.secretStore.ReadSecretByName(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, err
	}

	allowed := Scope(rec.Scope)
	if allowed != ScopeAny && allowed != scope {
		return nil, &ScopeError{Name: name, Requested: scope, Allowed: allowed}
	}

	plaintext, err := a.encrypter.DecryptAES(rec.ValueHash)
	if err != nil {
		return nil, err
	}

	return &Secret{
		Name:  rec.Name,
		Scope: allowed,
		Value: Value(plaintext),
	}, nil
}

// Put creates the secret or replaces its value when the name exists.
func (a *Adapter) Put(
	ctx context.Context,
	name string,
	scope Scope,
	description, value string,
) error {
	hash := a.encrypter.EncryptAES(value)

	_, err := a.secretStore.ReadSecretByName(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_, err = a.secretStore.CreateSecret(ctx, name, string(scope), description, hash)
		}
		return err
	}
	return a.secretStore.UpdateSecret(ctx, name, hash)
}

func (a *Adapter) Delete(ctx context.Context, name string) error {
	return a.secretStore.DeleteSecret(ctx, name)
}

// List returns secret metadata only. Value hashes are not read.
func (a *Adapter) List(ctx context.Context) ([]*store.SecretRecord, error) {
	records, err := a.secretStore.ListSecrets(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return records, nil
}
