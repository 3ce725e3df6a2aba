package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type SecretSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewSecretSQLiteStore(rdb, rwdb *sql.DB) *SecretSQLiteStore {
	return &SecretSQLiteStore{rdb, rwdb}
}

func (store *SecretSQLiteStore) CreateSecret(
	ctx context.Context,
	name, scope, description, valueHash string,
) (*SecretRecord, error) {
	s := &SecretRecord{
		Name:        name,
		Scope:       scope,
		Description: description,
		ValueHash:   valueHash,
	}
	query := `insert into secrets (
		name,
		scope,
		description,
		value_hash
	)
	values ($1, $2, $3, $4)
	returning secret_id, created_on`
	err := sqlscan.Get(ctx, store.rwdb, s, query, s.Name, s.Scope, s.Description, s.ValueHash)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (store *SecretSQLiteStore) ReadSecretByName(
	ctx context.Context,
	name string,
) (*SecretRecord, error) {
	s := new(SecretRecord)
	query := `select * from secrets where name = $1`
	err := sqlscan.Get(ctx, store.rdb, s, query, name)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (store *SecretSQLiteStore) UpdateSecret(
	ctx context.Context,
	name, valueHash string,
) error {
	query := `update secrets
	set value_hash = $1
	where name = $2`
	_, err := store.rwdb.ExecContext(ctx, query, valueHash, name)
	return err
}

func (store *SecretSQLiteStore) DeleteSecret(ctx context.Context, name string) error {
	query := `delete from secrets where name = $1`
	_, err := store.rwdb.ExecContext(ctx, query, name)
	return err
}

func (store *SecretSQLiteStore) ListSecrets(ctx context.Context) ([]*SecretRecord, error) {
	query := `select secret_id, name, scope, description, created_on from secrets`
	secrets := make([]*SecretRecord, 0)
	err := sqlscan.Select(ctx, store.rdb, &secrets, query)
	return secrets, err
}
