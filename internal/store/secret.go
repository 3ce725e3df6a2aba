package store

import (
	"context"
	"time"
)

// SecretRecord is the at-rest form of a credential. ValueHash is the
// AES-GCM ciphertext; plaintext never touches this package.
type SecretRecord struct {
	SecretID    int64
	Name        string
	Scope       string
	Description string
	ValueHash   string `json:"-"`
	CreatedOn   time.Time
}

type SecretStore interface {
	CreateSecret(context.Context, string, string, string, string) (*SecretRecord, error)
	ReadSecretByName(context.Context, string) (*SecretRecord, error)
	UpdateSecret(context.Context, string, string) error
	DeleteSecret(context.Context, string) error
	ListSecrets(context.Context) ([]*SecretRecord, error)
}
