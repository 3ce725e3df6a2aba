package signing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/haatos/releaseci/internal/secrets"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var ErrRecordMissing = errors.New("no identity record in canonical store")

// CanonicalStore is the versioned external store holding the current
// identity record per (app identifier, distribution) key.
type CanonicalStore interface {
	Read(ctx context.Context, appIdentifier string, distribution Distribution) (*Identity, error)
	Write(ctx context.Context, identity *Identity) error
	Delete(ctx context.Context, appIdentifier string, distribution Distribution) error
	// Lock takes the advisory lease serializing synchronizations for one
	// key. The returned func releases it.
	Lock(ctx context.Context, appIdentifier string, distribution Distribution) (func() error, error)
	EnsureLayout(ctx context.Context) error
}

// SFTPStore keeps identity records as YAML files on an SSH-reachable host,
// one file per key, with a sibling lock file as the advisory lease.
type SFTPStore struct {
	host, username string
	basePath       string
	resolver       secrets.Resolver
	keySecret      string

	lockWait time.Duration
}

func NewSFTPStore(
	host, username, basePath string,
	resolver secrets.Resolver,
	keySecret string,
) *SFTPStore {
	return &SFTPStore{
		host:      host,
		username:  username,
		basePath:  basePath,
		resolver:  resolver,
		keySecret: keySecret,
		lockWait:  2 * time.Minute,
	}
}

func (s *SFTPStore) recordPath(appIdentifier string, distribution Distribution) string {
	return path.Join(s.basePath, appIdentifier, string(distribution)+".yml")
}

func (s *SFTPStore) connect(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	secret, err := s.resolver.Resolve(ctx, s.keySecret, secrets.ScopeSigning)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.ParsePrivateKey(secret.Value.Bytes())
	if err != nil {
		return nil, nil, err
	}
	cc := &ssh.ClientConfig{
		User:            s.username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	hostname := s.host
	if !strings.Contains(hostname, ":") {
		hostname += ":22"
	}
	client, err := ssh.Dial("tcp", hostname, cc)
	if err != nil {
		return nil, nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, sftpClient, nil
}

func (s *SFTPStore) Read(
	ctx context.Context,
	appIdentifier string,
	distribution Distribution,
) (*Identity, error) {
	client, sftpClient, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sftpClient.Close()

	f, err := sftpClient.Open(s.recordPath(appIdentifier, distribution))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrRecordMissing
		}
		return nil, err
	}
	defer f.Close()

	b := new(strings.Builder)
	if _, err := f.WriteTo(b); err != nil {
		return nil, err
	}

	identity := new(Identity)
	if err := yaml.Unmarshal([]byte(b.String()), identity); err != nil {
		return nil, err
	}
	return identity, nil
}

func (s *SFTPStore) Write(ctx context.Context, identity *Identity) error {
	client, sftpClient, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sftpClient.Close()

	b, err := yaml.Marshal(identity)
	if err != nil {
		return err
	}

	recordPath := s.recordPath(identity.AppIdentifier, identity.Distribution)
	if err := sftpClient.MkdirAll(path.Dir(recordPath)); err != nil {
		return err
	}

	// Write to a temp file and rename so a concurrent reader never sees a
	// half-written record.
	tmpPath := recordPath + ".tmp"
	f, err := sftpClient.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return sftpClient.PosixRename(tmpPath, recordPath)
}

func (s *SFTPStore) Delete(
	ctx context.Context,
	appIdentifier string,
	distribution Distribution,
) error {
	client, sftpClient, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sftpClient.Close()

	if err := sftpClient.Remove(s.recordPath(appIdentifier, distribution)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func (s *SFTPStore) Lock(
	ctx context.Context,
	appIdentifier string,
	distribution Distribution,
) (func() error, error) {
	client, sftpClient, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	lockPath := s.recordPath(appIdentifier, distribution) + ".lock"
	if err := sftpClient.MkdirAll(path.Dir(lockPath)); err != nil {
		client.Close()
		return nil, err
	}

	deadline := time.Now().Add(s.lockWait)
	for {
		f, err := sftpClient.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
		if err == nil {
			fmt.Fprintf(f, "%s %s\n", s.username, time.Now().UTC().Format(time.RFC3339))
			f.Close()
			break
		}
		if time.Now().After(deadline) {
			client.Close()
			return nil, fmt.Errorf("lease on %s not acquired in %s", lockPath, s.lockWait)
		}
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	unlock := func() error {
		defer client.Close()
		defer sftpClient.Close()
		return sftpClient.Remove(lockPath)
	}
	return unlock, nil
}

func (s *SFTPStore) EnsureLayout(ctx context.Context) error {
	client, sftpClient, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sftpClient.Close()

	return sftpClient.MkdirAll(s.basePath)
}
