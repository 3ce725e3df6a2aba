package toolchain

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haatos/releaseci/internal"
	"github.com/haatos/releaseci/internal/secrets"
	"github.com/haatos/releaseci/internal/signing"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const logTailLines = 50

type BuildError struct {
	ExitStatus int
	LogTail    string
	Err        error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed with exit status %d: %v", e.ExitStatus, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Artifact is the output of one successful build. Consumed by the upload
// stage and discarded afterwards.
type Artifact struct {
	LocalPath  string
	RemotePath string
	Platform   string
	IdentityID string
	BuiltOn    time.Time
}

type BuilderConfig struct {
	Host       string
	Username   string
	KeySecret  string
	Workspace  string
	Repository string

	ProjectPath string
	Scheme      string
	BundleID    string
	TeamID      string
	ExportDir   string
}

// Builder drives the external build toolchain on a remote builder host over
// SSH and fetches the exported artifact back over SFTP.
type Builder struct {
	cfg      BuilderConfig
	resolver secrets.Resolver
}

func NewBuilder(cfg BuilderConfig, resolver secrets.Resolver) *Builder {
	return &Builder{cfg: cfg, resolver: resolver}
}

// Build clones the project, applies the signing identity and invokes the
// toolchain. Non-zero exit is fatal for the run; build failures are rarely
// transient, so no retry happens here or above.
func (b *Builder) Build(
	ctx context.Context,
	identity *signing.Identity,
	branch, workdir string,
	out func(string),
) (*Artifact, error) {
	client, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	out(fmt.Sprintf("connected to builder %s\n", b.cfg.Host))

	if err := b.cloneRepository(ctx, client, branch, workdir); err != nil {
		return nil, err
	}
	out(fmt.Sprintf("cloned %s@%s\n", b.cfg.Repository, branch))

	tail := newLogTail(logTailLines)

	for _, cmd := range b.signingCommands(identity) {
		out("applying signing settings\n")
		if err := b.runStreaming(ctx, client, workdir, cmd, out, tail); err != nil {
			return nil, err
		}
	}

	out(fmt.Sprintf("building scheme %s\n", b.cfg.Scheme))
	for _, cmd := range b.buildCommands(identity) {
		if err := b.runStreaming(ctx, client, workdir, cmd, out, tail); err != nil {
			return nil, err
		}
	}

	artifact, err := b.collectArtifact(ctx, client, workdir)
	if err != nil {
		return nil, err
	}
	artifact.IdentityID = identity.Identifier
	out(fmt.Sprintf("collected artifact %s\n", artifact.LocalPath))
	return artifact, nil
}

// signingCommands applies the identity in two phases: automatic signing
// first to normalize project state, then the explicit manual parameters.
// The toolchain ignores manual settings unless automatic signing was
// toggled beforehand, so the order matters.
func (b *Builder) signingCommands(identity *signing.Identity) []string {
	return []string{
		fmt.Sprintf(
			"fastlane run update_code_signing_settings use_automatic_signing:true path:%s",
			b.cfg.ProjectPath,
		),
		fmt.Sprintf(
			"fastlane run update_code_signing_settings use_automatic_signing:false path:%s team_id:%s profile_name:'%s' bundle_identifier:%s",
			b.cfg.ProjectPath,
			identity.Team,
			identity.ProfileName,
			b.cfg.BundleID,
		),
	}
}

func (b *Builder) buildCommands(identity *signing.Identity) []string {
	archivePath := path.Join(b.cfg.ExportDir, b.cfg.Scheme+".xcarchive")
	exportPlist := path.Join(b.cfg.ExportDir, "exportOptions.plist")
	return []string{
		fmt.Sprintf("mkdir -p %s", b.cfg.ExportDir),
		// Quoted heredoc keeps the plist byte-for-byte intact on the
		// remote side; printf-style escaping mangles the newlines.
		fmt.Sprintf(
			"cat > %s <<'PLIST'\n%s\nPLIST",
			exportPlist,
			exportOptionsPlist(identity, b.cfg.BundleID),
		),
		fmt.Sprintf(
			"xcodebuild -project %s -scheme %s -configuration Release -archivePath %s archive",
			b.cfg.ProjectPath, b.cfg.Scheme, archivePath,
		),
		fmt.Sprintf(
			"xcodebuild -exportArchive -archivePath %s -exportOptionsPlist %s -exportPath %s",
			archivePath, exportPlist, b.cfg.ExportDir,
		),
	}
}

func exportOptionsPlist(identity *signing.Identity, bundleID string) string {
	method := "app-store"
	if identity.Distribution != signing.DistributionAppStore {
		method = string(identity.Distribution)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>method</key>
	<string>%s</string>
	<key>teamID</key>
	<string>%s</string>
	<key>signingStyle</key>
	<string>manual</string>
	<key>provisioningProfiles</key>
	<dict>
		<key>%s</key>
		<string>%s</string>
	</dict>
</dict>
</plist>`, method, identity.Team, bundleID, identity.ProfileName)
}

func (b *Builder) connect(ctx context.Context) (*ssh.Client, error) {
	secret, err := b.resolver.Resolve(ctx, b.cfg.KeySecret, secrets.ScopeBuild)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(secret.Value.Bytes())
	if err != nil {
		return nil, err
	}
	cc := &ssh.ClientConfig{
		User:            b.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	hostname := b.cfg.Host
	if !strings.Contains(hostname, ":") {
		hostname += ":22"
	}
	return ssh.Dial("tcp", hostname, cc)
}

func (b *Builder) repoDir() string {
	repoDir := b.cfg.Repository[strings.LastIndex(b.cfg.Repository, "/")+1:]
	return strings.TrimSuffix(repoDir, ".git")
}

func (b *Builder) cloneRepository(
	ctx context.Context,
	client *ssh.Client,
	branch, workdir string,
) error {
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	cmd := fmt.Sprintf(
		"mkdir -p %s/%s && cd %s/%s && git clone -b %s %s",
		b.cfg.Workspace, workdir,
		b.cfg.Workspace, workdir,
		branch, b.cfg.Repository,
	)
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- sess.Run(cmd)
	}()
	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGINT)
		return ctx.Err()
	case err := <-doneCh:
		return err
	}
}

// runStreaming runs one toolchain command inside the checkout, streaming
// combined output line by line. A non-zero exit becomes a BuildError with
// the captured log tail.
func (b *Builder) runStreaming(
	ctx context.Context,
	client *ssh.Client,
	workdir, command string,
	out func(string),
	tail *logTail,
) error {
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf(
		"cd %s && cd %s && cd %s && %s",
		b.cfg.Workspace, workdir, b.repoDir(), command,
	)

	doneCh := make(chan error, 1)
	go func() {
		if err := sess.Start(cmd); err != nil {
			doneCh <- errors.Join(fmt.Errorf("err starting command %s", cmd), err)
			return
		}

		var wg sync.WaitGroup
		wg.Go(func() {
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				line := scanner.Text() + "\n"
				tail.append(line)
				out(line)
			}
		})
		wg.Go(func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				line := scanner.Text() + "\n"
				tail.append(line)
				out(line)
			}
		})
		err := sess.Wait()
		wg.Wait()
		doneCh <- err
	}()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGINT)
		return ctx.Err()
	case err := <-doneCh:
		if err == nil {
			return nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return &BuildError{
				ExitStatus: exitErr.ExitStatus(),
				LogTail:    tail.String(),
				Err:        err,
			}
		}
		return err
	}
}

func newLogTail(n int) *logTail {
	return &logTail{max: n}
}

type logTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *logTail) append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *logTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "")
}

func (b *Builder) collectArtifact(
	ctx context.Context,
	client *ssh.Client,
	workdir string,
) (*Artifact, error) {
	if exists := dirExists(internal.ArtifactsDir); !exists {
		os.Mkdir(internal.ArtifactsDir, os.ModePerm)
	}
	localDir := filepath.Join(internal.ArtifactsDir, workdir)
	if err := os.MkdirAll(localDir, os.ModePerm); err != nil {
		return nil, err
	}

	remotePath := path.Join(
		b.cfg.Workspace, workdir, b.repoDir(), b.cfg.ExportDir, b.cfg.Scheme+".ipa",
	)
	localPath := filepath.Join(localDir, b.cfg.Scheme+".ipa")

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := downloadFile(sftpClient, remotePath, localPath); err != nil {
		return nil, err
	}

	return &Artifact{
		LocalPath:  localPath,
		RemotePath: remotePath,
		Platform:   "ios",
		BuiltOn:    time.Now().UTC(),
	}, nil
}

func downloadFile(sftpClient *sftp.Client, remotePath, localPath string) error {
	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return err
	}
	defer remoteFile.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	if _, err := io.Copy(localFile, remoteFile); err != nil {
		return err
	}

	return nil
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
