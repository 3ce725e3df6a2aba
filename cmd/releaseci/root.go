package main

import (
	"database/sql"
	"fmt"

	"github.com/haatos/releaseci/internal"
	"github.com/haatos/releaseci/internal/broker"
	"github.com/haatos/releaseci/internal/secrets"
	"github.com/haatos/releaseci/internal/security"
	"github.com/haatos/releaseci/internal/service"
	"github.com/haatos/releaseci/internal/settings"
	"github.com/haatos/releaseci/internal/signing"
	"github.com/haatos/releaseci/internal/store"
	"github.com/haatos/releaseci/internal/toolchain"
	"github.com/haatos/releaseci/internal/upload"
	"github.com/spf13/cobra"
)

// Exit codes for calling automation. Rate-limited and cancelled runs get
// distinct codes so a scheduler can tell retry-worthy failures apart.
const (
	exitCodeFailed      = 1
	exitCodeRateLimited = 69
	exitCodeCancelled   = 130
)

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

var rootCmd = &cobra.Command{
	Use:           "releaseci",
	Short:         "Release orchestration engine for app store delivery",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		settings.ReadDotenv(internal.DotEnvPath)
		settings.Settings = settings.NewSettings()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(secretCmd)
}

// app holds everything a command needs wired together.
type app struct {
	rdb, rwdb *sql.DB

	adapter      *secrets.Adapter
	tokenBroker  *broker.TokenBroker
	synchronizer *signing.Synchronizer
	releaseSvc   *service.ReleaseService
	apiKeySvc    *service.APIKeyService
}

func (a *app) Close() {
	a.rdb.Close()
	a.rwdb.Close()
}

// newApp validates settings and wires the engine. Validation up front means
// a missing configuration value fails here, not in the middle of a run.
func newApp(withLanes bool) (*app, error) {
	if err := settings.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rdb := store.InitDatabase(true)
	rwdb := store.InitDatabase(false)
	store.RunMigrations(rwdb, internal.MigrationsDir)

	aesEncrypter := security.NewAESEncrypter(security.EnsureKey())
	adapter := secrets.NewAdapter(store.NewSecretSQLiteStore(rdb, rwdb), aesEncrypter)

	s := settings.Settings
	tokenBroker := broker.NewTokenBroker(
		adapter,
		s.APIKeyIDSecret,
		s.APIIssuerIDSecret,
		s.APIPrivateKeySecret,
	)
	synchronizer := signing.NewSynchronizer(
		signing.NewSFTPStore(
			s.SigningStoreHost,
			s.SigningStoreUser,
			s.SigningStorePath,
			adapter,
			s.SigningStoreKeySecret,
		),
		signing.NewHTTPAuthority(s.AuthorityBaseURL),
	)

	a := &app{
		rdb:          rdb,
		rwdb:         rwdb,
		adapter:      adapter,
		tokenBroker:  tokenBroker,
		synchronizer: synchronizer,
		apiKeySvc: service.NewAPIKeyService(
			store.NewAPIKeySQLiteStore(rdb, rwdb),
			service.NewUUIDGen(),
		),
	}
	if !withLanes {
		return a, nil
	}

	lanes, err := service.LoadLanes(s.LanesPath)
	if err != nil {
		return nil, fmt.Errorf("unable to load lanes from %s: %w", s.LanesPath, err)
	}

	runStore := store.NewRunSQLiteStore(rdb, rwdb)
	orchestrator := service.NewOrchestrator(
		tokenBroker,
		synchronizer,
		buildBuilder(adapter),
		upload.NewClient(s.DistributionBaseURL),
		runStore,
		service.StageTimeouts{
			Auth:   s.AuthTimeout,
			Sync:   s.SyncTimeout,
			Build:  s.BuildTimeout,
			Upload: s.UploadTimeout,
		},
	)
	a.releaseSvc = service.NewReleaseService(
		runStore,
		orchestrator,
		service.NewScheduler(),
		lanes,
		s.QueueSize,
	)
	a.releaseSvc.InitializeRunQueues()
	return a, nil
}

func buildBuilder(adapter *secrets.Adapter) *toolchain.Builder {
	s := settings.Settings
	return toolchain.NewBuilder(toolchain.BuilderConfig{
		Host:        s.BuilderHost,
		Username:    s.BuilderUser,
		KeySecret:   s.BuilderKeySecret,
		Workspace:   s.BuilderWorkspace,
		Repository:  s.Repository,
		ProjectPath: s.ProjectPath,
		Scheme:      s.Scheme,
		BundleID:    s.BundleID,
		TeamID:      s.TeamID,
		ExportDir:   s.ExportDir,
	}, adapter)
}
