package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/certstore/pkg/config"
	"github.com/cuemby/certstore/pkg/log"
	"github.com/cuemby/certstore/pkg/storage"
	_ "github.com/cuemby/certstore/pkg/storage/bolt"
	_ "github.com/cuemby/certstore/pkg/storage/postgres"
	_ "github.com/cuemby/certstore/pkg/storage/sqlite"
	_ "github.com/cuemby/certstore/pkg/storage/sqlserver"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "certstore",
		Short: "certstore - managed certificate store",
		Long: `certstore persists managed ACME certificates in an embedded
(sqlite, bolt) or server (postgres, sqlserver) database and keeps the
store backed up and compacted.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetVersionTemplate(fmt.Sprintf(
		"certstore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to a TOML config file")
	flags.String("backend", "", "Storage backend (sqlite, bolt, postgres, sqlserver)")
	flags.String("data-dir", "", "Data directory for embedded backends")
	flags.String("conn", "", "Connection string for server backends")
	flags.String("table", "", "Table or bucket name")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log as JSON instead of console output")

	root.AddCommand(
		newServeCmd(),
		newListCmd(),
		newCountCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newImportCmd(),
		newExportCmd(),
		newMaintainCmd(),
		newBackupCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file and environment, then applies flags that
// were set explicitly, and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("backend") {
		cfg.Storage.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("conn") {
		cfg.Storage.ConnectionString, _ = flags.GetString("conn")
	}
	if flags.Changed("table") {
		cfg.Storage.Table, _ = flags.GetString("table")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Logging.JSON, _ = flags.GetBool("log-json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.LogConfig()
	logCfg.Output = cmd.ErrOrStderr()
	log.Init(logCfg)
	return cfg, nil
}

// openStore opens and initialises the configured store. Unlike serve, one-shot
// commands fail when initialisation fails.
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	logger := log.WithComponent("store")
	opts := cfg.StoreOptions()
	opts.Logger = &logger

	s, err := storage.Open(ctx, cfg.Storage.Backend, cfg.StorageSettings(), opts)
	if err != nil {
		return nil, err
	}
	if !s.IsInitialised(ctx) {
		initErr := s.InitError()
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrNotInitialised, initErr)
	}
	return s, nil
}

// withStore loads configuration, opens the store, runs fn and closes the store
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s *storage.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(ctx, s)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "certstore version %s\n", Version)
			fmt.Fprintf(out, "Commit: %s\n", Commit)
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
			fmt.Fprintf(out, "Backends: %v\n", storage.Engines())
		},
	}
}
