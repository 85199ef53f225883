package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/forest6511/totpctl/internal/config"
	"github.com/forest6511/totpctl/internal/logging"
	"github.com/forest6511/totpctl/pkg/audit"
	"github.com/forest6511/totpctl/pkg/authenticator"
	"github.com/forest6511/totpctl/pkg/keystore"
	"github.com/forest6511/totpctl/pkg/vault"
)

// Global flags
var (
	configPath string
	dataDir    string
	logLevel   string
)

var (
	cfg  *config.Config
	auth *authenticator.Authenticator
)

// newKeyStore selects the secret backend; tests replace it.
var newKeyStore = func(kind string) keystore.Store {
	if kind == config.KeyringMemory {
		return keystore.NewMemory()
	}
	return keystore.NewKeyring()
}

var rootCmd = &cobra.Command{
	Use:   "totpctl",
	Short: "totpctl keeps TOTP secrets in the OS keychain and prints live codes",
	Long: `A local authenticator. Secrets are stored in the OS secure store,
account names in an encrypted file, and codes are computed on demand.`,
	SilenceUsage: true,
	// PersistentPreRunE runs before every subcommand and wires config,
	// logging, keystore and audit into the Authenticator.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config and TOTPCTL_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func setup(cmd *cobra.Command) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		loaded.DataDir = dataDir
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	stderr := cmd.ErrOrStderr()
	for _, w := range cfg.Warnings() {
		fmt.Fprintf(stderr, "warning: %s\n", w)
	}

	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cfg.Keyring == config.KeyringMemory {
		fmt.Fprintln(stderr, "warning: memory keyring selected; secrets are lost when the process exits")
	}

	var auditLog *audit.Logger
	if cfg.Audit {
		auditLog = audit.NewLogger(cfg.AuditDir(), audit.WithLogger(logger))
	}

	auth, err = authenticator.New(authenticator.Options{
		Store:     newKeyStore(cfg.Keyring),
		AppID:     cfg.AppID,
		VaultPath: cfg.VaultPath(),
		Logger:    logger,
		Audit:     auditLog,
		Source:    audit.SourceCLI,
	})
	if err != nil {
		return err
	}

	for _, w := range vault.New(cfg.VaultPath(), nil).CheckPermissions() {
		fmt.Fprintf(stderr, "warning: %s\n", w)
	}
	return nil
}

