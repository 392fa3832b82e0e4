// Package main implements dffmpeg-admin, the operator tool for the
// Coordinator. It manages identities (the only way identities are ever
// created), inspects the worker fleet, and maintains the at-rest encryption
// of HMAC keys. It operates directly on the Coordinator database and reads
// the same configuration file as the server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm"

	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/keyring"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
)

// Exit codes: 0 success, 2 operator mistakes (bad flags, unknown ids),
// 1 database and runtime failures.
const (
	exitRuntime = 1
	exitUser    = 2
)

// userError marks failures the operator caused and can fix on the command
// line.
type userError struct{ err error }

func (e userError) Error() string { return e.err.Error() }
func (e userError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return userError{fmt.Errorf(format, args...)}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var uerr userError
		if errors.As(err, &uerr) {
			os.Exit(exitUser)
		}
		os.Exit(exitRuntime)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "dffmpeg-admin",
		Short: "DFFmpeg Coordinator administration",
		Long: `dffmpeg-admin manages Coordinator identities, inspects the worker fleet,
and maintains the key ring encryption of stored HMAC keys. It talks to the
Coordinator database directly and reads the same configuration file.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file (default: coordinator.yaml in ., ./config or /etc/dffmpeg; or "+config.EnvConfigFile+")")

	root.AddCommand(newUserCmd(&configPath))
	root.AddCommand(newWorkerCmd(&configPath))
	root.AddCommand(newSecurityCmd(&configPath))

	return root
}

// adminEnv bundles everything a subcommand needs: the parsed config, the key
// ring, the open database and the repositories on top of it.
type adminEnv struct {
	cfg        *config.Config
	ring       *keyring.Ring
	database   *gorm.DB
	identities repositories.IdentityRepository
	workers    repositories.WorkerRepository
}

// openEnv loads the config and opens the database. GORM query logging is
// silenced so command output stays parseable.
func openEnv(configPath string) (*adminEnv, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, userError{err}
	}

	ring, err := keyring.New(cfg.Auth.Keyring.Keys, cfg.Auth.Keyring.DefaultKeyID)
	if err != nil {
		return nil, nil, userError{err}
	}

	database, err := db.New(db.Config{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	closeFn := func() {
		if sqlDB, err := database.DB(); err == nil {
			sqlDB.Close() //nolint:errcheck
		}
	}

	return &adminEnv{
		cfg:        cfg,
		ring:       ring,
		database:   database,
		identities: repositories.NewIdentityRepository(database, ring),
		workers:    repositories.NewWorkerRepository(database),
	}, closeFn, nil
}
