package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dffmpeg-io/coordinator/internal/api"
	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/janitor"
	"github.com/dffmpeg-io/coordinator/internal/keyring"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/scheduler"
	"github.com/dffmpeg-io/coordinator/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes follow the sysexits convention: configuration and usage
// problems exit 64, runtime failures 70, clean shutdown 0.
const (
	exitUsage    = 64
	exitSoftware = 70
)

const shutdownTimeout = 10 * time.Second

// usageError marks failures the operator fixes in flags or the config file.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var uerr usageError
		if errors.As(err, &uerr) {
			os.Exit(exitUsage)
		}
		os.Exit(exitSoftware)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		devMode    bool
	)

	root := &cobra.Command{
		Use:   "dffmpeg-coordinator",
		Short: "DFFmpeg Coordinator — central job scheduling for distributed ffmpeg",
		Long: `The DFFmpeg Coordinator accepts ffmpeg job submissions over a REST API,
assigns them to registered workers by capability, relays cancellation and
state-change notifications over the negotiated downlink transport, and
reaps jobs whose worker or submitting client went silent.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, listenAddr, devMode)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(&configPath))

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file (default: coordinator.yaml in ., ./config or /etc/dffmpeg; or "+config.EnvConfigFile+")")
	root.Flags().StringVar(&listenAddr, "listen", "", "Listen address override (host:port)")
	root.Flags().BoolVar(&devMode, "dev", false, "Development mode: human-readable logs at debug level")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dffmpeg-coordinator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return usageError{err}
			}
			logger, err := buildLogger(cfg.Log)
			if err != nil {
				return usageError{err}
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies pending migrations as part of opening.
			database, err := db.New(db.Config{
				Driver:   cfg.Database.Driver,
				DSN:      cfg.Database.DSN,
				Logger:   logger,
				LogLevel: cfg.Database.GORMLogLevel(),
			})
			if err != nil {
				return err
			}
			if sqlDB, err := database.DB(); err == nil {
				sqlDB.Close() //nolint:errcheck
			}
			return nil
		},
	}
}

func run(ctx context.Context, configPath, listenAddr string, devMode bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return usageError{err}
	}
	if listenAddr != "" {
		host, port, err := net.SplitHostPort(listenAddr)
		if err != nil {
			return usageError{fmt.Errorf("invalid --listen address %q: %w", listenAddr, err)}
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return usageError{fmt.Errorf("invalid --listen port %q", port)}
		}
		cfg.Server.Host, cfg.Server.Port = host, n
	}
	if devMode {
		cfg.Log.Dev = true
		cfg.Log.Level = "debug"
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return usageError{err}
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting dffmpeg coordinator",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("transports", cfg.Transports.Enabled),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ring, err := keyring.New(cfg.Auth.Keyring.Keys, cfg.Auth.Keyring.DefaultKeyID)
	if err != nil {
		return usageError{err}
	}
	if ring.Empty() {
		logger.Warn("no key ring configured, HMAC keys are stored unencrypted")
	}

	database, err := db.New(db.Config{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		Logger:   logger,
		LogLevel: cfg.Database.GORMLogLevel(),
	})
	if err != nil {
		return err
	}

	identities := repositories.NewIdentityRepository(database, ring)
	jobs := repositories.NewJobRepository(database)
	workers := repositories.NewWorkerRepository(database)
	downlinks := repositories.NewDownlinkRepository(database)

	waiters := transport.NewWaiters()
	polling := transport.NewHTTPPolling(cfg.Transports.HTTPPolling, downlinks, waiters, logger)

	var enabled []transport.Transport
	for _, name := range cfg.Transports.Enabled {
		switch name {
		case transport.NameHTTPPolling:
			enabled = append(enabled, polling)
		case transport.NameMQTT:
			enabled = append(enabled, transport.NewMQTT(cfg.Transports.MQTT, logger))
		case transport.NameAMQP:
			enabled = append(enabled, transport.NewAMQP(cfg.Transports.AMQP, logger))
		}
	}
	registry, err := transport.NewRegistry(enabled...)
	if err != nil {
		return usageError{err}
	}
	transports := transport.NewManager(registry, waiters, logger)

	sched := scheduler.New(cfg.Scheduler, jobs, transports, logger)

	jan, err := janitor.New(
		cfg.Janitor,
		janitor.Retention{
			DeliveredMessages:   cfg.Transports.HTTPPolling.DeliveredRetention,
			UndeliveredMessages: cfg.Transports.HTTPPolling.UndeliveredTTL,
			JobLogs:             cfg.Jobs.LogRetention,
		},
		jobs, workers, downlinks, transports, sched.Kick, logger,
	)
	if err != nil {
		return err
	}

	router, err := api.NewRouter(api.RouterConfig{
		Identities:  identities,
		Jobs:        jobs,
		Workers:     workers,
		Downlinks:   downlinks,
		Transports:  transports,
		Polling:     polling,
		Kick:        sched.Kick,
		Ping:        func(ctx context.Context) error { return db.Ping(ctx, database) },
		Auth:        cfg.Auth,
		Policy:      cfg.Jobs,
		Poll:        cfg.Transports.HTTPPolling,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})
	if err != nil {
		return usageError{err}
	}

	if err := registry.StartAll(ctx); err != nil {
		return err
	}
	if err := jan.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
		if err := jan.Stop(); err != nil {
			logger.Warn("janitor shutdown", zap.Error(err))
		}
		if err := registry.StopAll(shutdownCtx); err != nil {
			logger.Warn("transport shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("coordinator exited", zap.Error(err))
		return err
	}
	logger.Info("coordinator stopped")
	return nil
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Dev {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	return zcfg.Build()
}
