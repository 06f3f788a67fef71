package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openclaw/clawwrap/internal/config"
	"github.com/openclaw/clawwrap/internal/gateway"
	"github.com/openclaw/clawwrap/internal/logging"
	"github.com/openclaw/clawwrap/internal/migrate"
	"github.com/openclaw/clawwrap/internal/process"
	"github.com/openclaw/clawwrap/internal/proxy"
	"github.com/openclaw/clawwrap/internal/setup"
	"github.com/openclaw/clawwrap/internal/shutdown"
	"github.com/openclaw/clawwrap/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor (default)",
	Long: `Listen on the public port, supervise the gateway and proxy traffic to it.

The gateway is started lazily on the first proxied request, or right away
when a config file already exists.`,
	RunE: runServe,
}

// bootstrap performs the startup steps every command shares: .env files,
// legacy env migration, config resolution and logging.
func bootstrap() (*config.Config, logrus.FieldLogger, error) {
	logging.SetupBaseLogger()
	logger := logrus.StandardLogger()

	cwd, _ := os.Getwd()
	cfg, err := loadConfig(logger, cwd)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Configure(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  10,
		MaxBackups: 3,
	}); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// loadConfig resolves the config from the environment layered over .env in
// cwd and then .env in the resolved state dir. The state dir's file can carry
// legacy names, so env migration runs again after loading it.
func loadConfig(logger logrus.FieldLogger, cwd string) (*config.Config, error) {
	config.LoadDotEnv(logger, cwd)
	migrate.Run(logger)

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return nil, err
	}
	if filepath.Clean(cfg.StateDir) == filepath.Clean(cwd) {
		return cfg, nil
	}
	if loaded := config.LoadDotEnv(logger, cfg.StateDir); len(loaded) == 0 {
		return cfg, nil
	}
	migrate.ApplyEnv(migrate.OSEnv{}, logger)
	return config.Load(os.Getenv)
}

// migrateConfigFiles renames a legacy config file to the canonical name. An
// explicit OPENCLAW_CONFIG_PATH is used as is.
func migrateConfigFiles(cfg *config.Config, logger logrus.FieldLogger) error {
	if cfg.ConfigPathOverride != "" {
		return nil
	}
	_, err := migrate.MigrateConfigFiles(migrate.Candidates(cfg.StateDir), logger)
	return err
}

func newManager(cfg *config.Config, logger logrus.FieldLogger) *gateway.Manager {
	runner := process.NewRunner(logger)
	runner.DefaultTimeout = cfg.Settings.CommandTimeout
	runner.KillGrace = cfg.Settings.KillGrace
	return gateway.NewManager(gateway.OptionsFromConfig(cfg), runner, logger)
}

// newRouter sends /setup to the admin API and everything else to the gateway.
func newRouter(setupHandler, gatewayProxy http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.Path("/setup").Handler(setupHandler)
	router.PathPrefix("/setup/").Handler(setupHandler)
	router.PathPrefix("/").Handler(gatewayProxy)
	return router
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logging.Close()

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := migrateConfigFiles(cfg, logger); err != nil {
		logger.WithError(err).Error("[config-migration] Failed")
	}
	generated, err := cfg.EnsureGatewayToken()
	if err != nil {
		return err
	}
	if generated {
		logger.Infof("[wrapper] Generated gateway token in %s", cfg.StateDir)
	}
	if cfg.SetupPassword == "" {
		logger.Warn("[wrapper] SETUP_PASSWORD is not set; /setup is disabled")
	}

	mgr := newManager(cfg, logger)

	gwProxy, err := proxy.New(mgr.Target(), mgr, logger)
	if err != nil {
		return err
	}
	setupHandler := setup.NewHandler(mgr, mgr.CLI(), setup.Options{
		Password:     cfg.SetupPassword,
		StateDir:     cfg.StateDir,
		WorkspaceDir: cfg.WorkspaceDir,
		Port:         cfg.InternalPort,
		Token:        cfg.GatewayToken,
		RemoveConfig: cfg.RemoveConfig,
		Requests:     gwProxy.Requests(),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           newRouter(setupHandler, gwProxy),
		ReadHeaderTimeout: 30 * time.Second,
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	w := watcher.New(cfg.ConfigCandidates(), cfg.IsConfigured, mgr, logger)
	if err := w.Start(ctx); err != nil {
		logger.WithError(err).Warn("[watcher] Config watching disabled")
	}
	defer w.Close()

	coord := shutdown.New(srv, mgr, cfg.Settings.ShutdownTimeout, logger)
	go coord.Run(ctx)

	if cfg.IsConfigured() {
		go func() {
			if err := mgr.EnsureRunning(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("[wrapper] Gateway did not start at boot")
			}
		}()
	}

	logger.Infof("[wrapper] %s v%s listening on %s, gateway at %s", appName, appVersion, srv.Addr, mgr.Target())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = mgr.Terminate()
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}

	// The coordinator exits the process.
	<-coord.Done()
	return nil
}
