package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/obs"
	"github.com/switchboard-ai/switchboard/internal/server"
)

var (
	configPath   string
	envFile      string
	noWatch      bool
	drainTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	serveCmd.Flags().StringVar(&envFile, "env-file", "", "optional .env file loaded before config expansion")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable config hot reload")
	serveCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long to wait for in-flight requests on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return err
		}
	} else {
		// Best effort: a local .env is optional.
		_ = godotenv.Load()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := obs.SetupLogging(cfg.Logging); err != nil {
		return err
	}

	srv, err := server.New(cfg, server.WithVersion(Version))
	if err != nil {
		return err
	}

	if !noWatch {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			return err
		}
		watcher.AddCallback(func(next *config.Config) {
			if err := srv.Apply(next); err != nil {
				logrus.WithError(err).Error("Reloaded config rejected, keeping previous runtime")
			}
		})
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"version": Version,
		"config":  configPath,
	}).Info("Starting switchboard")
	if err := srv.Start(ctx, cfg.Addr(), drainTimeout); err != nil {
		return err
	}
	return nil
}
