// Command tracker runs the group file tracker server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"groupshare/internal/config"
	"groupshare/internal/metrics"
	"groupshare/internal/registry"
	"groupshare/internal/server"
	"groupshare/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Centralized group file-sharing tracker",
		Long: `tracker accepts client connections over TCP, manages accounts,
groups and join requests, and stores uploaded file bytes on the local
filesystem, one directory per group.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.Flags().String("listen", ":5000", "TCP listen address")
	cmd.Flags().String("data-dir", "uploads", "base directory for uploaded files")
	cmd.Flags().String("metrics-addr", "", "Prometheus metrics HTTP address (empty disables)")
	cmd.Flags().Int("max-connections", 256, "concurrent connection cap (0 disables)")

	v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen"))
	v.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	v.BindPFlag("metrics_addr", cmd.Flags().Lookup("metrics-addr"))
	v.BindPFlag("max_connections", cmd.Flags().Lookup("max-connections"))

	return cmd
}

func run(cfg *config.Config) error {
	log := newLogger(cfg.Logging)

	store, err := storage.New(cfg.DataDir, log)
	if err != nil {
		return err
	}
	reg := registry.New(log)
	met := metrics.New()

	srv := server.New(cfg, reg, store, met, log)
	if err := srv.Listen(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: met.Handler()}
		go func() {
			log.WithField("addr", cfg.MetricsAddr).Info("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(ctx)
	}
	return srv.Close()
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
