package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	trellis "github.com/trellisdb/trellis"
	"github.com/trellisdb/trellis/internal/api"
	"github.com/trellisdb/trellis/internal/config"
)

var listenOverride string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage engine with its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if listenOverride != "" {
			conf.Listen = listenOverride
		}

		log := logrus.New()
		if level, err := logrus.ParseLevel(conf.LogLevel); err == nil {
			log.SetLevel(level)
		}

		db, err := trellis.New(trellis.Config{
			Paths:         []string{conf.DataDir},
			MinimumFreeGB: conf.MinimumFreeGB,
			Logger:        log,
			SchemaVersion: conf.SchemaVersion,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := db.Start(ctx); err != nil {
			return err
		}
		defer db.Close()

		srv := &http.Server{
			Addr:              conf.Listen,
			Handler:           api.NewServer(db, log).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.WithField("listen", conf.Listen).Info("serving HTTP API")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server failed: %w", err)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&listenOverride, "listen", "l", "", "listen address, overrides the config file")
	rootCmd.AddCommand(serveCmd)
}
