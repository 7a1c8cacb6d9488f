// Command server runs the trading engine: a single shared order book,
// one trade dispatcher, and one session goroutine per connected client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rishav/matching-engine/internal/server"
)

func newLogger() *logrus.Entry {
	l := logrus.New()
	if fi, err := os.Stdout.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) != 0 {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(l)
}

func newRootCmd() *cobra.Command {
	log := newLogger()

	return &cobra.Command{
		Use:   "server",
		Short: "Run the order matching engine trading server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.LoadConfig()

			srv, err := server.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case <-sigCh:
				log.Info("received shutdown signal")
				shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.WithError(err).Warn("shutdown error")
				}
				return <-errCh
			case err := <-errCh:
				return err
			}
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("server exited with error")
	}
}
