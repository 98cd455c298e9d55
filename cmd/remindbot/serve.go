package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"remindbot/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot until SIGINT or SIGTERM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			_ = a.Stop(stopCtx, app.StopFatalError)
			stop()
			return err
		}

		reason := app.StopAppStop
		select {
		case sig := <-sigCh:
			reason = app.StopReasonFor(sig)
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
			}
		}

		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = a.Stop(stopCtx, reason)
		return a.Err()
	},
}
