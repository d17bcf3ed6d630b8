// Package main provides the CLI entrypoint for signupbot.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"signupbot/internal/app"
)

const (
	defaultConfigPath = "./config.json"
	defaultEnvPath    = ".env"
	stopTimeout       = 15 * time.Second
)

var (
	cfgPath string
	envPath string
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "signupbot",
		Short:         "Automatic class signups for tracked recurring patterns",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv(envPath, cmd.Flags().Changed("env"))
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath, "path to config (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", defaultEnvPath, "dotenv file with gateway credentials")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newPatternsCmd())
	rootCmd.AddCommand(newPreviewCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newLeaveWaitlistCmd())
	rootCmd.AddCommand(newLedgerCmd())
	return rootCmd
}

// loadEnv loads a dotenv file without overriding the real environment. A
// missing default file is fine; a missing explicit one is not.
func loadEnv(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env %s: %w", path, err)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopAppStop
			select {
			case s := <-sigCh:
				reason = app.StopSIGTERM
				if s == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			case <-ctx.Done():
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if err := a.Err(); err != nil {
				return err
			}
			return stopErr
		},
	}
}

// withBase runs fn against the stores only; no gateway credentials needed.
func withBase(fn func(ctx context.Context, b *app.Base) error) error {
	b, err := app.OpenBase(cfgPath)
	if err != nil {
		return err
	}
	defer b.Close()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, b)
}

// withApp runs fn against the fully wired app without starting the scheduler.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, a)
}
