package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/outagesync/internal/auth"
	"github.com/MarcoPoloResearchLab/outagesync/internal/config"
	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
	"github.com/MarcoPoloResearchLab/outagesync/internal/server"
	"github.com/MarcoPoloResearchLab/outagesync/internal/syncer"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "outage-sync",
		Short:         "Power outage schedule reconciliation service",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newBootstrapCommand(),
		newSyncCommand(),
		newSyncDateCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("timezone", defaults.GetString("service.timezone"), "IANA time zone of the served region")
	flags.Duration("sync-interval", defaults.GetDuration("sync.interval"), "Periodic sync interval")
	flags.String("messaging-url", defaults.GetString("sources.messaging.url"), "Messaging channel feed URL")
	flags.String("website-url", defaults.GetString("sources.website.url"), "Website feed URL")
	flags.String("webhook-url", defaults.GetString("notify.webhook_url"), "Change notification webhook URL")
	flags.String("signing-secret", "", "Ops API signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "service.timezone", "timezone")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sources.messaging.url", "messaging-url")
	bindFlag(cmd, "sources.website.url", "website-url")
	bindFlag(cmd, "notify.webhook_url", "webhook-url")
	bindFlag(cmd, "ops.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic sync loop and the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newBootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Backfill every available date without notifying",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, runner *syncer.Runner) (syncer.RunResult, error) {
				return runner.Bootstrap(ctx)
			})
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one periodic sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, runner *syncer.Runner) (syncer.RunResult, error) {
				return runner.Periodic(ctx)
			})
		},
	}
}

func newSyncDateCommand() *cobra.Command {
	var rawDate string
	cmd := &cobra.Command{
		Use:   "sync-date",
		Short: "Reconcile one date",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := schedule.ParseDate(rawDate)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, runner *syncer.Runner) (syncer.RunResult, error) {
				return runner.SyncDate(ctx, date)
			})
		},
	}
	cmd.Flags().StringVar(&rawDate, "date", "", "Date to reconcile (YYYY-MM-DD)")
	if err := cmd.MarkFlagRequired("date"); err != nil {
		panic(err)
	}
	return cmd
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an ops API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadOps(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_at":   expiresAt,
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	return cmd
}

type runFunc func(ctx context.Context, runner *syncer.Runner) (syncer.RunResult, error)

func runOnce(ctx context.Context, out io.Writer, run runFunc) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()

	signalCtx, stop := signal.NotifyContext(contextOrBackground(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, runErr := run(signalCtx, app.runner)
	app.dispatcher.Wait()
	if runErr != nil {
		return runErr
	}
	return writeJSON(out, result)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Runner:    app.runner,
		Schedules: app.writer,
		Tokens:    issuer,
		Events:    app.broadcaster,
		Gatherer:  app.registry,
		Logger:    app.logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(contextOrBackground(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Request contexts, and with them open event streams, end on SIGINT/SIGTERM.
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return signalCtx },
	}

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		app.runner.Start(signalCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		serveErr = httpServer.Shutdown(shutdownCtx)
	case serveErr = <-errCh:
		stop()
	}
	<-runnerDone
	app.dispatcher.Wait()
	return serveErr
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	if err := appConfig.RequireOpsSecret(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.OpsSecret),
		TokenTTL:      appConfig.OpsTokenTTL,
	})
}

func writeJSON(out io.Writer, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
