// Command authorhub serves a small book catalogue behind bearer-token
// authentication and claims-based policies.
//
//	authorhub serve --config authorhub.yaml --env-file .env
//	authorhub verify "$TOKEN"
//	authorhub version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/authorhub/pkg/auth"
	"github.com/StricklySoft/authorhub/pkg/config"
	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for invalid configuration and 1 for any other failure.
func exitCode(err error) int {
	if sserr.IsValidation(err) {
		return 2
	}
	return 1
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "authorhub",
		Short:        "Authorhub API server",
		Long:         "Authorhub serves the book catalogue API behind bearer-token authentication.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML or JSON config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file consulted before the process environment")

	root.AddCommand(
		newServeCommand(flags),
		newVerifyCommand(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				cmd.Printf("%s\n", version)
			},
		},
	)
	return root
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.LogLevel))
		},
	}
}

func newVerifyCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify TOKEN",
		Short: "Authenticate a bearer token and print the resulting identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			cfg.CacheBackend = "memory"
			srv, err := newServer(cfg, newLogger(cfg.LogLevel), newRegistry(), nil)
			if err != nil {
				return err
			}
			return verify(cmd.Context(), srv, args[0], cmd.OutOrStdout())
		},
	}
}

func loadConfig(flags *globalFlags) (ServeConfig, error) {
	loader := config.New().WithEnvPrefix(envPrefix).WithDotEnv(flags.envFile)
	if flags.configFile != "" {
		loader = loader.WithFile(flags.configFile)
	}
	var cfg ServeConfig
	if err := loader.Load(&cfg); err != nil {
		return ServeConfig{}, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// serve runs the API until ctx is cancelled, then drains in-flight
// requests for up to cfg.ShutdownTimeout.
func serve(ctx context.Context, cfg ServeConfig, logger *slog.Logger) error {
	slog.SetDefault(logger)

	rdb, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	srv, err := newServer(cfg, logger, newRegistry(), rdb)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return err
	}

	if err := srv.service.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
			_ = srv.service.Stop(context.Background())
			return sserr.Wrap(err, sserr.CodeUnavailable, "serve: http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	return srv.service.Stop(shutdownCtx)
}

// verify authenticates token through the same gateway the API uses and
// writes the identity as JSON, or returns the failure reason.
func verify(ctx context.Context, srv *server, token string, out io.Writer) error {
	if !strings.HasPrefix(token, "Bearer ") {
		token = "Bearer " + token
	}
	identity, failure := srv.gateway.Authenticate(ctx, []string{token})
	if failure != nil {
		return fmt.Errorf("%d %s", failure.Status, failure.Reason)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(meResponse{
		Subject: identity.Subject(),
		Source:  identity.Source().String(),
		Claims:  identity.Claims().Without(auth.ClaimAccessToken),
	})
}
