// Package cli is the vmfleet command line.
//
//	vmfleet serve      run the coordinator (HTTP API, TCP heartbeats, background loops)
//	vmfleet migrate    apply pending database migrations
//	vmfleet token      mint a user or worker token
//	vmfleet agent      run a simulated worker against a coordinator
//
// Every command reads its settings from the environment; --env loads
// <name>.env first.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"gitlab.com/vmfleet.net/db/migrations"
	"gitlab.com/vmfleet.net/internal/adapter/crypto"
	"gitlab.com/vmfleet.net/internal/adapter/logging"
	"gitlab.com/vmfleet.net/internal/adapter/postgres"
	"gitlab.com/vmfleet.net/internal/app"
	"gitlab.com/vmfleet.net/internal/config"
	http2 "gitlab.com/vmfleet.net/internal/http"
	"gitlab.com/vmfleet.net/internal/tcp"
	"gitlab.com/vmfleet.net/internal/tcp/agent"
)

var environment string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "vmfleet",
		Short:        "vmfleet: coordinator for a fleet of VM worker hosts",
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(environment)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&environment, "env", "e", "", "environment name; loads <name>.env")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildMigrateCommand())
	rootCmd.AddCommand(buildTokenCommand())
	rootCmd.AddCommand(buildAgentCommand())

	return rootCmd
}

func loadEnv(name string) error {
	if name == "" {
		return nil
	}
	if err := godotenv.Load(name + ".env"); err != nil {
		return fmt.Errorf("failed to load %s.env: %w", name, err)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx, config.NewSystemConfig(), migrate)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations on start (postgres driver)")

	return cmd
}

func runServe(ctx context.Context, sysCfg *config.AppConfig, migrate bool) error {
	logger := logging.NewZapLogger(sysCfg.LogLevel)
	defer logger.Sync()
	logger.Info("Starting vmfleet coordinator", "storeDriver", sysCfg.StoreDriver, "debug", sysCfg.DebugMode)

	if sysCfg.JwtConfig.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	policy, err := config.LoadTierPolicy(sysCfg.CoordinatorConfig.TierPolicyFile)
	if err != nil {
		return err
	}

	stores, closeStores, err := openStores(ctx, sysCfg, logger, migrate)
	if err != nil {
		return err
	}
	defer closeStores()

	tokens := crypto.NewJWTService(sysCfg.JwtConfig)
	a := app.New(sysCfg.CoordinatorConfig, policy, stores, tokens, logger, prometheus.DefaultRegisterer)

	tcpServer := tcp.NewTCPServer(a.Heartbeats, a.Workers, tokens, logger,
		tcp.WithAddress(sysCfg.HTTPConfig.TCPAddr),
		tcp.WithHeartbeatInterval(sysCfg.CoordinatorConfig.HeartbeatInterval))
	provider := http2.NewServiceProvider(a.Workers, a.Workloads, a.Heartbeats, stores.SchedConfig, tokens)
	httpServer := http2.NewServer(sysCfg.HTTPConfig.Port, "vmfleet", *provider, logger)
	httpServer.OperatorSubjects = sysCfg.HTTPConfig.OperatorSubjects
	httpServer.WorkerTokenTTL = sysCfg.JwtConfig.WorkerTokenTTL
	if err := httpServer.Init(); err != nil {
		return err
	}

	if err := httpServer.Start(ctx); err != nil {
		return err
	}
	if err := tcpServer.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Stop(shutdownCtx)
		return err
	}
	if !sysCfg.DebugMode {
		a.Engine.Start(ctx)
	}

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tcpServer.Stop(shutdownCtx); err != nil {
		logger.Error("TCP server forced to shutdown", "error", err)
	}
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", "error", err)
	}
	a.Engine.Wait()

	logger.Info("successfully shutdown server")
	return nil
}

func buildMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			sysCfg := config.NewSystemConfig()
			logger := logging.NewZapLogger(sysCfg.LogLevel)
			defer logger.Sync()

			db, err := postgres.Open(cmd.Context(), sysCfg.PostgresConfig.Url)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := postgres.Migrate(cmd.Context(), db, migrations.Files, logger)
			if err != nil {
				return err
			}
			for _, version := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", version)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			}
			return nil
		},
	}
}

func buildTokenCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token (user|worker) <subject>",
		Short: "Mint a signed token",
		Long: `Mint a user token for an owner or operator subject, or a worker token
for a registered worker id. Tokens are signed with JWT_SECRET and
WORKER_JWT_SECRET respectively.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jwtCfg := config.NewJwtConfig()
			if jwtCfg.Secret == "" {
				return errors.New("JWT_SECRET is required")
			}
			tokens := crypto.NewJWTService(jwtCfg)

			var (
				token string
				err   error
			)
			switch args[0] {
			case "user":
				token, err = tokens.IssueUserToken(cmd.Context(), args[1], ttl)
			case "worker":
				if !cmd.Flags().Changed("ttl") {
					ttl = jwtCfg.WorkerTokenTTL
				}
				token, err = tokens.IssueWorkerToken(cmd.Context(), args[1], ttl)
			default:
				return fmt.Errorf("unknown token kind %q, want user or worker", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}

func buildAgentCommand() *cobra.Command {
	var (
		addr     string
		workerID string
		token    string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a simulated worker that acknowledges every command",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerID == "" {
				return errors.New("--worker-id is required")
			}
			if token == "" {
				token = os.Getenv("AGENT_TOKEN")
			}
			if token == "" {
				return errors.New("--token or AGENT_TOKEN is required")
			}
			logger := logging.NewZapLogger(os.Getenv("LOG_LEVEL")).With("component", "agent")
			defer logger.Sync()

			ctx, stop := signalContext()
			defer stop()
			return agent.New(workerID, token, logger).Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "coordinator TCP address")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "registered worker id")
	cmd.Flags().StringVar(&token, "token", "", "worker token (defaults to AGENT_TOKEN)")

	return cmd
}
