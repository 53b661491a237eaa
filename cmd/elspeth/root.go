// Command elspeth is the CLI host that wires process configuration, the
// Postgres-backed audit backbone, and the orchestrator together. Pipeline
// construction (plugin registry, YAML config loading, concrete plugin
// bodies) is out of scope for ELSPETH's core per spec.md §1 — Builder is the
// seam an embedding deployment fills in with its own plugin wiring.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.elspeth.dev/audit"
	"go.elspeth.dev/config"
	"go.elspeth.dev/engine"
	"go.elspeth.dev/logging"
	"go.elspeth.dev/orchestrator"
)

// Builder constructs the pipeline graph and its source for a run. It is nil
// by default; an embedding deployment that registers its own plugins sets
// this before Execute runs the CLI.
var Builder func(cfg config.RuntimeConfig) (engine.Pipeline, engine.Source, error)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "elspeth",
	Short: "ELSPETH row-oriented pipeline runtime with a relational audit backbone",
	Long: `ELSPETH runs a configured pipeline over a row source, recording every
node visit, fork, coalesce, batch, and artifact into a relational audit
schema ("Landscape") so any completed or interrupted run can be reconstructed
and resumed exactly where it left off.`,
}

func init() {
	cobra.OnInitialize(initViper)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.elspeth.yaml)")
	rootCmd.AddCommand(runCmd, resumeCmd)
}

func initViper() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".elspeth")
	}
	viper.SetEnvPrefix("ELSPETH")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start a new run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg config.RuntimeConfig) error {
			pipeline, source, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			return o.Run(ctx, orchestratorConfig(cfg), pipeline, source)
		})
	},
}

var resumeRunID string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "resume an interrupted run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if resumeRunID == "" {
			return fmt.Errorf("elspeth resume: --run-id is required")
		}
		return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, cfg config.RuntimeConfig) error {
			pipeline, source, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			return o.Resume(ctx, orchestratorConfig(cfg), pipeline, source, audit.ID(resumeRunID))
		})
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeRunID, "run-id", "", "run id to resume")
}

func buildPipeline(cfg config.RuntimeConfig) (engine.Pipeline, engine.Source, error) {
	if Builder == nil {
		return engine.Pipeline{}, nil, fmt.Errorf("elspeth: no pipeline Builder registered — an embedding binary must set cmd/elspeth.Builder before Execute")
	}
	return Builder(cfg)
}

func orchestratorConfig(cfg config.RuntimeConfig) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.MaxWorkers = cfg.MaxWorkers
	oc.Checkpoint.EveryN = cfg.CheckpointEveryN
	oc.Logger = logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: cfg.LogFormat, Service: "elspeth"})
	return oc
}

// withOrchestrator loads runtime config, opens the audit backbone, starts the
// metrics server, and runs fn; it handles graceful shutdown on SIGINT/SIGTERM
// by cancelling fn's context.
func withOrchestrator(parent context.Context, fn func(ctx context.Context, o *orchestrator.Orchestrator, cfg config.RuntimeConfig) error) error {
	cfg := config.LoadRuntimeConfig()
	logger := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: cfg.LogFormat, Service: "elspeth"})

	pool, err := pgxpool.New(parent, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("elspeth: connect audit pool: %w", err)
	}
	defer pool.Close()

	readDB, err := sqlx.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("elspeth: open read db: %w", err)
	}
	defer readDB.Close()

	recorder := audit.NewPostgresRecorder(pool)
	queries := audit.NewQueries(readDB)
	o := orchestrator.New(recorder, queries)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, o, cfg)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
