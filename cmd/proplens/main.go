package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/avetel/proplens/internal/api"
	"github.com/avetel/proplens/internal/config"
	"github.com/avetel/proplens/internal/gateway"
	"github.com/avetel/proplens/internal/metrics"
	"github.com/avetel/proplens/internal/pipeline"
	"github.com/avetel/proplens/internal/server"
	"github.com/avetel/proplens/internal/session"
	"github.com/avetel/proplens/internal/stream"
	"github.com/avetel/proplens/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool

	analyzeTitle string
	analyzeModel string
	analyzeOut   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "proplens",
		Short: "PropLens - AI-assisted commercial proposal analysis",
		Long: `PropLens evaluates commercial real-estate development proposals against
a technical specification: a structural pre-scan, ten weighted evaluation
criteria scored by an LLM with a heuristic fallback, and a compiled
compliance report.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis API server",
		Long: `Run the HTTP server: REST endpoints to start and poll analyses, a
websocket stream of live progress, and prometheus metrics.`,
		RunE: runServe,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze <proposal-file>",
		Short: "Analyze a single proposal document",
		Long:  "Run one document through the full analysis pipeline in-process and print the compiled report.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&analyzeTitle, "title", "", "Document title for the report")
	analyzeCmd.Flags().StringVar(&analyzeModel, "model", "", "Model config key (default: main)")
	analyzeCmd.Flags().StringVar(&analyzeOut, "out", "", "Write the full JSON result to this file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *session.Registry
	hub        *stream.Hub
	supervisor *pipeline.Supervisor
	closeLogs  func() error
}

// buildApp loads configuration and wires the engine. The supervisor's workers
// run until the returned app is closed.
func buildApp() (*app, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil && verbose {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, closeLogs := config.SetupLogger(cfg.Logging)
	logger.Info("proplens starting", "version", Version, "config", configPath)

	collector := metrics.NewCollector(logger)
	transport := api.NewClient(logger)
	gw := gateway.New(cfg, secrets, transport, collector, logger)
	registry := session.NewRegistry(logger, cfg.Analysis.SessionRetention())
	hub := stream.NewHub(logger, collector, cfg.Analysis.HeartbeatInterval())
	p := pipeline.New(cfg, gw, registry, hub, collector, logger)
	sup := pipeline.NewSupervisor(p, registry,
		cfg.Analysis.MaxConcurrentSessions, cfg.Analysis.SessionDeadline(), logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		hub:        hub,
		supervisor: sup,
		closeLogs:  closeLogs,
	}, nil
}

func (a *app) close() {
	a.supervisor.Wait()
	a.hub.Close()
	a.registry.Close()
	_ = a.closeLogs()
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(ctx, a.cfg, a.supervisor, a.registry, a.hub, a.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(a.cfg.Server.ShutdownGraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	document, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read proposal: %w", err)
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := models.AnalysisOptions{Title: analyzeTitle, Model: analyzeModel}
	id, err := a.supervisor.Start(ctx, string(document), opts)
	if err != nil {
		return fmt.Errorf("failed to start analysis: %w", err)
	}

	obs := a.hub.Attach(id)
	defer a.hub.Detach(id, obs)

	bar := progressbar.Default(100, "Analyzing")
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	// Drive the bar from live events, with a registry poll as backstop for
	// anything emitted before the observer attached.
	for {
		var terminal *models.AnalysisSession
		select {
		case ev := <-obs.Events():
			if ev.Type == models.EventProgress {
				_ = bar.Set(ev.Progress)
				continue
			}
			if ev.Type == models.EventHeartbeat {
				continue
			}
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		sess, err := a.registry.Get(id)
		if err != nil {
			return fmt.Errorf("session vanished: %w", err)
		}
		_ = bar.Set(sess.Progress)
		if sess.Status.Terminal() {
			terminal = sess
		}
		if terminal == nil {
			continue
		}

		_ = bar.Finish()
		fmt.Println()
		if terminal.Status == models.StatusFailed {
			return fmt.Errorf("analysis failed: %s", terminal.Error)
		}
		return printReport(terminal.Result)
	}
}

func printReport(result *models.AnalysisResult) error {
	if result == nil {
		return fmt.Errorf("analysis completed without a result")
	}

	if result.DocumentTitle != "" {
		fmt.Printf("Proposal: %s\n", result.DocumentTitle)
	}
	fmt.Printf("Overall score:    %d/100\n", result.OverallScore)
	fmt.Printf("Compliance level: %s\n", result.ComplianceLevel)
	if result.Model != "" {
		fmt.Printf("Model:            %s\n", result.Model)
	}
	fmt.Printf("Duration:         %s\n\n", result.Duration.Round(time.Millisecond))

	for _, c := range models.Criteria() {
		section, ok := result.Sections[c]
		if !ok {
			continue
		}
		marker := ""
		if !section.AIGenerated {
			marker = " (heuristic)"
		}
		fmt.Printf("  %-14s %3d/100  %s%s\n", c, section.Score, section.Status, marker)
	}

	if analyzeOut != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if err := os.WriteFile(analyzeOut, data, 0o644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
		fmt.Printf("\nFull report written to %s\n", analyzeOut)
	}
	return nil
}
