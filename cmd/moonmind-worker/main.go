package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moonmindlabs/worker/pkg/log"
	"github.com/moonmindlabs/worker/pkg/preflight"
	"github.com/moonmindlabs/worker/pkg/worker"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "moonmind-worker",
	Short: "MoonMind distributed coding-agent worker daemon",
	Long: `moonmind-worker polls the MoonMind control plane's job queue, runs
each claimed task through an agent runtime (codex, gemini, or claude),
and publishes the resulting branch or pull request back to the target
repository.`,
	RunE: runWorker,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().Bool("once", false, "Claim and run at most one job, then exit")
	rootCmd.Flags().Bool("preflight-only", false, "Run preflight checks and exit without polling the queue")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Address for the /healthz, /readyz, and /metrics endpoints")
	rootCmd.Flags().String("config", "", "Optional YAML file of MOONMIND_*/STEP_* config values; real environment variables still take precedence")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runWorker(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")
	preflightOnly, _ := cmd.Flags().GetBool("preflight-only")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	configPath, _ := cmd.Flags().GetString("config")

	var cfg worker.Config
	var err error
	if configPath != "" {
		cfg, err = worker.LoadConfigFromFile(configPath)
	} else {
		cfg, err = worker.LoadConfigFromEnviron()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	report := preflight.Run(ctx, cfg.PreflightConfig())
	for _, check := range report.Checks {
		logEvent := log.Logger.Info()
		if !check.OK {
			logEvent = log.Logger.Warn()
		}
		logEvent.Str("check", check.Name).Bool("ok", check.OK).Str("message", check.Message).Msg("preflight check")
	}
	if !report.OK() {
		for _, failure := range report.Failures() {
			log.Logger.Error().Str("check", failure.Name).Msg(failure.Message)
		}
		return fmt.Errorf("preflight checks failed")
	}
	if preflightOnly {
		fmt.Println("preflight checks passed")
		return nil
	}

	w, err := worker.New(cfg)
	if err != nil {
		return fmt.Errorf("construct worker: %w", err)
	}
	defer w.Close()

	workerLog := log.WithWorkerID(cfg.WorkerID)

	healthServer := worker.NewHealthServer(w)
	go healthServer.RunProbe(ctx, 5*time.Second)
	go func() {
		if err := healthServer.Start(metricsAddr); err != nil {
			workerLog.Error().Err(err).Msg("health/metrics server stopped")
		}
	}()
	workerLog.Info().Str("addr", metricsAddr).Msg("healthz/readyz/metrics endpoints listening")

	if once {
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("run once: %w", err)
		}
		if !claimed {
			fmt.Println("no job available")
		}
		return nil
	}

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		workerLog.Info().Msg("shutdown signal received")
		close(stop)
	}()

	w.RunForever(ctx, stop)
	return nil
}
