package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hcmtools/hcmfetch/internal/adapter"
	_ "github.com/hcmtools/hcmfetch/internal/adapter/adpvantage"
	"github.com/hcmtools/hcmfetch/internal/api"
	"github.com/hcmtools/hcmfetch/internal/browser"
	sysclock "github.com/hcmtools/hcmfetch/internal/clock/system"
	"github.com/hcmtools/hcmfetch/internal/config"
	"github.com/hcmtools/hcmfetch/internal/hcm"
	"github.com/hcmtools/hcmfetch/internal/logging"
	"github.com/hcmtools/hcmfetch/internal/metrics"
	queuemem "github.com/hcmtools/hcmfetch/internal/queue/memory"
	"github.com/hcmtools/hcmfetch/internal/ratelimit"
	"github.com/hcmtools/hcmfetch/internal/report"
	"github.com/hcmtools/hcmfetch/internal/retry"
	"github.com/hcmtools/hcmfetch/internal/scrape"
	"github.com/hcmtools/hcmfetch/internal/sessionguard"
	memstore "github.com/hcmtools/hcmfetch/internal/state/memory"
	pgstore "github.com/hcmtools/hcmfetch/internal/state/postgres"
	sqlitestore "github.com/hcmtools/hcmfetch/internal/state/sqlite"
	"github.com/hcmtools/hcmfetch/internal/worker"
)

type runOptions struct {
	system     string
	outputDir  string
	workers    int
	resume     bool
	resetState bool
}

// newRunCmd creates and configures the 'run' subcommand, which executes one
// full scrape-then-download pass against a target system.
func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape the document listing and download everything outstanding",
		Long: `Walks the target system's paginated document listing, registers every
discovered document in the ledger, then drains the download queue with a
pool of rate-limited workers. Already-completed documents are skipped, so
re-running after an interruption picks up where the last run stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logDirSet := cmd.Root().PersistentFlags().Changed("log-dir")
			return executeRun(cmd.Context(), opts, logDirSet)
		},
	}

	cmd.Flags().StringVar(&opts.system, "system", "", "target system name (e.g. adp_vantage)")
	cmd.Flags().StringVar(&opts.outputDir, "output", "", "override the configured output directory")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "override the configured worker count")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "resume scraping from the last recorded listing page")
	cmd.Flags().BoolVar(&opts.resetState, "reset-state", false, "clear the ledger before starting")
	_ = cmd.MarkFlagRequired("system")

	return cmd
}

func executeRun(ctx context.Context, opts runOptions, logDirSet bool) error {
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join("config", opts.system+".yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.System == "" {
		cfg.System = opts.system
	}
	if opts.outputDir != "" {
		cfg.Output.Directory = opts.outputDir
	}
	if opts.workers > 0 {
		cfg.Concurrency.Workers = opts.workers
	}
	if logDirSet {
		cfg.State.Dir = logDir
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	clock := sysclock.New()
	ts := clock.Now().Format("20060102T150405Z")
	logFile := filepath.Join(logDir, fmt.Sprintf("%s_%s.log", cfg.System, ts))
	logger, err := logging.New(cfg.Logging.Development, logLevel, logFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	metrics.Init()
	runID := uuid.New()
	logger = logger.With(zap.String("run_id", runID.String()), zap.String("system", cfg.System))

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.resetState {
		if err := store.Reset(ctx); err != nil {
			return fmt.Errorf("reset ledger: %w", err)
		}
		logger.Info("ledger reset")
	}

	if cfg.Server.Port > 0 {
		srv := api.NewServer(store, cfg.System, runID, logger)
		srvCtx, stopSrv := context.WithCancel(ctx)
		defer stopSrv()
		go func() {
			if err := srv.Serve(srvCtx, cfg.Server.Port); err != nil {
				logger.Warn("status server stopped", zap.Error(err))
			}
		}()
	}

	sess, err := browser.NewSession(ctx, browser.Config{
		Headless:    cfg.Browser.Headless,
		SlowMo:      time.Duration(cfg.Browser.SlowMoMs) * time.Millisecond,
		Viewport:    cfg.Browser.Viewport,
		NavTimeout:  time.Duration(cfg.Browser.NavTimeout) * time.Second,
		DownloadDir: filepath.Join(cfg.Output.Directory, ".staging"),
	}, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	prompt := browser.StdinPrompt(os.Stdin, os.Stdout)
	if err := sess.PauseForLogin(ctx, cfg.LoginTarget(), prompt); err != nil {
		return err
	}

	queue := queuemem.New(cfg.Concurrency.QueueDepth)

	startPage := 1
	if opts.resume {
		if startPage, err = store.GetLastPage(ctx); err != nil {
			return fmt.Errorf("read resume point: %w", err)
		}
		logger.Info("resuming scrape", zap.Int("page", startPage))
	}

	scrapeAdapter, err := adapter.New(cfg.System, cfg, sess, logger)
	if err != nil {
		return err
	}
	total, scrapeErr := scrape.New(scrapeAdapter, store, queue, logger).Run(ctx, startPage)
	if cerr := scrapeAdapter.Close(); cerr != nil {
		logger.Warn("closing scrape session", zap.Error(cerr))
	}
	if scrapeErr != nil {
		return fmt.Errorf("scrape phase: %w", scrapeErr)
	}
	logger.Info("scrape phase complete", zap.Int("records", total), zap.Int("queued", queue.Len()))

	limiter, err := ratelimit.New(cfg.RateLimit.MaxCalls, cfg.Window(),
		ratelimit.WithObserver(metrics.ObserveRateLimitDelay))
	if err != nil {
		return err
	}
	guard := sessionguard.New()
	reauth := func(ctx context.Context) error {
		return sess.PauseForReauth(ctx, prompt)
	}
	factory := func(context.Context) (hcm.Adapter, error) {
		return adapter.New(cfg.System, cfg, sess, logger)
	}

	pool := worker.New(factory, queue, store, limiter, guard, reauth, worker.Config{
		Workers:   cfg.Concurrency.Workers,
		OutputDir: cfg.Output.Directory,
		DelayMin:  cfg.DelayMin(),
		DelayMax:  cfg.DelayMax(),
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
			Jitter:      true,
		},
	}, logger)

	tally, err := pool.Run(ctx)
	if err != nil {
		return fmt.Errorf("download phase: %w", err)
	}
	logger.Info("download phase complete",
		zap.Int("downloaded", tally.Downloaded),
		zap.Int("skipped", tally.Skipped),
		zap.Int("failed", tally.Failed),
		zap.Int("session_recoveries", guard.Recoveries()),
	)

	summary, err := store.GetSummary(ctx)
	if err != nil {
		return fmt.Errorf("read final summary: %w", err)
	}
	if _, err := report.New(cfg.Output.Directory, cfg.System, runID, clock, logger).Write(summary); err != nil {
		return err
	}
	report.PrintSummary(os.Stdout, summary)
	return nil
}

// openStore builds the ledger for the configured backend. The sqlite ledger
// lives alongside the run logs, one database per system.
func openStore(ctx context.Context, cfg config.Config) (hcm.StateStore, error) {
	switch cfg.State.Backend {
	case "sqlite":
		if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		return sqlitestore.Open(filepath.Join(cfg.State.Dir, cfg.System+".db"))
	case "postgres":
		return pgstore.Open(ctx, cfg.State.DSN)
	case "memory":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown state.backend %q", cfg.State.Backend)
	}
}
