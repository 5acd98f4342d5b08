// Package worker implements the concurrent download phase.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hcmtools/hcmfetch/internal/hcm"
	"github.com/hcmtools/hcmfetch/internal/metrics"
	"github.com/hcmtools/hcmfetch/internal/ratelimit"
	"github.com/hcmtools/hcmfetch/internal/retry"
	"github.com/hcmtools/hcmfetch/internal/sessionguard"
)

// AdapterFactory builds one independent authenticated driver session per
// worker. Sessions share authentication context but never page state.
type AdapterFactory func(ctx context.Context) (hcm.Adapter, error)

// Config controls Pool behavior.
type Config struct {
	Workers   int
	OutputDir string
	// DelayMin/DelayMax bound the random pause between items so request
	// patterns do not burst.
	DelayMin time.Duration
	DelayMax time.Duration
	Retry    retry.Policy
}

// Pool drains the work queue with N workers sharing one rate limiter, one
// session guard and the ledger.
type Pool struct {
	newAdapter AdapterFactory
	queue      hcm.Queue
	store      hcm.StateStore
	limiter    *ratelimit.Limiter
	guard      *sessionguard.Guard
	reauth     sessionguard.ReauthFunc
	cfg        Config
	logger     *zap.Logger

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

// New constructs a Pool. reauth is the externally supplied human-recovery
// step run by the session guard's first responder.
func New(
	newAdapter AdapterFactory,
	queue hcm.Queue,
	store hcm.StateStore,
	limiter *ratelimit.Limiter,
	guard *sessionguard.Guard,
	reauth sessionguard.ReauthFunc,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		newAdapter: newAdapter,
		queue:      queue,
		store:      store,
		limiter:    limiter,
		guard:      guard,
		reauth:     reauth,
		cfg:        cfg,
		logger:     logger.Named("worker"),
		sleep:      sleepCtx,
		randf:      rand.Float64,
	}
}

// Run starts the workers and blocks until the queue is drained. It returns
// the summed per-worker tallies. Per-document failures never surface here;
// only session construction and context errors do.
func (p *Pool) Run(ctx context.Context) (hcm.Tally, error) {
	tallies := make([]hcm.Tally, p.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			return p.runWorker(gctx, i, &tallies[i])
		})
	}
	err := g.Wait()

	var total hcm.Tally
	for _, t := range tallies {
		total.Add(t)
	}
	if err != nil {
		return total, fmt.Errorf("worker pool: %w", err)
	}
	p.logger.Info("run complete",
		zap.Int("downloaded", total.Downloaded),
		zap.Int("skipped", total.Skipped),
		zap.Int("failed", total.Failed),
	)
	return total, nil
}

// runWorker owns one driver session and drains the queue until empty.
func (p *Pool) runWorker(ctx context.Context, id int, tally *hcm.Tally) error {
	log := p.logger.With(zap.Int("worker", id))

	adapter, err := p.newAdapter(ctx)
	if err != nil {
		return fmt.Errorf("worker %d session: %w", id, err)
	}
	defer func() {
		if cerr := adapter.Close(); cerr != nil {
			log.Warn("closing session", zap.Error(cerr))
		}
	}()

	metrics.WorkerStarted()
	defer metrics.WorkerStopped()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := p.queue.TryDequeue()
		if !ok {
			log.Debug("queue empty, worker exiting")
			return nil
		}
		if err := p.processRecord(ctx, log, adapter, rec, tally); err != nil {
			return err
		}
	}
}

// processRecord runs the per-item state machine: wait for the session gate,
// recheck completion, take a rate-limit slot, then attempt the download
// under the retry budget.
func (p *Pool) processRecord(
	ctx context.Context,
	log *zap.Logger,
	adapter hcm.Adapter,
	rec hcm.DocumentRecord,
	tally *hcm.Tally,
) error {
	// Block here while another worker handles re-authentication.
	if err := p.guard.Wait(ctx); err != nil {
		return err
	}

	// Status is always re-read from the ledger: another worker may have
	// completed this id while we waited.
	done, err := p.store.IsCompleted(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("recheck completion of %s: %w", rec.ID, err)
	}
	if done {
		log.Debug("skipping completed document", zap.String("id", rec.ID))
		tally.Skipped++
		metrics.DocumentSkipped()
		return nil
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		return err
	}

	if err := p.store.MarkInProgress(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark in_progress %s: %w", rec.ID, err)
	}

	policy := p.cfg.Retry
	policy.ShouldRetry = func(err error) bool {
		// An expired session must escape to the guard untouched by the
		// retry budget.
		return !errors.Is(err, hcm.ErrSessionExpired) && retry.DefaultShouldRetry(err)
	}

	start := time.Now()
	path, err := retry.Do(ctx, policy, func() (string, error) {
		return adapter.DownloadRecord(ctx, rec, p.cfg.OutputDir)
	})
	switch {
	case err == nil:
		metrics.ObserveDownloadDuration(time.Since(start))
		if serr := p.store.MarkCompleted(ctx, rec.ID, path); serr != nil {
			return fmt.Errorf("mark completed %s: %w", rec.ID, serr)
		}
		log.Info("downloaded", zap.String("id", rec.ID), zap.String("path", path))
		tally.Downloaded++
		metrics.DocumentDownloaded()

	case errors.Is(err, hcm.ErrSessionExpired):
		log.Warn("session expired, coordinating recovery", zap.String("id", rec.ID))
		if gerr := p.guard.HandleExpiry(ctx, p.trackedReauth(), func(ctx context.Context) error {
			return p.queue.Enqueue(ctx, rec)
		}); gerr != nil {
			return fmt.Errorf("session recovery for %s: %w", rec.ID, gerr)
		}
		// Not failed, not skipped: the record went back on the queue.
		return nil

	default:
		log.Error("download failed", zap.String("id", rec.ID), zap.Error(err))
		if serr := p.store.MarkFailed(ctx, rec.ID, err.Error()); serr != nil {
			return fmt.Errorf("mark failed %s: %w", rec.ID, serr)
		}
		tally.Failed++
		metrics.DocumentFailed()
	}

	return p.interItemPause(ctx)
}

// trackedReauth wraps the operator reauth step with the recovery counter.
func (p *Pool) trackedReauth() sessionguard.ReauthFunc {
	return func(ctx context.Context) error {
		metrics.SessionRecovery()
		return p.reauth(ctx)
	}
}

// interItemPause sleeps a random jittered delay in [DelayMin, DelayMax].
func (p *Pool) interItemPause(ctx context.Context) error {
	if p.cfg.DelayMax <= 0 {
		return nil
	}
	delay := p.cfg.DelayMin
	if spread := p.cfg.DelayMax - p.cfg.DelayMin; spread > 0 {
		delay += time.Duration(p.randf() * float64(spread))
	}
	if delay <= 0 {
		return nil
	}
	if err := p.sleep(ctx, delay); err != nil {
		return fmt.Errorf("inter-item pause: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
