// Package reconcile promotes parked waiting tasks back into the dispatch
// queue whenever capacity frees up.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/seatpool/server/internal/module/coord"
	"github.com/seatpool/server/internal/module/dispatch"
	"github.com/seatpool/server/internal/module/pool"
	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"github.com/seatpool/server/internal/utils/metrics"
	"go.uber.org/zap"
)

const leaderMutexKey = "reconcile:leader"

// CodeValidator re-checks a redemption code before a waiting task is
// promoted. Codes can expire or run out of uses while a task sits parked.
type CodeValidator interface {
	Validate(ctx context.Context, code string) (bool, error)
}

// Config holds reconciler configuration.
type Config struct {
	Interval time.Duration
	LockTTL  time.Duration
	MaxBatch int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		LockTTL:  30 * time.Second,
		MaxBatch: 50,
	}
}

// Reconciler periodically scans the waiting queue and resubmits tasks that
// newly freed capacity can absorb. Passes are single-flight across
// replicas: one TTL mutex elects the pass runner, everyone else skips.
type Reconciler struct {
	repo      pool.Repository
	ledger    *pool.Ledger
	queue     dispatch.Queue
	coord     coord.Coordinator
	validator CodeValidator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a new reconciler.
func New(repo pool.Repository, ledger *pool.Ledger, queue dispatch.Queue, c coord.Coordinator,
	validator CodeValidator, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		repo:      repo,
		ledger:    ledger,
		queue:     queue,
		coord:     c,
		validator: validator,
		metrics:   m,
		logger:    logger.Named("reconcile"),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the periodic reconciliation loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
}

// Stop stops the loop after any in-progress pass completes.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
			if err := r.Run(ctx, ""); err != nil {
				r.logger.Warn("reconciliation pass failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Run executes one reconciliation pass, scoped to a group when given.
// Exactly one replica runs a pass at a time; losing the election or losing
// the coordinator both skip quietly because the next tick tries again.
func (r *Reconciler) Run(ctx context.Context, group string) error {
	token, ok, err := r.coord.AcquireMutex(ctx, leaderMutexKey, r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, sharederrors.ErrCoordinationUnavailable) {
			r.logger.Warn("coordinator unavailable, skipping pass", zap.Error(err))
			r.countRun("skipped")
			return nil
		}
		r.countRun("error")
		return err
	}
	if !ok {
		r.countRun("skipped")
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.coord.ReleaseMutex(releaseCtx, leaderMutexKey, token); err != nil {
			r.logger.Warn("leader mutex release failed", zap.Error(err))
		}
	}()

	if err := r.reconcile(ctx, group); err != nil {
		r.countRun("error")
		return err
	}
	r.countRun("completed")
	return nil
}

// reconcile promotes waiting tasks per group, oldest first, up to that
// group's free capacity.
func (r *Reconciler) reconcile(ctx context.Context, group string) error {
	caps, err := r.ledger.ListCapacities(ctx, group, true)
	if err != nil {
		return err
	}

	free := make(map[string]int)
	order := make([]string, 0)
	for _, c := range caps {
		if _, seen := free[c.Group]; !seen {
			order = append(order, c.Group)
		}
		free[c.Group] += c.Available
	}

	for _, g := range order {
		if r.metrics != nil {
			r.metrics.SeatsAvailable.WithLabelValues(g).Set(float64(free[g]))
		}
		if free[g] <= 0 {
			continue
		}
		if err := r.promoteGroup(ctx, g, free[g]); err != nil {
			r.logger.Error("group promotion failed", zap.String("group", g), zap.Error(err))
		}
	}
	return nil
}

// promoteGroup resubmits up to budget waiting tasks from one group in FIFO
// order. The budget is an optimistic local count; the dispatch path's
// in-lock recheck is the real admission control, so over-promotion only
// parks the excess again.
func (r *Reconciler) promoteGroup(ctx context.Context, group string, budget int) error {
	limit := budget
	if r.cfg.MaxBatch > 0 && limit > r.cfg.MaxBatch {
		limit = r.cfg.MaxBatch
	}

	tasks, err := r.repo.ListWaitingFIFO(ctx, group, limit)
	if err != nil {
		return err
	}

	promoted := 0
	for _, task := range tasks {
		if promoted >= budget {
			break
		}

		if task.Code != "" && r.validator != nil {
			valid, err := r.validator.Validate(ctx, task.Code)
			if err != nil {
				r.logger.Warn("code validation failed, leaving task parked",
					zap.String("task_id", task.ID.String()), zap.Error(err))
				continue
			}
			if !valid {
				if err := r.repo.UpdateWaitingStatus(ctx, task.ID, pool.WaitingStatusFailed); err != nil {
					r.logger.Warn("waiting task status update failed", zap.Error(err))
				}
				r.logger.Info("waiting task dropped, code no longer valid",
					zap.String("task_id", task.ID.String()),
					zap.String("identity", task.Identity))
				continue
			}
		}

		if err := r.promote(ctx, task); err != nil {
			r.logger.Warn("promotion failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
		promoted++
	}

	if promoted > 0 {
		r.logger.Info("waiting tasks promoted",
			zap.String("group", group),
			zap.Int("count", promoted))
		if r.metrics != nil {
			r.metrics.ReconcilePromotions.Add(float64(promoted))
		}
	}
	return nil
}

// promote marks one task processing and hands it to the dispatch queue.
// Enqueue failure reverts the mark so the task is retried next pass.
func (r *Reconciler) promote(ctx context.Context, task *pool.WaitingTask) error {
	if err := r.repo.UpdateWaitingStatus(ctx, task.ID, pool.WaitingStatusProcessing); err != nil {
		return err
	}
	if err := r.repo.IncrementWaitingRetry(ctx, task.ID); err != nil {
		r.logger.Warn("retry counter bump failed", zap.Error(err))
	}

	// BucketKey keeps the task's quota linkage: a promoted task that fails
	// terminally still refunds the use consumed at submission.
	id := task.ID
	dt := dispatch.NewDispatchTask(dispatch.DispatchPayload{
		Identity:      task.Identity,
		Code:          task.Code,
		Group:         task.Group,
		WaitingTaskID: &id,
		BucketKey:     task.Code,
	})

	if err := r.queue.Enqueue(ctx, dt); err != nil {
		if revertErr := r.repo.UpdateWaitingStatus(ctx, task.ID, pool.WaitingStatusWaiting); revertErr != nil {
			r.logger.Error("revert after enqueue failure failed",
				zap.String("task_id", task.ID.String()), zap.Error(revertErr))
		}
		return err
	}
	return nil
}

func (r *Reconciler) countRun(outcome string) {
	if r.metrics != nil {
		r.metrics.ReconcileRuns.WithLabelValues(outcome).Inc()
	}
}
