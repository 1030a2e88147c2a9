package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/seatpool/server/internal/module/membership"
	"github.com/seatpool/server/internal/module/pool"
	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"github.com/seatpool/server/internal/utils/metrics"
	"go.uber.org/zap"
)

// QuotaRefunder refunds one consumed limited-use unit. Satisfied by the
// throttle token bucket.
type QuotaRefunder interface {
	Refund(ctx context.Context, key string) error
}

// Config holds worker pool configuration.
type Config struct {
	Workers          int
	BatchSize        int
	BatchWait        time.Duration
	Retry            RetryPolicy
	LockRetries      int
	SerialRetryDelay time.Duration
	SoftTimeout      time.Duration
	HardTimeout      time.Duration
}

// DefaultConfig returns the default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		BatchSize:        10,
		BatchWait:        2 * time.Second,
		Retry:            DefaultRetryPolicy(),
		LockRetries:      3,
		SerialRetryDelay: 200 * time.Millisecond,
		SoftTimeout:      30 * time.Second,
		HardTimeout:      2 * time.Minute,
	}
}

// Pool is the distributed dispatch worker pool. Replicas share nothing in
// process; they coordinate only through the durable store and the queue
// transport.
type Pool struct {
	queue   Queue
	repo    pool.Repository
	ledger  *pool.Ledger
	resv    *pool.Coordinator
	client  membership.Client
	refund  QuotaRefunder
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config

	// reconcileFn is installed by the supervisor so reconcile-kind tasks
	// can trigger a pass without a package cycle.
	reconcileFn func(ctx context.Context, group string) error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a new dispatch worker pool.
func NewPool(queue Queue, repo pool.Repository, ledger *pool.Ledger, resv *pool.Coordinator,
	client membership.Client, refund QuotaRefunder, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		queue:   queue,
		repo:    repo,
		ledger:  ledger,
		resv:    resv,
		client:  client,
		refund:  refund,
		metrics: m,
		logger:  logger.Named("dispatch"),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// SetReconcileFunc installs the reconciliation trigger handler.
func (p *Pool) SetReconcileFunc(fn func(ctx context.Context, group string) error) {
	p.reconcileFn = fn
}

// Start recovers in-flight tasks from a previous crash and launches the
// workers.
func (p *Pool) Start(ctx context.Context) error {
	recovered, err := p.queue.RecoverInflight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		p.logger.Info("recovered in-flight tasks", zap.Int("count", recovered))
	}

	p.logger.Info("starting dispatch workers",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("batch_size", p.cfg.BatchSize))

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}

	p.wg.Add(1)
	go p.observeDepth()

	return nil
}

// Stop stops the workers after they finish their current batch.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("dispatch workers stopped")
}

// runWorker is one worker's drain loop.
func (p *Pool) runWorker(id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		batch, err := p.collectBatch(context.Background())
		if err != nil {
			logger.Warn("dequeue failed", zap.Error(err))
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HardTimeout)
		p.processBatch(ctx, batch)
		cancel()
	}
}

// collectBatch assembles a batch bounded by size or max wait, whichever
// comes first.
func (p *Pool) collectBatch(ctx context.Context) ([]*Task, error) {
	first, err := p.queue.Dequeue(ctx, p.cfg.BatchWait)
	if err != nil || first == nil {
		return nil, err
	}

	batch := []*Task{first}
	deadline := time.Now().Add(p.cfg.BatchWait)

	for len(batch) < p.cfg.BatchSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		task, err := p.queue.Dequeue(ctx, remaining)
		if err != nil {
			p.logger.Warn("dequeue during batch assembly failed", zap.Error(err))
			break
		}
		if task == nil {
			break
		}
		batch = append(batch, task)
	}

	return batch, nil
}

// processBatch routes tasks by kind, then dispatches invite sub-batches
// grouped by team group.
func (p *Pool) processBatch(ctx context.Context, batch []*Task) {
	groups := make(map[string][]*Task)

	for _, task := range batch {
		switch task.Kind {
		case KindReserve:
			p.handleReserve(ctx, task)
		case KindReconcile:
			p.handleReconcile(ctx, task)
		case KindDispatch:
			groups[task.Dispatch.Group] = append(groups[task.Dispatch.Group], task)
		}
	}

	for group, tasks := range groups {
		start := time.Now()
		p.handleGroup(ctx, group, tasks)
		if p.metrics != nil {
			p.metrics.DispatchDuration.WithLabelValues(group).Observe(time.Since(start).Seconds())
		}
	}
}

// handleReserve claims a seat synchronously and sends the invite inline.
func (p *Pool) handleReserve(ctx context.Context, task *Task) {
	payload := task.Reserve

	for attempt := 0; ; attempt++ {
		rec, err := p.reserveOnce(ctx, payload.Identity, payload.Code, payload.Group)
		switch {
		case err == nil:
			dt := &Task{
				ID:      task.ID,
				Kind:    KindDispatch,
				Attempt: task.Attempt,
				Dispatch: &DispatchPayload{
					Identity:  payload.Identity,
					Code:      payload.Code,
					Group:     payload.Group,
					BucketKey: payload.Code,
				},
				raw: task.raw,
			}
			p.sendSerial(ctx, rec.TeamID, dt, rec)
			return

		case errors.Is(err, pool.ErrNoSeatAvailable):
			p.demoteToWaiting(ctx, task, payload.Identity, payload.Group, payload.Code, nil, "capacity exhausted")
			return

		case errors.Is(err, sharederrors.ErrLockConflict):
			if attempt >= p.cfg.LockRetries {
				p.demoteToWaiting(ctx, task, payload.Identity, payload.Group, payload.Code, nil, "lock conflict")
				return
			}
			time.Sleep(50 * time.Millisecond)

		default:
			p.logger.Error("reserve task failed", zap.String("identity", payload.Identity), zap.Error(err))

			state := ResumeRetryState(p.cfg.Retry, task.Attempt, p.rollbackFunc(task))
			decision, rbErr := state.Fail(ctx, err)
			if rbErr != nil {
				p.logger.Error("compensating rollback failed",
					zap.String("identity", payload.Identity), zap.Error(rbErr))
			}
			if decision.Terminal {
				p.logger.Warn("reserve task permanently failed",
					zap.String("identity", payload.Identity),
					zap.Int("attempts", state.Attempts()),
					zap.Error(err))
				p.finishFailed(ctx, task, nil)
				return
			}

			time.Sleep(decision.Delay)
			p.requeue(ctx, task)
			return
		}
	}
}

// reserveOnce runs one reservation attempt in its own transaction.
func (p *Pool) reserveOnce(ctx context.Context, identity, code, group string) (*pool.InviteRecord, error) {
	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := p.resv.Reserve(ctx, p.repo.WithTx(tx), identity, code, group)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// handleReconcile triggers a reconciliation pass.
func (p *Pool) handleReconcile(ctx context.Context, task *Task) {
	if p.reconcileFn != nil {
		if err := p.reconcileFn(ctx, task.Reconcile.Group); err != nil {
			p.logger.Warn("reconcile trigger failed", zap.Error(err))
		}
	}
	p.ack(ctx, task)
}

// handleGroup dispatches one group's sub-batch. A group with zero
// aggregate capacity short-circuits straight to the waiting queue; the
// aggregate read is a plain snapshot, the per-team in-lock recheck below
// is the actual safety boundary.
func (p *Pool) handleGroup(ctx context.Context, group string, tasks []*Task) {
	available, err := p.ledger.AggregateAvailable(ctx, group)
	if err != nil {
		p.logger.Error("aggregate capacity read failed", zap.String("group", group), zap.Error(err))
		p.requeueAll(ctx, tasks)
		return
	}
	if available <= 0 {
		for _, task := range tasks {
			p.demoteDispatch(ctx, task, "capacity exhausted")
		}
		return
	}

	caps, err := p.ledger.ListCapacities(ctx, group, true)
	if err != nil {
		p.logger.Error("capacity list failed", zap.String("group", group), zap.Error(err))
		p.requeueAll(ctx, tasks)
		return
	}

	alloc := pool.SequentialFill(tasks, caps)

	teamIDs := make([]int64, 0, len(alloc.Allocated))
	for teamID := range alloc.Allocated {
		teamIDs = append(teamIDs, teamID)
	}
	sort.Slice(teamIDs, func(i, j int) bool { return teamIDs[i] < teamIDs[j] })

	for _, teamID := range teamIDs {
		p.dispatchToTeam(ctx, teamID, alloc.Allocated[teamID])
	}

	for _, task := range alloc.Unallocated {
		p.demoteDispatch(ctx, task, "capacity exhausted")
	}
}

// dispatchToTeam re-acquires the team lock, re-validates capacity and
// sends the admitted subset. The recheck defends against capacity drift
// between allocation time and dispatch time.
func (p *Pool) dispatchToTeam(ctx context.Context, teamID int64, tasks []*Task) {
	var admitted []*Task
	var records []*pool.InviteRecord

	for attempt := 0; ; attempt++ {
		var err error
		admitted, records, err = p.admitUnderLock(ctx, teamID, tasks)
		if err == nil {
			break
		}
		if errors.Is(err, sharederrors.ErrLockConflict) {
			if attempt >= p.cfg.LockRetries {
				for _, task := range tasks {
					p.demoteDispatch(ctx, task, "lock conflict")
				}
				return
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		p.logger.Error("admission failed", zap.Int64("team_id", teamID), zap.Error(err))
		p.requeueAll(ctx, tasks)
		return
	}

	if len(admitted) == 0 {
		return
	}

	p.sendBatch(ctx, teamID, admitted, records)
}

// admitUnderLock locks the team, recounts its capacity and inserts
// reserved records for as many tasks as fit. Tasks beyond the recounted
// capacity are demoted before this returns.
func (p *Pool) admitUnderLock(ctx context.Context, teamID int64, tasks []*Task) ([]*Task, []*pool.InviteRecord, error) {
	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	txRepo := p.repo.WithTx(tx)
	locked, err := txRepo.LockTeams(ctx, []int64{teamID})
	if err != nil {
		return nil, nil, err
	}
	if len(locked) == 0 {
		return nil, nil, pool.ErrTeamNotFound
	}

	c, err := p.ledger.WithRepo(txRepo).Capacity(ctx, locked[0])
	if err != nil {
		return nil, nil, err
	}

	n := c.Available
	if n > len(tasks) {
		n = len(tasks)
	}

	admitted := tasks[:n]
	overflow := tasks[n:]

	records := make([]*pool.InviteRecord, 0, len(admitted))
	for _, task := range admitted {
		rec := newReservedRecord(teamID, task.Dispatch)
		if err := txRepo.CreateInvite(ctx, rec); err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, nil, err
	}

	for _, task := range overflow {
		p.demoteDispatch(ctx, task, "capacity exhausted")
	}
	return admitted, records, nil
}

// sendBatch invites the whole subset with one external call, falling back
// to serial per-task retry when the call fails so one bad identity does
// not fail the batch.
func (p *Pool) sendBatch(ctx context.Context, teamID int64, tasks []*Task, records []*pool.InviteRecord) {
	identities := make([]string, len(tasks))
	for i, task := range tasks {
		identities[i] = task.Dispatch.Identity
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.SoftTimeout)
	results, err := p.client.Invite(callCtx, teamID, identities)
	cancel()

	if err != nil {
		p.logger.Warn("batch invite failed, falling back to serial",
			zap.Int64("team_id", teamID),
			zap.Int("size", len(tasks)),
			zap.Error(err))
		for i, task := range tasks {
			if i > 0 {
				time.Sleep(p.cfg.SerialRetryDelay)
			}
			p.sendSerial(ctx, teamID, task, records[i])
		}
		return
	}

	byIdentity := make(map[string]membership.InviteResult, len(results))
	for _, res := range results {
		byIdentity[res.Identity] = res
	}

	for i, task := range tasks {
		res, ok := byIdentity[task.Dispatch.Identity]
		if ok && res.OK {
			p.markSuccess(ctx, task, records[i])
		} else {
			p.failTerminal(ctx, task, records[i], res.Reason)
		}
	}
}

// sendSerial invites one task on its own, applying the outer retry policy.
func (p *Pool) sendSerial(ctx context.Context, teamID int64, task *Task, rec *pool.InviteRecord) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.SoftTimeout)
	results, err := p.client.Invite(callCtx, teamID, []string{task.Dispatch.Identity})
	cancel()

	if err == nil {
		if len(results) == 1 && results[0].OK {
			p.markSuccess(ctx, task, rec)
		} else {
			reason := ""
			if len(results) == 1 {
				reason = results[0].Reason
			}
			p.failTerminal(ctx, task, rec, reason)
		}
		return
	}

	state := ResumeRetryState(p.cfg.Retry, task.Attempt, p.rollbackFunc(task))
	decision, rbErr := state.Fail(ctx, err)
	if rbErr != nil {
		p.logger.Error("compensating rollback failed",
			zap.String("identity", task.Dispatch.Identity), zap.Error(rbErr))
	}

	if decision.Terminal {
		p.logger.Warn("invite permanently failed",
			zap.String("identity", task.Dispatch.Identity),
			zap.Int("attempts", state.Attempts()),
			zap.Error(err))
		p.finishFailed(ctx, task, rec)
		return
	}

	// Seat released for the retry window: the requeued attempt will
	// re-reserve under the lock.
	if uerr := p.repo.UpdateInviteStatus(ctx, rec.ID, pool.InviteStatusPending); uerr != nil {
		p.logger.Warn("invite status update failed", zap.Error(uerr))
	}

	time.Sleep(decision.Delay)
	p.requeue(ctx, task)
}

// markSuccess records a sent invite and completes any linked waiting task.
func (p *Pool) markSuccess(ctx context.Context, task *Task, rec *pool.InviteRecord) {
	if err := p.repo.UpdateInviteStatus(ctx, rec.ID, pool.InviteStatusSuccess); err != nil {
		p.logger.Warn("invite status update failed", zap.Error(err))
	}
	if task.Dispatch != nil && task.Dispatch.WaitingTaskID != nil {
		if err := p.repo.UpdateWaitingStatus(ctx, *task.Dispatch.WaitingTaskID, pool.WaitingStatusSuccess); err != nil {
			p.logger.Warn("waiting task status update failed", zap.Error(err))
		}
	}
	p.count("success")
	p.ack(ctx, task)
}

// failTerminal records a permanently rejected identity.
func (p *Pool) failTerminal(ctx context.Context, task *Task, rec *pool.InviteRecord, reason string) {
	p.logger.Warn("identity rejected by membership service",
		zap.String("identity", task.Dispatch.Identity),
		zap.String("reason", reason))

	if err := NewRetryState(p.cfg.Retry, p.rollbackFunc(task)).Terminalize(ctx); err != nil {
		p.logger.Error("compensating rollback failed", zap.Error(err))
	}
	p.finishFailed(ctx, task, rec)
}

// finishFailed transitions the record and any linked waiting task to
// failed and acks the queue entry.
func (p *Pool) finishFailed(ctx context.Context, task *Task, rec *pool.InviteRecord) {
	if rec != nil {
		if err := p.repo.UpdateInviteStatus(ctx, rec.ID, pool.InviteStatusFailed); err != nil {
			p.logger.Warn("invite status update failed", zap.Error(err))
		}
	}
	if task.Dispatch != nil && task.Dispatch.WaitingTaskID != nil {
		if err := p.repo.UpdateWaitingStatus(ctx, *task.Dispatch.WaitingTaskID, pool.WaitingStatusFailed); err != nil {
			p.logger.Warn("waiting task status update failed", zap.Error(err))
		}
	}
	p.count("failed")
	p.ack(ctx, task)
}

// rollbackFunc builds the compensating rollback for a task's consumed
// quota.
func (p *Pool) rollbackFunc(task *Task) func(ctx context.Context) error {
	if p.refund == nil {
		return nil
	}

	var key string
	switch {
	case task.Dispatch != nil:
		key = task.Dispatch.BucketKey
	case task.Reserve != nil:
		key = task.Reserve.Code
	}
	if key == "" {
		return nil
	}
	return func(ctx context.Context) error {
		return p.refund.Refund(ctx, key)
	}
}

// demoteDispatch routes a dispatch task to the waiting queue.
func (p *Pool) demoteDispatch(ctx context.Context, task *Task, reason string) {
	d := task.Dispatch
	p.demoteToWaiting(ctx, task, d.Identity, d.Group, d.Code, d.WaitingTaskID, reason)
}

// demoteToWaiting parks a task until capacity frees up. A task promoted
// from the waiting queue reverts to its original row so FIFO order is
// preserved.
func (p *Pool) demoteToWaiting(ctx context.Context, task *Task, identity, group, code string, waitingID *uuid.UUID, reason string) {
	if waitingID != nil {
		if err := p.repo.UpdateWaitingStatus(ctx, *waitingID, pool.WaitingStatusWaiting); err != nil {
			p.logger.Warn("waiting task revert failed", zap.Error(err))
		}
	} else {
		wt := &pool.WaitingTask{
			ID:        uuid.New(),
			Identity:  identity,
			Group:     group,
			Code:      code,
			Status:    pool.WaitingStatusWaiting,
			Reason:    reason,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := p.repo.CreateWaitingTask(ctx, wt); err != nil {
			p.logger.Error("waiting task create failed", zap.Error(err))
			p.requeue(ctx, task)
			return
		}
	}

	p.logger.Debug("task demoted to waiting queue",
		zap.String("identity", identity),
		zap.String("reason", reason))
	p.count("waiting")
	p.ack(ctx, task)
}

func (p *Pool) requeueAll(ctx context.Context, tasks []*Task) {
	for _, task := range tasks {
		p.requeue(ctx, task)
	}
}

func (p *Pool) requeue(ctx context.Context, task *Task) {
	if err := p.queue.Requeue(ctx, task); err != nil {
		p.logger.Error("requeue failed", zap.String("task_id", task.ID.String()), zap.Error(err))
		return
	}
	p.count("requeued")
}

func (p *Pool) ack(ctx context.Context, task *Task) {
	if err := p.queue.Ack(ctx, task); err != nil {
		p.logger.Warn("ack failed", zap.String("task_id", task.ID.String()), zap.Error(err))
	}
}

func (p *Pool) count(outcome string) {
	if p.metrics != nil {
		p.metrics.DispatchTotal.WithLabelValues(outcome).Inc()
	}
}

// observeDepth keeps the queue depth gauges current.
func (p *Pool) observeDepth() {
	defer p.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.metrics == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			queued, inflight, err := p.queue.Depth(ctx)
			cancel()
			if err != nil {
				continue
			}
			p.metrics.QueueDepth.WithLabelValues("main").Set(float64(queued))
			p.metrics.QueueDepth.WithLabelValues("processing").Set(float64(inflight))
		}
	}
}

// newReservedRecord builds the reserved record inserted under the team
// lock.
func newReservedRecord(teamID int64, d *DispatchPayload) *pool.InviteRecord {
	return &pool.InviteRecord{
		ID:        uuid.New(),
		TeamID:    teamID,
		Identity:  d.Identity,
		Status:    pool.InviteStatusReserved,
		Code:      d.Code,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}
