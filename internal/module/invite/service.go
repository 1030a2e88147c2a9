// Package invite is the entry surface of the capacity core: it throttles,
// meters and routes invite submissions into the synchronous reservation
// path or the dispatch queue.
package invite

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/seatpool/server/internal/module/dispatch"
	"github.com/seatpool/server/internal/module/membership"
	"github.com/seatpool/server/internal/module/pool"
	"github.com/seatpool/server/internal/module/throttle"
	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"github.com/seatpool/server/internal/utils/metrics"
	"go.uber.org/zap"
)

// ErrThrottled is returned when a submission is rejected by load shedding
// or by the concurrency bound.
var ErrThrottled = errors.New("request throttled")

// shedKey meters codeless submissions under one shared local limiter.
const shedKey = "invite"

// Config holds invite service configuration.
type Config struct {
	LockRetries    int
	LockRetryDelay time.Duration
	SendTimeout    time.Duration
}

// DefaultConfig returns the default invite service configuration.
func DefaultConfig() Config {
	return Config{
		LockRetries:    3,
		LockRetryDelay: 50 * time.Millisecond,
		SendTimeout:    30 * time.Second,
	}
}

// Service routes invite submissions. The asynchronous path consumes quota
// and enqueues; the synchronous path additionally holds a semaphore slot,
// claims the seat in one transaction and sends the invite inline.
type Service struct {
	repo      pool.Repository
	ledger    *pool.Ledger
	resv      *pool.Coordinator
	queue     dispatch.Queue
	semaphore *throttle.Semaphore
	bucket    *throttle.TokenBucket
	client    membership.Client
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       Config
}

// NewService creates a new invite service.
func NewService(repo pool.Repository, ledger *pool.Ledger, resv *pool.Coordinator,
	queue dispatch.Queue, sem *throttle.Semaphore, bucket *throttle.TokenBucket,
	client membership.Client, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Service {
	if cfg.LockRetries <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:      repo,
		ledger:    ledger,
		resv:      resv,
		queue:     queue,
		semaphore: sem,
		bucket:    bucket,
		client:    client,
		metrics:   m,
		logger:    logger.Named("invite"),
		cfg:       cfg,
	}
}

// Submit routes one invite request through throttling into the requested
// path.
func (s *Service) Submit(ctx context.Context, req *InviteRequest) (*InviteResponse, error) {
	if !s.allowShed(req) {
		s.countThrottle("shed")
		return nil, ErrThrottled
	}

	if req.Sync {
		return s.reserveSync(ctx, req)
	}
	return s.enqueue(ctx, req)
}

// enqueue is the asynchronous path: consume quota, push a reserve task.
func (s *Service) enqueue(ctx context.Context, req *InviteRequest) (*InviteResponse, error) {
	if err := s.consumeQuota(ctx, req.Code); err != nil {
		return nil, err
	}

	task := dispatch.NewReserveTask(dispatch.ReservePayload{
		Identity: req.Identity,
		Code:     req.Code,
		Group:    req.Group,
	})
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.refundQuota(ctx, req.Code)
		return nil, err
	}

	s.logger.Debug("invite queued",
		zap.String("identity", req.Identity),
		zap.String("group", req.Group))
	return &InviteResponse{Status: StatusQueued}, nil
}

// reserveSync is the synchronous path: bounded-concurrency seat claim plus
// inline send.
func (s *Service) reserveSync(ctx context.Context, req *InviteRequest) (*InviteResponse, error) {
	release, err := s.semaphore.Acquire(ctx)
	if err != nil {
		if errors.Is(err, throttle.ErrSemaphoreTimeout) {
			s.countThrottle("semaphore")
			return nil, ErrThrottled
		}
		return nil, err
	}
	defer release()

	if err := s.consumeQuota(ctx, req.Code); err != nil {
		return nil, err
	}

	rec, err := s.reserveWithRetry(ctx, req)
	switch {
	case err == nil:
		s.countReservation("reserved")
		return s.sendInline(ctx, req, rec)

	case errors.Is(err, pool.ErrNoSeatAvailable):
		s.countReservation("exhausted")
		return s.park(ctx, req, "capacity exhausted")

	case errors.Is(err, sharederrors.ErrLockConflict):
		s.countReservation("lock_conflict")
		return s.park(ctx, req, "lock conflict")

	default:
		s.countReservation("error")
		s.refundQuota(ctx, req.Code)
		return nil, err
	}
}

// reserveWithRetry claims a seat, retrying a bounded number of times on
// lock conflicts before giving up.
func (s *Service) reserveWithRetry(ctx context.Context, req *InviteRequest) (*pool.InviteRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.LockRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.LockRetryDelay):
			}
		}

		rec, err := s.reserveOnce(ctx, req)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, sharederrors.ErrLockConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) reserveOnce(ctx context.Context, req *InviteRequest) (*pool.InviteRecord, error) {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := s.resv.Reserve(ctx, s.repo.WithTx(tx), req.Identity, req.Code, req.Group)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// sendInline calls the membership service for the freshly reserved seat.
// A transient failure hands the invite to the asynchronous machinery
// instead of failing the caller; the seat is released for the retry
// window and re-claimed on redelivery.
func (s *Service) sendInline(ctx context.Context, req *InviteRequest, rec *pool.InviteRecord) (*InviteResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	results, err := s.client.Invite(callCtx, rec.TeamID, []string{req.Identity})
	cancel()

	if err == nil && len(results) == 1 && results[0].OK {
		if uerr := s.repo.UpdateInviteStatus(ctx, rec.ID, pool.InviteStatusSuccess); uerr != nil {
			s.logger.Warn("invite status update failed", zap.Error(uerr))
		}
		return &InviteResponse{Status: StatusInvited, TeamID: rec.TeamID, RecordID: &rec.ID}, nil
	}

	if err == nil || sharederrors.IsTerminal(err) {
		reason := ""
		if err != nil {
			reason = err.Error()
		} else if len(results) == 1 {
			reason = results[0].Reason
		}
		if uerr := s.repo.UpdateInviteStatus(ctx, rec.ID, pool.InviteStatusFailed); uerr != nil {
			s.logger.Warn("invite status update failed", zap.Error(uerr))
		}
		s.refundQuota(ctx, req.Code)
		return &InviteResponse{Status: StatusFailed, TeamID: rec.TeamID, RecordID: &rec.ID, Reason: reason}, nil
	}

	if uerr := s.repo.UpdateInviteStatus(ctx, rec.ID, pool.InviteStatusPending); uerr != nil {
		s.logger.Warn("invite status update failed", zap.Error(uerr))
	}

	task := dispatch.NewReserveTask(dispatch.ReservePayload{
		Identity: req.Identity,
		Code:     req.Code,
		Group:    req.Group,
	})
	if qerr := s.queue.Enqueue(ctx, task); qerr != nil {
		s.logger.Error("handoff to queue failed", zap.Error(qerr))
		s.refundQuota(ctx, req.Code)
		return nil, qerr
	}

	s.logger.Warn("inline send failed, invite requeued",
		zap.String("identity", req.Identity), zap.Error(err))
	return &InviteResponse{Status: StatusQueued, TeamID: rec.TeamID, RecordID: &rec.ID}, nil
}

// park defers the request to the waiting queue.
func (s *Service) park(ctx context.Context, req *InviteRequest, reason string) (*InviteResponse, error) {
	wt := &pool.WaitingTask{
		ID:        uuid.New(),
		Identity:  req.Identity,
		Group:     req.Group,
		Code:      req.Code,
		Status:    pool.WaitingStatusWaiting,
		Reason:    reason,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.repo.CreateWaitingTask(ctx, wt); err != nil {
		s.refundQuota(ctx, req.Code)
		return nil, err
	}

	s.logger.Info("invite parked",
		zap.String("identity", req.Identity),
		zap.String("reason", reason))
	return &InviteResponse{Status: StatusWaiting, WaitingTaskID: &wt.ID, Reason: reason}, nil
}

// Capacity returns the ledger view of a group, or of all teams when group
// is empty.
func (s *Service) Capacity(ctx context.Context, group string) (*CapacityResponse, error) {
	teams, err := s.ledger.ListCapacities(ctx, group, false)
	if err != nil {
		return nil, err
	}
	agg, err := s.ledger.AggregateCapacity(ctx, group)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SeatsAvailable.WithLabelValues(group).Set(float64(agg.Available))
	}
	return &CapacityResponse{Aggregate: agg, Teams: teams}, nil
}

// QueueStats reports dispatch queue depth and backlog counts.
func (s *Service) QueueStats(ctx context.Context) (*QueueStatsResponse, error) {
	queued, inflight, err := s.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	waiting, err := s.repo.CountWaitingByStatus(ctx)
	if err != nil {
		return nil, err
	}
	invites, err := s.repo.CountInvitesByStatus(ctx)
	if err != nil {
		return nil, err
	}

	return &QueueStatsResponse{
		Queued:   queued,
		Inflight: inflight,
		Waiting:  waiting,
		Invites:  invites,
	}, nil
}

// Remove takes an identity off its team and returns the consumed quota
// use, so a revoked invite does not burn a code use forever.
func (s *Service) Remove(ctx context.Context, identity string) (*RemoveResponse, error) {
	rec, err := s.repo.FindActiveInvite(ctx, identity, time.Time{})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, pool.ErrInviteNotFound
	}

	removed, err := s.client.Remove(ctx, rec.TeamID, identity)
	if err != nil {
		return nil, err
	}
	if !removed {
		// Identity was never on the team upstream; the record and the
		// consumed use stay as they are.
		s.logger.Warn("membership service reported no removal",
			zap.Int64("team_id", rec.TeamID),
			zap.String("identity", identity))
		return &RemoveResponse{Removed: false}, nil
	}

	if err := s.repo.UpdateInviteStatus(ctx, rec.ID, pool.InviteStatusRemoved); err != nil {
		s.logger.Warn("invite status update failed", zap.Error(err))
	}
	s.refundQuota(ctx, rec.Code)

	s.logger.Info("member removed",
		zap.Int64("team_id", rec.TeamID),
		zap.String("identity", identity))
	return &RemoveResponse{Removed: removed}, nil
}

// TriggerReconcile enqueues a reconciliation trigger for the group.
func (s *Service) TriggerReconcile(ctx context.Context, group string) error {
	return s.queue.Enqueue(ctx, dispatch.NewReconcileTask(group))
}

func (s *Service) allowShed(req *InviteRequest) bool {
	if s.bucket == nil {
		return true
	}
	key := req.Code
	if key == "" {
		key = shedKey
	}
	return s.bucket.AllowCheck(key)
}

// consumeQuota spends one use of the code, when one is attached.
func (s *Service) consumeQuota(ctx context.Context, code string) error {
	if code == "" || s.bucket == nil {
		return nil
	}
	if err := s.bucket.Consume(ctx, code); err != nil {
		if errors.Is(err, throttle.ErrUsesExhausted) {
			s.countThrottle("bucket")
		}
		return err
	}
	return nil
}

func (s *Service) refundQuota(ctx context.Context, code string) {
	if code == "" || s.bucket == nil {
		return
	}
	if err := s.bucket.Refund(ctx, code); err != nil {
		s.logger.Warn("quota refund failed", zap.String("code", code), zap.Error(err))
	}
}

func (s *Service) countThrottle(kind string) {
	if s.metrics != nil {
		s.metrics.ThrottleRejections.WithLabelValues(kind).Inc()
	}
}

func (s *Service) countReservation(outcome string) {
	if s.metrics != nil {
		s.metrics.ReservationsTotal.WithLabelValues(outcome).Inc()
	}
}
