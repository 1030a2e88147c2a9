package pool

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Coordinator performs the atomic "claim one seat" operation:
//
//	CANDIDATE_LOCK -> CAPACITY_RECHECK -> RESERVE | REJECT
//
// Candidate teams are locked in ascending-id order, capacity is recomputed
// inside the lock, and the reserved record is flushed into the caller's
// transaction without committing it. The in-lock recount is what closes the
// overbooking race between "read capacity" and "write reservation"; a
// pre-lock snapshot must never be trusted.
type Coordinator struct {
	ledger *Ledger
	logger *zap.Logger
}

// NewCoordinator creates a new reservation coordinator.
func NewCoordinator(ledger *Ledger, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{ledger: ledger, logger: logger}
}

// Reserve claims one seat for identity inside the caller's transaction.
// txRepo must be bound to an open transaction; the caller owns commit and
// rollback. Returns ErrNoSeatAvailable when every candidate is full and
// errors.ErrLockConflict when a concurrent holder blocks the row locks.
func (c *Coordinator) Reserve(ctx context.Context, txRepo Repository, identity, code, group string) (*InviteRecord, error) {
	candidates, err := txRepo.ListTeams(ctx, group, true)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoSeatAvailable
	}

	ids := make([]int64, len(candidates))
	for i, team := range candidates {
		ids[i] = team.ID
	}

	locked, err := txRepo.LockTeams(ctx, ids)
	if err != nil {
		return nil, err
	}

	ledger := c.ledger.WithRepo(txRepo)
	for _, team := range locked {
		cap, err := ledger.Capacity(ctx, team)
		if err != nil {
			return nil, err
		}
		if !cap.HasSeat() {
			continue
		}

		rec, err := c.buildRecord(ctx, txRepo, team.ID, identity, code)
		if err != nil {
			return nil, err
		}
		if err := txRepo.CreateInvite(ctx, rec); err != nil {
			return nil, err
		}

		c.logger.Debug("seat reserved",
			zap.Int64("team_id", team.ID),
			zap.String("identity", identity),
			zap.Bool("rebind", rec.Rebind))
		return rec, nil
	}

	return nil, ErrNoSeatAvailable
}

// buildRecord assembles the reserved invite record. The rebind flag marks
// records that supersede a stale invite for the same identity.
func (c *Coordinator) buildRecord(ctx context.Context, txRepo Repository, teamID int64, identity, code string) (*InviteRecord, error) {
	rebind := false
	prior, err := txRepo.FindActiveInvite(ctx, identity, time.Time{})
	if err != nil {
		return nil, err
	}
	if prior != nil && time.Since(prior.CreatedAt) > c.ledger.Window() {
		rebind = true
	}

	return &InviteRecord{
		ID:        uuid.New(),
		TeamID:    teamID,
		Identity:  identity,
		Status:    InviteStatusReserved,
		Code:      code,
		Rebind:    rebind,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}, nil
}
