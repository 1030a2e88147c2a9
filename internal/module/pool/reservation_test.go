package pool

import (
	"context"
	"testing"
	"time"

	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(repo Repository) *Coordinator {
	return NewCoordinator(NewLedger(repo, 24*time.Hour), nil)
}

func TestReservePicksLowestTeamWithSeat(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 1, Health: TeamHealthy})
	repo.AddTeam(&Team{ID: 2, Capacity: 1, Health: TeamHealthy})
	repo.AddConfirmed(1, "alice") // team 1 full

	resv := newTestCoordinator(repo)
	rec, err := resv.Reserve(context.Background(), repo, "bob", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.TeamID)
	assert.Equal(t, InviteStatusReserved, rec.Status)
}

func TestReserveRecountPreventsOverbooking(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 1, Health: TeamHealthy})

	resv := newTestCoordinator(repo)

	_, err := resv.Reserve(context.Background(), repo, "first", "", "")
	require.NoError(t, err)

	// The first reservation is visible to the recount, so the second
	// claim on the same single seat must lose.
	_, err = resv.Reserve(context.Background(), repo, "second", "", "")
	assert.ErrorIs(t, err, ErrNoSeatAvailable)
}

func TestReserveExhaustedWhenNoCandidates(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 3, Health: TeamUnhealthy})

	resv := newTestCoordinator(repo)
	_, err := resv.Reserve(context.Background(), repo, "bob", "", "")
	assert.ErrorIs(t, err, ErrNoSeatAvailable, "unhealthy teams are not candidates")
}

func TestReserveSetsRebindForStaleInvite(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 2, Health: TeamHealthy})
	addInvite(t, repo, 1, "bob", InviteStatusSuccess, 30*time.Hour)

	resv := newTestCoordinator(repo)
	rec, err := resv.Reserve(context.Background(), repo, "bob", "", "")
	require.NoError(t, err)
	assert.True(t, rec.Rebind, "a fresh invite superseding a stale one is a rebind")
}

func TestReserveNoRebindForFreshIdentity(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 2, Health: TeamHealthy})

	resv := newTestCoordinator(repo)
	rec, err := resv.Reserve(context.Background(), repo, "bob", "", "")
	require.NoError(t, err)
	assert.False(t, rec.Rebind)
}

// lockConflictRepo simulates a concurrent lock holder.
type lockConflictRepo struct {
	*MemoryRepository
	conflicts int
}

func (r *lockConflictRepo) LockTeams(ctx context.Context, ids []int64) ([]*Team, error) {
	if r.conflicts > 0 {
		r.conflicts--
		return nil, sharederrors.ErrLockConflict
	}
	return r.MemoryRepository.LockTeams(ctx, ids)
}

func TestReserveSurfacesLockConflict(t *testing.T) {
	inner := NewMemoryRepository()
	inner.AddTeam(&Team{ID: 1, Capacity: 1, Health: TeamHealthy})
	repo := &lockConflictRepo{MemoryRepository: inner, conflicts: 1}

	resv := newTestCoordinator(repo)

	_, err := resv.Reserve(context.Background(), repo, "bob", "", "")
	assert.ErrorIs(t, err, sharederrors.ErrLockConflict)

	// The conflict cleared; the retry succeeds.
	rec, err := resv.Reserve(context.Background(), repo, "bob", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.TeamID)
}
