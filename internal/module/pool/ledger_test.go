package pool

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addInvite(t *testing.T, repo *MemoryRepository, teamID int64, identity string, status InviteStatus, age time.Duration) {
	t.Helper()
	err := repo.CreateInvite(context.Background(), &InviteRecord{
		ID:        uuid.New(),
		TeamID:    teamID,
		Identity:  identity,
		Status:    status,
		CreatedAt: time.Now().Add(-age),
	})
	require.NoError(t, err)
}

func TestLedgerCountsReservedAndSuccess(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 5, Health: TeamHealthy})
	repo.AddConfirmed(1, "alice")

	addInvite(t, repo, 1, "bob", InviteStatusReserved, time.Hour)
	addInvite(t, repo, 1, "carol", InviteStatusSuccess, time.Hour)
	addInvite(t, repo, 1, "dave", InviteStatusFailed, time.Hour)
	addInvite(t, repo, 1, "erin", InviteStatusRemoved, time.Hour)

	ledger := NewLedger(repo, 24*time.Hour)
	team, err := repo.GetTeam(context.Background(), 1)
	require.NoError(t, err)

	c, err := ledger.Capacity(context.Background(), team)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Confirmed)
	assert.Equal(t, 2, c.Pending, "only reserved and success hold seats")
	assert.Equal(t, 2, c.Available)
}

func TestLedgerExpiresStaleInvites(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 2, Health: TeamHealthy})

	addInvite(t, repo, 1, "fresh", InviteStatusReserved, time.Hour)
	addInvite(t, repo, 1, "stale", InviteStatusReserved, 25*time.Hour)

	ledger := NewLedger(repo, 24*time.Hour)
	team, err := repo.GetTeam(context.Background(), 1)
	require.NoError(t, err)

	c, err := ledger.Capacity(context.Background(), team)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending, "invites older than the window stop reserving seats")
	assert.Equal(t, 1, c.Available)
}

func TestLedgerConfirmedIdentityDoesNotDoubleCount(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 2, Health: TeamHealthy})
	repo.AddConfirmed(1, "alice")

	// Alice accepted; her invite record must not reserve a second seat.
	addInvite(t, repo, 1, "alice", InviteStatusSuccess, time.Hour)

	ledger := NewLedger(repo, 24*time.Hour)
	team, err := repo.GetTeam(context.Background(), 1)
	require.NoError(t, err)

	c, err := ledger.Capacity(context.Background(), team)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Confirmed)
	assert.Equal(t, 0, c.Pending)
	assert.Equal(t, 1, c.Available)
}

func TestLedgerAvailableNeverNegative(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 1, Health: TeamHealthy})
	repo.AddConfirmed(1, "alice")
	repo.AddConfirmed(1, "bob")

	ledger := NewLedger(repo, 24*time.Hour)
	team, err := repo.GetTeam(context.Background(), 1)
	require.NoError(t, err)

	c, err := ledger.Capacity(context.Background(), team)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Available)
	assert.False(t, c.HasSeat())
}

func TestListCapacitiesOrdersOpenTeamsFirst(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 1, Health: TeamHealthy})
	repo.AddTeam(&Team{ID: 2, Capacity: 3, Health: TeamHealthy})
	repo.AddTeam(&Team{ID: 3, Capacity: 2, Health: TeamHealthy})
	repo.AddConfirmed(1, "alice") // team 1 full

	ledger := NewLedger(repo, 24*time.Hour)
	caps, err := ledger.ListCapacities(context.Background(), "", true)
	require.NoError(t, err)
	require.Len(t, caps, 3)

	assert.Equal(t, int64(2), caps[0].TeamID)
	assert.Equal(t, int64(3), caps[1].TeamID)
	assert.Equal(t, int64(1), caps[2].TeamID, "full team sorts last")
}

func TestListCapacitiesSkipsUnhealthyTeams(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 5, Health: TeamHealthy})
	repo.AddTeam(&Team{ID: 2, Capacity: 5, Health: TeamUnhealthy})

	ledger := NewLedger(repo, 24*time.Hour)

	caps, err := ledger.ListCapacities(context.Background(), "", true)
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, int64(1), caps[0].TeamID)

	available, err := ledger.AggregateAvailable(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, available)
}

func TestAllocationAvoidsFullTeam(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 5, Health: TeamHealthy})
	repo.AddTeam(&Team{ID: 2, Capacity: 5, Health: TeamHealthy})
	for _, identity := range []string{"m1", "m2", "m3", "m4", "m5"} {
		repo.AddConfirmed(1, identity) // team 1 full
	}

	ledger := NewLedger(repo, 24*time.Hour)
	caps, err := ledger.ListCapacities(context.Background(), "", true)
	require.NoError(t, err)

	alloc := SequentialFill([]string{"new1", "new2", "new3"}, caps)
	assert.NotContains(t, alloc.Allocated, int64(1))
	assert.Len(t, alloc.Allocated[2], 3, "every new identity lands on the open team")
	assert.Empty(t, alloc.Unallocated)
}

func TestAggregateCapacityScopedToGroup(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddTeam(&Team{ID: 1, Capacity: 2, Health: TeamHealthy, Group: "pro"})
	repo.AddTeam(&Team{ID: 2, Capacity: 3, Health: TeamHealthy, Group: "basic"})

	ledger := NewLedger(repo, 24*time.Hour)

	agg, err := ledger.AggregateCapacity(context.Background(), "pro")
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Capacity)
	assert.Equal(t, 2, agg.Available)
}
