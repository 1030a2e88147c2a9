package pool

import (
	"context"
	"sort"
	"time"
)

// Ledger computes per-team and aggregate available capacity from persisted
// state. An invite holds a seat only while it is reserved or successful and
// younger than the pending window; stale invites stop reserving capacity
// but remain historical records. The window is the trade-off between
// overbooking risk and capacity starved by abandoned invitations.
type Ledger struct {
	repo   Repository
	window time.Duration
}

// NewLedger creates a new capacity ledger.
func NewLedger(repo Repository, window time.Duration) *Ledger {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Ledger{repo: repo, window: window}
}

// WithRepo returns a ledger bound to another repository, typically one
// scoped to an open transaction so the recount observes locked rows.
func (l *Ledger) WithRepo(repo Repository) *Ledger {
	return &Ledger{repo: repo, window: l.window}
}

// Window returns the pending lookback window.
func (l *Ledger) Window() time.Duration {
	return l.window
}

// Capacity computes the ledger view of one team.
func (l *Ledger) Capacity(ctx context.Context, team *Team) (*Capacity, error) {
	confirmed, err := l.repo.ConfirmedIdentities(ctx, team.ID)
	if err != nil {
		return nil, err
	}

	since := time.Now().Add(-l.window)
	pending, err := l.repo.PendingIdentities(ctx, team.ID, since)
	if err != nil {
		return nil, err
	}

	confirmedSet := make(map[string]struct{}, len(confirmed))
	for _, identity := range confirmed {
		confirmedSet[identity] = struct{}{}
	}

	// An identity that already accepted does not reserve a second seat.
	pendingCount := 0
	for _, identity := range pending {
		if _, ok := confirmedSet[identity]; !ok {
			pendingCount++
		}
	}

	available := team.Capacity - len(confirmed) - pendingCount
	if available < 0 {
		available = 0
	}

	return &Capacity{
		TeamID:    team.ID,
		Group:     team.Group,
		Capacity:  team.Capacity,
		Confirmed: len(confirmed),
		Pending:   pendingCount,
		Available: available,
	}, nil
}

// ListCapacities computes capacities for all matching teams, sorted so that
// teams with an open seat come first, each block ascending by team id.
// Low-id teams are always the preferred fill targets: placement stays
// predictable and debuggable at the cost of perfectly even load.
func (l *Ledger) ListCapacities(ctx context.Context, group string, healthyOnly bool) ([]*Capacity, error) {
	teams, err := l.repo.ListTeams(ctx, group, healthyOnly)
	if err != nil {
		return nil, err
	}

	caps := make([]*Capacity, 0, len(teams))
	for _, team := range teams {
		c, err := l.Capacity(ctx, team)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}

	sort.SliceStable(caps, func(i, j int) bool {
		fullI, fullJ := caps[i].Available <= 0, caps[j].Available <= 0
		if fullI != fullJ {
			return !fullI
		}
		return caps[i].TeamID < caps[j].TeamID
	})

	return caps, nil
}

// AggregateAvailable sums available seats across all matching teams.
func (l *Ledger) AggregateAvailable(ctx context.Context, group string) (int, error) {
	caps, err := l.ListCapacities(ctx, group, true)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, c := range caps {
		total += c.Available
	}
	return total, nil
}

// AggregateCapacity sums the full ledger view across all matching teams.
func (l *Ledger) AggregateCapacity(ctx context.Context, group string) (*Capacity, error) {
	caps, err := l.ListCapacities(ctx, group, true)
	if err != nil {
		return nil, err
	}

	agg := &Capacity{Group: group}
	for _, c := range caps {
		agg.Capacity += c.Capacity
		agg.Confirmed += c.Confirmed
		agg.Pending += c.Pending
		agg.Available += c.Available
	}
	return agg, nil
}
