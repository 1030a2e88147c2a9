package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNoTransactions is returned by the memory repository for transactional
// operations it cannot honor.
var ErrNoTransactions = errors.New("memory repository does not support transactions")

// MemoryRepository is an in-memory Repository for single-node use and
// tests. It has no real row locks and no transactions; callers needing
// either use the database-backed repository.
type MemoryRepository struct {
	mu        sync.RWMutex
	teams     map[int64]*Team
	confirmed map[int64]map[string]struct{}
	invites   map[uuid.UUID]*InviteRecord
	waiting   map[uuid.UUID]*WaitingTask
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		teams:     make(map[int64]*Team),
		confirmed: make(map[int64]map[string]struct{}),
		invites:   make(map[uuid.UUID]*InviteRecord),
		waiting:   make(map[uuid.UUID]*WaitingTask),
	}
}

// AddTeam registers a team.
func (r *MemoryRepository) AddTeam(team *Team) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *team
	r.teams[team.ID] = &cp
}

// AddConfirmed registers a confirmed member on a team.
func (r *MemoryRepository) AddConfirmed(teamID int64, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.confirmed[teamID] == nil {
		r.confirmed[teamID] = make(map[string]struct{})
	}
	r.confirmed[teamID][identity] = struct{}{}
}

func (r *MemoryRepository) ListTeams(_ context.Context, group string, healthyOnly bool) ([]*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var teams []*Team
	for _, team := range r.teams {
		if group != "" && team.Group != group {
			continue
		}
		if healthyOnly && !team.IsHealthy() {
			continue
		}
		cp := *team
		teams = append(teams, &cp)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams, nil
}

func (r *MemoryRepository) GetTeam(_ context.Context, id int64) (*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	team, ok := r.teams[id]
	if !ok {
		return nil, ErrTeamNotFound
	}
	cp := *team
	return &cp, nil
}

func (r *MemoryRepository) LockTeams(_ context.Context, ids []int64) ([]*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var teams []*Team
	for _, id := range sorted {
		if team, ok := r.teams[id]; ok {
			cp := *team
			teams = append(teams, &cp)
		}
	}
	return teams, nil
}

func (r *MemoryRepository) ConfirmedIdentities(_ context.Context, teamID int64) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]string, 0, len(r.confirmed[teamID]))
	for identity := range r.confirmed[teamID] {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities, nil
}

func (r *MemoryRepository) PendingIdentities(_ context.Context, teamID int64, since time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range r.invites {
		if rec.TeamID != teamID || !rec.CountsAgainstCapacity() || rec.CreatedAt.Before(since) {
			continue
		}
		seen[rec.Identity] = struct{}{}
	}

	identities := make([]string, 0, len(seen))
	for identity := range seen {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities, nil
}

func (r *MemoryRepository) CreateInvite(_ context.Context, rec *InviteRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.invites[rec.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetInvite(_ context.Context, id uuid.UUID) (*InviteRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.invites[id]
	if !ok {
		return nil, ErrInviteNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRepository) UpdateInviteStatus(_ context.Context, id uuid.UUID, status InviteStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.invites[id]
	if !ok {
		return ErrInviteNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) FindActiveInvite(_ context.Context, identity string, since time.Time) (*InviteRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *InviteRecord
	for _, rec := range r.invites {
		if rec.Identity != identity || !rec.CountsAgainstCapacity() || rec.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRepository) CountInvitesByStatus(_ context.Context) (map[InviteStatus]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[InviteStatus]int64)
	for _, rec := range r.invites {
		counts[rec.Status]++
	}
	return counts, nil
}

func (r *MemoryRepository) CreateWaitingTask(_ context.Context, task *WaitingTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *task
	r.waiting[task.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetWaitingTask(_ context.Context, id uuid.UUID) (*WaitingTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.waiting[id]
	if !ok {
		return nil, ErrWaitingTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (r *MemoryRepository) ListWaitingFIFO(_ context.Context, group string, limit int) ([]*WaitingTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var tasks []*WaitingTask
	for _, task := range r.waiting {
		if task.Status != WaitingStatusWaiting {
			continue
		}
		if group != "" && task.Group != group {
			continue
		}
		cp := *task
		tasks = append(tasks, &cp)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID.String() < tasks[j].ID.String()
	})

	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (r *MemoryRepository) UpdateWaitingStatus(_ context.Context, id uuid.UUID, status WaitingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.waiting[id]
	if !ok {
		return ErrWaitingTaskNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) IncrementWaitingRetry(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.waiting[id]
	if !ok {
		return ErrWaitingTaskNotFound
	}
	task.RetryCount++
	return nil
}

func (r *MemoryRepository) CountWaitingByStatus(_ context.Context) (map[WaitingStatus]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[WaitingStatus]int64)
	for _, task := range r.waiting {
		counts[task.Status]++
	}
	return counts, nil
}

func (r *MemoryRepository) WithTx(_ *gorm.DB) Repository {
	return r
}

func (r *MemoryRepository) BeginTx(context.Context) (*gorm.DB, error) {
	return nil, ErrNoTransactions
}

var _ Repository = (*MemoryRepository)(nil)
