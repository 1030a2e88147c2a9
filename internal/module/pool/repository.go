package pool

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	sharederrors "github.com/seatpool/server/internal/shared/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// pgLockNotAvailable is the postgres error code raised by FOR UPDATE NOWAIT
// when another transaction holds the row lock.
const pgLockNotAvailable = "55P03"

// Repository defines the interface for capacity-core data access.
type Repository interface {
	// Team reads (teams are owned by an administrative collaborator)
	ListTeams(ctx context.Context, group string, healthyOnly bool) ([]*Team, error)
	GetTeam(ctx context.Context, id int64) (*Team, error)
	// LockTeams acquires row locks on the given teams in ascending-id
	// order and returns them. Returns shared errors.ErrLockConflict when a
	// concurrent holder blocks the lock.
	LockTeams(ctx context.Context, ids []int64) ([]*Team, error)

	// Ledger inputs
	ConfirmedIdentities(ctx context.Context, teamID int64) ([]string, error)
	PendingIdentities(ctx context.Context, teamID int64, since time.Time) ([]string, error)

	// Invite records
	CreateInvite(ctx context.Context, rec *InviteRecord) error
	GetInvite(ctx context.Context, id uuid.UUID) (*InviteRecord, error)
	UpdateInviteStatus(ctx context.Context, id uuid.UUID, status InviteStatus) error
	FindActiveInvite(ctx context.Context, identity string, since time.Time) (*InviteRecord, error)
	CountInvitesByStatus(ctx context.Context) (map[InviteStatus]int64, error)

	// Waiting tasks
	CreateWaitingTask(ctx context.Context, task *WaitingTask) error
	GetWaitingTask(ctx context.Context, id uuid.UUID) (*WaitingTask, error)
	ListWaitingFIFO(ctx context.Context, group string, limit int) ([]*WaitingTask, error)
	UpdateWaitingStatus(ctx context.Context, id uuid.UUID, status WaitingStatus) error
	IncrementWaitingRetry(ctx context.Context, id uuid.UUID) error
	CountWaitingByStatus(ctx context.Context) (map[WaitingStatus]int64, error)

	// Transaction support
	WithTx(tx *gorm.DB) Repository
	BeginTx(ctx context.Context) (*gorm.DB, error)
}

// repository implements Repository using GORM.
type repository struct {
	db *gorm.DB
}

// NewRepository creates a new pool repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// WithTx returns a new repository bound to the given transaction.
func (r *repository) WithTx(tx *gorm.DB) Repository {
	return &repository{db: tx}
}

// BeginTx starts a new transaction.
func (r *repository) BeginTx(ctx context.Context) (*gorm.DB, error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return tx, nil
}

// ListTeams lists teams ordered ascending by id.
func (r *repository) ListTeams(ctx context.Context, group string, healthyOnly bool) ([]*Team, error) {
	query := r.db.WithContext(ctx)
	if group != "" {
		query = query.Where("group_name = ?", group)
	}
	if healthyOnly {
		query = query.Where("health = ?", TeamHealthy)
	}

	var teams []*Team
	if err := query.Order("id ASC").Find(&teams).Error; err != nil {
		return nil, err
	}
	return teams, nil
}

// GetTeam retrieves a team by ID.
func (r *repository) GetTeam(ctx context.Context, id int64) (*Team, error) {
	var team Team
	err := r.db.WithContext(ctx).First(&team, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}
	return &team, nil
}

// LockTeams locks team rows FOR UPDATE NOWAIT in ascending-id order.
// Ascending order is load-bearing: every writer locks in the same order,
// which prevents deadlock between concurrent reservation attempts.
func (r *repository) LockTeams(ctx context.Context, ids []int64) ([]*Team, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var teams []*Team
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"}).
		Where("id IN ?", sorted).
		Order("id ASC").
		Find(&teams).Error
	if err != nil {
		if isLockConflict(err) {
			return nil, sharederrors.ErrLockConflict
		}
		return nil, err
	}
	return teams, nil
}

// isLockConflict reports whether err is a postgres lock_not_available error.
func isLockConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}

// ConfirmedIdentities lists identities externally confirmed on a team.
func (r *repository) ConfirmedIdentities(ctx context.Context, teamID int64) ([]string, error) {
	var identities []string
	err := r.db.WithContext(ctx).
		Model(&ConfirmedMember{}).
		Where("team_id = ?", teamID).
		Pluck("identity", &identities).Error
	if err != nil {
		return nil, err
	}
	return identities, nil
}

// PendingIdentities lists distinct identities holding a seat-reserving
// invite (reserved or success) created at or after the window start.
func (r *repository) PendingIdentities(ctx context.Context, teamID int64, since time.Time) ([]string, error) {
	var identities []string
	err := r.db.WithContext(ctx).
		Model(&InviteRecord{}).
		Distinct("identity").
		Where("team_id = ? AND status IN ? AND created_at >= ?",
			teamID, []InviteStatus{InviteStatusReserved, InviteStatusSuccess}, since).
		Pluck("identity", &identities).Error
	if err != nil {
		return nil, err
	}
	return identities, nil
}

// CreateInvite creates a new invite record.
func (r *repository) CreateInvite(ctx context.Context, rec *InviteRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// GetInvite retrieves an invite record by ID.
func (r *repository) GetInvite(ctx context.Context, id uuid.UUID) (*InviteRecord, error) {
	var rec InviteRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInviteNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// UpdateInviteStatus transitions an invite record's status.
func (r *repository) UpdateInviteStatus(ctx context.Context, id uuid.UUID, status InviteStatus) error {
	result := r.db.WithContext(ctx).
		Model(&InviteRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": gorm.Expr("NOW()")})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInviteNotFound
	}
	return nil
}

// FindActiveInvite finds the most recent seat-reserving invite for an
// identity within the window, if any.
func (r *repository) FindActiveInvite(ctx context.Context, identity string, since time.Time) (*InviteRecord, error) {
	var rec InviteRecord
	err := r.db.WithContext(ctx).
		Where("identity = ? AND status IN ? AND created_at >= ?",
			identity, []InviteStatus{InviteStatusReserved, InviteStatusSuccess}, since).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // no active invite is not an error
		}
		return nil, err
	}
	return &rec, nil
}

// CountInvitesByStatus counts invite records grouped by status.
func (r *repository) CountInvitesByStatus(ctx context.Context) (map[InviteStatus]int64, error) {
	var rows []struct {
		Status InviteStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&InviteRecord{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[InviteStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// CreateWaitingTask creates a new waiting task.
func (r *repository) CreateWaitingTask(ctx context.Context, task *WaitingTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

// GetWaitingTask retrieves a waiting task by ID.
func (r *repository) GetWaitingTask(ctx context.Context, id uuid.UUID) (*WaitingTask, error) {
	var task WaitingTask
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWaitingTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// ListWaitingFIFO lists waiting tasks oldest first, optionally scoped to a
// group.
func (r *repository) ListWaitingFIFO(ctx context.Context, group string, limit int) ([]*WaitingTask, error) {
	if limit <= 0 {
		limit = 50
	}

	query := r.db.WithContext(ctx).
		Where("status = ?", WaitingStatusWaiting)
	if group != "" {
		query = query.Where("group_name = ?", group)
	}

	var tasks []*WaitingTask
	err := query.
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateWaitingStatus transitions a waiting task's status.
func (r *repository) UpdateWaitingStatus(ctx context.Context, id uuid.UUID, status WaitingStatus) error {
	result := r.db.WithContext(ctx).
		Model(&WaitingTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": gorm.Expr("NOW()")})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWaitingTaskNotFound
	}
	return nil
}

// IncrementWaitingRetry bumps a waiting task's retry counter.
func (r *repository) IncrementWaitingRetry(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&WaitingTask{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWaitingTaskNotFound
	}
	return nil
}

// CountWaitingByStatus counts waiting tasks grouped by status.
func (r *repository) CountWaitingByStatus(ctx context.Context) (map[WaitingStatus]int64, error) {
	var rows []struct {
		Status WaitingStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&WaitingTask{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[WaitingStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
