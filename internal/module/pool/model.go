// Package pool implements the capacity-accounting core: the ledger that
// tracks seat usage per team, the allocator that partitions pending invites
// across teams, and the coordinator that claims a single seat atomically.
package pool

import (
	"time"

	"github.com/google/uuid"
)

// TeamHealth represents the health of a team.
type TeamHealth string

const (
	TeamHealthy   TeamHealth = "healthy"
	TeamUnhealthy TeamHealth = "unhealthy"
)

// Team represents an external capacity-bounded group with a fixed seat
// count. Teams are owned by an administrative collaborator and are
// read-only to this core.
type Team struct {
	ID        int64      `json:"id" gorm:"primaryKey"`
	Name      string     `json:"name" gorm:"not null"`
	Capacity  int        `json:"capacity" gorm:"not null"`
	Health    TeamHealth `json:"health" gorm:"not null;default:healthy"`
	Group     string     `json:"group,omitempty" gorm:"column:group_name;index"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (Team) TableName() string {
	return "teams"
}

// IsHealthy returns true if the team is usable as a fill target.
func (t *Team) IsHealthy() bool {
	return t.Health == TeamHealthy
}

// ConfirmedMember represents an identity externally verified to occupy a
// seat. Rows are refreshed by an external sync collaborator.
type ConfirmedMember struct {
	TeamID   int64     `json:"team_id" gorm:"primaryKey"`
	Identity string    `json:"identity" gorm:"primaryKey"`
	SyncedAt time.Time `json:"synced_at"`
}

// TableName returns the database table name.
func (ConfirmedMember) TableName() string {
	return "confirmed_members"
}

// InviteStatus represents the lifecycle status of an invite record.
type InviteStatus string

const (
	InviteStatusReserved InviteStatus = "reserved"
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusSuccess  InviteStatus = "success"
	InviteStatusFailed   InviteStatus = "failed"
	InviteStatusRemoved  InviteStatus = "removed"
)

// InviteRecord represents one invite bound to a team. Records are never
// deleted, only status-transitioned; history survives the capacity window.
type InviteRecord struct {
	ID        uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	TeamID    int64        `json:"team_id" gorm:"not null;index"`
	Identity  string       `json:"identity" gorm:"not null;index"`
	Status    InviteStatus `json:"status" gorm:"not null;index"`
	Code      string       `json:"code,omitempty" gorm:"index"`
	Rebind    bool         `json:"rebind" gorm:"not null;default:false"`
	CreatedAt time.Time    `json:"created_at" gorm:"index"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TableName returns the database table name.
func (InviteRecord) TableName() string {
	return "invite_records"
}

// CountsAgainstCapacity reports whether the record reserves a seat when
// created within the pending window.
func (r *InviteRecord) CountsAgainstCapacity() bool {
	return r.Status == InviteStatusReserved || r.Status == InviteStatusSuccess
}

// WaitingStatus represents the status of a deferred invite request.
type WaitingStatus string

const (
	WaitingStatusWaiting    WaitingStatus = "waiting"
	WaitingStatusProcessing WaitingStatus = "processing"
	WaitingStatusSuccess    WaitingStatus = "success"
	WaitingStatusFailed     WaitingStatus = "failed"
)

// WaitingTask represents an invite request deferred because no team had
// capacity at dispatch time. Consumption is FIFO within a group.
type WaitingTask struct {
	ID         uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Identity   string        `json:"identity" gorm:"not null;index"`
	Group      string        `json:"group,omitempty" gorm:"column:group_name;index"`
	Code       string        `json:"code,omitempty"`
	Status     WaitingStatus `json:"status" gorm:"not null;index"`
	Reason     string        `json:"reason,omitempty"`
	RetryCount int           `json:"retry_count" gorm:"not null;default:0"`
	CreatedAt  time.Time     `json:"created_at" gorm:"index"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// TableName returns the database table name.
func (WaitingTask) TableName() string {
	return "waiting_tasks"
}

// Capacity is the ledger view of one team.
type Capacity struct {
	TeamID    int64  `json:"team_id"`
	Group     string `json:"group,omitempty"`
	Capacity  int    `json:"capacity"`
	Confirmed int    `json:"confirmed"`
	Pending   int    `json:"pending"`
	Available int    `json:"available"`
}

// HasSeat reports whether the team can take one more invite.
func (c *Capacity) HasSeat() bool {
	return c.Available > 0
}
