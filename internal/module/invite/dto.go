package invite

import (
	"github.com/google/uuid"
	"github.com/seatpool/server/internal/module/pool"
)

// Invite outcome statuses.
const (
	StatusInvited = "invited" // seat claimed and invite sent
	StatusQueued  = "queued"  // accepted for asynchronous processing
	StatusWaiting = "waiting" // parked until capacity frees up
	StatusFailed  = "failed"  // permanently rejected
)

// InviteRequest is the submit-invite request body.
type InviteRequest struct {
	Identity string `json:"identity" binding:"required"`
	Code     string `json:"code,omitempty"`
	Group    string `json:"group,omitempty"`
	// Sync requests the synchronous reserve-and-send path instead of the
	// queued one.
	Sync bool `json:"sync,omitempty"`
}

// InviteResponse reports the outcome of an invite submission.
type InviteResponse struct {
	Status        string     `json:"status"`
	TeamID        int64      `json:"team_id,omitempty"`
	RecordID      *uuid.UUID `json:"record_id,omitempty"`
	WaitingTaskID *uuid.UUID `json:"waiting_task_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// CapacityResponse is the ledger view of a group.
type CapacityResponse struct {
	Aggregate *pool.Capacity   `json:"aggregate"`
	Teams     []*pool.Capacity `json:"teams"`
}

// QueueStatsResponse reports queue and backlog depths.
type QueueStatsResponse struct {
	Queued   int64                        `json:"queued"`
	Inflight int64                        `json:"inflight"`
	Waiting  map[pool.WaitingStatus]int64 `json:"waiting"`
	Invites  map[pool.InviteStatus]int64  `json:"invites"`
}

// RemoveResponse reports the outcome of a member removal.
type RemoveResponse struct {
	Removed bool `json:"removed"`
}
