package pool

import "errors"

var (
	// ErrTeamNotFound is returned when a team is not found.
	ErrTeamNotFound = errors.New("team not found")

	// ErrInviteNotFound is returned when an invite record is not found.
	ErrInviteNotFound = errors.New("invite record not found")

	// ErrWaitingTaskNotFound is returned when a waiting task is not found.
	ErrWaitingTaskNotFound = errors.New("waiting task not found")

	// ErrNoSeatAvailable is returned by the reservation coordinator when
	// every candidate team is full after the in-lock recheck. The caller
	// rolls back and may requeue the request as a waiting task.
	ErrNoSeatAvailable = errors.New("no seat available")
)
