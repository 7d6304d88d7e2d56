package core

import "errors"

var (
	// ErrNotFound is returned when a task, agent or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoAvailableAgent signals that no idle agent of the requested role is
	// registered. Callers are expected to back off or escalate.
	ErrNoAvailableAgent = errors.New("no available agent")

	// ErrAlreadyClaimed is returned by a claim attempt that lost the race for a
	// pending task to another worker.
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrInvalidTransition is returned when a status change would move a task
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrTaskCancelled is recorded on tasks stopped by a user cancel command.
	ErrTaskCancelled = errors.New("task cancelled by user")

	// ErrTaskAborted is returned by orchestrators whose execution was aborted.
	ErrTaskAborted = errors.New("task aborted")

	// ErrTimeout is surfaced by bounded waits that expired.
	ErrTimeout = errors.New("timed out")
)
