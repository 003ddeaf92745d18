// Package statemachine holds the legal task status transitions.
package statemachine

import (
	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
)

var transitions = map[constants.TaskStatus][]constants.TaskStatus{
	constants.StatusPending:   {constants.StatusRunning, constants.StatusCancelled},
	constants.StatusRunning:   {constants.StatusCompleted, constants.StatusFailed, constants.StatusCancelled},
	constants.StatusCompleted: {},
	// failed only moves forward through an explicit retry
	constants.StatusFailed:    {constants.StatusPending, constants.StatusRunning},
	constants.StatusCancelled: {},
}

func IsValidTransition(from, to constants.TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns an invalid transition error for edges outside the table.
func Validate(from, to constants.TaskStatus) error {
	if !IsValidTransition(from, to) {
		return apperrors.InvalidTransition(from, to)
	}
	return nil
}

// NextStatuses lists the statuses reachable from the given one.
func NextStatuses(from constants.TaskStatus) []constants.TaskStatus {
	next := transitions[from]
	out := make([]constants.TaskStatus, len(next))
	copy(out, next)
	return out
}
