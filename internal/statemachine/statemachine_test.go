package statemachine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
)

func TestIsValidTransition_OnlyListedEdges(t *testing.T) {
	allowed := map[string]bool{
		"pending->running":   true,
		"pending->cancelled": true,
		"running->completed": true,
		"running->failed":    true,
		"running->cancelled": true,
		"failed->pending":    true,
		"failed->running":    true,
	}

	for _, from := range constants.TaskStatuses {
		for _, to := range constants.TaskStatuses {
			edge := fmt.Sprintf("%s->%s", from, to)
			t.Run(edge, func(t *testing.T) {
				require.Equal(t, allowed[edge], IsValidTransition(from, to))
			})
		}
	}
}

func TestIsValidTransition_RejectsSelfTransitions(t *testing.T) {
	for _, status := range constants.TaskStatuses {
		require.False(t, IsValidTransition(status, status), "self transition %s", status)
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	require.Empty(t, NextStatuses(constants.StatusCompleted))
	require.Empty(t, NextStatuses(constants.StatusCancelled))
}

func TestIsValidTransition_UnknownStatus(t *testing.T) {
	require.False(t, IsValidTransition("archived", constants.StatusPending))
	require.False(t, IsValidTransition(constants.StatusPending, "archived"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(constants.StatusPending, constants.StatusRunning))

	err := Validate(constants.StatusCompleted, constants.StatusPending)
	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindInvalidTransition))
	require.Contains(t, err.Error(), "completed -> pending")
}

func TestNextStatusesReturnsCopy(t *testing.T) {
	next := NextStatuses(constants.StatusPending)
	next[0] = constants.StatusCompleted

	require.True(t, IsValidTransition(constants.StatusPending, constants.StatusRunning))
}
