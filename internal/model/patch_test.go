package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskCanMove(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{TaskPending, TaskAssigned, true},
		{TaskAssigned, TaskPending, true},
		{TaskAssigned, TaskInProgress, true},
		{TaskInProgress, TaskCompleted, true},
		{TaskInProgress, TaskInProgress, true},
		{TaskAssigned, TaskCancelled, true},
		{TaskPending, TaskInProgress, false},
		{TaskInProgress, TaskPending, false},
		{TaskCancelled, TaskPending, false},
		{TaskCancelled, TaskAssigned, false},
		{TaskCompleted, TaskInProgress, false},
		{TaskCompleted, TaskCancelled, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, TaskCanMove(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTaskPatchAllowed(t *testing.T) {
	team := "team-1"
	cancelled := Task{ID: "t1", Status: TaskCancelled}
	require.False(t, StatusPatch(TaskPending, &team).Allowed(cancelled))
	require.True(t, TaskPatch{AssignedTeamID: &team}.Allowed(cancelled))

	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	got := StatusPatch(TaskAssigned, &team).Apply(Task{Status: TaskPending}, now)
	require.Equal(t, TaskAssigned, got.Status)
	require.Equal(t, team, got.AssignedTeamID)
	require.Equal(t, now, got.UpdatedAt)
}

func TestPeriodPlanKey(t *testing.T) {
	require.Equal(t, "2026-03", Period{Date: "2026-03-02"}.PlanKey())
	require.Equal(t, "2026-03", Period{Month: "2026-03"}.PlanKey())
	require.Equal(t, "2026-03-02", Period{Date: "2026-03-02"}.Key())
}
