package model

import "time"

// TaskPatch is a field-level update of a task. Nil fields are left alone.
type TaskPatch struct {
	Status         *string
	AssignedTeamID *string
}

// StatusPatch builds a patch that sets the status and, when teamID is
// non-nil, the assigned team. An empty team id clears the assignment.
func StatusPatch(status string, teamID *string) TaskPatch {
	return TaskPatch{Status: &status, AssignedTeamID: teamID}
}

// Allowed reports whether the patch's status move is legal for t.
func (p TaskPatch) Allowed(t Task) bool {
	return p.Status == nil || TaskCanMove(t.Status, *p.Status)
}

var taskTransitions = map[string][]string{
	TaskPending:    {TaskAssigned, TaskCancelled},
	TaskAssigned:   {TaskPending, TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskCancelled},
}

// TaskCanMove reports whether a task may move from one status to another.
// Staying put is allowed; completed and cancelled are final. Assigned tasks
// may return to pending when a re-plan releases them.
func TaskCanMove(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply returns t with the patch applied.
func (p TaskPatch) Apply(t Task, now time.Time) Task {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AssignedTeamID != nil {
		t.AssignedTeamID = *p.AssignedTeamID
	}
	t.UpdatedAt = now
	return t
}

// TeamPatch is a field-level update of a team. Nil fields are left alone.
type TeamPatch struct {
	CurrentLocation       *TeamLocation
	IsAvailableForRouting *bool
	Performance           *TeamPerformance
	FuelLevelPct          *float64
}

// Apply returns t with the patch applied.
func (p TeamPatch) Apply(t Team) Team {
	if p.CurrentLocation != nil {
		loc := *p.CurrentLocation
		t.CurrentLocation = &loc
	}
	if p.IsAvailableForRouting != nil {
		t.IsAvailableForRouting = *p.IsAvailableForRouting
	}
	if p.Performance != nil {
		t.Performance = *p.Performance
	}
	if p.FuelLevelPct != nil {
		t.Vehicle.FuelLevelPct = *p.FuelLevelPct
	}
	return t
}

// Empty reports whether the patch changes nothing.
func (p TeamPatch) Empty() bool {
	return p.CurrentLocation == nil && p.IsAvailableForRouting == nil && p.Performance == nil && p.FuelLevelPct == nil
}
