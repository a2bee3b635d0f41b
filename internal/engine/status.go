package engine

import (
	"sort"
	"time"
)

// StaleTask flags a task an operator should look at: a chain dead-ended by a
// failure, a start request that has been waiting too long, or a placeholder
// nobody ever registered.
type StaleTask struct {
	TaskID string    `json:"taskId"`
	State  State     `json:"state"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// SystemStatus is the aggregate diagnostic view of the engine.
type SystemStatus struct {
	CountsByState map[string]int `json:"countsByState"`
	StaleTasks    []StaleTask    `json:"staleTasks"`
	TotalTasks    int            `json:"totalTasks"`
	Placeholders  int            `json:"placeholders"`
}

// SystemStatus returns per-state counts, the stale-task diagnostic, and the
// total registered task count (placeholders included).
func (e *Engine) SystemStatus() SystemStatus {
	tasks := e.store.All()
	now := time.Now()

	status := SystemStatus{
		CountsByState: make(map[string]int, len(AllStates)),
		StaleTasks:    []StaleTask{},
		TotalTasks:    len(tasks),
	}
	for _, state := range AllStates {
		status.CountsByState[state.String()] = 0
	}

	for _, task := range tasks {
		status.CountsByState[task.State.String()]++
		if task.Placeholder {
			status.Placeholders++
		}

		switch {
		case task.State == StateBlockedByFailure:
			since := task.blockedAt
			if since.IsZero() {
				since = task.RegisteredAt
			}
			status.StaleTasks = append(status.StaleTasks, StaleTask{
				TaskID: task.ID,
				State:  task.State,
				Reason: "blocked by failed dependency",
				Since:  since,
			})
		case task.State == StateBlocked && now.Sub(task.blockedAt) > e.staleAfter:
			status.StaleTasks = append(status.StaleTasks, StaleTask{
				TaskID: task.ID,
				State:  task.State,
				Reason: "start requested, dependencies still unsatisfied",
				Since:  task.blockedAt,
			})
		case task.Placeholder && now.Sub(task.RegisteredAt) > e.staleAfter:
			status.StaleTasks = append(status.StaleTasks, StaleTask{
				TaskID: task.ID,
				State:  task.State,
				Reason: "placeholder dependency was never registered",
				Since:  task.RegisteredAt,
			})
		}
	}

	sort.Slice(status.StaleTasks, func(i, j int) bool {
		return status.StaleTasks[i].TaskID < status.StaleTasks[j].TaskID
	})
	return status
}
