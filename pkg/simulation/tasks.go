package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/retry"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

// TaskOutcome is how a post-commit task finished.
type TaskOutcome string

const (
	TaskSucceeded    TaskOutcome = "succeeded"
	TaskRetried      TaskOutcome = "retried"
	TaskDeadLettered TaskOutcome = "dead_lettered"
)

// Task is work triggered by a committed action, such as notifying a reporting
// consumer. Tasks never affect the commit itself.
type Task struct {
	Name string
	Run  func(ctx context.Context, a timeline.Action) error
}

// TaskResult is the observed outcome of one task for one action.
type TaskResult struct {
	Task     string      `json:"task"`
	Outcome  TaskOutcome `json:"outcome"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
}

// DeadLetter records a task that failed permanently.
type DeadLetter struct {
	TimelineID string    `json:"timeline_id"`
	ActionID   string    `json:"action_id"`
	ActionSeq  uint64    `json:"action_seq"`
	Task       string    `json:"task"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

func (e *Executor) runTasks(ctx context.Context, timelineID string, a timeline.Action) []TaskResult {
	if len(e.tasks) == 0 {
		return nil
	}
	out := make([]TaskResult, 0, len(e.tasks))
	for _, task := range e.tasks {
		key := fmt.Sprintf("task:%s:%s", task.Name, a.ID)
		res := retry.Do(ctx, e.policy, key, e.sleep, func(ctx context.Context, _ int) error {
			return task.Run(ctx, a)
		})

		tr := TaskResult{Task: task.Name, Attempts: res.Attempts}
		switch {
		case res.Err != nil:
			tr.Outcome = TaskDeadLettered
			tr.Error = res.Err.Error()
			e.deadLetter(DeadLetter{
				TimelineID: timelineID,
				ActionID:   a.ID,
				ActionSeq:  a.Seq,
				Task:       task.Name,
				Attempts:   res.Attempts,
				Error:      tr.Error,
				At:         e.clock().UTC(),
			})
			e.logger.ErrorContext(ctx, "post-commit task dead-lettered",
				"timeline_id", timelineID, "action_seq", a.Seq, "task", task.Name,
				"attempts", res.Attempts, "error", res.Err)
		case res.Attempts > 1:
			tr.Outcome = TaskRetried
			e.logger.InfoContext(ctx, "post-commit task succeeded after retry",
				"timeline_id", timelineID, "action_seq", a.Seq, "task", task.Name, "attempts", res.Attempts)
		default:
			tr.Outcome = TaskSucceeded
		}
		e.instruments().RecordTask(ctx, task.Name, string(tr.Outcome))
		out = append(out, tr)
	}
	return out
}

func (e *Executor) deadLetter(d DeadLetter) {
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	e.dead = append(e.dead, d)
	if len(e.dead) > e.maxLetter {
		e.dead = e.dead[len(e.dead)-e.maxLetter:]
	}
}

// DeadLetters returns the retained dead letters, oldest first.
func (e *Executor) DeadLetters() []DeadLetter {
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	out := make([]DeadLetter, len(e.dead))
	copy(out, e.dead)
	return out
}
