package task

import (
	"encoding/json"
	"time"
)

// allowedTransitions is the status DAG. A task may stay in Processing to
// report progress; every other edge moves strictly forward.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the DAG has an edge from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition describes one mutation of a task record.
type Transition struct {
	To       Status
	Progress *int
	Message  string
	Result   json.RawMessage
	Error    string
}

// ToProcessing marks a task as handed to the worker.
func ToProcessing(message string) Transition {
	return Transition{To: StatusProcessing, Message: message}
}

// ReportProgress records worker progress on a Processing task.
func ReportProgress(progress int, message string) Transition {
	return Transition{To: StatusProcessing, Progress: &progress, Message: message}
}

// Complete moves a task to Completed with the worker's data as result.
func Complete(result json.RawMessage) Transition {
	return Transition{To: StatusCompleted, Message: "Task completed", Result: result}
}

// Fail moves a task to Failed with the given error text.
func Fail(errMsg string) Transition {
	return Transition{To: StatusFailed, Message: "Task failed", Error: errMsg}
}

// Cancel moves a task to Cancelled.
func Cancel(message string) Transition {
	if message == "" {
		message = "Task cancelled"
	}
	return Transition{To: StatusCancelled, Message: message}
}

// Apply returns t with tr applied and whether anything changed. It is
// pure: a task in a terminal status, or a transition with no DAG edge,
// comes back untouched with applied=false. Reapplying a terminal
// transition is therefore always a no-op, which lets the poll and push
// delivery paths race safely.
func Apply(t Task, tr Transition, now time.Time) (Task, bool) {
	if t.Status.IsTerminal() || !CanTransition(t.Status, tr.To) {
		return t, false
	}

	t.Status = tr.To
	if tr.Message != "" {
		t.Message = tr.Message
	}
	if tr.Progress != nil {
		t.Progress = clampProgress(*tr.Progress)
	}

	switch tr.To {
	case StatusCompleted:
		t.Progress = 100
		t.Result = append(json.RawMessage(nil), tr.Result...)
		t.Error = ""
	case StatusFailed:
		t.Result = nil
		t.Error = tr.Error
		if t.Error == "" {
			t.Error = "task failed"
		}
	default:
		t.Result = nil
		t.Error = ""
	}

	t.Version++
	t.UpdatedAt = now
	return t, true
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
