package jobs

import (
	"github.com/getsafe360/saas-app/internal/bus"
	"github.com/getsafe360/saas-app/internal/persistence"
)

// Each transition edge maps to one cockpit event on the site's subject.
//
//	edge     scan                                  fix
//	queued   status/idle                           repair/repairing 0
//	running  status/in_progress 0                  repair/repairing 10
//	done     status/completed|errors_found 100     repair/repaired 100
//	error    error/errors_found                    error/errors_found

func queuedEvent(job *persistence.Job) bus.Event {
	if job.Kind == persistence.JobKindFix {
		return bus.Event{Type: bus.TypeRepair, State: bus.StateRepairing, Progress: bus.Progress(0)}
	}
	return bus.Status(bus.StateIdle)
}

func runningEvent(job *persistence.Job) bus.Event {
	if job.Kind == persistence.JobKindFix {
		return bus.Event{Type: bus.TypeRepair, State: bus.StateRepairing, Progress: bus.Progress(10)}
	}
	return bus.Event{Type: bus.TypeStatus, State: bus.StateInProgress, Progress: bus.Progress(0)}
}

func doneEvent(job *persistence.Job, out runOutput) bus.Event {
	if job.Kind == persistence.JobKindFix {
		ev := bus.Event{Type: bus.TypeRepair, State: bus.StateRepaired, Progress: bus.Progress(100)}
		if out.fix != nil {
			ev.Message = out.fix.Summary.Message
			ev.Savings = &bus.Savings{TokensUsed: out.fix.Summary.TokensCharged}
		}
		return ev
	}
	ev := bus.Event{Type: bus.TypeStatus, State: bus.StateCompleted, Progress: bus.Progress(100)}
	if out.report == nil {
		return ev
	}
	for _, issue := range out.report.Issues {
		ev.Issues = append(ev.Issues, bus.Issue{
			ID:        issue.ID,
			Severity:  issue.Severity,
			Title:     issue.Title,
			TokenCost: issue.EstTokens,
		})
	}
	if len(ev.Issues) > 0 {
		ev.State = bus.StateErrorsFound
	}
	return ev
}

func errorEvent(message string) bus.Event {
	return bus.Event{Type: bus.TypeError, State: bus.StateErrorsFound, Message: message}
}
