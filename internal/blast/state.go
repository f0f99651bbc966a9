// Package blast holds the lifecycle rules of a blast: which status changes
// are legal and which errors the dispatcher reports.
package blast

import (
	"github.com/nimasrn/message-blast/internal/model"
)

// Action is an event that may move a blast to another status.
type Action string

const (
	ActionStart    Action = "start"
	ActionActivate Action = "activate"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionCancel   Action = "cancel"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
)

type rule struct {
	from []model.BlastStatus
	to   model.BlastStatus
}

var rules = map[Action]rule{
	ActionStart: {
		from: []model.BlastStatus{model.BlastStatusDraft},
		to:   model.BlastStatusScheduled,
	},
	ActionActivate: {
		from: []model.BlastStatus{model.BlastStatusScheduled},
		to:   model.BlastStatusActive,
	},
	ActionPause: {
		from: []model.BlastStatus{model.BlastStatusActive},
		to:   model.BlastStatusPaused,
	},
	ActionResume: {
		from: []model.BlastStatus{model.BlastStatusPaused},
		to:   model.BlastStatusActive,
	},
	ActionCancel: {
		from: []model.BlastStatus{model.BlastStatusScheduled, model.BlastStatusActive, model.BlastStatusPaused},
		to:   model.BlastStatusCancelled,
	},
	// a scheduled blast completes directly when its end time passes before the first batch
	ActionComplete: {
		from: []model.BlastStatus{model.BlastStatusScheduled, model.BlastStatusActive},
		to:   model.BlastStatusCompleted,
	},
	ActionFail: {
		from: []model.BlastStatus{model.BlastStatusScheduled, model.BlastStatusActive},
		to:   model.BlastStatusFailed,
	},
}

// Transition returns the status reached by applying a to a blast in status
// from, or a TransitionError when the move is not allowed.
func Transition(from model.BlastStatus, a Action) (model.BlastStatus, error) {
	r, ok := rules[a]
	if !ok {
		return from, &TransitionError{Action: string(a), From: string(from)}
	}
	for _, s := range r.from {
		if s == from {
			return r.to, nil
		}
	}
	return from, &TransitionError{Action: string(a), From: string(from)}
}

func CanTransition(from model.BlastStatus, a Action) bool {
	_, err := Transition(from, a)
	return err == nil
}

// Sources lists the statuses a may be applied from. Repositories use it for
// compare-and-set updates.
func Sources(a Action) []model.BlastStatus {
	r, ok := rules[a]
	if !ok {
		return nil
	}
	out := make([]model.BlastStatus, len(r.from))
	copy(out, r.from)
	return out
}

// Target is the status a leads to.
func Target(a Action) model.BlastStatus {
	return rules[a].to
}

// Runnable reports whether the runner should look at a blast in status s.
func Runnable(s model.BlastStatus) bool {
	return s == model.BlastStatusScheduled || s == model.BlastStatusActive
}
