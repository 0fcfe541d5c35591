// Package status defines the canonical story status vocabulary, the
// normalizer that maps free-form agent output onto it, and the derived
// processing-status space persisted by phase records.
package status

// Status is a canonical story status. The zero value is Unknown.
type Status string

const (
	Unknown             Status = ""
	Draft               Status = "Draft"
	ReadyForDevelopment Status = "Ready for Development"
	InProgress          Status = "In Progress"
	ReadyForReview      Status = "Ready for Review"
	ReadyForDone        Status = "Ready for Done"
	Done                Status = "Done"
	Failed              Status = "Failed"
)

// All lists every canonical status in state-machine order, with the
// off-path terminal Failed last.
var All = []Status{
	Draft,
	ReadyForDevelopment,
	InProgress,
	ReadyForReview,
	ReadyForDone,
	Done,
	Failed,
}

// rank orders the on-path statuses for forward-transition checks.
var rank = map[Status]int{
	Draft:               0,
	ReadyForDevelopment: 1,
	InProgress:          2,
	ReadyForReview:      3,
	ReadyForDone:        4,
	Done:                5,
}

// Parse returns the canonical status exactly matching s, if any.
func Parse(s string) (Status, bool) {
	for _, c := range All {
		if string(c) == s {
			return c, true
		}
	}
	return Unknown, false
}

// Valid reports whether s is one of the seven canonical values.
func Valid(s Status) bool {
	_, ok := rank[s]
	return ok || s == Failed
}

// Terminal reports whether no further transitions occur from s in one
// driver run.
func Terminal(s Status) bool {
	return s == Done || s == Failed
}

// allowedTransitions enumerates every legal (from, to) edge. Forward
// jumps along the chain are legal: an agent may land a story further
// ahead than its role's usual target (a Story Master answer of
// "Ready for Review" skips the Dev step rather than being refused).
// The single recovery back-edge is Ready for Review -> In Progress,
// used when QA raises concerns.
var allowedTransitions = map[Status]map[Status]struct{}{
	Draft: {
		ReadyForDevelopment: {},
		InProgress:          {},
		ReadyForReview:      {},
		ReadyForDone:        {},
		Failed:              {},
	},
	ReadyForDevelopment: {
		InProgress:     {},
		ReadyForReview: {},
		ReadyForDone:   {},
		Failed:         {},
	},
	InProgress: {
		ReadyForReview: {},
		ReadyForDone:   {},
		Failed:         {},
	},
	ReadyForReview: {
		ReadyForDone: {},
		InProgress:   {}, // QA concerns: send back to Dev.
		Failed:       {},
	},
	ReadyForDone: {
		Done:   {},
		Failed: {},
	},
	Done:   {},
	Failed: {},
}

// CanTransition reports whether the edge from -> to is legal. A
// no-op transition (from == to) is always legal so that iteration
// bumps can reuse the same write path.
func CanTransition(from, to Status) bool {
	if from == to {
		return Valid(from)
	}
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = edges[to]
	return ok
}
