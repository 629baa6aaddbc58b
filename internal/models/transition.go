package models

// stageOrder ranks the non-failure states along the happy path.
var stageOrder = map[JobStatus]int{
	StatusPending:         0,
	StatusProcessingAudio: 1,
	StatusTranscribing:    2,
	StatusSummarizing:     3,
	StatusCompleted:       4,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// Terminal reports whether no further stage mutation may occur.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a record in from may move to to.
// Forward moves along the happy path are allowed, as is any non-terminal state to failed.
// A non-terminal state may be rewritten with itself to merge fields.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return stageOrder[to] >= stageOrder[from]
}

// Predecessors lists every status a record may be in before moving to to.
func Predecessors(to JobStatus) []JobStatus {
	all := []JobStatus{StatusPending, StatusProcessingAudio, StatusTranscribing, StatusSummarizing, StatusCompleted, StatusFailed}
	out := make([]JobStatus, 0, len(all))
	for _, from := range all {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
