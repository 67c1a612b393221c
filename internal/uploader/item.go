package uploader

import "github.com/arkivault/arkivault-go/internal/store"

// Status is the lifecycle state of a queued upload. Fulfilled items
// are removed from the queue rather than kept in a terminal state.
type Status int

const (
	// StatusNotStarted: admitted, waiting for a free slot.
	StatusNotStarted Status = iota
	// StatusInProgress: a worker goroutine owns the item.
	StatusInProgress
	// StatusInBackground: the other process holds the file lock; the
	// liaison owns completion reporting.
	StatusInBackground
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "notStarted"
	case StatusInProgress:
		return "inProgress"
	case StatusInBackground:
		return "inBackground"
	default:
		return "unknown"
	}
}

// item is a queue entry. At most one item per local ID exists at any
// time; the queue map is keyed by it.
type item struct {
	localID      string
	file         store.File
	collectionID int64
	status       Status
	future       *Future
}

func (it *item) isVideo() bool {
	return it.file.Kind == store.KindVideo
}
