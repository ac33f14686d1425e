package loader

import (
	"encoding/json"
	"errors"
)

// State is the loader's position in the fallback cascade. It only changes
// through the transitions driven in loader.go.
type State int

const (
	StateSelectingBackend State = iota
	StateLoadingScript
	StateLoadingData
	StateReady
	StateRetrying
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSelectingBackend:
		return "selecting-backend"
	case StateLoadingScript:
		return "loading-script"
	case StateLoadingData:
		return "loading-data"
	case StateReady:
		return "ready"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

var (
	// ErrAllBackendsExhausted is the only failure surfaced to the user:
	// every candidate backend failed to produce a chart.
	ErrAllBackendsExhausted = errors.New("all chart backends exhausted")

	// ErrRetryBudget means manual retries are used up and the external
	// deep link is the remaining way out.
	ErrRetryBudget = errors.New("retry attempts exhausted, use the external chart link")

	ErrClosed = errors.New("chart session closed")
)

// Event is emitted on every state change so the dashboard can follow the
// cascade live.
type Event struct {
	State      State  `json:"state"`
	Backend    string `json:"backend,omitempty"`
	Provenance string `json:"provenance,omitempty"`
	Error      string `json:"error,omitempty"`
}
