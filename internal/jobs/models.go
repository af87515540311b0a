// Package jobs tracks clip generations as asynchronous jobs: submission,
// the background runner, retention and status polling.
package jobs

import (
	"errors"
	"time"

	"github.com/seriesme/seriesme-agent/internal/assemble"
)

type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateUploading  State = "uploading"
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateAssembling State = "assembling"
	StateReady      State = "ready"
	StateError      State = "error"
)

var stateOrder = map[State]int{
	StateIdle:       0,
	StateValidating: 1,
	StateUploading:  2,
	StateQueued:     3,
	StateProcessing: 4,
	StateAssembling: 5,
	StateReady:      6,
	StateError:      7,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateOrder[s]
	return ok
}

func (s State) Terminal() bool {
	return s == StateReady || s == StateError
}

// CanAdvance reports whether a job in s may move to next. Staying in the same
// non-terminal state is allowed so progress can be reported.
func (s State) CanAdvance(next State) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == StateError {
		return true
	}
	return stateOrder[next] >= stateOrder[s]
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrTerminal          = errors.New("job is finished")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrResultSet         = errors.New("job result already set")
)

// Job is one clip generation. Progress is 0..100.
type Job struct {
	ID         string                 `json:"id"`
	State      State                  `json:"state"`
	Progress   int                    `json:"progress"`
	ETASeconds int                    `json:"etaSeconds"`
	Error      string                 `json:"error,omitempty"`
	Result     *assemble.ClipResult   `json:"result,omitempty"`
	Script     string                 `json:"script"`
	ImagePath  string                 `json:"imagePath"`
	ImageMIME  string                 `json:"imageMime"`
	AudioPath  string                 `json:"audioPath,omitempty"`
	UseTTS     bool                   `json:"useTts"`
	Options    assemble.RenderOptions `json:"options"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
	FinishedAt time.Time              `json:"finishedAt,omitzero"`
}

// Advance moves the job to state with the given progress and ETA. Progress
// below the current value is ignored. A negative eta leaves it unchanged.
// Use Fail and Complete for the terminal states.
func (j *Job) Advance(state State, progress, eta int, now time.Time) error {
	if j.State.Terminal() {
		return ErrTerminal
	}
	if state.Terminal() || !j.State.CanAdvance(state) {
		return ErrInvalidTransition
	}
	j.State = state
	j.Progress = max(j.Progress, clampProgress(progress))
	if eta >= 0 {
		j.ETASeconds = eta
	}
	j.UpdatedAt = now
	return nil
}

// Fail moves the job into the absorbing error state.
func (j *Job) Fail(msg string, now time.Time) error {
	if j.State.Terminal() {
		return ErrTerminal
	}
	j.State = StateError
	j.Error = msg
	j.ETASeconds = 0
	j.UpdatedAt = now
	j.FinishedAt = now
	return nil
}

// Complete attaches the result and marks the job ready. The result can only
// be set once.
func (j *Job) Complete(result *assemble.ClipResult, now time.Time) error {
	if j.Result != nil {
		return ErrResultSet
	}
	if j.State.Terminal() {
		return ErrTerminal
	}
	if result == nil {
		return ErrInvalidTransition
	}
	j.State = StateReady
	j.Result = result
	j.Progress = 100
	j.ETASeconds = 0
	j.UpdatedAt = now
	j.FinishedAt = now
	return nil
}

// Status is the pollable view of a job.
type Status struct {
	State      State  `json:"status"`
	Progress   int    `json:"progress"`
	ETASeconds int    `json:"etaSeconds"`
	Error      string `json:"error,omitempty"`
}

func (j *Job) Status() Status {
	return Status{
		State:      j.State,
		Progress:   j.Progress,
		ETASeconds: j.ETASeconds,
		Error:      j.Error,
	}
}

// Result is the client-facing view of a finished clip.
type Result struct {
	VideoURL    string `json:"videoUrl"`
	PosterURL   string `json:"posterUrl"`
	DurationSec int    `json:"durationSec"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}
