package tasks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"attribution-backend/internal/media"
)

type RunFailure struct {
	Reason  FailureReason `json:"reason"`
	State   State         `json:"state"`
	Message string        `json:"message"`
	Media   string        `json:"media,omitempty"`
	Outcome media.Outcome `json:"outcome,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// Run is the observable status of one background StartTask call.
type Run struct {
	ID        uuid.UUID                 `json:"id"`
	State     State                     `json:"state"`
	Message   string                    `json:"message"`
	Media     map[string]media.Progress `json:"media,omitempty"`
	TaskID    TaskID                    `json:"task_id,omitempty"`
	Missing   []string                  `json:"missing,omitempty"`
	Failure   *RunFailure               `json:"failure,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

type RunTracker struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*Run
	now  func() time.Time
}

func NewRunTracker() *RunTracker {
	return &RunTracker{runs: make(map[uuid.UUID]*Run), now: time.Now}
}

func (t *RunTracker) Create() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.New()
	now := t.now()
	t.runs[id] = &Run{ID: id, State: CollectingInput, Message: "queued", CreatedAt: now, UpdatedAt: now}
	return id
}

// Progress returns the sink that records workflow events for run id.
func (t *RunTracker) Progress(id uuid.UUID) ProgressFunc {
	return func(ev Event) {
		t.mu.Lock()
		defer t.mu.Unlock()

		run, ok := t.runs[id]
		if !ok || IsTerminal(run.State) {
			return
		}
		run.UpdatedAt = t.now()
		if ev.Media != nil {
			if run.Media == nil {
				run.Media = make(map[string]media.Progress)
			}
			run.Media[ev.Message] = *ev.Media
			return
		}
		// terminal states are only set by Complete, together with the task id or failure
		if IsTerminal(ev.State) {
			return
		}
		run.State = ev.State
		run.Message = ev.Message
	}
}

// Complete records the result of StartTask for run id.
func (t *RunTracker) Complete(id uuid.UUID, taskID TaskID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[id]
	if !ok {
		return
	}
	run.UpdatedAt = t.now()

	if err == nil {
		run.State = Registered
		run.TaskID = taskID
		run.Message = fmt.Sprintf("task %s registered", taskID)
		return
	}

	var validationErr *ValidationError
	var failedErr *FailedError
	switch {
	case errors.As(err, &validationErr):
		run.State = CollectingInput
		run.Missing = validationErr.Missing
		run.Message = err.Error()
	case errors.As(err, &failedErr):
		run.State = Failed
		run.Message = err.Error()
		run.Failure = &RunFailure{
			Reason:  failedErr.Reason,
			State:   failedErr.State,
			Message: err.Error(),
			Media:   failedErr.Media,
			Outcome: failedErr.Outcome,
			Elapsed: failedErr.Elapsed,
		}
	default:
		run.State = Failed
		run.Message = err.Error()
		run.Failure = &RunFailure{Message: err.Error(), State: run.State}
	}
}

// Get returns a snapshot of the run.
func (t *RunTracker) Get(id uuid.UUID) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[id]
	if !ok {
		return Run{}, false
	}
	snapshot := *run
	if run.Media != nil {
		snapshot.Media = make(map[string]media.Progress, len(run.Media))
		for k, v := range run.Media {
			snapshot.Media[k] = v
		}
	}
	return snapshot, true
}
