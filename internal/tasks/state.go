package tasks

import (
	"fmt"
	"time"

	"attribution-backend/internal/media"
)

// State is a step of the start-analysis workflow.
type State string

const (
	CollectingInput        State = "COLLECTING_INPUT"
	ExtractingData         State = "EXTRACTING_DATA"
	UploadingMedia         State = "UPLOADING_MEDIA"
	AwaitingMediaReadiness State = "AWAITING_MEDIA_READINESS"
	Inferring              State = "INFERRING"
	Registered             State = "REGISTERED"
	Failed                 State = "FAILED"
)

func IsTerminal(s State) bool {
	return s == Registered || s == Failed
}

var nextState = map[State]State{
	CollectingInput:        ExtractingData,
	ExtractingData:         UploadingMedia,
	UploadingMedia:         AwaitingMediaReadiness,
	AwaitingMediaReadiness: Inferring,
	Inferring:              Registered,
}

func isAllowedTransition(from, to State) bool {
	if IsTerminal(from) {
		return false
	}
	return to == Failed || nextState[from] == to
}

type FailureReason string

const (
	NoMatchingSheets   FailureReason = "no_matching_sheets"
	UnreadableWorkbook FailureReason = "unreadable_workbook"
	UploadFailed       FailureReason = "upload_error"
	MediaNotReady      FailureReason = "media_not_ready"
	InferenceFailed    FailureReason = "inference_error"
	Canceled           FailureReason = "canceled"
	InvalidTransition  FailureReason = "invalid_transition"
)

// ValidationError means required artifacts are missing. The workflow stays in CollectingInput
// and can be retried with the same action.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required artifacts: %v", e.Missing)
}

// FailedError is the terminal Failed(reason) outcome of a workflow run.
type FailedError struct {
	Reason FailureReason
	// State is the step the workflow was in when it failed.
	State State
	// Media and Outcome are set for MediaNotReady failures.
	Media   string
	Outcome media.Outcome
	Elapsed time.Duration
	Err     error
}

func (e *FailedError) Error() string {
	msg := fmt.Sprintf("task failed (%s) while %s", e.Reason, e.State)
	if e.Media != "" {
		msg += fmt.Sprintf(": %s %s after %s", e.Media, e.Outcome, e.Elapsed.Round(time.Millisecond))
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *FailedError) Unwrap() error {
	return e.Err
}
