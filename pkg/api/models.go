package api

import (
	"time"

	"github.com/google/uuid"
)

type SubmitTaskResponse struct {
	RunId uuid.UUID
}

type MediaProgress struct {
	File           string
	State          string
	ElapsedSeconds float64
	BudgetSeconds  float64
}

type RunFailure struct {
	Reason         string
	State          string
	Message        string
	Media          string  `json:"Media,omitempty"`
	Outcome        string  `json:"Outcome,omitempty"`
	ElapsedSeconds float64 `json:"ElapsedSeconds,omitempty"`
}

type Run struct {
	Id      uuid.UUID
	State   string
	Message string

	Media   map[string]MediaProgress `json:"Media,omitempty"`
	TaskId  string                   `json:"TaskId,omitempty"`
	Missing []string                 `json:"Missing,omitempty"`
	Failure *RunFailure              `json:"Failure,omitempty"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the run will not change anymore.
func (r Run) Terminal() bool {
	return r.State == "REGISTERED" || r.State == "FAILED" || len(r.Missing) > 0
}

type Task struct {
	Id        string
	Title     string
	CreatedAt time.Time
	Aliases   []string
	Media     []string
	Turns     int
}

type ListTasksParams struct {
	Limit int `schema:"limit"`
}

type ListTasksResponse struct {
	Tasks   []Task
	Current string
}

const (
	ViewCreation = "creation"
	ViewTask     = "task"
)

type View struct {
	Mode   string
	TaskId string `json:"TaskId,omitempty"`
}

type Turn struct {
	Role      string
	Content   string
	Media     []string `json:"Media,omitempty"`
	Timestamp time.Time
	Failed    bool   `json:"Failed,omitempty"`
	Error     string `json:"Error,omitempty"`
}

type SendMessageRequest struct {
	Message string
}

type SendMessageResponse struct {
	Reply   string
	History []Turn
}

type TranscriptParams struct {
	Format string `schema:"format"`
}
