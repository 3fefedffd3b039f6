package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	AnalysisQueue   = "analysis_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type StagedArtifact struct {
	Key      string
	Name     string
	MIMEType string
}

// AnalysisTaskPayload asks a worker to run the start-analysis workflow over artifacts that were
// already staged in storage.
type AnalysisTaskPayload struct {
	RunId    uuid.UUID
	Workbook StagedArtifact
	Image    StagedArtifact
	Video    StagedArtifact
}

type Publisher interface {
	PublishAnalysisTask(ctx context.Context, payload AnalysisTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
