package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"attribution-backend/internal/messaging"
	"attribution-backend/internal/storage"
	"attribution-backend/internal/tasks"
)

// TaskProcessor consumes analysis tasks from the queue and runs the start-analysis workflow for
// each, recording progress in the run tracker.
type TaskProcessor struct {
	orchestrator *tasks.Orchestrator
	runs         *tasks.RunTracker
	staging      *storage.Staging
	publisher    messaging.Publisher
	reciever     messaging.Reciever
	concurrency  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTaskProcessor(orchestrator *tasks.Orchestrator, runs *tasks.RunTracker, staging *storage.Staging, publisher messaging.Publisher, reciever messaging.Reciever, concurrency int) *TaskProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskProcessor{
		orchestrator: orchestrator,
		runs:         runs,
		staging:      staging,
		publisher:    publisher,
		reciever:     reciever,
		concurrency:  max(concurrency, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start processes tasks until the reciever is closed. It blocks.
func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor", "concurrency", proc.concurrency)

	for i := 0; i < proc.concurrency; i++ {
		proc.wg.Add(1)
		go func() {
			defer proc.wg.Done()
			for task := range proc.reciever.Tasks() {
				proc.ProcessTask(task)
			}
		}()
	}
	proc.wg.Wait()
}

// Stop cancels runs in flight and closes the queue connections.
func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.cancel()
	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	var err error
	switch task.Type() {

	case messaging.AnalysisQueue:
		var payload messaging.AnalysisTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling analysis task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processAnalysisTask(proc.ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) fetchArtifact(ctx context.Context, staged messaging.StagedArtifact) (*tasks.Artifact, error) {
	if staged.Key == "" {
		return nil, nil
	}
	data, err := proc.staging.Fetch(ctx, staged.Key)
	if err != nil {
		return nil, fmt.Errorf("error fetching staged artifact %s: %w", staged.Name, err)
	}
	return &tasks.Artifact{Name: staged.Name, MIMEType: staged.MIMEType, Data: bytes.NewReader(data)}, nil
}

func (proc *TaskProcessor) processAnalysisTask(ctx context.Context, payload messaging.AnalysisTaskPayload) error {
	slog.Info("processing analysis task", "run_id", payload.RunId)
	defer proc.staging.Discard(context.WithoutCancel(ctx), payload.RunId)

	var artifacts tasks.Artifacts
	var err error
	if artifacts.Workbook, err = proc.fetchArtifact(ctx, payload.Workbook); err != nil {
		proc.runs.Complete(payload.RunId, tasks.CreationView, err)
		return err
	}
	if artifacts.Image, err = proc.fetchArtifact(ctx, payload.Image); err != nil {
		proc.runs.Complete(payload.RunId, tasks.CreationView, err)
		return err
	}
	if artifacts.Video, err = proc.fetchArtifact(ctx, payload.Video); err != nil {
		proc.runs.Complete(payload.RunId, tasks.CreationView, err)
		return err
	}

	taskID, err := proc.orchestrator.StartTask(ctx, artifacts, proc.runs.Progress(payload.RunId))
	proc.runs.Complete(payload.RunId, taskID, err)

	// workflow outcomes are recorded on the run; the message itself was handled
	var validationErr *tasks.ValidationError
	var failedErr *tasks.FailedError
	switch {
	case errors.As(err, &validationErr):
		slog.Warn("analysis task is missing artifacts", "run_id", payload.RunId, "missing", validationErr.Missing)
		return nil
	case errors.As(err, &failedErr):
		slog.Warn("analysis task failed", "run_id", payload.RunId, "reason", failedErr.Reason, "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("run %s: %w", payload.RunId, err)
	}

	slog.Info("analysis task registered", "run_id", payload.RunId, "task_id", taskID)
	return nil
}
