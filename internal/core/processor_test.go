package core

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"attribution-backend/internal/inference"
	"attribution-backend/internal/inference/inferencetest"
	"attribution-backend/internal/media"
	"attribution-backend/internal/messaging"
	"attribution-backend/internal/storage"
	"attribution-backend/internal/tasks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func workbookBytes(t *testing.T, sheet string) []byte {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetName("Sheet1", sheet))
	rows := [][]any{{"时段", "消耗"}, {"00:00", 120}, {"01:00", 80}}
	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+1)
		require.NoError(t, err)
		values := row
		require.NoError(t, f.SetSheetRow(sheet, cell, &values))
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

type processorFixture struct {
	service   *inferencetest.Service
	queue     *messaging.InMemoryQueue
	staging   *storage.Staging
	runs      *tasks.RunTracker
	registry  *tasks.Registry
	processor *TaskProcessor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()

	service := inferencetest.NewService()
	registry := tasks.NewRegistry()
	orchestrator, err := tasks.NewOrchestrator(tasks.OrchestratorConfig{
		Service:  service,
		Ingestor: media.NewIngestor(service, media.WithPollInterval(5*time.Millisecond), media.WithTimeout(50*time.Millisecond)),
		Registry: registry,
	})
	require.NoError(t, err)

	staging, err := storage.NewStaging(context.Background(), storage.NewLocalProvider(t.TempDir()), "artifacts")
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	runs := tasks.NewRunTracker()

	f := &processorFixture{
		service:   service,
		queue:     queue,
		staging:   staging,
		runs:      runs,
		registry:  registry,
		processor: NewTaskProcessor(orchestrator, runs, staging, queue, queue, 2),
	}

	done := make(chan struct{})
	go func() {
		f.processor.Start()
		close(done)
	}()
	t.Cleanup(func() {
		f.processor.Stop()
		<-done
	})
	return f
}

func (f *processorFixture) stage(t *testing.T, runID uuid.UUID, kind, name, mimeType string, data []byte) messaging.StagedArtifact {
	t.Helper()
	key, err := f.staging.Stage(context.Background(), runID, kind, name, bytes.NewReader(data))
	require.NoError(t, err)
	return messaging.StagedArtifact{Key: key, Name: name, MIMEType: mimeType}
}

func (f *processorFixture) submit(t *testing.T, workbook []byte) uuid.UUID {
	t.Helper()
	runID := f.runs.Create()
	payload := messaging.AnalysisTaskPayload{
		RunId:    runID,
		Workbook: f.stage(t, runID, "workbook", "july.xlsx", "application/octet-stream", workbook),
		Image:    f.stage(t, runID, "image", "cover.png", "image/png", []byte("png")),
		Video:    f.stage(t, runID, "video", "ad.mp4", "video/mp4", []byte("mp4")),
	}
	require.NoError(t, f.queue.PublishAnalysisTask(context.Background(), payload))
	return runID
}

func (f *processorFixture) waitTerminal(t *testing.T, runID uuid.UUID) tasks.Run {
	t.Helper()
	var run tasks.Run
	require.Eventually(t, func() bool {
		var ok bool
		run, ok = f.runs.Get(runID)
		return ok && tasks.IsTerminal(run.State) && (run.TaskID != "" || run.Failure != nil)
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func (f *processorFixture) stagedObjects(t *testing.T, runID uuid.UUID) int {
	t.Helper()
	_, err := f.staging.Fetch(context.Background(), storage.StagingKey(runID, "workbook", "july.xlsx"))
	if err != nil {
		return 0
	}
	return 1
}

func TestProcessAnalysisTask(t *testing.T) {
	f := newProcessorFixture(t)

	runID := f.submit(t, workbookBytes(t, "7月1日-分时段数据"))
	run := f.waitTerminal(t, runID)

	assert.Equal(t, tasks.Registered, run.State)
	task, err := f.registry.Get(run.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "july", task.Title)

	require.Len(t, f.service.Uploads, 2)
	assert.Equal(t, "cover.png", f.service.Uploads[0].DisplayName)
	assert.Equal(t, []byte("mp4"), f.service.Uploads[1].Data)

	assert.Eventually(t, func() bool { return f.stagedObjects(t, runID) == 0 }, time.Second, 10*time.Millisecond)
}

func TestProcessAnalysisTaskFailure(t *testing.T) {
	f := newProcessorFixture(t)
	f.service.SetStates("ad.mp4", inference.FileStateProcessing)

	runID := f.submit(t, workbookBytes(t, "分时段数据"))
	run := f.waitTerminal(t, runID)

	assert.Equal(t, tasks.Failed, run.State)
	require.NotNil(t, run.Failure)
	assert.Equal(t, tasks.MediaNotReady, run.Failure.Reason)
	assert.Equal(t, media.TimedOut, run.Failure.Outcome)
	assert.Empty(t, f.registry.List())
}

func TestProcessAnalysisTaskMissingStagedObject(t *testing.T) {
	f := newProcessorFixture(t)

	runID := f.runs.Create()
	payload := messaging.AnalysisTaskPayload{
		RunId:    runID,
		Workbook: messaging.StagedArtifact{Key: "runs/missing/workbook.xlsx", Name: "july.xlsx"},
		Image:    messaging.StagedArtifact{Key: "runs/missing/image.png", Name: "cover.png"},
		Video:    messaging.StagedArtifact{Key: "runs/missing/video.mp4", Name: "ad.mp4"},
	}
	require.NoError(t, f.queue.PublishAnalysisTask(context.Background(), payload))

	run := f.waitTerminal(t, runID)
	assert.Equal(t, tasks.Failed, run.State)
	assert.Contains(t, run.Failure.Message, "july.xlsx")
	assert.Empty(t, f.service.Uploads)
}

func TestProcessConcurrentRunsGetDistinctIDs(t *testing.T) {
	f := newProcessorFixture(t)
	workbook := workbookBytes(t, "分时段数据")

	var runIDs []uuid.UUID
	for i := 0; i < 4; i++ {
		runIDs = append(runIDs, f.submit(t, workbook))
	}

	seen := make(map[tasks.TaskID]bool)
	for _, runID := range runIDs {
		run := f.waitTerminal(t, runID)
		require.Equal(t, tasks.Registered, run.State)
		assert.False(t, seen[run.TaskID])
		seen[run.TaskID] = true
	}
	assert.Len(t, f.registry.List(), 4)
}

type recordingTask struct {
	queue    string
	payload  []byte
	acked    bool
	nacked   bool
	rejected bool
}

func (t *recordingTask) Type() string    { return t.queue }
func (t *recordingTask) Payload() []byte { return t.payload }
func (t *recordingTask) Ack() error      { t.acked = true; return nil }
func (t *recordingTask) Nack() error     { t.nacked = true; return nil }
func (t *recordingTask) Reject() error   { t.rejected = true; return nil }

func TestProcessTaskRejectsBadMessages(t *testing.T) {
	f := newProcessorFixture(t)

	unknown := &recordingTask{queue: "training_queue", payload: []byte("{}")}
	f.processor.ProcessTask(unknown)
	assert.True(t, unknown.rejected)

	malformed := &recordingTask{queue: messaging.AnalysisQueue, payload: []byte("not json")}
	f.processor.ProcessTask(malformed)
	assert.True(t, malformed.rejected)
	assert.False(t, malformed.acked)
}

func TestProcessTaskAckAndNack(t *testing.T) {
	f := newProcessorFixture(t)

	runID := f.runs.Create()
	payload := fmt.Sprintf(`{"RunId":%q,"Workbook":{"Key":"%s"},"Image":{},"Video":{}}`, runID,
		f.stage(t, runID, "workbook", "july.xlsx", "", workbookBytes(t, "分时段数据")).Key)
	invalid := &recordingTask{queue: messaging.AnalysisQueue, payload: []byte(payload)}
	f.processor.ProcessTask(invalid)

	assert.True(t, invalid.acked)
	assert.False(t, invalid.nacked)
	run, _ := f.runs.Get(runID)
	assert.Equal(t, tasks.CollectingInput, run.State)
	assert.Equal(t, []string{"image", "video"}, run.Missing)

	ok, _ := f.submitDirect(t)
	assert.True(t, ok.acked)
	assert.True(t, strings.HasPrefix(string(f.registry.List()[0].ID), time.Now().Format("0102")))
}

func TestProcessTaskAcksFailedRun(t *testing.T) {
	f := newProcessorFixture(t)
	f.service.SetStates("ad.mp4", inference.FileStateProcessing)

	task, runID := f.submitDirect(t)

	assert.True(t, task.acked)
	assert.False(t, task.nacked)
	run, ok := f.runs.Get(runID)
	require.True(t, ok)
	assert.Equal(t, tasks.Failed, run.State)
	require.NotNil(t, run.Failure)
	assert.Equal(t, tasks.MediaNotReady, run.Failure.Reason)
}

func TestProcessTaskNacksUnfetchableArtifacts(t *testing.T) {
	f := newProcessorFixture(t)

	runID := f.runs.Create()
	body := fmt.Sprintf(`{"RunId":%q,"Workbook":{"Key":"runs/gone/workbook.xlsx","Name":"july.xlsx"},"Image":{},"Video":{}}`, runID)
	task := &recordingTask{queue: messaging.AnalysisQueue, payload: []byte(body)}
	f.processor.ProcessTask(task)

	assert.True(t, task.nacked)
	assert.False(t, task.acked)
	run, _ := f.runs.Get(runID)
	assert.Equal(t, tasks.Failed, run.State)
}

func (f *processorFixture) submitDirect(t *testing.T) (*recordingTask, uuid.UUID) {
	t.Helper()
	runID := f.runs.Create()
	body := fmt.Sprintf(`{"RunId":%q,"Workbook":{"Key":%q,"Name":"july.xlsx"},"Image":{"Key":%q,"Name":"cover.png"},"Video":{"Key":%q,"Name":"ad.mp4"}}`,
		runID,
		f.stage(t, runID, "workbook", "july.xlsx", "", workbookBytes(t, "分时段数据")).Key,
		f.stage(t, runID, "image", "cover.png", "image/png", []byte("png")).Key,
		f.stage(t, runID, "video", "ad.mp4", "video/mp4", []byte("mp4")).Key,
	)
	task := &recordingTask{queue: messaging.AnalysisQueue, payload: []byte(body)}
	f.processor.ProcessTask(task)
	return task, runID
}
