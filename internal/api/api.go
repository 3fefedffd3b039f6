package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"attribution-backend/internal/chat"
	"attribution-backend/internal/inference"
	"attribution-backend/internal/messaging"
	"attribution-backend/internal/storage"
	"attribution-backend/internal/tasks"
	"attribution-backend/pkg/api"
)

// artifactFields are the multipart fields of POST /tasks, in the order they are reported missing.
var artifactFields = []string{"workbook", "image", "video"}

type TaskService struct {
	registry       *tasks.Registry
	runs           *tasks.RunTracker
	staging        *storage.Staging
	publisher      messaging.Publisher
	inference      inference.Service
	maxUploadBytes int64
}

func NewTaskService(registry *tasks.Registry, runs *tasks.RunTracker, staging *storage.Staging, publisher messaging.Publisher, service inference.Service, maxUploadBytes int64) *TaskService {
	return &TaskService{
		registry:       registry,
		runs:           runs,
		staging:        staging,
		publisher:      publisher,
		inference:      service,
		maxUploadBytes: maxUploadBytes,
	}
}

func (s *TaskService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Get("/runs/{run_id}", RestHandler(s.GetRun))
	r.Route("/view", func(r chi.Router) {
		r.Get("/", RestHandler(s.GetView))
		r.Post("/creation", RestHandler(s.SelectCreationView))
	})
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListTasks))
		r.Post("/", RestHandler(s.SubmitTask))
		r.Get("/{task_id}", RestHandler(s.GetTask))
		r.Delete("/{task_id}", RestHandler(s.DeleteTask))
		r.Post("/{task_id}/select", RestHandler(s.SelectTask))
		r.Get("/{task_id}/history", RestHandler(s.GetHistory))
		r.Post("/{task_id}/messages", RestHandler(s.SendMessage))
		r.Get("/{task_id}/transcript", s.GetTranscript)
	})
}

// taskError maps workflow and registry errors onto status codes.
func taskError(err error) error {
	var validationErr *tasks.ValidationError
	var inferenceErr *chat.InferenceError
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.As(err, &validationErr):
		return CodedError(http.StatusUnprocessableEntity, err)
	case errors.As(err, &inferenceErr):
		return CodedError(http.StatusBadGateway, err)
	default:
		return CodedError(http.StatusInternalServerError, err)
	}
}

type upload struct {
	field  string
	file   multipart.File
	header *multipart.FileHeader
}

// artifactTypes covers extensions missing from the platform mime tables.
var artifactTypes = map[string]string{
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

func mimeTypeOf(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ct, ok := artifactTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// multipartMemoryBytes is how much of an upload is held in memory before spilling to temp files.
const multipartMemoryBytes = 32 << 20

func (s *TaskService) SubmitTask(r *http.Request) (any, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(min(multipartMemoryBytes, s.maxUploadBytes)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", s.maxUploadBytes)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	var uploads []upload
	var missing []string
	for _, field := range artifactFields {
		file, header, err := r.FormFile(field)
		if err != nil {
			missing = append(missing, field)
			continue
		}
		defer file.Close()
		uploads = append(uploads, upload{field: field, file: file, header: header})
	}
	if len(missing) > 0 {
		return nil, taskError(&tasks.ValidationError{Missing: missing})
	}

	ctx := r.Context()
	runID := s.runs.Create()

	payload := messaging.AnalysisTaskPayload{RunId: runID}
	for _, u := range uploads {
		key, err := s.staging.Stage(ctx, runID, u.field, u.header.Filename, u.file)
		if err != nil {
			s.abandonRun(ctx, runID, err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to stage %s", u.field)
		}
		staged := messaging.StagedArtifact{Key: key, Name: u.header.Filename, MIMEType: mimeTypeOf(u.header)}
		switch u.field {
		case "workbook":
			payload.Workbook = staged
		case "image":
			payload.Image = staged
		case "video":
			payload.Video = staged
		}
	}

	if err := s.publisher.PublishAnalysisTask(ctx, payload); err != nil {
		slog.Error("error publishing analysis task", "run_id", runID, "error", err)
		s.abandonRun(ctx, runID, err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue analysis task")
	}

	slog.Info("submitted analysis task", "run_id", runID, "workbook", payload.Workbook.Name)
	return WithStatus(http.StatusAccepted, api.SubmitTaskResponse{RunId: runID}), nil
}

func (s *TaskService) abandonRun(ctx context.Context, runID uuid.UUID, err error) {
	s.runs.Complete(runID, tasks.CreationView, err)
	s.staging.Discard(context.WithoutCancel(ctx), runID)
}

func (s *TaskService) GetRun(r *http.Request) (any, error) {
	runID, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	run, ok := s.runs.Get(runID)
	if !ok {
		return nil, CodedErrorf(http.StatusNotFound, "run %s not found", runID)
	}
	return convertRun(run), nil
}

func (s *TaskService) ListTasks(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListTasksParams](r)
	if err != nil {
		return nil, err
	}
	if params.Limit < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "limit must not be negative")
	}

	list := s.registry.List()
	if params.Limit > 0 && len(list) > params.Limit {
		list = list[:params.Limit]
	}
	current, _ := s.registry.Current()

	return api.ListTasksResponse{Tasks: convertTasks(list), Current: string(current)}, nil
}

func (s *TaskService) GetView(r *http.Request) (any, error) {
	current, _ := s.registry.Current()
	if current == tasks.CreationView {
		return api.View{Mode: api.ViewCreation}, nil
	}
	return api.View{Mode: api.ViewTask, TaskId: string(current)}, nil
}

func (s *TaskService) SelectCreationView(r *http.Request) (any, error) {
	s.registry.SelectCreationView()
	return api.View{Mode: api.ViewCreation}, nil
}

func (s *TaskService) getTask(r *http.Request) (*tasks.Task, error) {
	id := tasks.TaskID(chi.URLParam(r, "task_id"))
	task, err := s.registry.Get(id)
	if err != nil {
		return nil, taskError(err)
	}
	return task, nil
}

func (s *TaskService) GetTask(r *http.Request) (any, error) {
	task, err := s.getTask(r)
	if err != nil {
		return nil, err
	}
	return convertTask(task), nil
}

func (s *TaskService) SelectTask(r *http.Request) (any, error) {
	id := tasks.TaskID(chi.URLParam(r, "task_id"))
	if _, err := s.registry.SelectTask(id); err != nil {
		return nil, taskError(err)
	}
	return api.View{Mode: api.ViewTask, TaskId: string(id)}, nil
}

func (s *TaskService) DeleteTask(r *http.Request) (any, error) {
	task, err := s.getTask(r)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Delete(task.ID); err != nil {
		return nil, taskError(err)
	}

	if s.inference != nil {
		ctx := context.WithoutCancel(r.Context())
		for _, file := range task.Media {
			if err := s.inference.DeleteFile(ctx, file.Name); err != nil {
				slog.Warn("error deleting task media", "task_id", task.ID, "file", file.Name, "error", err)
			}
		}
	}
	return nil, nil
}

func (s *TaskService) GetHistory(r *http.Request) (any, error) {
	task, err := s.getTask(r)
	if err != nil {
		return nil, err
	}
	return convertTurns(task.Session.History()), nil
}

func (s *TaskService) SendMessage(r *http.Request) (any, error) {
	task, err := s.getTask(r)
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.SendMessageRequest](r)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "message must not be empty")
	}

	reply, err := task.Session.SendText(r.Context(), req.Message)
	if err != nil {
		slog.Error("error sending follow-up message", "task_id", task.ID, "error", err)
		return nil, taskError(err)
	}

	return api.SendMessageResponse{Reply: reply, History: convertTurns(task.Session.History())}, nil
}

func (s *TaskService) GetTranscript(w http.ResponseWriter, r *http.Request) {
	task, err := s.getTask(r)
	if err != nil {
		writeError(w, err)
		return
	}

	params, err := ParseRequestQueryParams[api.TranscriptParams](r)
	if err != nil {
		writeError(w, err)
		return
	}
	format, err := chat.ParseFormat(params.Format)
	if err != nil {
		writeError(w, CodedError(http.StatusBadRequest, err))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", string(task.ID)+"."+transcriptExt(format)))
	transcript := chat.Transcript{Title: task.Title, Turns: task.Session.History()}
	if err := chat.WriteTranscript(w, transcript, format); err != nil {
		slog.Error("error writing transcript", "task_id", task.ID, "error", err)
	}
}

func transcriptExt(format chat.Format) string {
	switch format {
	case chat.FormatJSON:
		return "json"
	case chat.FormatYAML:
		return "yaml"
	default:
		return "md"
	}
}
