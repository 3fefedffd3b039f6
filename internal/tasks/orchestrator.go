package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"golang.org/x/sync/errgroup"

	"attribution-backend/internal/chat"
	"attribution-backend/internal/extract"
	"attribution-backend/internal/inference"
	"attribution-backend/internal/media"
)

type Artifact struct {
	Name     string
	MIMEType string
	Data     io.Reader
}

type Artifacts struct {
	Workbook *Artifact
	Image    *Artifact
	Video    *Artifact
}

func (a Artifacts) missing() []string {
	var missing []string
	for _, item := range []struct {
		name     string
		artifact *Artifact
	}{{"workbook", a.Workbook}, {"image", a.Image}, {"video", a.Video}} {
		if item.artifact == nil || item.artifact.Data == nil {
			missing = append(missing, item.name)
		}
	}
	return missing
}

// Event reports a workflow step to whoever is observing the run. Media is set while waiting for
// readiness.
type Event struct {
	State   State
	Message string
	Media   *media.Progress
}

// ProgressFunc may be called from several goroutines while media readiness is awaited.
type ProgressFunc func(Event)

type OrchestratorConfig struct {
	Service           inference.Service
	Ingestor          *media.Ingestor
	Registry          *Registry
	Aliases           extract.AliasMap
	SystemInstruction string
	PromptTemplate    string
	SessionOptions    []chat.Option
}

// Orchestrator runs the start-analysis workflow: extract records, upload and await media,
// open a conversation with the initial turn, then register the task.
type Orchestrator struct {
	service           inference.Service
	ingestor          *media.Ingestor
	registry          *Registry
	aliases           extract.AliasMap
	systemInstruction string
	prompt            *template.Template
	sessionOptions    []chat.Option
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Service == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("orchestrator requires an inference service and a registry")
	}

	ingestor := cfg.Ingestor
	if ingestor == nil {
		ingestor = media.NewIngestor(cfg.Service)
	}
	aliases := cfg.Aliases
	if len(aliases) == 0 {
		aliases = extract.DefaultAliases
	}
	instruction := cfg.SystemInstruction
	if instruction == "" {
		instruction = DefaultSystemInstruction
	}
	promptText := cfg.PromptTemplate
	if promptText == "" {
		promptText = DefaultPromptTemplate
	}
	prompt, err := parsePromptTemplate(promptText)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		service:           cfg.Service,
		ingestor:          ingestor,
		registry:          cfg.Registry,
		aliases:           aliases,
		systemInstruction: instruction,
		prompt:            prompt,
		sessionOptions:    cfg.SessionOptions,
	}, nil
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

type workflow struct {
	state    State
	progress ProgressFunc
	uploaded []*inference.File
	started  time.Time
}

// transition moves the workflow forward. A disallowed move fails the run, or leaves it
// untouched if it already ended.
func (w *workflow) transition(to State, message string) error {
	if !isAllowedTransition(w.state, to) {
		slog.Error("disallowed workflow transition", "from", w.state, "to", to)
		err := fmt.Errorf("disallowed workflow transition %s -> %s", w.state, to)
		if IsTerminal(w.state) {
			return &FailedError{Reason: InvalidTransition, State: w.state, Err: err}
		}
		return w.fail(&FailedError{Reason: InvalidTransition, Err: err})
	}
	w.state = to
	if w.progress != nil {
		w.progress(Event{State: to, Message: message})
	}
	return nil
}

func (w *workflow) fail(failure *FailedError) error {
	failure.State = w.state
	if err := w.transition(Failed, failure.Error()); err != nil {
		return err
	}
	return failure
}

// StartTask runs the workflow to completion and returns the new task's id. A
// *ValidationError means the inputs were incomplete; any other failure is a *FailedError.
func (o *Orchestrator) StartTask(ctx context.Context, artifacts Artifacts, progress ProgressFunc) (TaskID, error) {
	if missing := artifacts.missing(); len(missing) > 0 {
		return CreationView, &ValidationError{Missing: missing}
	}

	w := &workflow{state: CollectingInput, progress: progress, started: time.Now()}

	if err := w.transition(ExtractingData, "extracting records from "+artifacts.Workbook.Name); err != nil {
		return CreationView, err
	}
	bundle, err := extract.Extract(artifacts.Workbook.Data, o.aliases)
	if err != nil {
		reason := UnreadableWorkbook
		var extractionErr *extract.ExtractionError
		if errors.As(err, &extractionErr) && extractionErr.Kind == extract.NoMatch {
			reason = NoMatchingSheets
		}
		return CreationView, w.fail(&FailedError{Reason: reason, Err: err})
	}
	data, err := bundle.JSON()
	if err != nil {
		return CreationView, w.fail(&FailedError{Reason: UnreadableWorkbook, Err: err})
	}

	taskID, err := o.continueWithMedia(ctx, w, artifacts, bundle, data)
	if err != nil {
		o.cleanup(ctx, w.uploaded)
		return CreationView, err
	}

	slog.Info("analysis task ready", "task_id", taskID, "elapsed", time.Since(w.started))
	return taskID, nil
}

func (o *Orchestrator) continueWithMedia(ctx context.Context, w *workflow, artifacts Artifacts, bundle extract.RecordBundle, data string) (TaskID, error) {
	if err := w.transition(UploadingMedia, "uploading image and video"); err != nil {
		return CreationView, err
	}
	image, err := o.ingestor.Upload(ctx, artifacts.Image.Data, artifacts.Image.MIMEType, artifacts.Image.Name)
	if err != nil {
		return CreationView, w.fail(&FailedError{Reason: o.reasonFor(ctx, UploadFailed), Err: err})
	}
	w.uploaded = append(w.uploaded, image)

	video, err := o.ingestor.Upload(ctx, artifacts.Video.Data, artifacts.Video.MIMEType, artifacts.Video.Name)
	if err != nil {
		return CreationView, w.fail(&FailedError{Reason: o.reasonFor(ctx, UploadFailed), Err: err})
	}
	w.uploaded = append(w.uploaded, video)

	if err := w.transition(AwaitingMediaReadiness, "waiting for media processing"); err != nil {
		return CreationView, err
	}
	ready, err := o.awaitAll(ctx, w, []*inference.File{image, video}, []string{artifacts.Image.Name, artifacts.Video.Name})
	if err != nil {
		return CreationView, err
	}

	if err := w.transition(Inferring, "generating the initial report"); err != nil {
		return CreationView, err
	}
	prompt, err := renderPrompt(o.prompt, data)
	if err != nil {
		return CreationView, w.fail(&FailedError{Reason: InferenceFailed, Err: err})
	}

	session, err := chat.Open(ctx, o.service, o.systemInstruction, o.sessionOptions...)
	if err != nil {
		return CreationView, w.fail(&FailedError{Reason: o.reasonFor(ctx, InferenceFailed), Err: err})
	}

	parts := []inference.Part{inference.TextPart(prompt)}
	for _, file := range ready {
		parts = append(parts, inference.FilePart(file))
	}
	if _, err := session.Send(ctx, parts); err != nil {
		return CreationView, w.fail(&FailedError{Reason: o.reasonFor(ctx, InferenceFailed), Err: err})
	}

	task := &Task{
		Title:   titleFrom(artifacts.Workbook.Name),
		Session: session,
		Aliases: bundle.Aliases(),
		Media:   ready,
	}
	id := o.registry.RegisterNew(task)
	if _, err := o.registry.SelectTask(id); err != nil {
		slog.Warn("registered task vanished before selection", "task_id", id)
	}
	if err := w.transition(Registered, string(id)); err != nil {
		return CreationView, err
	}
	return id, nil
}

// awaitAll waits for every file concurrently, keeping the input order in the result. The first
// file that does not become ready cancels the others.
func (o *Orchestrator) awaitAll(ctx context.Context, w *workflow, files []*inference.File, names []string) ([]*inference.File, error) {
	results := make([]media.Readiness, len(files))

	g, gctx := errgroup.WithContext(ctx)
	for i, file := range files {
		g.Go(func() error {
			results[i] = o.ingestor.AwaitReady(gctx, file, func(p media.Progress) {
				if w.progress != nil {
					w.progress(Event{State: AwaitingMediaReadiness, Message: names[i], Media: &p})
				}
			})
			if results[i].Outcome != media.Ready {
				return fmt.Errorf("%s %s", names[i], results[i].Outcome)
			}
			return nil
		})
	}

	if err := g.Wait(); err == nil {
		ready := make([]*inference.File, len(results))
		for i, res := range results {
			ready[i] = res.File
		}
		return ready, nil
	}

	// report the file that actually failed rather than the ones canceled because of it
	for i, res := range results {
		if res.Outcome == media.Ready || (res.Outcome == media.Canceled && ctx.Err() == nil) {
			continue
		}
		reason := MediaNotReady
		if res.Outcome == media.Canceled {
			reason = Canceled
		}
		return nil, w.fail(&FailedError{
			Reason:  reason,
			Media:   names[i],
			Outcome: res.Outcome,
			Elapsed: res.Elapsed,
			Err:     res.Err,
		})
	}
	return nil, w.fail(&FailedError{Reason: MediaNotReady, Err: fmt.Errorf("media did not become ready")})
}

func (o *Orchestrator) reasonFor(ctx context.Context, reason FailureReason) FailureReason {
	if ctx.Err() != nil {
		return Canceled
	}
	return reason
}

func (o *Orchestrator) cleanup(ctx context.Context, files []*inference.File) {
	ctx = context.WithoutCancel(ctx)
	for _, file := range files {
		if err := o.service.DeleteFile(ctx, file.Name); err != nil {
			slog.Warn("error deleting uploaded media", "file", file.Name, "error", err)
		}
	}
}

func titleFrom(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
