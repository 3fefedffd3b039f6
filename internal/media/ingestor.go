package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"attribution-backend/internal/inference"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultReadyTimeout  = 60 * time.Second
	DefaultMaxPollErrors = 3
)

type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s failed: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

type Outcome string

const (
	Ready    Outcome = "ready"
	Failed   Outcome = "failed"
	TimedOut Outcome = "timed_out"
	Canceled Outcome = "canceled"
)

// Readiness is the result of AwaitReady. Failed, TimedOut and Canceled are ordinary results;
// Err carries the underlying cause when there is one.
type Readiness struct {
	Outcome Outcome
	File    *inference.File
	Elapsed time.Duration
	Err     error
}

type Progress struct {
	File    string              `json:"file"`
	State   inference.FileState `json:"state"`
	Elapsed time.Duration       `json:"elapsed"`
	Budget  time.Duration       `json:"budget"`
}

type ProgressFunc func(Progress)

type Ingestor struct {
	service       inference.Service
	pollInterval  time.Duration
	timeout       time.Duration
	maxPollErrors int
}

type Option func(*Ingestor)

func WithPollInterval(d time.Duration) Option {
	return func(i *Ingestor) { i.pollInterval = d }
}

func WithTimeout(d time.Duration) Option {
	return func(i *Ingestor) { i.timeout = d }
}

// WithMaxPollErrors sets how many consecutive status lookups may fail before the wait is
// reported as Failed.
func WithMaxPollErrors(n int) Option {
	return func(i *Ingestor) { i.maxPollErrors = n }
}

func NewIngestor(service inference.Service, opts ...Option) *Ingestor {
	i := &Ingestor{
		service:       service,
		pollInterval:  DefaultPollInterval,
		timeout:       DefaultReadyTimeout,
		maxPollErrors: DefaultMaxPollErrors,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.maxPollErrors < 1 {
		i.maxPollErrors = 1
	}
	return i
}

func (i *Ingestor) Timeout() time.Duration {
	return i.timeout
}

// Upload sends the blob to the inference service and returns the handle in whatever state the
// service reports immediately.
func (i *Ingestor) Upload(ctx context.Context, blob io.Reader, mimeType, name string) (*inference.File, error) {
	file, err := i.service.UploadFile(ctx, blob, mimeType, name)
	if err != nil {
		return nil, &UploadError{Name: name, Err: err}
	}
	slog.Info("uploaded media", "name", name, "file", file.Name, "mime_type", mimeType, "state", file.State)
	return file, nil
}

// AwaitReady polls the file until it is active, failed, the timeout budget is spent or ctx is
// canceled. The last poll happens at the budget boundary, so a file still processing at that
// point is TimedOut.
func (i *Ingestor) AwaitReady(ctx context.Context, file *inference.File, progress ProgressFunc) Readiness {
	start := time.Now()
	current := file
	pollErrors := 0
	var lastErr error

	report := func(elapsed time.Duration) {
		if progress != nil {
			progress(Progress{File: file.Name, State: current.State, Elapsed: elapsed, Budget: i.timeout})
		}
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		elapsed := time.Since(start)

		switch current.State {
		case inference.FileStateActive:
			report(elapsed)
			return Readiness{Outcome: Ready, File: current, Elapsed: elapsed}
		case inference.FileStateFailed:
			report(elapsed)
			var err error
			if current.Error != "" {
				err = errors.New(current.Error)
			}
			slog.Warn("media processing failed", "file", file.Name, "elapsed", elapsed, "error", current.Error)
			return Readiness{Outcome: Failed, File: current, Elapsed: elapsed, Err: err}
		}

		report(elapsed)

		if elapsed >= i.timeout {
			slog.Warn("media not ready within budget", "file", file.Name, "state", current.State, "elapsed", elapsed, "budget", i.timeout)
			return Readiness{Outcome: TimedOut, File: current, Elapsed: elapsed, Err: lastErr}
		}

		timer.Reset(min(i.pollInterval, i.timeout-elapsed))
		select {
		case <-ctx.Done():
			return Readiness{Outcome: Canceled, File: current, Elapsed: time.Since(start), Err: ctx.Err()}
		case <-timer.C:
		}

		next, err := i.service.GetFile(ctx, file.Name)
		if err != nil {
			if ctx.Err() != nil {
				return Readiness{Outcome: Canceled, File: current, Elapsed: time.Since(start), Err: ctx.Err()}
			}
			pollErrors++
			lastErr = err
			slog.Warn("error polling media state", "file", file.Name, "attempt", pollErrors, "error", err)
			if pollErrors >= i.maxPollErrors {
				return Readiness{Outcome: Failed, File: current, Elapsed: time.Since(start), Err: fmt.Errorf("error polling state of %s: %w", file.Name, err)}
			}
			continue
		}

		pollErrors = 0
		current = next
	}
}
