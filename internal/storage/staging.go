package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Staging holds the artifacts of a submitted run until a worker picks it up. Keys have the
// form runs/<run_id>/<kind><ext>.
type Staging struct {
	provider Provider
	bucket   string
}

func NewStaging(ctx context.Context, provider Provider, bucket string) (*Staging, error) {
	if err := provider.CreateBucket(ctx, bucket); err != nil {
		return nil, fmt.Errorf("error creating staging bucket: %w", err)
	}
	return &Staging{provider: provider, bucket: bucket}, nil
}

func runPrefix(runID uuid.UUID) string {
	return fmt.Sprintf("runs/%s/", runID)
}

func StagingKey(runID uuid.UUID, kind, filename string) string {
	return runPrefix(runID) + kind + strings.ToLower(filepath.Ext(filename))
}

func (s *Staging) Stage(ctx context.Context, runID uuid.UUID, kind, filename string, data io.Reader) (string, error) {
	key := StagingKey(runID, kind, filename)
	if err := s.provider.PutObject(ctx, s.bucket, key, data); err != nil {
		return "", fmt.Errorf("error staging %s: %w", kind, err)
	}
	return key, nil
}

func (s *Staging) Fetch(ctx context.Context, key string) ([]byte, error) {
	return s.provider.GetObject(ctx, s.bucket, key)
}

// Discard removes everything staged for the run. Errors are logged, the run result does not
// depend on them.
func (s *Staging) Discard(ctx context.Context, runID uuid.UUID) {
	if err := s.provider.DeleteObjects(ctx, s.bucket, runPrefix(runID)); err != nil {
		slog.Warn("error discarding staged artifacts", "run_id", runID, "error", err)
	}
}
