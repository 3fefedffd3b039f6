package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalProvider keeps objects under dir/<bucket>/<key>. Used for single host deployments and tests.
type LocalProvider struct {
	dir string
}

func NewLocalProvider(dir string) *LocalProvider {
	return &LocalProvider{dir: dir}
}

func (p *LocalProvider) path(bucket, key string) string {
	return filepath.Join(p.dir, bucket, filepath.FromSlash(key))
}

func (p *LocalProvider) CreateBucket(ctx context.Context, bucket string) error {
	return os.MkdirAll(filepath.Join(p.dir, bucket), os.ModePerm)
}

func (p *LocalProvider) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := os.ReadFile(p.path(bucket, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (p *LocalProvider) PutObject(ctx context.Context, bucket, key string, data io.Reader) error {
	path := p.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}

	dst, err := os.Create(path)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, data); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write object %s/%s: %w", bucket, key, err)
	}

	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to close object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// IterObjects walks the bucket recursively and yields keys with forward slashes, sorted.
func (p *LocalProvider) IterObjects(ctx context.Context, bucket, prefix string) ObjectIterator {
	return func(yield func(obj Object, err error) bool) {
		root := filepath.Join(p.dir, bucket)

		var objects []Object
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if prefix != "" && !strings.HasPrefix(key, prefix) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			objects = append(objects, Object{Name: key, Size: info.Size()})
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			yield(Object{}, fmt.Errorf("failed to list objects in %s with prefix %s: %w", bucket, prefix, err))
			return
		}

		sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
		for _, obj := range objects {
			if !yield(obj, nil) {
				return
			}
		}
	}
}

func (p *LocalProvider) DeleteObjects(ctx context.Context, bucket, prefix string) error {
	for obj, err := range p.IterObjects(ctx, bucket, prefix) {
		if err != nil {
			return err
		}
		if err := os.Remove(p.path(bucket, obj.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete objects in %s with prefix %s: %w", bucket, prefix, err)
		}
	}

	// drop the directory left behind when the prefix names one
	dir := p.path(bucket, strings.TrimSuffix(prefix, "/"))
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}
