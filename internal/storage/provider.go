package storage

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("object not found")

type Object struct {
	Name string
	Size int64
}

type ObjectIterator func(yield func(obj Object, err error) bool)

// Provider stores uploaded artifacts between the request that receives them and the worker
// that analyzes them.
type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	IterObjects(ctx context.Context, bucket, prefix string) ObjectIterator

	DeleteObjects(ctx context.Context, bucket, prefix string) error
}
