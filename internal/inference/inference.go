package inference

import (
	"context"
	"io"
)

type FileState string

const (
	FileStateUnspecified FileState = "STATE_UNSPECIFIED"
	FileStateProcessing  FileState = "PROCESSING"
	FileStateActive      FileState = "ACTIVE"
	FileStateFailed      FileState = "FAILED"
)

// Terminal reports whether the remote service will not move the file out of this state.
func (s FileState) Terminal() bool {
	return s == FileStateActive || s == FileStateFailed
}

// File is the remote reference returned by the ingestion API. It is never mutated locally,
// a fresh copy is fetched through GetFile to observe state transitions.
type File struct {
	Name     string
	MIMEType string
	URI      string
	State    FileState
	Error    string
}

// Part is one element of a multi-part message: either text or a reference to an uploaded file.
type Part struct {
	Text string
	File *File
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func FilePart(file *File) Part {
	return Part{File: file}
}

type Service interface {
	UploadFile(ctx context.Context, data io.Reader, mimeType, displayName string) (*File, error)

	GetFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	OpenChat(ctx context.Context, systemInstruction string) (Chat, error)
}

// Chat is a stateful multi-turn exchange held by the remote service.
type Chat interface {
	SendMessage(ctx context.Context, parts []Part) (string, error)
}
