// Package inferencetest provides an in-process inference.Service with scripted behavior for tests.
package inferencetest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"attribution-backend/internal/inference"
)

type ReplyFunc func(sent []inference.Part, turn int) (string, error)

// Service is a scripted fake of the remote inference boundary. File states are played back
// per display name: the upload reports the first state, each GetFile advances one step and the
// last state repeats forever.
type Service struct {
	mu sync.Mutex

	states     map[string][]inference.FileState
	files      map[string]*fakeFile
	uploadErrs map[string]error
	getErr     error
	openErr    error
	reply      ReplyFunc

	nextID  int
	Uploads []Upload
	Deleted []string
	Chats   []*Chat
}

type Upload struct {
	DisplayName string
	MIMEType    string
	Data        []byte
}

type fakeFile struct {
	file   inference.File
	script []inference.FileState
	step   int
	polls  int
}

var _ inference.Service = (*Service)(nil)

func NewService() *Service {
	return &Service{
		states:     make(map[string][]inference.FileState),
		files:      make(map[string]*fakeFile),
		uploadErrs: make(map[string]error),
	}
}

// SetStates scripts the states reported for files uploaded under displayName.
func (s *Service) SetStates(displayName string, states ...inference.FileState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[displayName] = states
}

func (s *Service) FailUpload(displayName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadErrs[displayName] = err
}

func (s *Service) FailGetFile(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

func (s *Service) FailOpenChat(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

func (s *Service) SetReply(reply ReplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = reply
}

// Polls returns how many times GetFile was called for the named file.
func (s *Service) Polls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[name]; ok {
		return f.polls
	}
	return 0
}

func (s *Service) UploadFile(ctx context.Context, data io.Reader, mimeType, displayName string) (*inference.File, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.uploadErrs[displayName]; err != nil {
		return nil, err
	}

	s.nextID++
	script := s.states[displayName]
	if len(script) == 0 {
		script = []inference.FileState{inference.FileStateActive}
	}

	f := &fakeFile{
		file: inference.File{
			Name:     fmt.Sprintf("files/%d", s.nextID),
			MIMEType: mimeType,
			URI:      fmt.Sprintf("https://fake.invalid/files/%d", s.nextID),
			State:    script[0],
		},
		script: script,
	}
	s.files[f.file.Name] = f
	s.Uploads = append(s.Uploads, Upload{DisplayName: displayName, MIMEType: mimeType, Data: content})

	out := f.file
	return &out, nil
}

func (s *Service) GetFile(ctx context.Context, name string) (*inference.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}

	f, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("file %s not found", name)
	}

	f.polls++
	if f.step < len(f.script)-1 {
		f.step++
	}
	f.file.State = f.script[f.step]
	if f.file.State == inference.FileStateFailed {
		f.file.Error = "processing failed"
	}

	out := f.file
	return &out, nil
}

func (s *Service) DeleteFile(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deleted = append(s.Deleted, name)
	delete(s.files, name)
	return nil
}

func (s *Service) OpenChat(ctx context.Context, systemInstruction string) (inference.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openErr != nil {
		return nil, s.openErr
	}

	chat := &Chat{SystemInstruction: systemInstruction, service: s}
	s.Chats = append(s.Chats, chat)
	return chat, nil
}

// Chat records every message it receives.
type Chat struct {
	SystemInstruction string
	Sent              [][]inference.Part

	service *Service
	failErr error
	mu      sync.Mutex
}

// FailNext makes the next SendMessage call return err.
func (c *Chat) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = err
}

func (c *Chat) SendMessage(ctx context.Context, parts []inference.Part) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		err := c.failErr
		c.failErr = nil
		return "", err
	}

	c.Sent = append(c.Sent, parts)

	c.service.mu.Lock()
	reply := c.service.reply
	c.service.mu.Unlock()

	if reply != nil {
		return reply(parts, len(c.Sent))
	}
	return fmt.Sprintf("reply %d", len(c.Sent)), nil
}

// Messages returns a copy of the recorded messages.
func (c *Chat) Messages() [][]inference.Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]inference.Part(nil), c.Sent...)
}
