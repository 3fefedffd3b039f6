package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"attribution-backend/internal/inference"
)

type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

type FailedTurnPolicy int

const (
	// KeepFailedTurns leaves the attempted user turn in the history, marked as failed.
	KeepFailedTurns FailedTurnPolicy = iota
	// DiscardFailedTurns drops the user turn when its send fails.
	DiscardFailedTurns
)

// Session owns one remote conversation and the local mirror of its turns. The two are only
// ever changed together inside Send.
type Session struct {
	mu                sync.Mutex
	remote            inference.Chat
	systemInstruction string
	turns             []Turn
	policy            FailedTurnPolicy
	now               func() time.Time
}

type Option func(*Session)

func WithFailedTurnPolicy(policy FailedTurnPolicy) Option {
	return func(s *Session) { s.policy = policy }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func Open(ctx context.Context, service inference.Service, systemInstruction string, opts ...Option) (*Session, error) {
	remote, err := service.OpenChat(ctx, systemInstruction)
	if err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("could not open chat: %w", err)}
	}

	session := &Session{
		remote:            remote,
		systemInstruction: systemInstruction,
		policy:            KeepFailedTurns,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(session)
	}
	return session, nil
}

// Send delivers parts as one user turn and returns the model's reply. Sends on the same
// session are serialized so the remote sees turns in the order they were appended.
func (s *Session) Send(ctx context.Context, parts []inference.Part) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("message must have at least one part")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userTurn := Turn{Role: RoleUser, Timestamp: s.now()}
	var texts []string
	for _, part := range parts {
		if part.File != nil {
			userTurn.Media = append(userTurn.Media, part.File.Name)
			continue
		}
		texts = append(texts, part.Text)
	}
	userTurn.Content = strings.Join(texts, "\n")

	reply, err := s.remote.SendMessage(ctx, parts)
	if err != nil {
		slog.Error("error sending message", "turns", len(s.turns), "error", err)
		if s.policy == KeepFailedTurns {
			userTurn.Failed = true
			userTurn.Error = err.Error()
			s.turns = append(s.turns, userTurn)
		}
		return "", &InferenceError{Err: err}
	}

	s.turns = append(s.turns, userTurn, Turn{Role: RoleModel, Content: reply, Timestamp: s.now()})
	return reply, nil
}

func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	return s.Send(ctx, []inference.Part{inference.TextPart(text)})
}

// History returns a copy of every turn in append order.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

func (s *Session) SystemInstruction() string {
	return s.systemInstruction
}

// LastReply returns the most recent model turn, if any.
func (s *Session) LastReply() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == RoleModel {
			return s.turns[i].Content, true
		}
	}
	return "", false
}
