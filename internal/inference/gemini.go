package inference

import (
	"context"
	"fmt"
	"io"
	"strings"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-1.5-flash"

// GeminiService implements Service on top of the Gemini File API and chat sessions.
type GeminiService struct {
	client *genai.Client
	model  string
}

var _ Service = (*GeminiService)(nil)

func NewGeminiService(ctx context.Context, apiKey, model string) (*GeminiService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiService{client: client, model: model}, nil
}

func (s *GeminiService) UploadFile(ctx context.Context, data io.Reader, mimeType, displayName string) (*File, error) {
	file, err := s.client.Files.Upload(ctx, data, &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}
	return convertFile(file), nil
}

func (s *GeminiService) GetFile(ctx context.Context, name string) (*File, error) {
	file, err := s.client.Files.Get(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s: %w", name, err)
	}
	return convertFile(file), nil
}

func (s *GeminiService) DeleteFile(ctx context.Context, name string) error {
	if _, err := s.client.Files.Delete(ctx, name, nil); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", name, err)
	}
	return nil
}

func (s *GeminiService) OpenChat(ctx context.Context, systemInstruction string) (Chat, error) {
	config := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	chat, err := s.client.Chats.Create(ctx, s.model, config, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat with model %s: %w", s.model, err)
	}
	return &geminiChat{chat: chat}, nil
}

type geminiChat struct {
	chat *genai.Chat
}

func (c *geminiChat) SendMessage(ctx context.Context, parts []Part) (string, error) {
	converted := make([]genai.Part, 0, len(parts))
	for _, part := range parts {
		if part.File != nil {
			converted = append(converted, genai.Part{
				FileData: &genai.FileData{
					FileURI:  part.File.URI,
					MIMEType: part.File.MIMEType,
				},
			})
			continue
		}
		converted = append(converted, genai.Part{Text: part.Text})
	}

	resp, err := c.chat.SendMessage(ctx, converted...)
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no response candidates generated")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty response content (finish reason: %s)", candidate.FinishReason)
	}

	var texts []string
	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n\n"), nil
}

func convertFile(file *genai.File) *File {
	f := &File{
		Name:     file.Name,
		MIMEType: file.MIMEType,
		URI:      file.URI,
		State:    FileState(file.State),
	}
	if f.State == "" {
		f.State = FileStateUnspecified
	}
	if file.Error != nil {
		f.Error = file.Error.Message
	}
	return f
}
