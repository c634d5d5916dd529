package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	assistantmodel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
)

// OpenAIConfig configures the OpenAI Assistants backend.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	RunTimeout   time.Duration
	Language     string
}

// OpenAIBackend drives the Assistants API (threads + runs) and Whisper transcription.
type OpenAIBackend struct {
	client       *openai.Client
	pollInterval time.Duration
	runTimeout   time.Duration
	language     string
	logger       zerolog.Logger
}

// NewOpenAIBackend creates an Assistants backend.
func NewOpenAIBackend(cfg OpenAIConfig, logger zerolog.Logger) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 60 * time.Second
	}

	return &OpenAIBackend{
		client:       openai.NewClientWithConfig(clientCfg),
		pollInterval: pollInterval,
		runTimeout:   runTimeout,
		language:     cfg.Language,
		logger:       logger.With().Str("provider", "openai").Logger(),
	}
}

// CreateAssistant creates a fresh assistant definition from a profile.
func (b *OpenAIBackend) CreateAssistant(ctx context.Context, profile assistantmodel.Profile) (string, error) {
	name := profile.Name
	instructions := profile.Instructions
	model := profile.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	created, err := b.client.CreateAssistant(ctx, openai.AssistantRequest{
		Name:         &name,
		Instructions: &instructions,
		Model:        model,
		Tools:        []openai.AssistantTool{},
	})
	if err != nil {
		return "", err
	}

	b.logger.Info().Str("assistantId", created.ID).Str("profile", profile.ID).Msg("assistant created")
	return created.ID, nil
}

// RetrieveAssistant looks up an existing assistant.
func (b *OpenAIBackend) RetrieveAssistant(ctx context.Context, assistantID string) (string, error) {
	found, err := b.client.RetrieveAssistant(ctx, assistantID)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 404 {
			return "", fmt.Errorf("%w: %s", ErrAssistantNotFound, assistantID)
		}
		return "", err
	}
	return found.ID, nil
}

// CreateThread opens a new conversation thread.
func (b *OpenAIBackend) CreateThread(ctx context.Context) (string, error) {
	thread, err := b.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", err
	}
	return thread.ID, nil
}

// DeleteThread removes a thread and its messages.
func (b *OpenAIBackend) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := b.client.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	b.logger.Debug().Str("threadId", threadID).Msg("thread deleted")
	return nil
}

// DeleteAssistant removes an assistant created for one session.
func (b *OpenAIBackend) DeleteAssistant(ctx context.Context, assistantID string) error {
	if _, err := b.client.DeleteAssistant(ctx, assistantID); err != nil {
		return err
	}
	b.logger.Debug().Str("assistantId", assistantID).Msg("assistant deleted")
	return nil
}

// SubmitAndAwaitReply adds the user message, runs the assistant, polls the run
// to a terminal status and returns the newest assistant text.
func (b *OpenAIBackend) SubmitAndAwaitReply(ctx context.Context, threadID, assistantID, text string) (string, error) {
	if _, err := b.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	}); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}

	run, err := b.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	run, err = b.awaitRun(ctx, threadID, run)
	if err != nil {
		return "", err
	}
	if run.Status != openai.RunStatusCompleted {
		return "", fmt.Errorf("%w: status=%s", ErrRunNotCompleted, run.Status)
	}

	limit := 20
	order := "desc"
	messages, err := b.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &run.ID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	for _, msg := range messages.Messages {
		if msg.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		if len(msg.Content) == 0 || msg.Content[0].Type != "text" || msg.Content[0].Text == nil {
			continue
		}
		return msg.Content[0].Text.Value, nil
	}

	return "", ErrEmptyReply
}

func (b *OpenAIBackend) awaitRun(ctx context.Context, threadID string, run openai.Run) (openai.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, b.runTimeout)
	defer cancel()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for runPending(run.Status) {
		select {
		case <-ctx.Done():
			return run, fmt.Errorf("await run %s: %w", run.ID, ctx.Err())
		case <-ticker.C:
		}

		next, err := b.client.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return run, fmt.Errorf("retrieve run: %w", err)
		}
		run = next
	}

	return run, nil
}

func runPending(status openai.RunStatus) bool {
	switch status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		return true
	default:
		return false
	}
}

// Transcribe sends the recording to Whisper.
func (b *OpenAIBackend) Transcribe(ctx context.Context, artifact audio.Artifact) (string, error) {
	if artifact.Empty() {
		return "", nil
	}

	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: artifact.FileName(),
		Reader:   bytes.NewReader(artifact.Data),
		Language: b.language,
	})
	if err != nil {
		return "", err
	}

	b.logger.Debug().Int("bytes", len(artifact.Data)).Int("chars", len(resp.Text)).Msg("transcription finished")
	return resp.Text, nil
}
