package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	assistantmodel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
)

const defaultHistoryLimit = 10

type localAssistant struct {
	profile assistantmodel.Profile
}

type localThread struct {
	messages []*schema.Message
}

// ArkBackend keeps assistants and threads in memory and answers through an
// eino prompt chain on top of the Ark chat model.
type ArkBackend struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	transcriber  Transcriber
	historyLimit int
	logger       zerolog.Logger

	mu         sync.RWMutex
	assistants map[string]localAssistant
	threads    map[string]*localThread
}

// ArkOption customises an ArkBackend.
type ArkOption func(*ArkBackend)

// WithTranscriber delegates voice transcription to another backend.
func WithTranscriber(t Transcriber) ArkOption {
	return func(b *ArkBackend) {
		b.transcriber = t
	}
}

// WithHistoryLimit 限制每次请求携带的历史消息条数。
func WithHistoryLimit(limit int) ArkOption {
	return func(b *ArkBackend) {
		if limit > 0 {
			b.historyLimit = limit
		}
	}
}

// NewArkBackend compiles the system/history/query chain around chatModel.
func NewArkBackend(ctx context.Context, chatModel model.ChatModel, logger zerolog.Logger, opts ...ArkOption) (*ArkBackend, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	b := &ArkBackend{
		chain:        runnable,
		historyLimit: defaultHistoryLimit,
		logger:       logger.With().Str("provider", "ark").Logger(),
		assistants:   make(map[string]localAssistant),
		threads:      make(map[string]*localThread),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// CreateAssistant registers a local assistant definition.
func (b *ArkBackend) CreateAssistant(_ context.Context, profile assistantmodel.Profile) (string, error) {
	id := "asst_" + uuid.NewString()

	b.mu.Lock()
	b.assistants[id] = localAssistant{profile: profile}
	b.mu.Unlock()

	b.logger.Info().Str("assistantId", id).Str("profile", profile.ID).Msg("assistant created")
	return id, nil
}

// RetrieveAssistant only finds assistants created by this process.
func (b *ArkBackend) RetrieveAssistant(_ context.Context, assistantID string) (string, error) {
	b.mu.RLock()
	_, ok := b.assistants[assistantID]
	b.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAssistantNotFound, assistantID)
	}
	return assistantID, nil
}

// CreateThread 创建空的本地线程。
func (b *ArkBackend) CreateThread(_ context.Context) (string, error) {
	id := "thread_" + uuid.NewString()

	b.mu.Lock()
	b.threads[id] = &localThread{}
	b.mu.Unlock()
	return id, nil
}

// DeleteThread drops the thread and its history.
func (b *ArkBackend) DeleteThread(_ context.Context, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.threads[threadID]; !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	delete(b.threads, threadID)
	return nil
}

// DeleteAssistant 删除本地助手定义。
func (b *ArkBackend) DeleteAssistant(_ context.Context, assistantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.assistants[assistantID]; !ok {
		return fmt.Errorf("%w: %s", ErrAssistantNotFound, assistantID)
	}
	delete(b.assistants, assistantID)
	return nil
}

// Len reports how many assistants and threads are held in memory.
func (b *ArkBackend) Len() (assistants, threads int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.assistants), len(b.threads)
}

// SubmitAndAwaitReply runs the chain with the thread history and records both
// sides of the exchange on success.
func (b *ArkBackend) SubmitAndAwaitReply(ctx context.Context, threadID, assistantID, text string) (string, error) {
	b.mu.RLock()
	assistant, ok := b.assistants[assistantID]
	thread, threadOK := b.threads[threadID]
	var history []*schema.Message
	if threadOK {
		history = b.recentHistory(thread.messages)
	}
	b.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAssistantNotFound, assistantID)
	}
	if !threadOK {
		return "", fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}

	input := map[string]any{
		"system":  assistant.profile.Instructions,
		"history": history,
		"query":   text,
	}

	response, err := b.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	reply := ""
	if response != nil {
		reply = strings.TrimSpace(response.Content)
	}
	if reply == "" {
		return "", ErrEmptyReply
	}

	b.mu.Lock()
	thread.messages = append(thread.messages, schema.UserMessage(text), schema.AssistantMessage(reply, nil))
	b.mu.Unlock()

	b.logger.Debug().Str("threadId", threadID).Int("length", len(reply)).Msg("generated response")
	return reply, nil
}

// recentHistory 需在持有读锁时调用。
func (b *ArkBackend) recentHistory(messages []*schema.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	start := 0
	if len(messages) > b.historyLimit {
		start = len(messages) - b.historyLimit
	}
	return append([]*schema.Message(nil), messages[start:]...)
}

// Transcribe delegates to the configured transcriber.
func (b *ArkBackend) Transcribe(ctx context.Context, artifact audio.Artifact) (string, error) {
	if b.transcriber == nil {
		return "", ErrTranscriptionUnavailable
	}
	return b.transcriber.Transcribe(ctx, artifact)
}
