package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	assistantmodel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
)

var (
	ErrNotInitialized           = errors.New("assistant not initialized")
	ErrAssistantNotFound        = errors.New("assistant not found")
	ErrThreadNotFound           = errors.New("thread not found")
	ErrEmptyReply               = errors.New("assistant returned no text reply")
	ErrRunNotCompleted          = errors.New("assistant run did not complete")
	ErrTranscriptionUnavailable = errors.New("transcription unavailable")
)

// Transcriber turns a finished recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, artifact audio.Artifact) (string, error)
}

// Backend is the chat-completion service a Conversation talks to.
type Backend interface {
	Transcriber
	CreateAssistant(ctx context.Context, profile assistantmodel.Profile) (string, error)
	RetrieveAssistant(ctx context.Context, assistantID string) (string, error)
	CreateThread(ctx context.Context) (string, error)
	SubmitAndAwaitReply(ctx context.Context, threadID, assistantID, text string) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
	DeleteAssistant(ctx context.Context, assistantID string) error
}

// Reference identifies the assistant a conversation should use: an existing
// assistant id, or a profile to create a fresh assistant from.
type Reference struct {
	AssistantID string
	Profile     assistantmodel.Profile
}

// Conversation pairs one assistant with one thread. It is created per avatar
// session and discarded with it.
type Conversation struct {
	backend Backend

	mu          sync.RWMutex
	assistantID string
	threadID    string
	// owned 表示助手由本会话创建，关闭时一并删除。
	owned bool
}

// NewConversation 创建尚未初始化的会话。
func NewConversation(backend Backend) *Conversation {
	return &Conversation{backend: backend}
}

// Initialize retrieves or creates the assistant, then creates one thread.
func (c *Conversation) Initialize(ctx context.Context, ref Reference) error {
	var (
		assistantID string
		owned       bool
		err         error
	)

	if id := strings.TrimSpace(ref.AssistantID); id != "" {
		assistantID, err = c.backend.RetrieveAssistant(ctx, id)
		if err != nil {
			return fmt.Errorf("retrieve assistant %s: %w", id, err)
		}
	} else {
		assistantID, err = c.backend.CreateAssistant(ctx, ref.Profile)
		if err != nil {
			return fmt.Errorf("create assistant: %w", err)
		}
		owned = true
	}

	threadID, err := c.backend.CreateThread(ctx)
	if err != nil {
		if owned {
			if delErr := c.backend.DeleteAssistant(context.WithoutCancel(ctx), assistantID); delErr != nil {
				err = errors.Join(err, delErr)
			}
		}
		return fmt.Errorf("create thread: %w", err)
	}

	c.mu.Lock()
	c.assistantID = assistantID
	c.threadID = threadID
	c.owned = owned
	c.mu.Unlock()
	return nil
}

// Close deletes the thread, and the assistant when this conversation created it.
// The conversation is unusable afterwards; a second Close is a no-op.
func (c *Conversation) Close(ctx context.Context) error {
	c.mu.Lock()
	assistantID, threadID, owned := c.assistantID, c.threadID, c.owned
	c.assistantID, c.threadID, c.owned = "", "", false
	c.mu.Unlock()

	var errs []error
	if threadID != "" {
		if err := c.backend.DeleteThread(ctx, threadID); err != nil {
			errs = append(errs, fmt.Errorf("delete thread %s: %w", threadID, err))
		}
	}
	if owned && assistantID != "" {
		if err := c.backend.DeleteAssistant(ctx, assistantID); err != nil {
			errs = append(errs, fmt.Errorf("delete assistant %s: %w", assistantID, err))
		}
	}
	return errors.Join(errs...)
}

// Ready reports whether both the assistant and the thread are known.
func (c *Conversation) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assistantID != "" && c.threadID != ""
}

// IDs 返回助手与线程标识。
func (c *Conversation) IDs() (assistantID, threadID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assistantID, c.threadID
}

// Respond submits the user message and waits for the assistant reply.
func (c *Conversation) Respond(ctx context.Context, text string) (string, error) {
	assistantID, threadID := c.IDs()
	if assistantID == "" || threadID == "" {
		return "", ErrNotInitialized
	}

	reply, err := c.backend.SubmitAndAwaitReply(ctx, threadID, assistantID, text)
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Transcribe 将录音转为文本。
func (c *Conversation) Transcribe(ctx context.Context, artifact audio.Artifact) (string, error) {
	text, err := c.backend.Transcribe(ctx, artifact)
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	return strings.TrimSpace(text), nil
}
