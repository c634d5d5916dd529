// Package console bundles the per-client pieces of the avatar chat: one
// session manager, one turn controller, one recorder and one log.
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/capture"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/session"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/turn"
)

// Mode 输入模式
type Mode string

const (
	ModeText  Mode = "text_mode"
	ModeVoice Mode = "voice_mode"
)

var ErrInvalidMode = errors.New("invalid chat mode")

// ParseMode validates a mode value sent by the client.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeText, ModeVoice:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Params are the page-level parameters a console was opened with.
type Params struct {
	AvatarID    string `json:"avatarId"`
	VoiceID     string `json:"voiceId"`
	AssistantID string `json:"assistantId,omitempty"`
	ProfileID   string `json:"profileId,omitempty"`
	Language    string `json:"language"`
}

// Snapshot is the JSON view of a console.
type Snapshot struct {
	ID        string           `json:"id"`
	Params    Params           `json:"params"`
	Mode      Mode             `json:"mode"`
	Session   session.Snapshot `json:"session"`
	Turn      turn.State       `json:"turn"`
	Busy      bool             `json:"busy"`
	Recording bool             `json:"recording"`
	LogLength int              `json:"logLength"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Console is the single visual surface of one browser client.
type Console struct {
	ID        string
	Params    Params
	CreatedAt time.Time

	session  *session.Manager
	turns    *turn.Controller
	recorder *capture.Recorder
	log      *chat.Log
	hub      *Hub
	order    chat.Order
	logger   zerolog.Logger

	mu   sync.Mutex
	mode Mode
}

// Session exposes the session manager.
func (c *Console) Session() *session.Manager {
	return c.session
}

// Turns exposes the turn controller.
func (c *Console) Turns() *turn.Controller {
	return c.turns
}

// Events subscribes to the console event stream.
func (c *Console) Events() (<-chan Event, func()) {
	return c.hub.Subscribe(64)
}

// Mode returns the current chat mode.
func (c *Console) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// StartSession opens the avatar stream with the console parameters and
// switches the console to voice mode.
func (c *Console) StartSession(ctx context.Context) error {
	c.hub.Publish(EventSession, map[string]string{"state": string(session.StateConnecting)})

	err := c.session.Start(ctx, avatar.SessionConfig{
		AvatarID:    c.Params.AvatarID,
		VoiceID:     c.Params.VoiceID,
		Language:    c.Params.Language,
		AssistantID: c.Params.AssistantID,
		ProfileID:   c.Params.ProfileID,
	})
	c.hub.Publish(EventSession, c.session.Snapshot())
	if err != nil {
		if !errors.Is(err, session.ErrSessionActive) {
			c.hub.Publish(EventDiagnostic, err.Error())
		}
		return err
	}

	c.mu.Lock()
	c.mode = ModeVoice
	c.mu.Unlock()
	c.hub.Publish(EventMode, ModeVoice)
	return nil
}

// EndSession closes the avatar stream. It is safe without a session.
func (c *Console) EndSession(ctx context.Context) {
	c.session.End(ctx)
	c.hub.Publish(EventSession, c.session.Snapshot())
}

// Interrupt cancels the current avatar utterance.
func (c *Console) Interrupt(ctx context.Context) error {
	if err := c.session.Interrupt(ctx); err != nil {
		c.hub.Publish(EventDiagnostic, "Avatar API not initialized")
		return err
	}
	return nil
}

// SetMode switches the input mode. Entering voice mode starts a recording.
func (c *Console) SetMode(ctx context.Context, mode Mode, mic capture.Microphone) error {
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return nil
	}
	c.mode = mode
	c.mu.Unlock()
	c.hub.Publish(EventMode, mode)

	switch mode {
	case ModeVoice:
		if err := c.StartRecording(ctx, mic); err != nil {
			c.logger.Warn().Err(err).Msg("voice mode without recording")
		}
	case ModeText:
		c.discardRecording()
	}
	return nil
}

// StartRecording begins a voice turn.
func (c *Console) StartRecording(ctx context.Context, mic capture.Microphone) error {
	if err := c.turns.BeginCapture(); err != nil {
		return err
	}
	if mic != nil {
		c.recorder.SetMicrophone(mic)
	}
	if err := c.recorder.Start(ctx); err != nil {
		_ = c.turns.CancelCapture()
		c.hub.Publish(EventDiagnostic, fmt.Sprintf("Error accessing microphone: %v", err))
		return err
	}
	c.hub.Publish(EventRecording, map[string]bool{"recording": true})
	return nil
}

// WriteAudio buffers one encoded chunk of the active recording.
func (c *Console) WriteAudio(chunk []byte) error {
	return c.recorder.Write(chunk)
}

// StopRecording finalizes the recording and runs the voice turn.
func (c *Console) StopRecording(ctx context.Context) (*chat.Entry, error) {
	artifact, err := c.recorder.Stop()
	if err != nil {
		return nil, err
	}
	c.hub.Publish(EventRecording, map[string]any{"recording": false, "encoding": artifact.Encoding, "bytes": len(artifact.Data)})
	return c.turns.SubmitCaptured(ctx, artifact)
}

// SubmitVoice runs a voice turn on an upload that was recorded client side.
// It is rejected with turn.ErrBusy while a server side recording is running.
func (c *Console) SubmitVoice(ctx context.Context, artifact audio.Artifact) (*chat.Entry, error) {
	return c.turns.SubmitVoice(ctx, artifact)
}

// SubmitText runs a text turn.
func (c *Console) SubmitText(ctx context.Context, text string) (chat.Entry, error) {
	return c.turns.SubmitText(ctx, text)
}

// Log returns the conversation log. An empty order uses the console default.
func (c *Console) Log(order chat.Order) []chat.Entry {
	if order == "" {
		order = c.order
	}
	return c.log.Entries(order)
}

// Snapshot 返回控制台当前状态。
func (c *Console) Snapshot() Snapshot {
	return Snapshot{
		ID:        c.ID,
		Params:    c.Params,
		Mode:      c.Mode(),
		Session:   c.session.Snapshot(),
		Turn:      c.turns.State(),
		Busy:      c.turns.Busy(),
		Recording: c.recorder.Recording(),
		LogLength: c.log.Len(),
		CreatedAt: c.CreatedAt,
	}
}

// Close ends the session and releases subscribers.
func (c *Console) Close(ctx context.Context) {
	c.discardRecording()
	c.session.Close(ctx)
	c.hub.Close()
}

func (c *Console) discardRecording() {
	if !c.recorder.Recording() {
		return
	}
	if _, err := c.recorder.Stop(); err == nil {
		_ = c.turns.CancelCapture()
		c.hub.Publish(EventRecording, map[string]bool{"recording": false})
	}
}
