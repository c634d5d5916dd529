// Package session owns the lifecycle of one avatar stream and its paired
// assistant conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/avatar-chat/backend/internal/metrics"
	assistantmodel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/token"
)

var (
	ErrSessionActive   = errors.New("session already active")
	ErrNoActiveSession = errors.New("no active avatar session")
	ErrNoCredential    = errors.New("failed to obtain access token")
	ErrStreamClosed    = errors.New("avatar stream closed before it was ready")
)

// State 会话状态
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
)

// Snapshot is a read-only copy of the manager state.
type Snapshot struct {
	State         State               `json:"state"`
	SessionID     string              `json:"sessionId,omitempty"`
	Stream        *avatar.MediaStream `json:"stream,omitempty"`
	UserTalking   bool                `json:"userTalking"`
	AvatarTalking bool                `json:"avatarTalking"`
	AssistantID   string              `json:"assistantId,omitempty"`
	ThreadID      string              `json:"threadId,omitempty"`
	Diagnostics   []string            `json:"diagnostics,omitempty"`
}

// Observer receives every avatar event after the manager has applied it.
type Observer func(avatar.Event)

// Options configures a Manager.
type Options struct {
	Quality  avatar.Quality
	Profiles assistantmodel.Store
	// DefaultProfile is used when SessionConfig.ProfileID is empty or unknown.
	DefaultProfile string
	Observer       Observer
	// MaxDiagnostics bounds the retained diagnostic lines.
	MaxDiagnostics int
}

// Manager drives one avatar connection at a time.
type Manager struct {
	issuer    token.Issuer
	transport avatar.Transport
	backend   assistant.Backend
	opts      Options
	logger    zerolog.Logger

	mu            sync.RWMutex
	state         State
	handle        avatar.Handle
	stream        *avatar.MediaStream
	conversation  *assistant.Conversation
	userTalking   bool
	avatarTalking bool
	diagnostics   []string
}

// NewManager 创建会话管理器。
func NewManager(issuer token.Issuer, transport avatar.Transport, backend assistant.Backend, opts Options, logger zerolog.Logger) *Manager {
	if opts.Quality == "" {
		opts.Quality = avatar.QualityLow
	}
	if opts.MaxDiagnostics <= 0 {
		opts.MaxDiagnostics = 50
	}
	if opts.DefaultProfile == "" {
		opts.DefaultProfile = assistantmodel.DefaultProfileID
	}
	return &Manager{
		issuer:    issuer,
		transport: transport,
		backend:   backend,
		opts:      opts,
		logger:    logger,
		state:     StateIdle,
	}
}

// Start acquires a credential, opens the avatar stream and the assistant
// conversation. It returns once the stream is ready.
func (m *Manager) Start(ctx context.Context, cfg avatar.SessionConfig) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		metrics.SessionStarts.WithLabelValues("rejected").Inc()
		return ErrSessionActive
	}
	m.state = StateConnecting
	m.mu.Unlock()

	handle, conv, err := m.open(ctx, cfg)
	if err != nil {
		m.fail(err)
		metrics.SessionStarts.WithLabelValues("failed").Inc()
		return err
	}

	m.mu.Lock()
	m.handle = handle
	m.conversation = conv
	m.mu.Unlock()

	ready := make(chan struct{})
	go m.consume(handle, ready)

	select {
	case <-ready:
	case <-ctx.Done():
		// 就绪与取消同时到达时以就绪为准
		if !closed(ready) {
			m.endHandle(context.WithoutCancel(ctx), handle)
			m.fail(ctx.Err())
			metrics.SessionStarts.WithLabelValues("failed").Inc()
			return ctx.Err()
		}
	}

	if m.State() != StateActive {
		metrics.SessionStarts.WithLabelValues("failed").Inc()
		m.addDiagnostic("Error starting avatar session: stream closed before it was ready")
		return ErrStreamClosed
	}

	metrics.SessionStarts.WithLabelValues("ok").Inc()
	m.logger.Info().Str("sessionId", handle.SessionID()).Msg("session active")
	return nil
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (m *Manager) open(ctx context.Context, cfg avatar.SessionConfig) (avatar.Handle, *assistant.Conversation, error) {
	credential := m.issuer.IssueToken(ctx)
	if credential == "" {
		return nil, nil, ErrNoCredential
	}

	handle, err := m.transport.Open(ctx, credential, avatar.OpenOptions{
		Quality:  m.opts.Quality,
		AvatarID: cfg.AvatarID,
		VoiceID:  cfg.VoiceID,
		Language: cfg.Language,
	})
	if err != nil {
		metrics.TransportErrors.WithLabelValues("open").Inc()
		return nil, nil, fmt.Errorf("open avatar stream: %w", err)
	}

	conv := assistant.NewConversation(m.backend)
	if err := conv.Initialize(ctx, assistant.Reference{AssistantID: cfg.AssistantID, Profile: m.profile(cfg.ProfileID)}); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if closeErr := handle.Close(closeCtx); closeErr != nil {
			m.logger.Warn().Err(closeErr).Msg("close avatar after assistant failure")
		}
		return nil, nil, fmt.Errorf("initialize assistant: %w", err)
	}

	return handle, conv, nil
}

func (m *Manager) profile(id string) assistantmodel.Profile {
	if m.opts.Profiles != nil {
		if id != "" {
			if p, ok := m.opts.Profiles.FindByID(id); ok {
				return p
			}
		}
		if p, ok := m.opts.Profiles.FindByID(m.opts.DefaultProfile); ok {
			return p
		}
	}
	return assistantmodel.Profile{
		ID:           assistantmodel.DefaultProfileID,
		Name:         "English Tutor Assistant",
		Instructions: assistantmodel.DefaultInstructions,
	}
}

func (m *Manager) fail(err error) {
	m.logger.Error().Err(err).Msg("Error starting avatar session")
	m.mu.Lock()
	if m.state == StateActive {
		metrics.ActiveSessions.Dec()
	}
	conv := m.conversation
	m.state = StateIdle
	m.handle = nil
	m.stream = nil
	m.conversation = nil
	m.appendDiagnosticLocked(fmt.Sprintf("Error starting avatar session: %v", err))
	m.mu.Unlock()

	m.closeConversation(conv)
}

// consume is the only reader of the handle's event channel.
func (m *Manager) consume(handle avatar.Handle, ready chan<- struct{}) {
	var once sync.Once
	signal := func() { once.Do(func() { close(ready) }) }
	defer signal()

	for ev := range handle.Events() {
		m.apply(handle, ev)
		if ev.Type == avatar.EventStreamReady {
			signal()
		}
		if m.opts.Observer != nil {
			m.opts.Observer(ev)
		}
		if ev.Type == avatar.EventDisconnected {
			break
		}
	}

	if m.currentHandle() == handle {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.endHandle(ctx, handle)
		cancel()
	}
	m.release(handle)
}

func (m *Manager) apply(handle avatar.Handle, ev avatar.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != handle {
		return
	}

	switch ev.Type {
	case avatar.EventStreamReady:
		m.stream = ev.Stream
		if m.state != StateActive {
			metrics.ActiveSessions.Inc()
		}
		m.state = StateActive
		m.logger.Debug().Msg("Stream ready")
	case avatar.EventStartTalking:
		m.avatarTalking = true
		m.logger.Debug().Msg("Avatar started talking")
	case avatar.EventStopTalking:
		m.avatarTalking = false
		m.logger.Debug().Msg("Avatar stopped talking")
	case avatar.EventUserStart:
		m.userTalking = true
	case avatar.EventUserStop:
		m.userTalking = false
	case avatar.EventDisconnected:
		m.logger.Info().Str("detail", ev.Detail).Msg("Stream disconnected")
	}
}

// release clears everything tied to handle. It is the shared cleanup path of
// End and a remote disconnect.
func (m *Manager) release(handle avatar.Handle) {
	m.mu.Lock()
	if m.handle != handle {
		m.mu.Unlock()
		return
	}
	wasActive := m.state == StateActive
	conv := m.conversation
	m.handle = nil
	m.stream = nil
	m.conversation = nil
	m.userTalking = false
	m.avatarTalking = false
	m.state = StateIdle
	m.mu.Unlock()

	if wasActive {
		metrics.ActiveSessions.Dec()
	}
	m.closeConversation(conv)
}

// closeConversation deletes the thread (and an assistant created for this
// session) on the backend.
func (m *Manager) closeConversation(conv *assistant.Conversation) {
	if conv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conv.Close(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("close assistant conversation")
	}
}

// End closes the avatar stream. Calling it without a session is a no-op.
func (m *Manager) End(ctx context.Context) {
	m.mu.RLock()
	handle := m.handle
	m.mu.RUnlock()

	if handle == nil {
		m.mu.Lock()
		m.stream = nil
		m.mu.Unlock()
		return
	}

	m.endHandle(ctx, handle)
	m.release(handle)
}

func (m *Manager) endHandle(ctx context.Context, handle avatar.Handle) {
	if err := handle.Close(ctx); err != nil {
		metrics.TransportErrors.WithLabelValues("close").Inc()
		m.logger.Warn().Err(err).Msg("close avatar stream")
		m.addDiagnostic(fmt.Sprintf("Error closing avatar stream: %v", err))
	}
}

// Close tears the component down.
func (m *Manager) Close(ctx context.Context) {
	m.End(ctx)
}

// Interrupt cancels the current utterance. Failures are recorded, the session stays up.
func (m *Manager) Interrupt(ctx context.Context) error {
	handle := m.currentHandle()
	if handle == nil {
		return ErrNoActiveSession
	}

	if err := handle.Interrupt(ctx); err != nil {
		metrics.TransportErrors.WithLabelValues("interrupt").Inc()
		m.logger.Warn().Err(err).Msg("interrupt failed")
		m.addDiagnostic(fmt.Sprintf("Interrupt failed: %v", err))
	}
	return nil
}

// Speak has the avatar repeat text verbatim.
func (m *Manager) Speak(ctx context.Context, text string) error {
	handle := m.currentHandle()
	if handle == nil {
		return ErrNoActiveSession
	}

	if err := handle.Speak(ctx, text); err != nil {
		metrics.TransportErrors.WithLabelValues("speak").Inc()
		return fmt.Errorf("speak: %w", err)
	}
	return nil
}

// Ready reports whether an active stream and an initialized conversation are
// both present, which is what a turn needs.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateActive && m.handle != nil && m.conversation != nil && m.conversation.Ready()
}

// Conversation returns the assistant conversation of the active session.
func (m *Manager) Conversation() (*assistant.Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversation, m.conversation != nil
}

// Respond asks the assistant of the current session for a reply.
func (m *Manager) Respond(ctx context.Context, text string) (string, error) {
	conv, ok := m.Conversation()
	if !ok {
		return "", assistant.ErrNotInitialized
	}
	return conv.Respond(ctx, text)
}

// Transcribe 使用当前会话的转写能力。
func (m *Manager) Transcribe(ctx context.Context, artifact audio.Artifact) (string, error) {
	conv, ok := m.Conversation()
	if !ok {
		return "", assistant.ErrNotInitialized
	}
	return conv.Transcribe(ctx, artifact)
}

func (m *Manager) currentHandle() avatar.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// UserTalking reports whether the user is speaking according to the stream.
func (m *Manager) UserTalking() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userTalking
}

// Stream returns the media reference of the active session.
func (m *Manager) Stream() *avatar.MediaStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stream == nil {
		return nil
	}
	stream := *m.stream
	return &stream
}

// Snapshot 返回当前状态的副本。
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		State:         m.state,
		UserTalking:   m.userTalking,
		AvatarTalking: m.avatarTalking,
		Diagnostics:   append([]string(nil), m.diagnostics...),
	}
	if m.handle != nil {
		snap.SessionID = m.handle.SessionID()
	}
	if m.stream != nil {
		stream := *m.stream
		snap.Stream = &stream
	}
	if m.conversation != nil {
		snap.AssistantID, snap.ThreadID = m.conversation.IDs()
	}
	return snap
}

// Diagnostics returns the retained diagnostic lines, oldest first.
func (m *Manager) Diagnostics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.diagnostics...)
}

func (m *Manager) addDiagnostic(line string) {
	m.mu.Lock()
	m.appendDiagnosticLocked(line)
	m.mu.Unlock()
}

func (m *Manager) appendDiagnosticLocked(line string) {
	m.diagnostics = append(m.diagnostics, line)
	if extra := len(m.diagnostics) - m.opts.MaxDiagnostics; extra > 0 {
		m.diagnostics = append([]string(nil), m.diagnostics[extra:]...)
	}
}
