package console

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	assistantmodel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/capture"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/session"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/token"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/turn"
)

var (
	ErrConsoleNotFound = errors.New("console not found")
	ErrUnknownProfile  = errors.New("unknown assistant profile")
)

// Dependencies are shared by every console of the process.
type Dependencies struct {
	Issuer    token.Issuer
	Transport avatar.Transport
	Backend   assistant.Backend
	Profiles  assistantmodel.Store
}

// Settings carry the configured defaults and policies.
type Settings struct {
	Defaults         Params
	Quality          avatar.Quality
	EmptyVoicePolicy turn.EmptyVoicePolicy
	NewestFirst      bool
	TurnTimeout      time.Duration
}

// Registry keeps the consoles of connected clients in memory.
type Registry struct {
	deps     Dependencies
	settings Settings
	logger   zerolog.Logger

	mu       sync.RWMutex
	consoles map[string]*Console
}

// NewRegistry 创建控制台注册表。
func NewRegistry(deps Dependencies, settings Settings, logger zerolog.Logger) *Registry {
	if settings.Defaults.Language == "" {
		settings.Defaults.Language = "en"
	}
	return &Registry{
		deps:     deps,
		settings: settings,
		logger:   logger,
		consoles: make(map[string]*Console),
	}
}

// Create opens a console. Empty parameters fall back to the configured defaults.
func (r *Registry) Create(_ context.Context, params Params) (*Console, error) {
	params = r.withDefaults(params)
	if params.ProfileID != "" && r.deps.Profiles != nil {
		if _, ok := r.deps.Profiles.FindByID(params.ProfileID); !ok {
			return nil, ErrUnknownProfile
		}
	}

	id := uuid.NewString()
	logger := r.logger.With().Str("consoleId", id).Logger()
	hub := NewHub()
	log := chat.NewLog()

	order := chat.OldestFirst
	if r.settings.NewestFirst {
		order = chat.NewestFirst
	}

	manager := session.NewManager(r.deps.Issuer, r.deps.Transport, r.deps.Backend, session.Options{
		Quality:  r.settings.Quality,
		Profiles: r.deps.Profiles,
		Observer: func(ev avatar.Event) {
			hub.Publish(EventAvatar, ev)
		},
	}, logger.With().Str("component", "session").Logger())

	controller := turn.NewController(manager, log, turn.Options{
		EmptyVoicePolicy: r.settings.EmptyVoicePolicy,
		Timeout:          r.settings.TurnTimeout,
		OnUpdate: func(u turn.Update) {
			hub.Publish(EventTurn, u)
		},
		OnDiagnostic: func(line string) {
			hub.Publish(EventDiagnostic, line)
		},
	}, logger.With().Str("component", "turn").Logger())

	c := &Console{
		ID:        id,
		Params:    params,
		CreatedAt: time.Now().UTC(),
		session:   manager,
		turns:     controller,
		recorder:  capture.NewRecorder(capture.RemoteMicrophone{Granted: true}, logger.With().Str("component", "capture").Logger()),
		log:       log,
		hub:       hub,
		order:     order,
		logger:    logger,
		mode:      ModeText,
	}

	r.mu.Lock()
	r.consoles[id] = c
	r.mu.Unlock()

	logger.Info().Str("avatarId", params.AvatarID).Str("language", params.Language).Msg("console created")
	return c, nil
}

func (r *Registry) withDefaults(params Params) Params {
	params.AvatarID = firstNonEmpty(params.AvatarID, r.settings.Defaults.AvatarID)
	params.VoiceID = firstNonEmpty(params.VoiceID, r.settings.Defaults.VoiceID)
	params.AssistantID = firstNonEmpty(params.AssistantID, r.settings.Defaults.AssistantID)
	params.ProfileID = firstNonEmpty(params.ProfileID, r.settings.Defaults.ProfileID)
	params.Language = firstNonEmpty(params.Language, r.settings.Defaults.Language)
	return params
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Get retrieves a console by identifier.
func (r *Registry) Get(id string) (*Console, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consoles[id]
	if !ok {
		return nil, ErrConsoleNotFound
	}
	return c, nil
}

// List 返回所有控制台快照。
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	consoles := make([]*Console, 0, len(r.consoles))
	for _, c := range r.consoles {
		consoles = append(consoles, c)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(consoles))
	for _, c := range consoles {
		snapshots = append(snapshots, c.Snapshot())
	}
	return snapshots
}

// Remove closes the console and forgets it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.consoles[id]
	delete(r.consoles, id)
	r.mu.Unlock()

	if !ok {
		return ErrConsoleNotFound
	}
	c.Close(ctx)
	r.logger.Info().Str("consoleId", id).Msg("console removed")
	return nil
}

// CloseAll tears down every console; used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	consoles := r.consoles
	r.consoles = make(map[string]*Console)
	r.mu.Unlock()

	for _, c := range consoles {
		c.Close(ctx)
	}
}
