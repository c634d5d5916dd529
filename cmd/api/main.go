package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/avatar-chat/backend/internal/config"
	"github.com/zhouzirui/avatar-chat/backend/internal/handler"
	"github.com/zhouzirui/avatar-chat/backend/internal/logging"
	"github.com/zhouzirui/avatar-chat/backend/internal/metrics"
	assistantModel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/console"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/heygen"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/token"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/turn"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Config{Console: true})
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Console: cfg.Log.Console})
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	profiles := assistantModel.NewMemoryStore(assistantModel.Seed(cfg.Assistant.Model, cfg.Assistant.Instructions))

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize assistant backend")
	}

	client := heygen.NewClient(cfg.Avatar.BaseURL, cfg.Avatar.APIKey, cfg.Avatar.Timeout, logging.Component(logger, "heygen"))
	issuer := newIssuer(cfg, client, logger)
	if !cfg.Avatar.Enabled() {
		logger.Warn().Msg("HEYGEN_API_KEY and AVATAR_TOKEN_URL are empty, sessions will fail to obtain a token")
	}

	transport := heygen.NewTransport(client, heygen.TransportConfig{
		VoiceRate:    cfg.Avatar.VoiceRate,
		VoiceEmotion: cfg.Avatar.VoiceEmotion,
		Pool:         heygen.DefaultPoolOptions(),
	}, logging.Component(logger, "transport"))
	metrics.RegisterRealtimeConnections(transport.Connections)

	registry := console.NewRegistry(console.Dependencies{
		Issuer:    issuer,
		Transport: transport,
		Backend:   backend,
		Profiles:  profiles,
	}, console.Settings{
		Defaults: console.Params{
			AvatarID:    cfg.Defaults.AvatarID,
			VoiceID:     cfg.Defaults.VoiceID,
			AssistantID: cfg.Defaults.AssistantID,
			Language:    cfg.Defaults.Language,
		},
		Quality:          avatar.Quality(cfg.Avatar.Quality),
		EmptyVoicePolicy: turn.EmptyVoicePolicy(cfg.Turn.EmptyVoicePolicy),
		NewestFirst:      cfg.Turn.NewestFirst,
		TurnTimeout:      cfg.Turn.TurnTimeout,
	}, logging.Component(logger, "console"))

	router := handler.NewRouter(issuer, profiles, registry, logger)

	startServer(ctx, cfg.Server, router, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.CloseAll(shutdownCtx)
	transport.Shutdown()
	logger.Info().Msg("shutdown complete")
}

// newBackend 根据配置选择助手后端。
func newBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (assistant.Backend, error) {
	backendLogger := logging.Component(logger, "assistant")

	var whisper *assistant.OpenAIBackend
	if cfg.Assistant.OpenAIEnabled() {
		whisper = assistant.NewOpenAIBackend(assistant.OpenAIConfig{
			APIKey:       cfg.Assistant.OpenAIAPIKey,
			BaseURL:      cfg.Assistant.OpenAIBase,
			PollInterval: cfg.Assistant.PollInterval,
			RunTimeout:   cfg.Assistant.RunTimeout,
			Language:     cfg.Defaults.Language,
		}, backendLogger)
	}

	switch cfg.Assistant.Provider {
	case "ark":
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, err
		}
		opts := []assistant.ArkOption{assistant.WithHistoryLimit(cfg.AI.HistorySize)}
		if whisper != nil {
			opts = append(opts, assistant.WithTranscriber(whisper))
		} else {
			logger.Warn().Msg("OPENAI_API_KEY is empty, voice turns will use the fallback reply")
		}
		backend, err := assistant.NewArkBackend(ctx, chatModel, backendLogger, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("model", cfg.AI.Model).Msg("ark assistant backend initialized")
		return backend, nil
	default:
		if whisper == nil {
			return nil, errors.New("OPENAI_API_KEY is required for the openai assistant provider")
		}
		logger.Info().Msg("openai assistant backend initialized")
		return whisper, nil
	}
}

// newIssuer prefers an external token endpoint over the HeyGen API key.
func newIssuer(cfg *config.Config, client *heygen.Client, logger zerolog.Logger) token.Issuer {
	if cfg.Avatar.TokenURL != "" {
		return token.NewHTTPIssuer(cfg.Avatar.TokenURL, &http.Client{Timeout: cfg.Avatar.Timeout}, logging.Component(logger, "token"))
	}
	return heygen.NewTokenIssuer(client, logging.Component(logger, "token"))
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("avatar chat backend listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
