package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/avatar-chat/backend/internal/config"
	"github.com/zhouzirui/avatar-chat/backend/internal/logging"
	assistantModel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/turn"
)

// printSession 把数字人播报替换为终端输出
type printSession struct {
	conv *assistant.Conversation
}

func (s printSession) Respond(ctx context.Context, text string) (string, error) {
	return s.conv.Respond(ctx, text)
}

func (s printSession) Transcribe(ctx context.Context, artifact audio.Artifact) (string, error) {
	return s.conv.Transcribe(ctx, artifact)
}

func (s printSession) Ready() bool {
	return s.conv.Ready()
}

func (s printSession) Speak(_ context.Context, text string) error {
	fmt.Printf("avatar> %s\n", text)
	return nil
}

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Config{Console: true})
		bootLogger.Fatal().Err(err).Msg("配置加载失败")
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Console: true})
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("无法加载 .env，改用系统环境变量")
	}

	mode := flag.String("mode", "text", "测试模式: text 或 voice")
	text := flag.String("text", "", "text 模式下发送的文本")
	audioPath := flag.String("audio", "", "voice 模式下的录音文件路径")
	encoding := flag.String("encoding", "", "录音编码 (默认根据扩展名推断)")
	assistantID := flag.String("assistant", cfg.Defaults.AssistantID, "已有的 assistant id，留空则按 profile 创建")
	profileID := flag.String("profile", assistantModel.DefaultProfileID, "助手配置 id")
	timeout := flag.Duration("timeout", 90*time.Second, "整轮超时时间")

	flag.Parse()

	if *mode != "text" && *mode != "voice" {
		flag.Usage()
		logger.Fatal().Msg("请通过 -mode=text 或 -mode=voice 指定测试模式")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("助手后端初始化失败")
	}

	profiles := assistantModel.NewMemoryStore(assistantModel.Seed(cfg.Assistant.Model, cfg.Assistant.Instructions))
	profile, ok := profiles.FindByID(*profileID)
	if !ok {
		logger.Fatal().Str("profile", *profileID).Msg("未知的助手配置")
	}

	conv := assistant.NewConversation(backend)
	if err := conv.Initialize(ctx, assistant.Reference{AssistantID: *assistantID, Profile: profile}); err != nil {
		logger.Fatal().Err(err).Msg("助手初始化失败")
	}
	asstID, threadID := conv.IDs()
	logger.Info().Str("assistantId", asstID).Str("threadId", threadID).Msg("conversation ready")

	log := chat.NewLog()
	controller := turn.NewController(printSession{conv: conv}, log, turn.Options{
		EmptyVoicePolicy: turn.EmptyVoicePolicy(cfg.Turn.EmptyVoicePolicy),
		Timeout:          *timeout,
		OnDiagnostic: func(line string) {
			logger.Warn().Msg(line)
		},
	}, logging.Component(logger, "turn"))

	switch *mode {
	case "text":
		runText(ctx, controller, *text, logger)
	case "voice":
		runVoice(ctx, controller, *audioPath, *encoding, logger)
	}

	for _, entry := range log.Entries(chat.OldestFirst) {
		fmt.Printf("#%d user=%q response=%q\n", entry.Index, entry.User, entry.Response)
	}

	// 删除本次创建的线程与助手
	if err := conv.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn().Err(err).Msg("清理助手会话失败")
	}
}

func runText(ctx context.Context, controller *turn.Controller, text string, logger zerolog.Logger) {
	if strings.TrimSpace(text) == "" {
		logger.Fatal().Msg("text 模式需要通过 -text 提供文本")
	}
	if _, err := controller.SubmitText(ctx, text); err != nil {
		logger.Fatal().Err(err).Msg("文本轮次失败")
	}
}

func runVoice(ctx context.Context, controller *turn.Controller, audioPath, encoding string, logger zerolog.Logger) {
	if audioPath == "" {
		logger.Fatal().Msg("voice 模式需要通过 -audio 指定录音文件")
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("读取录音文件失败")
	}

	if encoding == "" {
		encoding = "audio/" + strings.TrimPrefix(strings.ToLower(filepath.Ext(audioPath)), ".")
		if encoding == "audio/" {
			encoding = "audio/wav"
		}
	}

	if err := controller.BeginCapture(); err != nil {
		logger.Fatal().Err(err).Msg("无法开始录音轮次")
	}
	entry, err := controller.SubmitCaptured(ctx, audio.Artifact{Data: data, Encoding: encoding, Chunks: 1})
	if err != nil {
		logger.Fatal().Err(err).Msg("语音轮次失败")
	}
	if entry == nil {
		logger.Info().Msg("转写结果为空，本轮已丢弃")
	}
}

func newBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (assistant.Backend, error) {
	backendLogger := logging.Component(logger, "assistant")
	if cfg.Assistant.Provider == "ark" {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return nil, err
		}
		opts := []assistant.ArkOption{assistant.WithHistoryLimit(cfg.AI.HistorySize)}
		if cfg.Assistant.OpenAIEnabled() {
			opts = append(opts, assistant.WithTranscriber(openAIBackend(cfg, backendLogger)))
		}
		return assistant.NewArkBackend(ctx, chatModel, backendLogger, opts...)
	}

	if !cfg.Assistant.OpenAIEnabled() {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai assistant provider")
	}
	return openAIBackend(cfg, backendLogger), nil
}

func openAIBackend(cfg *config.Config, logger zerolog.Logger) *assistant.OpenAIBackend {
	return assistant.NewOpenAIBackend(assistant.OpenAIConfig{
		APIKey:       cfg.Assistant.OpenAIAPIKey,
		BaseURL:      cfg.Assistant.OpenAIBase,
		PollInterval: cfg.Assistant.PollInterval,
		RunTimeout:   cfg.Assistant.RunTimeout,
		Language:     cfg.Defaults.Language,
	}, logger)
}
