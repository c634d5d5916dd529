package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Avatar    AvatarConfig
	Assistant AssistantConfig
	AI        AIConfig
	Defaults  DefaultsConfig
	Turn      TurnConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	logCfg := loadLogConfig()

	avatar, err := loadAvatarConfig()
	if err != nil {
		return nil, err
	}

	assistant, err := loadAssistantConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	turn, err := loadTurnConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Log:       logCfg,
		Avatar:    avatar,
		Assistant: assistant,
		AI:        ai,
		Defaults:  loadDefaultsConfig(),
		Turn:      turn,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig 控制日志级别与输出格式。
type LogConfig struct {
	Level   string
	Console bool
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:   getEnvOrDefault("LOG_LEVEL", "info"),
		Console: strings.EqualFold(getEnvOrDefault("LOG_FORMAT", "console"), "console"),
	}
}

// AvatarConfig 描述数字人流媒体服务（HeyGen streaming）的配置。
type AvatarConfig struct {
	APIKey       string
	BaseURL      string
	TokenURL     string
	Quality      string
	VoiceRate    float64
	VoiceEmotion string
	Timeout      time.Duration
}

// Enabled 表示是否能够签发访问令牌。
func (c AvatarConfig) Enabled() bool {
	return c.APIKey != "" || c.TokenURL != ""
}

func loadAvatarConfig() (AvatarConfig, error) {
	rate, err := parseOptionalFloatEnv("AVATAR_VOICE_RATE")
	if err != nil {
		return AvatarConfig{}, err
	}
	voiceRate := 1.0
	if rate != nil {
		voiceRate = *rate
	}

	timeout, err := parseOptionalIntEnv("AVATAR_TIMEOUT")
	if err != nil {
		return AvatarConfig{}, err
	}
	timeoutSeconds := 30
	if timeout != nil {
		timeoutSeconds = *timeout
	}

	quality := strings.ToLower(getEnvOrDefault("AVATAR_QUALITY", "low"))
	switch quality {
	case "low", "medium", "high":
	default:
		return AvatarConfig{}, fmt.Errorf("invalid AVATAR_QUALITY value: %q", quality)
	}

	return AvatarConfig{
		APIKey:       strings.TrimSpace(os.Getenv("HEYGEN_API_KEY")),
		BaseURL:      getEnvOrDefault("HEYGEN_BASE_URL", "https://api.heygen.com"),
		TokenURL:     strings.TrimSpace(os.Getenv("AVATAR_TOKEN_URL")),
		Quality:      quality,
		VoiceRate:    voiceRate,
		VoiceEmotion: getEnvOrDefault("AVATAR_VOICE_EMOTION", "friendly"),
		Timeout:      time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// AssistantConfig 描述对话助手后端的配置。
type AssistantConfig struct {
	Provider     string
	OpenAIAPIKey string
	OpenAIBase   string
	Model        string
	Instructions string
	PollInterval time.Duration
	RunTimeout   time.Duration
}

// OpenAIEnabled 表示 OpenAI 凭证是否可用。
func (c AssistantConfig) OpenAIEnabled() bool {
	return c.OpenAIAPIKey != ""
}

func loadAssistantConfig() (AssistantConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("ASSISTANT_PROVIDER", "openai"))
	if provider != "openai" && provider != "ark" {
		return AssistantConfig{}, fmt.Errorf("invalid ASSISTANT_PROVIDER value: %q", provider)
	}

	poll, err := parseOptionalIntEnv("ASSISTANT_POLL_INTERVAL_MS")
	if err != nil {
		return AssistantConfig{}, err
	}
	pollInterval := 500 * time.Millisecond
	if poll != nil && *poll > 0 {
		pollInterval = time.Duration(*poll) * time.Millisecond
	}

	runTimeout, err := parseOptionalIntEnv("ASSISTANT_RUN_TIMEOUT")
	if err != nil {
		return AssistantConfig{}, err
	}
	runTimeoutSeconds := 60
	if runTimeout != nil && *runTimeout > 0 {
		runTimeoutSeconds = *runTimeout
	}

	return AssistantConfig{
		Provider:     provider,
		OpenAIAPIKey: strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBase:   strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Model:        getEnvOrDefault("ASSISTANT_MODEL", "gpt-4o-mini"),
		Instructions: strings.TrimSpace(os.Getenv("ASSISTANT_INSTRUCTIONS")),
		PollInterval: pollInterval,
		RunTimeout:   time.Duration(runTimeoutSeconds) * time.Second,
	}, nil
}

// AIConfig 描述 Ark 大模型相关配置，供本地助手后端使用。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	HistorySize int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	history := 10
	if override, err := parseOptionalIntEnv("ARK_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		history = max(*override, 1)
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		HistorySize: history,
	}, nil
}

// DefaultsConfig 是页面级参数缺省时使用的默认值。
type DefaultsConfig struct {
	AvatarID    string
	VoiceID     string
	AssistantID string
	Language    string
}

func loadDefaultsConfig() DefaultsConfig {
	return DefaultsConfig{
		AvatarID:    strings.TrimSpace(os.Getenv("AVATAR_ID")),
		VoiceID:     strings.TrimSpace(os.Getenv("AVATAR_VOICE_ID")),
		AssistantID: strings.TrimSpace(os.Getenv("ASSISTANT_ID")),
		Language:    getEnvOrDefault("LANGUAGE", "en"),
	}
}

// TurnConfig 控制对话轮次的策略。
type TurnConfig struct {
	EmptyVoicePolicy string
	NewestFirst      bool
	TurnTimeout      time.Duration
}

func loadTurnConfig() (TurnConfig, error) {
	policy := strings.ToLower(getEnvOrDefault("TURN_EMPTY_VOICE_POLICY", "drop"))
	if policy != "drop" && policy != "notice" {
		return TurnConfig{}, fmt.Errorf("invalid TURN_EMPTY_VOICE_POLICY value: %q", policy)
	}

	newestFirst, err := parseBoolEnv("LOG_NEWEST_FIRST", false)
	if err != nil {
		return TurnConfig{}, err
	}

	timeout, err := parseOptionalIntEnv("TURN_TIMEOUT")
	if err != nil {
		return TurnConfig{}, err
	}
	timeoutSeconds := 120
	if timeout != nil && *timeout > 0 {
		timeoutSeconds = *timeout
	}

	return TurnConfig{
		EmptyVoicePolicy: policy,
		NewestFirst:      newestFirst,
		TurnTimeout:      time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
