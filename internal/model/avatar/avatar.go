package avatar

import (
	"context"
	"time"
)

// EventType 标识数字人传输层推送的事件种类。
type EventType string

const (
	EventStartTalking EventType = "avatar_start_talking"
	EventStopTalking  EventType = "avatar_stop_talking"
	EventStreamReady  EventType = "stream_ready"
	EventUserStart    EventType = "user_start"
	EventUserStop     EventType = "user_stop"
	EventDisconnected EventType = "stream_disconnected"
)

// Event is one lifecycle notification from the avatar transport.
type Event struct {
	Type      EventType    `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	Stream    *MediaStream `json:"stream,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	At        time.Time    `json:"at"`
}

// MediaStream 是浏览器用来挂载视频流的引用（房间地址与访问令牌）。
type MediaStream struct {
	SessionID   string `json:"sessionId"`
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
}

// Quality 数字人画质
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// SessionConfig carries the page-level parameters a session is started with.
// Identities are optional; empty strings are forwarded as-is.
type SessionConfig struct {
	AvatarID    string `json:"avatarId"`
	VoiceID     string `json:"voiceId"`
	Language    string `json:"language"`
	AssistantID string `json:"assistantId,omitempty"`
	ProfileID   string `json:"profileId,omitempty"`
}

// OpenOptions 传给传输层 open 调用的参数。
type OpenOptions struct {
	Quality  Quality
	AvatarID string
	VoiceID  string
	Language string
}

// Handle is an open avatar stream. Events are delivered on a single channel
// that is closed after the disconnected event.
type Handle interface {
	SessionID() string
	Events() <-chan Event
	Speak(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
	Close(ctx context.Context) error
}

// Transport opens avatar streams with a short-lived credential.
type Transport interface {
	Open(ctx context.Context, credential string, opts OpenOptions) (Handle, error)
}
