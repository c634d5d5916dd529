package heygen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
)

// ErrHandleClosed is returned by Speak and Interrupt after Close.
var ErrHandleClosed = errors.New("avatar stream closed")

const eventBuffer = 64

// TransportConfig holds the per-session settings sent on streaming.new.
type TransportConfig struct {
	VoiceRate    float64
	VoiceEmotion string
	Pool         PoolOptions
}

// Transport opens HeyGen streaming sessions.
type Transport struct {
	client *Client
	pool   *ConnectionPool
	cfg    TransportConfig
	logger zerolog.Logger
}

// NewTransport 创建传输层。
func NewTransport(client *Client, cfg TransportConfig, logger zerolog.Logger) *Transport {
	if cfg.VoiceRate <= 0 {
		cfg.VoiceRate = 1
	}
	return &Transport{
		client: client,
		pool:   NewConnectionPool(cfg.Pool, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// Open creates and starts a streaming session, then subscribes to its
// realtime events. The stream-ready event is queued before Open returns.
func (t *Transport) Open(ctx context.Context, credential string, opts avatar.OpenOptions) (avatar.Handle, error) {
	quality := opts.Quality
	if quality == "" {
		quality = avatar.QualityLow
	}

	info, err := t.client.NewSession(ctx, credential, NewSessionRequest{
		Quality:    string(quality),
		AvatarName: opts.AvatarID,
		Voice: VoiceSetting{
			VoiceID: opts.VoiceID,
			Rate:    t.cfg.VoiceRate,
			Emotion: t.cfg.VoiceEmotion,
		},
		Language:           opts.Language,
		Version:            "v2",
		VideoEncoding:      "H264",
		DisableIdleTimeout: true,
	})
	if err != nil {
		return nil, err
	}

	logger := t.logger.With().Str("sessionId", info.SessionID).Logger()
	readerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	h := &handle{
		client:     t.client,
		pool:       t.pool,
		credential: credential,
		info:       info,
		events:     make(chan avatar.Event, eventBuffer),
		cancel:     cancel,
		logger:     logger,
	}

	if info.RealtimeEndpoint != "" {
		conn, err := t.pool.ConnectWithRetry(readerCtx, info.RealtimeEndpoint, nil, info.SessionID)
		if err != nil {
			cancel()
			t.stopQuietly(credential, info.SessionID)
			return nil, fmt.Errorf("connect realtime endpoint: %w", err)
		}
		h.conn = conn
		go t.keepAlive(readerCtx, conn, info.SessionID)
		go h.readLoop()
	}

	if err := t.client.StartSession(ctx, credential, info.SessionID); err != nil {
		h.shutdown("start failed")
		t.stopQuietly(credential, info.SessionID)
		return nil, err
	}

	logger.Info().Str("quality", string(quality)).Msg("avatar stream started")

	h.emit(avatar.Event{
		Type:      avatar.EventStreamReady,
		SessionID: info.SessionID,
		Stream: &avatar.MediaStream{
			SessionID:   info.SessionID,
			URL:         info.URL,
			AccessToken: info.AccessToken,
		},
		At: time.Now(),
	})
	return h, nil
}

// keepAlive drops the pooled connection once the handle is finished.
func (t *Transport) keepAlive(ctx context.Context, conn *websocket.Conn, sessionID string) {
	<-ctx.Done()
	if current, ok := t.pool.Manager().Get(sessionID); ok && current == conn {
		t.pool.Manager().Remove(sessionID)
	}
}

func (t *Transport) stopQuietly(credential, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.StopSession(ctx, credential, sessionID); err != nil {
		t.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("stop after failed open")
	}
}

// Connections returns how many realtime sockets are currently pooled.
func (t *Transport) Connections() int {
	return t.pool.Manager().Len()
}

// Shutdown 关闭所有实时连接。
func (t *Transport) Shutdown() {
	t.pool.Cleanup()
}

type handle struct {
	client     *Client
	pool       *ConnectionPool
	credential string
	info       SessionInfo
	conn       *websocket.Conn
	cancel     context.CancelFunc
	logger     zerolog.Logger

	mu     sync.Mutex
	closed bool
	events chan avatar.Event
}

type realtimeMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (h *handle) SessionID() string {
	return h.info.SessionID
}

func (h *handle) Events() <-chan avatar.Event {
	return h.events
}

func (h *handle) Speak(ctx context.Context, text string) error {
	if h.isClosed() {
		return ErrHandleClosed
	}
	return h.client.SendTask(ctx, h.credential, TaskRequest{
		SessionID: h.info.SessionID,
		Text:      text,
		TaskType:  TaskTypeRepeat,
		TaskMode:  TaskModeSync,
	})
}

func (h *handle) Interrupt(ctx context.Context) error {
	if h.isClosed() {
		return ErrHandleClosed
	}
	return h.client.Interrupt(ctx, h.credential, h.info.SessionID)
}

// Close stops the remote session. It is safe to call more than once.
func (h *handle) Close(ctx context.Context) error {
	if h.isClosed() {
		return nil
	}
	err := h.client.StopSession(ctx, h.credential, h.info.SessionID)
	h.shutdown("closed")
	return err
}

func (h *handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *handle) emit(ev avatar.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Warn().Str("event", string(ev.Type)).Msg("event buffer full, dropping")
	}
}

// shutdown emits the disconnected event once and closes the channel.
func (h *handle) shutdown(detail string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	select {
	case h.events <- avatar.Event{Type: avatar.EventDisconnected, SessionID: h.info.SessionID, Detail: detail, At: time.Now()}:
	default:
	}
	close(h.events)
	h.mu.Unlock()

	h.cancel()
	if h.conn != nil {
		h.conn.Close()
	}
	h.logger.Info().Str("reason", detail).Msg("avatar stream disconnected")
}

func (h *handle) readLoop() {
	for {
		_, payload, err := h.conn.ReadMessage()
		if err != nil {
			if h.isClosed() {
				return
			}
			detail := "realtime connection lost"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				detail = "realtime connection closed by server"
			} else {
				h.logger.Warn().Err(err).Msg("realtime read failed")
			}
			h.shutdown(detail)
			return
		}
		h.pool.ExtendReadDeadline(h.conn)

		var msg realtimeMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Debug().Err(err).Msg("ignore malformed realtime message")
			continue
		}

		eventType, ok := translate(msg.Type)
		if !ok {
			h.logger.Debug().Str("type", msg.Type).Msg("ignore realtime message")
			continue
		}
		if eventType == avatar.EventDisconnected {
			h.shutdown("stream disconnected")
			return
		}
		h.emit(avatar.Event{Type: eventType, SessionID: h.info.SessionID, Detail: msg.Text, At: time.Now()})
	}
}

func translate(messageType string) (avatar.EventType, bool) {
	switch messageType {
	case "avatar_start_talking":
		return avatar.EventStartTalking, true
	case "avatar_stop_talking":
		return avatar.EventStopTalking, true
	case "user_start":
		return avatar.EventUserStart, true
	case "user_stop":
		return avatar.EventUserStop, true
	case "stream_disconnected", "session_stopped":
		return avatar.EventDisconnected, true
	default:
		return "", false
	}
}
