package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	consoleservice "github.com/zhouzirui/avatar-chat/backend/internal/service/console"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteTimeout = 10 * time.Second
)

type inboundMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text string `json:"text"`
}

// ModeMessage 模式切换消息
type ModeMessage struct {
	Mode       string             `json:"mode"`
	Microphone *microphonePayload `json:"microphone,omitempty"`
}

// AudioMessage carries one recorder chunk when the client does not send binary frames.
type AudioMessage struct {
	AudioData []byte `json:"audioData"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	ConsoleID string `json:"consoleId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// socket serializes writes; gorilla connections allow one concurrent writer.
type socket struct {
	conn      *websocket.Conn
	consoleID string
	logger    zerolog.Logger

	mu sync.Mutex
}

func (s *socket) send(msgType string, data any) {
	msg := outgoingMessage{
		Type:      msgType,
		ConsoleID: s.consoleID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", msgType).Msg("websocket write failed")
	}
}

func (s *socket) sendError(forType string, err error) {
	s.send("error", map[string]string{"for": forType, "message": err.Error()})
}

func (s *socket) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// handleWebSocket 处理控制台WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := h.logger.With().
		Str("consoleId", c.ID).
		Str("connId", uuid.NewString()).
		Logger()
	logger.Info().Msg("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws := &socket{conn: conn, consoleID: c.ID, logger: logger}

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	events, unsubscribe := c.Events()
	defer unsubscribe()

	go h.pingLoop(ctx, ws)
	go h.forwardEvents(ctx, ws, events)

	ws.send("connected", c.Snapshot())

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("websocket read error")
			}
			logger.Info().Msg("websocket disconnected")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		// 二进制帧直接作为录音数据
		if msgType == websocket.BinaryMessage {
			if err := c.WriteAudio(payload); err != nil {
				ws.sendError("audio", err)
			}
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			ws.sendError("", fmt.Errorf("invalid message: %w", err))
			continue
		}
		h.handleMessage(ctx, ws, c, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, ws *socket, c *consoleservice.Console, msg *inboundMessage) {
	// 轮次与会话启动可能耗时较长，放到独立 goroutine，读循环继续处理 end/interrupt。
	// 连接断开不取消进行中的轮次，日志条目仍会补全。
	detached := context.WithoutCancel(ctx)

	switch msg.Type {
	case "start":
		go func() {
			if err := c.StartSession(detached); err != nil {
				ws.sendError(msg.Type, err)
			}
		}()
	case "end":
		c.EndSession(ctx)
	case "interrupt":
		if err := c.Interrupt(ctx); err != nil {
			ws.sendError(msg.Type, err)
		}
	case "mode":
		var mode ModeMessage
		if err := json.Unmarshal(msg.Data, &mode); err != nil {
			ws.sendError(msg.Type, fmt.Errorf("invalid mode payload: %w", err))
			return
		}
		parsed, err := consoleservice.ParseMode(mode.Mode)
		if err != nil {
			ws.sendError(msg.Type, err)
			return
		}
		if err := c.SetMode(ctx, parsed, mode.Microphone.microphone()); err != nil {
			ws.sendError(msg.Type, err)
		}
	case "text":
		var text TextMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			ws.sendError(msg.Type, fmt.Errorf("invalid text payload: %w", err))
			return
		}
		go func() {
			if _, err := c.SubmitText(detached, text.Text); err != nil {
				ws.sendError(msg.Type, err)
			}
		}()
	case "record_start":
		var mic *microphonePayload
		if len(msg.Data) > 0 {
			mic = &microphonePayload{}
			if err := json.Unmarshal(msg.Data, mic); err != nil {
				ws.sendError(msg.Type, fmt.Errorf("invalid microphone payload: %w", err))
				return
			}
		}
		if err := c.StartRecording(ctx, mic.microphone()); err != nil {
			ws.sendError(msg.Type, err)
		}
	case "audio":
		var chunk AudioMessage
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			ws.sendError(msg.Type, fmt.Errorf("invalid audio payload: %w", err))
			return
		}
		if err := c.WriteAudio(chunk.AudioData); err != nil {
			ws.sendError(msg.Type, err)
		}
	case "record_stop":
		go func() {
			if _, err := c.StopRecording(detached); err != nil {
				ws.sendError(msg.Type, err)
			}
		}()
	default:
		ws.sendError(msg.Type, fmt.Errorf("unsupported message type: %q", msg.Type))
	}
}

// forwardEvents 把控制台事件推送到浏览器
func (h *Handler) forwardEvents(ctx context.Context, ws *socket, events <-chan consoleservice.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				ws.send("closed", nil)
				return
			}
			ws.send(string(ev.Kind), ev.Data)
		}
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, ws *socket) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}
