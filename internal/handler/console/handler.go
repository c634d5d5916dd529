package console

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/capture"
	consoleservice "github.com/zhouzirui/avatar-chat/backend/internal/service/console"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/session"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/turn"
	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// maxVoiceUpload matches the transcription upload limit.
const maxVoiceUpload = 25 << 20

// Handler 控制台的HTTP处理器
type Handler struct {
	registry *consoleservice.Registry
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// New 创建控制台处理器
func New(registry *consoleservice.Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册控制台相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/consoles", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)

		r.Route("/{consoleID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Delete("/", h.handleDelete)
			r.Post("/session", h.handleStartSession)
			r.Delete("/session", h.handleEndSession)
			r.Post("/interrupt", h.handleInterrupt)
			r.Put("/mode", h.handleSetMode)
			r.Post("/messages", h.handleSubmitText)
			r.Post("/voice", h.handleSubmitVoice)
			r.Get("/log", h.handleLog)
			r.Get("/events", h.handleEvents)
			r.Get("/ws", h.handleWebSocket)
		})
	})
}

// microphonePayload 浏览器上报的麦克风状态
type microphonePayload struct {
	Granted   *bool    `json:"granted"`
	Encodings []string `json:"encodings"`
}

func (p *microphonePayload) microphone() capture.Microphone {
	if p == nil {
		return nil
	}
	granted := p.Granted == nil || *p.Granted
	return capture.RemoteMicrophone{Granted: granted, Encodings: p.Encodings}
}

type createRequest struct {
	AvatarID    string `json:"avatar_id"`
	VoiceID     string `json:"avatar_voice_id"`
	AssistantID string `json:"assistant_id"`
	ProfileID   string `json:"profile_id"`
	Language    string `json:"language"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload createRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.registry.Create(r.Context(), consoleservice.Params{
		AvatarID:    payload.AvatarID,
		VoiceID:     payload.VoiceID,
		AssistantID: payload.AssistantID,
		ProfileID:   payload.ProfileID,
		Language:    payload.Language,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, c.Snapshot())
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), chi.URLParam(r, "consoleID")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := c.StartSession(r.Context()); err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	c.EndSession(r.Context())
	utils.RespondJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := c.Interrupt(r.Context()); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetMode(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		Mode       string             `json:"mode"`
		Microphone *microphonePayload `json:"microphone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode, err := consoleservice.ParseMode(payload.Mode)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if err := c.SetMode(r.Context(), mode, payload.Microphone.microphone()); err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) handleSubmitText(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := c.SubmitText(r.Context(), payload.Text)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, entry)
}

// handleSubmitVoice runs a voice turn on a recording uploaded as the multipart field "audio".
func (h *Handler) handleSubmitVoice(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVoiceUpload)
	if err := r.ParseMultipartForm(maxVoiceUpload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio file")
		return
	}

	encoding := strings.TrimSpace(r.FormValue("encoding"))
	if encoding == "" {
		encoding = header.Header.Get("Content-Type")
	}
	if encoding == "" || encoding == "application/octet-stream" {
		encoding = audio.PreferredEncodings[0]
	}

	entry, err := c.SubmitVoice(r.Context(), audio.Artifact{Data: data, Encoding: encoding, Chunks: 1})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if entry == nil {
		// 转写为空，本轮被丢弃
		w.WriteHeader(http.StatusNoContent)
		return
	}
	utils.RespondJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	order := chat.ParseOrder(r.URL.Query().Get("order"), "")
	utils.RespondJSON(w, http.StatusOK, c.Log(order))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*consoleservice.Console, bool) {
	c, err := h.registry.Get(chi.URLParam(r, "consoleID"))
	if err != nil {
		h.respondErr(w, err)
		return nil, false
	}
	return c, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("console request failed")
	}
	utils.RespondError(w, status, err.Error())
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, consoleservice.ErrConsoleNotFound):
		return http.StatusNotFound
	case errors.Is(err, turn.ErrEmptyPrompt),
		errors.Is(err, turn.ErrNoRecording),
		errors.Is(err, consoleservice.ErrInvalidMode),
		errors.Is(err, consoleservice.ErrUnknownProfile):
		return http.StatusBadRequest
	case errors.Is(err, turn.ErrBusy),
		errors.Is(err, turn.ErrNotCapturing),
		errors.Is(err, turn.ErrNoSession),
		errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, capture.ErrAlreadyRecording),
		errors.Is(err, capture.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrNoSupportedEncoding):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, session.ErrNoCredential),
		errors.Is(err, session.ErrStreamClosed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
