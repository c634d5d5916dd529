package console

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	assistantmodel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/chat"
	consoleservice "github.com/zhouzirui/avatar-chat/backend/internal/service/console"
	"github.com/zhouzirui/avatar-chat/backend/internal/service/token"
)

type fakeHandle struct {
	events chan avatar.Event

	mu     sync.Mutex
	closed bool
	spoken []string
}

func (h *fakeHandle) SessionID() string { return "sess-http" }

func (h *fakeHandle) Events() <-chan avatar.Event { return h.events }

func (h *fakeHandle) Interrupt(context.Context) error { return nil }

func (h *fakeHandle) Speak(_ context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spoken = append(h.spoken, text)
	return nil
}

func (h *fakeHandle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

type fakeTransport struct{}

func (fakeTransport) Open(context.Context, string, avatar.OpenOptions) (avatar.Handle, error) {
	h := &fakeHandle{events: make(chan avatar.Event, 4)}
	h.events <- avatar.Event{Type: avatar.EventStreamReady, Stream: &avatar.MediaStream{URL: "wss://room"}}
	return h, nil
}

type fakeBackend struct {
	reply      string
	transcript string
	gate       chan struct{}
	entered    chan struct{}
}

func (b *fakeBackend) CreateAssistant(context.Context, assistantmodel.Profile) (string, error) {
	return "asst_1", nil
}

func (b *fakeBackend) RetrieveAssistant(_ context.Context, id string) (string, error) {
	return id, nil
}

func (b *fakeBackend) CreateThread(context.Context) (string, error) {
	return "thread_1", nil
}

func (b *fakeBackend) SubmitAndAwaitReply(_ context.Context, _, _, text string) (string, error) {
	if b.entered != nil {
		close(b.entered)
	}
	if b.gate != nil {
		<-b.gate
	}
	return b.reply + " (" + text + ")", nil
}

func (b *fakeBackend) Transcribe(context.Context, audio.Artifact) (string, error) {
	return b.transcript, nil
}

func (b *fakeBackend) DeleteThread(context.Context, string) error {
	return nil
}

func (b *fakeBackend) DeleteAssistant(context.Context, string) error {
	return nil
}

func setupRouter(backend *fakeBackend) (*chi.Mux, *consoleservice.Registry) {
	registry := consoleservice.NewRegistry(consoleservice.Dependencies{
		Issuer:    token.Func(func(context.Context) string { return "tok" }),
		Transport: fakeTransport{},
		Backend:   backend,
		Profiles:  assistantmodel.NewMemoryStore(assistantmodel.Seed("", "")),
	}, consoleservice.Settings{}, zerolog.Nop())

	r := chi.NewRouter()
	New(registry, zerolog.Nop()).RegisterRoutes(r)
	return r, registry
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func createConsole(t *testing.T, r http.Handler) string {
	t.Helper()
	resp := doJSON(t, r, http.MethodPost, "/consoles", map[string]string{"avatar_id": "anna", "language": "en"})
	require.Equal(t, http.StatusCreated, resp.Code)

	var snap consoleservice.Snapshot
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &snap))
	require.NotEmpty(t, snap.ID)
	assert.Equal(t, "anna", snap.Params.AvatarID)
	return snap.ID
}

func TestCreateConsoleAndGet(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{})
	id := createConsole(t, r)

	resp := doJSON(t, r, http.MethodGet, "/consoles/"+id, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"mode":"text_mode"`)

	resp = doJSON(t, r, http.MethodGet, "/consoles/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCreateConsoleUnknownProfile(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{})
	resp := doJSON(t, r, http.MethodPost, "/consoles", map[string]string{"profile_id": "nobody"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSessionStartTwiceConflicts(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{})
	id := createConsole(t, r)

	resp := doJSON(t, r, http.MethodPost, "/consoles/"+id+"/session", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"state":"active"`)
	assert.Contains(t, resp.Body.String(), `"mode":"voice_mode"`)

	resp = doJSON(t, r, http.MethodPost, "/consoles/"+id+"/session", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = doJSON(t, r, http.MethodDelete, "/consoles/"+id+"/session", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"state":"idle"`)
}

func TestInterruptWithoutSession(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{})
	id := createConsole(t, r)

	resp := doJSON(t, r, http.MethodPost, "/consoles/"+id+"/interrupt", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestSubmitTextEmptyIsBadRequest(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{reply: "ok"})
	id := createConsole(t, r)

	resp := doJSON(t, r, http.MethodPost, "/consoles/"+id+"/messages", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, r, http.MethodGet, "/consoles/"+id+"/log", nil)
	assert.JSONEq(t, `[]`, resp.Body.String())
}

func TestSubmitTextWithoutSessionIsConflict(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{reply: "ok"})
	id := createConsole(t, r)

	resp := doJSON(t, r, http.MethodPost, "/consoles/"+id+"/messages", map[string]string{"text": "Hello"})
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, resp.Body.String(), "avatar session not initialized")

	resp = doJSON(t, r, http.MethodGet, "/consoles/"+id+"/log", nil)
	assert.JSONEq(t, `[]`, resp.Body.String())

	resp = doJSON(t, r, http.MethodGet, "/consoles/"+id, nil)
	assert.Contains(t, resp.Body.String(), `"busy":false`)
}

func TestSubmitTextBusyIsConflict(t *testing.T) {
	backend := &fakeBackend{reply: "Hi", gate: make(chan struct{}), entered: make(chan struct{})}
	r, _ := setupRouter(backend)
	id := createConsole(t, r)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, "/consoles/"+id+"/session", nil).Code)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- doJSON(t, r, http.MethodPost, "/consoles/"+id+"/messages", map[string]string{"text": "one"})
	}()
	<-backend.entered

	resp := doJSON(t, r, http.MethodPost, "/consoles/"+id+"/messages", map[string]string{"text": "two"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	close(backend.gate)
	select {
	case resp := <-first:
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), "Hi (one)")
	case <-time.After(2 * time.Second):
		t.Fatal("first turn did not finish")
	}
}

func TestLogOrderParameter(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{reply: "re"})
	id := createConsole(t, r)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, "/consoles/"+id+"/session", nil).Code)

	for _, text := range []string{"first", "second"} {
		resp := doJSON(t, r, http.MethodPost, "/consoles/"+id+"/messages", map[string]string{"text": text})
		require.Equal(t, http.StatusOK, resp.Code)
	}

	var entries []chat.Entry
	resp := doJSON(t, r, http.MethodGet, "/consoles/"+id+"/log?order=newest", nil)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].User)

	resp = doJSON(t, r, http.MethodGet, "/consoles/"+id+"/log?order=oldest", nil)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &entries))
	assert.Equal(t, "first", entries[0].User)
	assert.Equal(t, "re (first)", entries[0].Response)
}

func TestSetModeValidation(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{})
	id := createConsole(t, r)

	resp := doJSON(t, r, http.MethodPut, "/consoles/"+id+"/mode", map[string]string{"mode": "video_mode"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, r, http.MethodPut, "/consoles/"+id+"/mode", map[string]any{
		"mode":       "voice_mode",
		"microphone": map[string]any{"granted": true},
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"recording":true`)
}

func TestSubmitVoiceUpload(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{reply: "It is noon.", transcript: "what time is it"})
	id := createConsole(t, r)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, "/consoles/"+id+"/session", nil).Code)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio", "audio.webm")
	require.NoError(t, err)
	_, err = part.Write([]byte("opus-bytes"))
	require.NoError(t, err)
	require.NoError(t, form.WriteField("encoding", "audio/webm"))
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/consoles/"+id+"/voice", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	var entry chat.Entry
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &entry))
	assert.Equal(t, "what time is it", entry.User)
	assert.Equal(t, "It is noon. (what time is it)", entry.Response)
}

func TestSubmitVoiceEmptyTranscriptIsDropped(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{reply: "x", transcript: ""})
	id := createConsole(t, r)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, "/consoles/"+id+"/session", nil).Code)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio", "audio.webm")
	require.NoError(t, err)
	_, _ = part.Write([]byte("silence"))
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/consoles/"+id+"/voice", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNoContent, resp.Code)
}

func TestSubmitVoiceWhileRecordingIsConflict(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{reply: "x", transcript: "uploaded"})
	id := createConsole(t, r)
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, "/consoles/"+id+"/session", nil).Code)

	// 会话启动后已处于语音模式，先切回文本再重新进入以开始录音
	resp := doJSON(t, r, http.MethodPut, "/consoles/"+id+"/mode", map[string]string{"mode": "text_mode"})
	require.Equal(t, http.StatusOK, resp.Code)
	resp = doJSON(t, r, http.MethodPut, "/consoles/"+id+"/mode", map[string]any{
		"mode":       "voice_mode",
		"microphone": map[string]any{"granted": true},
	})
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"recording":true`)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio", "audio.webm")
	require.NoError(t, err)
	_, _ = part.Write([]byte("opus-bytes"))
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/consoles/"+id+"/voice", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	upload := httptest.NewRecorder()
	r.ServeHTTP(upload, req)
	assert.Equal(t, http.StatusConflict, upload.Code)

	resp = doJSON(t, r, http.MethodGet, "/consoles/"+id, nil)
	assert.Contains(t, resp.Body.String(), `"recording":true`)
	assert.Contains(t, resp.Body.String(), `"logLength":0`)
}

func TestSubmitVoiceMissingFile(t *testing.T) {
	r, _ := setupRouter(&fakeBackend{})
	id := createConsole(t, r)

	req := httptest.NewRequest(http.MethodPost, "/consoles/"+id+"/voice", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestDeleteConsole(t *testing.T) {
	r, registry := setupRouter(&fakeBackend{})
	id := createConsole(t, r)

	resp := doJSON(t, r, http.MethodDelete, "/consoles/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	_, err := registry.Get(id)
	assert.ErrorIs(t, err, consoleservice.ErrConsoleNotFound)

	resp = doJSON(t, r, http.MethodDelete, "/consoles/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
