package assistant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	assistantmodel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
)

type fakeAssistantsAPI struct {
	deletes    atomic.Int32
	runPolls   atomic.Int32
	finalState string
	lastRunID  atomic.Value
	userText   atomic.Value
}

func (f *fakeAssistantsAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/assistants", func(w http.ResponseWriter, req *http.Request) {
			var body map[string]any
			_ = json.NewDecoder(req.Body).Decode(&body)
			writeJSON(w, http.StatusOK, map[string]any{"id": "asst_created", "object": "assistant", "model": body["model"]})
		})
		r.Get("/assistants/{id}", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			if id != "asst_known" {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"error": map[string]any{"message": "No assistant found", "type": "invalid_request_error"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "object": "assistant"})
		})
		r.Delete("/assistants/{id}", func(w http.ResponseWriter, req *http.Request) {
			f.deletes.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{"id": chi.URLParam(req, "id"), "object": "assistant.deleted", "deleted": true})
		})
		r.Delete("/threads/{thread}", func(w http.ResponseWriter, req *http.Request) {
			f.deletes.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{"id": chi.URLParam(req, "thread"), "object": "thread.deleted", "deleted": true})
		})
		r.Post("/threads", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"id": "thread_1", "object": "thread"})
		})
		r.Post("/threads/{thread}/messages", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Content string `json:"content"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			f.userText.Store(body.Content)
			writeJSON(w, http.StatusOK, map[string]any{"id": "msg_user", "object": "thread.message", "role": "user"})
		})
		r.Post("/threads/{thread}/runs", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"id": "run_1", "object": "thread.run", "status": "queued"})
		})
		r.Get("/threads/{thread}/runs/{run}", func(w http.ResponseWriter, _ *http.Request) {
			status := "in_progress"
			if f.runPolls.Add(1) >= 2 {
				status = f.finalState
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": "run_1", "object": "thread.run", "status": status})
		})
		r.Get("/threads/{thread}/messages", func(w http.ResponseWriter, req *http.Request) {
			f.lastRunID.Store(req.URL.Query().Get("run_id"))
			writeJSON(w, http.StatusOK, map[string]any{
				"object": "list",
				"data": []map[string]any{
					{
						"id":   "msg_reply",
						"role": "assistant",
						"content": []map[string]any{
							{"type": "text", "text": map[string]any{"value": "Hi there", "annotations": []any{}}},
						},
					},
					{
						"id":   "msg_user",
						"role": "user",
						"content": []map[string]any{
							{"type": "text", "text": map[string]any{"value": "Hello", "annotations": []any{}}},
						},
					},
				},
				"has_more": false,
			})
		})
		r.Post("/audio/transcriptions", func(w http.ResponseWriter, req *http.Request) {
			file, header, err := req.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer file.Close()
			data, _ := io.ReadAll(file)
			writeJSON(w, http.StatusOK, map[string]any{"text": header.Filename + ":" + string(data)})
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func newTestOpenAIBackend(t *testing.T, api *fakeAssistantsAPI) *OpenAIBackend {
	t.Helper()
	srv := httptest.NewServer(api.router())
	t.Cleanup(srv.Close)

	return NewOpenAIBackend(OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL + "/v1",
		PollInterval: 5 * time.Millisecond,
		RunTimeout:   2 * time.Second,
	}, zerolog.Nop())
}

func TestOpenAIBackendConversationFlow(t *testing.T) {
	api := &fakeAssistantsAPI{finalState: "completed"}
	backend := newTestOpenAIBackend(t, api)
	conv := NewConversation(backend)
	ctx := context.Background()

	require.NoError(t, conv.Initialize(ctx, Reference{Profile: assistantmodel.Profile{Name: "Tutor", Instructions: "Help."}}))
	assistantID, threadID := conv.IDs()
	assert.Equal(t, "asst_created", assistantID)
	assert.Equal(t, "thread_1", threadID)

	reply, err := conv.Respond(ctx, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)
	assert.Equal(t, "Hello", api.userText.Load())
	assert.Equal(t, "run_1", api.lastRunID.Load())
	assert.GreaterOrEqual(t, api.runPolls.Load(), int32(2))

	require.NoError(t, conv.Close(ctx))
	assert.Equal(t, int32(2), api.deletes.Load())
}

func TestOpenAIBackendRetrieveAssistant(t *testing.T) {
	backend := newTestOpenAIBackend(t, &fakeAssistantsAPI{})
	ctx := context.Background()

	id, err := backend.RetrieveAssistant(ctx, "asst_known")
	require.NoError(t, err)
	assert.Equal(t, "asst_known", id)

	_, err = backend.RetrieveAssistant(ctx, "asst_other")
	assert.ErrorIs(t, err, ErrAssistantNotFound)
}

func TestOpenAIBackendFailedRun(t *testing.T) {
	backend := newTestOpenAIBackend(t, &fakeAssistantsAPI{finalState: "failed"})

	_, err := backend.SubmitAndAwaitReply(context.Background(), "thread_1", "asst_known", "Hello")
	assert.ErrorIs(t, err, ErrRunNotCompleted)
}

func TestOpenAIBackendTranscribe(t *testing.T) {
	backend := newTestOpenAIBackend(t, &fakeAssistantsAPI{})
	ctx := context.Background()

	text, err := backend.Transcribe(ctx, audio.Artifact{Data: []byte("opus"), Encoding: "audio/webm;codecs=opus"})
	require.NoError(t, err)
	assert.Equal(t, "audio.webm:opus", text)

	text, err = backend.Transcribe(ctx, audio.Artifact{})
	require.NoError(t, err)
	assert.Empty(t, text)
}
