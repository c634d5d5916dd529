package heygen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/avatar"
)

type fakeStreamingAPI struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	calls     []string
	newBodies []map[string]any
	tasks     []TaskRequest
	auth      []string
	realtime  chan *websocket.Conn
	noSocket  bool
}

func newFakeStreamingAPI(t *testing.T) *fakeStreamingAPI {
	api := &fakeStreamingAPI{t: t, realtime: make(chan *websocket.Conn, 1)}

	r := chi.NewRouter()
	r.Post("/v1/streaming.create_token", func(w http.ResponseWriter, req *http.Request) {
		api.record("create_token", req)
		if req.Header.Get("X-Api-Key") != "good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":401,"message":"invalid api key"}`))
			return
		}
		writeData(w, map[string]any{"token": "session-token"})
	})
	r.Post("/v1/streaming.new", func(w http.ResponseWriter, req *http.Request) {
		api.record("new", req)
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		api.mu.Lock()
		api.newBodies = append(api.newBodies, body)
		api.mu.Unlock()

		endpoint := ""
		if !api.noSocket {
			endpoint = "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/realtime"
		}
		writeData(w, map[string]any{
			"session_id":        "sess-1",
			"url":               "wss://livekit.example/room",
			"access_token":      "room-token",
			"realtime_endpoint": endpoint,
		})
	})
	for _, op := range []string{"start", "interrupt", "stop"} {
		op := op
		r.Post("/v1/streaming."+op, func(w http.ResponseWriter, req *http.Request) {
			api.record(op, req)
			writeData(w, map[string]any{})
		})
	}
	r.Post("/v1/streaming.task", func(w http.ResponseWriter, req *http.Request) {
		api.record("task", req)
		var task TaskRequest
		_ = json.NewDecoder(req.Body).Decode(&task)
		api.mu.Lock()
		api.tasks = append(api.tasks, task)
		api.mu.Unlock()
		writeData(w, map[string]any{"task_id": "t1"})
	})
	r.Get("/realtime", func(w http.ResponseWriter, req *http.Request) {
		conn, err := api.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		api.realtime <- conn
	})

	api.srv = httptest.NewServer(r)
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeStreamingAPI) record(op string, req *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, op)
	a.auth = append(a.auth, req.Header.Get("Authorization"))
}

func (a *fakeStreamingAPI) callList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 100, "message": "success", "data": data})
}

func nextEvent(t *testing.T, events <-chan avatar.Event) avatar.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for avatar event")
		return avatar.Event{}
	}
}

func newTestTransport(api *fakeStreamingAPI) *Transport {
	client := NewClient(api.srv.URL, "good-key", time.Second, zerolog.Nop())
	return NewTransport(client, TransportConfig{
		VoiceEmotion: "friendly",
		Pool:         PoolOptions{MaxRetries: 1, RetryDelay: time.Millisecond},
	}, zerolog.Nop())
}

func TestTokenIssuer(t *testing.T) {
	api := newFakeStreamingAPI(t)

	good := NewTokenIssuer(NewClient(api.srv.URL, "good-key", time.Second, zerolog.Nop()), zerolog.Nop())
	assert.Equal(t, "session-token", good.IssueToken(context.Background()))

	bad := NewTokenIssuer(NewClient(api.srv.URL, "bad-key", time.Second, zerolog.Nop()), zerolog.Nop())
	assert.Empty(t, bad.IssueToken(context.Background()))
}

func TestClientAPIErrorMessage(t *testing.T) {
	api := newFakeStreamingAPI(t)
	client := NewClient(api.srv.URL, "bad-key", time.Second, zerolog.Nop())

	_, err := client.CreateToken(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid api key", apiErr.Message)
}

func TestTransportOpenSpeakClose(t *testing.T) {
	api := newFakeStreamingAPI(t)
	transport := newTestTransport(api)
	defer transport.Shutdown()
	ctx := context.Background()

	h, err := transport.Open(ctx, "session-token", avatar.OpenOptions{Quality: avatar.QualityLow, Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", h.SessionID())

	ready := nextEvent(t, h.Events())
	assert.Equal(t, avatar.EventStreamReady, ready.Type)
	require.NotNil(t, ready.Stream)
	assert.Equal(t, "wss://livekit.example/room", ready.Stream.URL)
	assert.Equal(t, "room-token", ready.Stream.AccessToken)

	api.mu.Lock()
	body := api.newBodies[0]
	api.mu.Unlock()
	assert.Equal(t, "", body["avatar_name"])
	assert.Equal(t, "low", body["quality"])
	assert.Equal(t, true, body["disable_idle_timeout"])
	voice := body["voice"].(map[string]any)
	assert.Equal(t, "", voice["voice_id"])
	assert.Equal(t, 1.0, voice["rate"])
	assert.Equal(t, "friendly", voice["emotion"])

	require.NoError(t, h.Speak(ctx, "Hi there"))
	api.mu.Lock()
	require.Len(t, api.tasks, 1)
	assert.Equal(t, TaskRequest{SessionID: "sess-1", Text: "Hi there", TaskType: "repeat", TaskMode: "sync"}, api.tasks[0])
	assert.Equal(t, "Bearer session-token", api.auth[len(api.auth)-1])
	api.mu.Unlock()

	require.NoError(t, h.Interrupt(ctx))
	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))

	last := nextEvent(t, h.Events())
	assert.Equal(t, avatar.EventDisconnected, last.Type)
	_, open := <-h.Events()
	assert.False(t, open)

	assert.ErrorIs(t, h.Speak(ctx, "again"), ErrHandleClosed)
	assert.Equal(t, []string{"new", "start", "task", "interrupt", "stop"}, api.callList())
}

func TestTransportRealtimeEvents(t *testing.T) {
	api := newFakeStreamingAPI(t)
	transport := newTestTransport(api)
	defer transport.Shutdown()

	h, err := transport.Open(context.Background(), "session-token", avatar.OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, avatar.EventStreamReady, nextEvent(t, h.Events()).Type)

	var server *websocket.Conn
	select {
	case server = <-api.realtime:
	case <-time.After(2 * time.Second):
		t.Fatal("realtime socket not dialled")
	}

	for _, msg := range []string{
		`{"type":"user_start"}`,
		`{"type":"unknown_kind"}`,
		`not json`,
		`{"type":"avatar_start_talking"}`,
	} {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	assert.Equal(t, avatar.EventUserStart, nextEvent(t, h.Events()).Type)
	assert.Equal(t, avatar.EventStartTalking, nextEvent(t, h.Events()).Type)

	assert.Equal(t, 1, transport.Connections())

	server.Close()
	assert.Equal(t, avatar.EventDisconnected, nextEvent(t, h.Events()).Type)
	_, open := <-h.Events()
	assert.False(t, open)
	require.Eventually(t, func() bool { return transport.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestTransportOpenWithoutRealtimeEndpoint(t *testing.T) {
	api := newFakeStreamingAPI(t)
	api.noSocket = true
	transport := newTestTransport(api)

	h, err := transport.Open(context.Background(), "session-token", avatar.OpenOptions{AvatarID: "Anna_public", VoiceID: "v1"})
	require.NoError(t, err)
	assert.Equal(t, avatar.EventStreamReady, nextEvent(t, h.Events()).Type)

	api.mu.Lock()
	assert.Equal(t, "Anna_public", api.newBodies[0]["avatar_name"])
	api.mu.Unlock()
	require.NoError(t, h.Close(context.Background()))
}
