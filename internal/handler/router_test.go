package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	assistantModel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	consoleService "github.com/zhouzirui/avatar-chat/backend/internal/service/console"
	tokenService "github.com/zhouzirui/avatar-chat/backend/internal/service/token"
)

func newTestRouter() http.Handler {
	issuer := tokenService.Func(func(context.Context) string { return "tok" })
	profiles := assistantModel.NewMemoryStore(assistantModel.Seed("", ""))
	registry := consoleService.NewRegistry(consoleService.Dependencies{Issuer: issuer, Profiles: profiles}, consoleService.Settings{}, zerolog.Nop())
	return NewRouter(issuer, profiles, registry, zerolog.Nop())
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	r := newTestRouter()

	for _, path := range []string{"/healthz", "/metrics", "/api/assistants"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code, path)
	}
}

func TestRouterTokenEndpoint(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/get-access-token", nil)
	resp := httptest.NewRecorder()
	newTestRouter().ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "tok", resp.Body.String())
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
}
