package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	tokenservice "github.com/zhouzirui/avatar-chat/backend/internal/service/token"
)

func setupRouter(issuer tokenservice.Issuer) *chi.Mux {
	r := chi.NewRouter()
	New(issuer, zerolog.Nop()).RegisterRoutes(r)
	return r
}

func TestGetAccessTokenReturnsText(t *testing.T) {
	r := setupRouter(tokenservice.Func(func(context.Context) string { return "tok-abc" }))

	req := httptest.NewRequest(http.MethodPost, "/get-access-token", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "tok-abc", resp.Body.String())
}

func TestGetAccessTokenFailure(t *testing.T) {
	r := setupRouter(tokenservice.Func(func(context.Context) string { return "" }))

	req := httptest.NewRequest(http.MethodPost, "/get-access-token", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadGateway, resp.Code)
}

func TestGetAccessTokenWithoutIssuer(t *testing.T) {
	r := setupRouter(nil)

	req := httptest.NewRequest(http.MethodPost, "/get-access-token", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
