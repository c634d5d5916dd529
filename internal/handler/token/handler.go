package token

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	tokenservice "github.com/zhouzirui/avatar-chat/backend/internal/service/token"
	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// Handler exposes the streaming access token to the browser page.
type Handler struct {
	issuer tokenservice.Issuer
	logger zerolog.Logger
}

// New 创建令牌处理器
func New(issuer tokenservice.Issuer, logger zerolog.Logger) *Handler {
	return &Handler{issuer: issuer, logger: logger}
}

// RegisterRoutes 注册令牌路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/get-access-token", h.handleGetAccessToken)
}

// handleGetAccessToken returns the raw token as text.
func (h *Handler) handleGetAccessToken(w http.ResponseWriter, r *http.Request) {
	if h.issuer == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "avatar credentials not configured")
		return
	}

	token := h.issuer.IssueToken(r.Context())
	if token == "" {
		h.logger.Warn().Msg("access token request failed")
		utils.RespondError(w, http.StatusBadGateway, "failed to retrieve access token")
		return
	}
	utils.RespondText(w, http.StatusOK, token)
}
