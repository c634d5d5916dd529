package assistant

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

// Handler 助手配置的HTTP处理器
type Handler struct {
	profiles assistant.Store
}

// New 创建助手配置处理器
func New(profiles assistant.Store) *Handler {
	return &Handler{
		profiles: profiles,
	}
}

// RegisterRoutes 注册助手配置相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/assistants", h.handleListProfiles)
	r.Get("/assistants/{profileID}", h.handleGetProfile)
}

// handleListProfiles 列出所有助手配置
func (h *Handler) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.profiles.List())
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.profiles.FindByID(chi.URLParam(r, "profileID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "assistant profile not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, profile)
}
