package console

import (
	"net/http"
	"time"

	"github.com/zhouzirui/avatar-chat/backend/pkg/utils"
)

const sseKeepAlive = 15 * time.Second

// handleEvents streams console events as Server-Sent Events until the client leaves
// or the console is closed.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := c.Events()
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	logger := h.logger.With().Str("consoleId", c.ID).Logger()
	logger.Debug().Msg("sse stream opened")

	if err := utils.SendSSEEvent(w, flusher, "snapshot", c.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sse stream closed by client")
			return
		case ev, open := <-events:
			if !open {
				_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"consoleId": c.ID})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Kind), ev); err != nil {
				logger.Debug().Err(err).Msg("sse write failed")
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		}
	}
}
