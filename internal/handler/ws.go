package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/middleware"
	"github.com/docchat/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	auth           *middleware.Authenticator
	allowedOrigins string
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, auth *middleware.Authenticator, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, auth: auth, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS аутентифицирует участника до апгрейда: без токена соединение не устанавливается.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	p, err := h.auth.Principal(r.Context(), middleware.TokenFromRequest(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, p)
	// Регистрация ставится в очередь до запуска pumps; поздний Unregister хаб всё равно разберёт.
	h.hub.Register(client)
	client.Start(ctx, cancel)
}
