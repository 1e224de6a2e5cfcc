package main

import (
	"log/slog"
	"net/http"

	"github.com/Automattic/pushhub/internal/transport"
	"github.com/gorilla/websocket"
)

type wsHandler struct {
	h        *hub
	upgrader *websocket.Upgrader
}

// newWsHandler accepts upgrades from the configured origin only. Without
// one, gorilla's same-host check applies.
func newWsHandler(h *hub) wsHandler {
	upgrader := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if origin := h.cfg.Server.Origin; origin != "" {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return r.Header.Get("Origin") == origin
		}
	}
	return wsHandler{h: h, upgrader: upgrader}
}

func (wsh wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, ok := parseRequest(w, r)
	if !ok {
		return
	}
	conn, err := wsh.h.manager.Open(req)
	if err != nil {
		wsh.h.openFailed(w, err)
		return
	}
	ws, err := wsh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsh.h.logger.Debug("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()
	receive := func(record []byte) error {
		return wsh.h.manager.Dispatch(ctx, conn, record)
	}
	t := transport.NewWebSocket(ctx, ws, conn, wsh.h.manager.Options(), receive)
	if err := wsh.h.manager.Stream(ctx, conn, t); err != nil {
		wsh.h.logger.Info("connection_ended",
			slog.String("connection_id", conn.ID()),
			slog.String("error", err.Error()))
	}
}
