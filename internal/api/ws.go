package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// StreamEventsWS handles GET /api/v1/runs/{id}/ws. It carries the same
// stream as StreamEvents, one JSON event per text frame, and closes the
// socket normally after the stream_end event. ?since=<id> resumes.
func (h *Handlers) StreamEventsWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		h.respondStoreError(w, r, "failed to get run", err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readControl(conn, cancel)

	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.logger.Error("failed to subscribe", slog.String("run_id", runID), slog.Any("error", err))
		closeWS(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer cleanup()

	history, replayed := h.replay(ctx, runID, r.URL.Query().Get("since"))
	for _, evt := range history {
		if err := writeWS(conn, evt); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-eventCh:
			if !ok {
				if end := h.streamEnd(ctx, runID); end != nil {
					_ = writeWS(conn, end)
				}
				closeWS(conn, websocket.CloseNormalClosure, "run finished")
				return
			}
			if replayed[evt.ID] || evt.Type == types.EventTypeStreamEnd {
				continue
			}
			if err := writeWS(conn, evt); err != nil {
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// checkOrigin accepts same-host pages and the configured origins.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected",
		slog.String("origin", origin),
		slog.String("remote_addr", r.RemoteAddr),
	)
	return false
}

// readControl drains incoming frames so pongs and close frames are handled,
// and cancels the stream when the peer goes away.
func readControl(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeWS(conn *websocket.Conn, evt *types.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(evt)
}

func closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
