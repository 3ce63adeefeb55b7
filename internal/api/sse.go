package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/ampliconflow/internal/metrics"
	"github.com/flexinfer/ampliconflow/pkg/types"
)

// HeartbeatInterval is how often an idle event stream sends a comment.
var HeartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/runs/{id}/events as Server-Sent Events.
// Clients resume with the Last-Event-ID header or ?since=<id>; since=0
// replays the whole stream. The stream ends with a stream_end event once the
// run is finished.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		h.respondStoreError(w, r, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	// Subscribe before replaying so nothing falls between the two.
	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to subscribe", err)
		return
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("since")
	}
	history, replayed := h.replay(ctx, runID, lastEventID)
	for _, evt := range history {
		h.writeSSE(w, flusher, evt)
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	closeStream := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		h.logger.Info("SSE connection closed",
			slog.String("run_id", runID),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	for {
		select {
		case <-ctx.Done():
			closeStream("client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.writeSSE(w, flusher, h.streamEnd(ctx, runID))
				closeStream("run_finished")
				return
			}
			if replayed[evt.ID] || evt.Type == types.EventTypeStreamEnd {
				continue
			}
			h.writeSSE(w, flusher, evt)

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Debug("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// replay returns the stored events after lastEventID without stream_end
// markers, plus the IDs of everything read so live delivery can skip them.
// An empty lastEventID replays nothing.
func (h *Handlers) replay(ctx context.Context, runID, lastEventID string) ([]*types.Event, map[string]bool) {
	seen := map[string]bool{}
	if lastEventID == "" {
		return nil, seen
	}
	history, err := h.store.GetEventsSince(ctx, runID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "run_id", runID)
	}
	out := make([]*types.Event, 0, len(history))
	for _, evt := range history {
		seen[evt.ID] = true
		if evt.Type != types.EventTypeStreamEnd {
			out = append(out, evt)
		}
	}
	return out, seen
}

// streamEnd builds the final event carrying the run's terminal status.
func (h *Handlers) streamEnd(ctx context.Context, runID string) *types.Event {
	meta, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		h.logger.Error("failed to get run meta for stream end", "error", err)
		return nil
	}

	payload := types.RunStatusEvent{Status: meta.Status}
	if meta.Failure != nil {
		payload.Error = meta.Failure.Reason
	}
	data, _ := json.Marshal(payload)

	return &types.Event{
		ID:        "final",
		RunID:     runID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
