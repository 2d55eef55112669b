package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"example.com/tracker/internal/session"
)

const streamBuffer = 16

// CloseStreams ends every open event stream and rejects new ones. Register it
// with http.Server.RegisterOnShutdown so Shutdown does not wait on live streams.
func (h *Handler) CloseStreams() {
	h.closeStreams.Do(func() { close(h.streamsDone) })
}

// streamSession writes session events as server-sent events until the client
// disconnects, the coordinator closes or CloseStreams is called. The first event
// is the current status.
func (h *Handler) streamSession(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}
	select {
	case <-h.streamsDone:
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	default:
	}
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := h.session.Subscribe(streamBuffer)
	defer h.session.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "status", EventView{Status: toStatusView(h.session.Status())}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.streamsDone:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, string(event.Type), toEventView(event)); err != nil {
				h.logger.Printf("session stream closed: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, payload EventView) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body)
	return err
}

func toEventView(event session.Event) EventView {
	view := EventView{Status: toStatusView(event.Status)}
	if event.Record != nil {
		rec := toRecordView(*event.Record)
		view.Record = &rec
	}
	return view
}
