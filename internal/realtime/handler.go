package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// SnapshotFunc returns the current state of an evaluation as the first
// event on a new connection. ok is false for unknown evaluations.
type SnapshotFunc func(ctx context.Context, evaluationID string) (Event, bool)

// Handler streams evaluation events over a WebSocket.
type Handler struct {
	hub      *Hub
	snapshot SnapshotFunc
	logger   *logging.Logger
	ping     time.Duration
}

func NewHandler(hub *Hub, snapshot SnapshotFunc, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{hub: hub, snapshot: snapshot, logger: logger.Component("realtime"), ping: 25 * time.Second}
}

type inbound struct {
	Type string `json:"type"`
}

// ServeEvents handles GET /api/evaluations/{id}/events.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	evaluationID := chi.URLParam(r, "id")
	if evaluationID == "" {
		http.Error(w, "missing evaluation id", http.StatusBadRequest)
		return
	}
	var first Event
	if h.snapshot != nil {
		evt, ok := h.snapshot(r.Context(), evaluationID)
		if !ok {
			http.Error(w, "evaluation not found", http.StatusNotFound)
			return
		}
		first = evt
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, evaluationID, first)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, evaluationID string, first Event) {
	events, cancel := h.hub.Subscribe(evaluationID)
	defer cancel()

	if first.Type != "" {
		if err := websocket.JSON.Send(conn, first); err != nil {
			return
		}
	}
	h.logger.Debug("realtime: connection opened", "evaluation_id", evaluationID)

	// The reader only answers pings and notices disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg inbound
			if err := websocket.JSON.Receive(conn, &msg); err != nil {
				return
			}
			if msg.Type == "ping" {
				_ = websocket.JSON.Send(conn, Event{Type: "pong", EvaluationID: evaluationID, At: time.Now().UTC()})
			}
		}
	}()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			h.logger.Debug("realtime: connection closed", "evaluation_id", evaluationID)
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(conn, evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := websocket.JSON.Send(conn, Event{Type: "keepalive", EvaluationID: evaluationID, At: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}
