package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/agentboard/internal/adapter/observability"
	"github.com/fairyhunter13/agentboard/internal/domain"
)

// StreamEvents handles GET /events/stream?board_id as server-sent events.
// The connection subscribes to the user topic and, when board_id is given,
// the board topic. There is no replay: a reconnecting client refetches
// snapshot state.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("op=stream: %w: streaming unsupported", domain.ErrInternal), nil)
		return
	}
	userID := UserIDFrom(r.Context())

	subs := []*domain.Subscription{s.Bus.Subscribe(domain.UserTopic(userID))}
	boardID := r.URL.Query().Get("board_id")
	if boardID != "" {
		subs = append(subs, s.Bus.Subscribe(domain.BoardTopic(boardID)))
	}
	defer func() {
		for _, sub := range subs {
			s.Bus.Unsubscribe(sub)
		}
	}()

	observability.EventStreamClients.Inc()
	defer observability.EventStreamClients.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Fan the subscriptions into one channel; the goroutines exit when their
	// subscription channels close on unsubscribe.
	merged := make(chan domain.Event, 16)
	for _, sub := range subs {
		go func(c <-chan domain.Event) {
			for ev := range c {
				select {
				case merged <- ev:
				case <-r.Context().Done():
					return
				}
			}
		}(sub.C)
	}

	heartbeat := time.NewTicker(s.StreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			ev := domain.Event{
				Type:    domain.EventHeartbeat,
				Payload: domain.HeartbeatPayload{Timestamp: time.Now().UTC()},
			}
			if !writeSSE(w, flusher, ev) {
				return
			}
		case ev := <-merged:
			if !writeSSE(w, flusher, ev) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev domain.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
