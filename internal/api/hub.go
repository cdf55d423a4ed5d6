package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/soferai/transcript-relay/internal/metrics"
	"github.com/soferai/transcript-relay/internal/relay"
)

const subscriberBuffer = 16

// Hub fans status updates out to SSE subscribers, one stream per tab. It
// implements relay.Pusher. There is no persistent-connection guarantee: a
// push to a tab with no live subscriber is dropped, and the page agent
// catches up through CHECK_TRANSCRIPTION on its next load.
type Hub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[chan relay.StatusUpdate]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:  log,
		subs: make(map[string]map[chan relay.StatusUpdate]struct{}),
	}
}

// Push delivers an update to every subscriber of the tab. Slow subscribers
// drop updates rather than blocking the relay.
func (h *Hub) Push(tabID string, update relay.StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[tabID] {
		select {
		case ch <- update:
			metrics.StatusUpdatesPushedTotal.Inc()
		default:
			h.log.Warn().Str("tab_id", tabID).Msg("subscriber slow, dropping status update")
		}
	}
}

// Subscribe returns a channel of updates for one tab and a cancel function.
func (h *Hub) Subscribe(tabID string) (<-chan relay.StatusUpdate, func()) {
	ch := make(chan relay.StatusUpdate, subscriberBuffer)

	h.mu.Lock()
	if h.subs[tabID] == nil {
		h.subs[tabID] = make(map[chan relay.StatusUpdate]struct{})
	}
	h.subs[tabID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[tabID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, tabID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// StreamEvents opens an SSE connection and pushes one tab's status updates.
func (h *Hub) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	tabID, ok := QueryString(r, "tab")
	if !ok {
		WriteError(w, http.StatusBadRequest, "missing tab parameter")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := h.Subscribe(tabID)
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Str("tab_id", tabID).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Str("tab_id", tabID).Msg("SSE client disconnected")
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode status update")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", update.Type, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
