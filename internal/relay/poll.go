package relay

import (
	"context"
	"sync"
	"time"

	"github.com/soferai/transcript-relay/internal/metrics"
)

// poll is one entry in the poll-handle table: at most one per
// transcription identifier.
type poll struct {
	id       string
	audioURL string
	tabID    string
	done     chan struct{}
	stop     sync.Once
}

func (p *poll) cancel() {
	p.stop.Do(func() { close(p.done) })
}

// StartPoll begins the poll loop for a transcription. Starting a poll for
// an identifier already being polled is a no-op; the return value reports
// whether a new loop was started.
func (r *Relay) StartPoll(transcriptionID, audioURL, tabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if _, exists := r.polls[transcriptionID]; exists {
		return false
	}

	p := &poll{
		id:       transcriptionID,
		audioURL: audioURL,
		tabID:    tabID,
		done:     make(chan struct{}),
	}
	r.polls[transcriptionID] = p
	metrics.ActivePolls.Inc()
	r.wg.Add(1)
	go r.runPoll(p)

	r.log.Debug().Str("transcription_id", transcriptionID).Str("tab_id", tabID).Msg("poll started")
	return true
}

// Polling reports whether a poll loop is live for the identifier.
func (r *Relay) Polling(transcriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.polls[transcriptionID]
	return ok
}

// ActivePolls returns the size of the poll-handle table.
func (r *Relay) ActivePolls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.polls)
}

func (r *Relay) runPoll(p *poll) {
	defer r.wg.Done()
	log := r.log.With().Str("transcription_id", p.id).Str("tab_id", p.tabID).Logger()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		// Cancellation wins over a pending tick.
		select {
		case <-p.done:
			return
		default:
		}
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		// Each tick completes its call and push before the next tick is
		// considered, so updates for one identifier are observed in
		// issuance order.
		ctx := context.Background()
		status, err := r.client.CheckStatus(ctx, p.id)
		if err != nil {
			metrics.StatusChecksTotal.WithLabelValues("error").Inc()
			cl := r.client.ClassifyError(ctx, err)
			metrics.APIErrorsTotal.WithLabelValues(string(cl.Kind)).Inc()
			r.push.Push(p.tabID, StatusUpdate{
				Type:            TypeStatusUpdate,
				AudioURL:        p.audioURL,
				TranscriptionID: p.id,
				Error:           cl.Message,
			})
			// Transport errors cancel the loop rather than retrying, to
			// avoid unbounded background polling against a dead session.
			log.Warn().Err(err).Str("kind", string(cl.Kind)).Msg("status poll failed, cancelling")
			r.removePoll(p)
			return
		}
		metrics.StatusChecksTotal.WithLabelValues("ok").Inc()

		r.push.Push(p.tabID, StatusUpdate{
			Type:            TypeStatusUpdate,
			AudioURL:        p.audioURL,
			TranscriptionID: p.id,
			Status:          status,
		})

		if status.Terminal() {
			log.Info().Str("status", string(status)).Msg("transcription reached terminal status")
			r.removePoll(p)
			return
		}
	}
}

func (r *Relay) removePoll(p *poll) {
	r.mu.Lock()
	if current, ok := r.polls[p.id]; ok && current == p {
		delete(r.polls, p.id)
		metrics.ActivePolls.Dec()
	}
	r.mu.Unlock()
	p.cancel()
}

// Shutdown cancels every poll loop and waits for them to exit. No timers
// survive a relay restart: a job still pending is simply untracked until a
// page agent issues a fresh CHECK_TRANSCRIPTION.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for _, p := range r.polls {
		p.cancel()
	}
	metrics.ActivePolls.Sub(float64(len(r.polls)))
	r.polls = make(map[string]*poll)
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info().Msg("relay stopped, poll table cleared")
}
