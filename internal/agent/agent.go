package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/soferai/transcript-relay/internal/config"
	"github.com/soferai/transcript-relay/internal/localstore"
	"github.com/soferai/transcript-relay/internal/relay"
	"github.com/soferai/transcript-relay/internal/soferapi"
)

const defaultPendingMaxAge = 5 * time.Minute

// pendingMarker anchors click recovery across reloads. It is persisted
// before the create request goes out and cleared on any reply.
type pendingMarker struct {
	MediaID   string         `json:"mediaId"`
	Metadata  relay.Metadata `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// successRecord remembers the last accepted create request.
type successRecord struct {
	ID        string         `json:"id"`
	Metadata  relay.Metadata `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// errorRecord remembers the last failed create request for re-rendering.
type errorRecord struct {
	MediaID   string    `json:"mediaId"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Agent is the per-tab logic: it attaches affordances to discovered media
// items, runs the click protocol against the relay, and renders pushed
// status updates.
type Agent struct {
	conn          Conn
	store         Storage
	observer      Observer
	locator       Locator
	page          Page
	env           *config.Env
	tabID         string
	lectureBase   string
	pendingMaxAge time.Duration
	now           func() time.Time
	log           zerolog.Logger

	mu              sync.Mutex
	affordances     map[string]Affordance // audio URL → affordance
	items           map[string]MediaItem  // audio URL → item
	byTranscription map[string]string     // transcription ID → audio URL
	opened          map[string]bool       // audio URL → open action bound
}

type Options struct {
	Conn          Conn
	Store         Storage
	Observer      Observer
	Locator       Locator
	Page          Page
	Env           *config.Env
	TabID         string
	LectureBase   string
	PendingMaxAge time.Duration
	Now           func() time.Time
	Log           zerolog.Logger
}

func New(opts Options) *Agent {
	maxAge := opts.PendingMaxAge
	if maxAge <= 0 {
		maxAge = defaultPendingMaxAge
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Agent{
		conn:            opts.Conn,
		store:           opts.Store,
		observer:        opts.Observer,
		locator:         opts.Locator,
		page:            opts.Page,
		env:             opts.Env,
		tabID:           opts.TabID,
		lectureBase:     opts.LectureBase,
		pendingMaxAge:   maxAge,
		now:             now,
		log:             opts.Log,
		affordances:     make(map[string]Affordance),
		items:           make(map[string]MediaItem),
		byTranscription: make(map[string]string),
		opened:          make(map[string]bool),
	}
}

// AudioURL derives the canonical media URL for an item.
func (a *Agent) AudioURL(item MediaItem) string {
	return a.lectureBase + item.MediaID
}

// Run initializes the agent: recovery first, then the auth check, then the
// observe loop. Returns when ctx is done or the observer channel closes.
// When the user is not authenticated no affordances are attached.
func (a *Agent) Run(ctx context.Context) error {
	a.Recover(ctx)

	resp, err := a.send(ctx, relay.Request{Type: relay.TypeCheckAuth, TabID: a.tabID})
	if err != nil {
		return err
	}
	if !resp.IsAuthenticated {
		a.log.Info().Str("sign_in_url", resp.SignInURL).Msg("not authenticated, transcript affordances not attached")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-a.observer.Items():
			if !ok {
				return nil
			}
			a.Attach(ctx, item)
		}
	}
}

// Attach registers the affordance for a media item and renders any known
// state from the local record map. A second attach for the same item is a
// no-op.
func (a *Agent) Attach(ctx context.Context, item MediaItem) {
	audioURL := a.AudioURL(item)

	aff, found := a.locator.Find(item.MediaID)
	if !found {
		a.log.Debug().Str("media_id", item.MediaID).Msg("no affordance anchor for media item")
		return
	}

	a.mu.Lock()
	if _, exists := a.affordances[audioURL]; exists {
		a.mu.Unlock()
		return
	}
	a.affordances[audioURL] = aff
	a.items[audioURL] = item
	a.mu.Unlock()

	a.log.Debug().Str("media_id", item.MediaID).Str("title", item.Title).Msg("affordance attached")

	rec, ok, err := a.store.Record(ctx, audioURL)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to read transcription record")
		return
	}
	if !ok {
		return
	}

	a.mu.Lock()
	a.byTranscription[rec.ID] = audioURL
	a.mu.Unlock()

	switch rec.Status {
	case soferapi.StatusCompleted:
		aff.SetState(StateCompleted, "View")
		a.bindOpen(audioURL, aff, rec.ID)
	case soferapi.StatusFailed:
		aff.SetState(StateFailed, "Failed")
	default:
		// Known but unfinished: one status check, which also restarts
		// relay-side polling if it lapsed.
		aff.SetState(StateProcessing, string(rec.Status))
		resp, err := a.send(ctx, relay.Request{
			Type:            relay.TypeCheckTranscription,
			TabID:           a.tabID,
			TranscriptionID: rec.ID,
		})
		if err != nil {
			return
		}
		a.render(audioURL, aff, rec.ID, resp.Status, resp.Error)
	}
}

// HandleClick runs the click protocol: persist the pending marker, send the
// create request, clear the marker on reply, render the outcome.
func (a *Agent) HandleClick(ctx context.Context, item MediaItem) {
	audioURL := a.AudioURL(item)
	aff := a.affordance(item.MediaID, audioURL)
	if aff == nil {
		a.log.Warn().Str("media_id", item.MediaID).Msg("click for unknown media item")
		return
	}

	meta := relay.Metadata{
		AudioURL: audioURL,
		Info: soferapi.Info{
			Title:   item.Title,
			Speaker: item.Speaker,
		},
	}

	// The marker is the recovery anchor: it must be durable before the
	// request leaves.
	marker := pendingMarker{MediaID: item.MediaID, Metadata: meta, Timestamp: a.now()}
	if err := a.store.Set(ctx, localstore.KeyPendingTranscription, marker); err != nil {
		a.log.Warn().Err(err).Msg("failed to persist pending marker")
	}

	aff.SetState(StateRequesting, "Requesting...")

	resp, err := a.send(ctx, relay.Request{
		Type:     relay.TypeCreateTranscription,
		TabID:    a.tabID,
		Metadata: &meta,
	})
	if err != nil {
		// Channel failure: the marker stays for recovery-on-load. An
		// invalidated context has already triggered the reload in send.
		if !errors.Is(err, ErrContextInvalidated) {
			aff.SetState(StateError, "Error")
		}
		return
	}

	// Any reply clears the marker.
	if err := a.store.Delete(ctx, localstore.KeyPendingTranscription); err != nil {
		a.log.Warn().Err(err).Msg("failed to clear pending marker")
	}

	if resp.Error != "" {
		record := errorRecord{MediaID: item.MediaID, Error: resp.Error, Timestamp: a.now()}
		if err := a.store.Set(ctx, localstore.KeyTranscriptionError, record); err != nil {
			a.log.Warn().Err(err).Msg("failed to persist error record")
		}
		aff.SetState(StateError, resp.Error)
		return
	}

	if resp.TranscriptionID != "" {
		record := successRecord{ID: resp.TranscriptionID, Metadata: meta, Timestamp: a.now()}
		if err := a.store.Set(ctx, localstore.KeyLastTranscription, record); err != nil {
			a.log.Warn().Err(err).Msg("failed to persist success record")
		}
		a.mu.Lock()
		a.byTranscription[resp.TranscriptionID] = audioURL
		a.mu.Unlock()
		aff.SetState(StateProcessing, "Processing...")
	}
}

// Recover replays a recent pending click after a reload and re-renders a
// recent error. Markers older than the staleness window, or whose UI
// anchor cannot be found, are discarded; recovery is bounded to recent,
// still-relevant requests.
func (a *Agent) Recover(ctx context.Context) {
	var marker pendingMarker
	if ok, err := a.store.Get(ctx, localstore.KeyPendingTranscription, &marker); err == nil && ok {
		if a.now().Sub(marker.Timestamp) < a.pendingMaxAge {
			if aff, found := a.locator.Find(marker.MediaID); found {
				audioURL := marker.Metadata.AudioURL
				a.mu.Lock()
				a.affordances[audioURL] = aff
				a.mu.Unlock()
				a.log.Info().Str("media_id", marker.MediaID).Msg("replaying pending transcription request")
				a.HandleClick(ctx, MediaItem{
					MediaID: marker.MediaID,
					Title:   marker.Metadata.Info.Title,
					Speaker: marker.Metadata.Info.Speaker,
				})
				return
			}
		}
		if err := a.store.Delete(ctx, localstore.KeyPendingTranscription); err != nil {
			a.log.Warn().Err(err).Msg("failed to discard stale pending marker")
		}
	}

	var record errorRecord
	if ok, err := a.store.Get(ctx, localstore.KeyTranscriptionError, &record); err == nil && ok {
		if a.now().Sub(record.Timestamp) < a.pendingMaxAge {
			if aff, found := a.locator.Find(record.MediaID); found {
				aff.SetState(StateError, record.Error)
			}
		}
		if err := a.store.Delete(ctx, localstore.KeyTranscriptionError); err != nil {
			a.log.Warn().Err(err).Msg("failed to clear error record")
		}
	}
}

// OnStatusUpdate renders a status push from the relay onto the matching
// affordance. Updates for media this tab doesn't show are ignored.
func (a *Agent) OnStatusUpdate(u relay.StatusUpdate) {
	a.mu.Lock()
	audioURL := u.AudioURL
	if audioURL == "" {
		audioURL = a.byTranscription[u.TranscriptionID]
	}
	aff := a.affordances[audioURL]
	a.mu.Unlock()

	if aff == nil {
		a.log.Debug().Str("transcription_id", u.TranscriptionID).Msg("status update for unknown media, ignoring")
		return
	}
	a.render(audioURL, aff, u.TranscriptionID, u.Status, u.Error)
}

func (a *Agent) render(audioURL string, aff Affordance, transcriptionID string, status soferapi.Status, errMsg string) {
	switch {
	case errMsg != "":
		aff.SetState(StateError, errMsg)
	case status == soferapi.StatusCompleted:
		aff.SetState(StateCompleted, "View")
		a.bindOpen(audioURL, aff, transcriptionID)
	case status == soferapi.StatusFailed:
		aff.SetState(StateFailed, "Failed")
	case status != "":
		aff.SetState(StateProcessing, string(status))
	}
}

// bindOpen arms the click-to-open action exactly once per affordance, so
// repeated completed pushes can't open duplicate tabs.
func (a *Agent) bindOpen(audioURL string, aff Affordance, transcriptionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened[audioURL] {
		return
	}
	a.opened[audioURL] = true
	aff.SetOpenAction(a.env.TranscriptURL(transcriptionID))
}

func (a *Agent) affordance(mediaID, audioURL string) Affordance {
	a.mu.Lock()
	if aff, ok := a.affordances[audioURL]; ok {
		a.mu.Unlock()
		return aff
	}
	a.mu.Unlock()

	aff, found := a.locator.Find(mediaID)
	if !found {
		return nil
	}
	a.mu.Lock()
	a.affordances[audioURL] = aff
	a.mu.Unlock()
	return aff
}

// send forwards one request over the channel. An invalidated extension
// context triggers the page reload here and surfaces as an error.
func (a *Agent) send(ctx context.Context, req relay.Request) (relay.Response, error) {
	resp, err := a.conn.Send(ctx, req)
	if err != nil {
		if errors.Is(err, ErrContextInvalidated) {
			a.log.Warn().Msg("extension context invalidated, reloading page")
			a.page.Reload()
		}
		return relay.Response{}, err
	}
	return resp, nil
}
