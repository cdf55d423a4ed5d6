package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/soferai/transcript-relay/internal/config"
	"github.com/soferai/transcript-relay/internal/localstore"
	"github.com/soferai/transcript-relay/internal/relay"
	"github.com/soferai/transcript-relay/internal/soferapi"
)

// memStorage is an in-memory stand-in for the local store.
type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
	recs map[string]soferapi.Record
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string][]byte), recs: make(map[string]soferapi.Record)}
}

func (m *memStorage) Get(ctx context.Context, key string, v any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (m *memStorage) Set(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = b
	m.mu.Unlock()
	return nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *memStorage) Record(ctx context.Context, audioURL string) (soferapi.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[audioURL]
	return rec, ok, nil
}

func (m *memStorage) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

type stateChange struct {
	state  AffordanceState
	detail string
}

type fakeAffordance struct {
	mu       sync.Mutex
	states   []stateChange
	openURLs []string
}

func (f *fakeAffordance) SetState(state AffordanceState, detail string) {
	f.mu.Lock()
	f.states = append(f.states, stateChange{state, detail})
	f.mu.Unlock()
}

func (f *fakeAffordance) SetOpenAction(url string) {
	f.mu.Lock()
	f.openURLs = append(f.openURLs, url)
	f.mu.Unlock()
}

func (f *fakeAffordance) last() (stateChange, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return stateChange{}, false
	}
	return f.states[len(f.states)-1], true
}

type fakeLocator struct {
	affs map[string]Affordance
}

func (f *fakeLocator) Find(mediaID string) (Affordance, bool) {
	aff, ok := f.affs[mediaID]
	return aff, ok
}

type fakeConn struct {
	mu   sync.Mutex
	fn   func(req relay.Request) (relay.Response, error)
	reqs []relay.Request
}

func (f *fakeConn) Send(ctx context.Context, req relay.Request) (relay.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeConn) sent() []relay.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]relay.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type fakePage struct {
	mu      sync.Mutex
	reloads int
}

func (f *fakePage) Reload() {
	f.mu.Lock()
	f.reloads++
	f.mu.Unlock()
}

type fixture struct {
	agent *Agent
	store *memStorage
	conn  *fakeConn
	page  *fakePage
	aff   *fakeAffordance
	item  MediaItem
	now   time.Time
}

func newFixture(t *testing.T, connFn func(req relay.Request) (relay.Response, error)) *fixture {
	t.Helper()
	store := newMemStorage()
	conn := &fakeConn{fn: connFn}
	page := &fakePage{}
	aff := &fakeAffordance{}
	item := MediaItem{MediaID: "m-1", Title: "Shiur", Speaker: "R. Cohen"}
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	env := config.NewEnv(&config.Config{
		Environment: config.EnvProduction,
		DevBaseURL:  "http://localhost:3000",
		ProdBaseURL: "https://app.example.com",
	})
	a := New(Options{
		Conn:        conn,
		Store:       store,
		Locator:     &fakeLocator{affs: map[string]Affordance{"m-1": aff}},
		Page:        page,
		Env:         env,
		TabID:       "tab-1",
		LectureBase: "https://yutorah.org/lectures/",
		Now:         func() time.Time { return now },
		Log:         zerolog.Nop(),
	})
	return &fixture{agent: a, store: store, conn: conn, page: page, aff: aff, item: item, now: now}
}

func TestHandleClick(t *testing.T) {
	ctx := context.Background()

	t.Run("marker_persisted_before_send", func(t *testing.T) {
		var markerAtSend bool
		var fx *fixture
		fx = newFixture(t, func(req relay.Request) (relay.Response, error) {
			markerAtSend = fx.store.has(localstore.KeyPendingTranscription)
			return relay.Response{TranscriptionID: "tr-1"}, nil
		})

		fx.agent.HandleClick(ctx, fx.item)
		if !markerAtSend {
			t.Error("pending marker must be durable before the request leaves")
		}
	})

	t.Run("success_clears_marker_and_records", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{TranscriptionID: "tr-1"}, nil
		})

		fx.agent.HandleClick(ctx, fx.item)

		if fx.store.has(localstore.KeyPendingTranscription) {
			t.Error("marker must be cleared on reply")
		}
		var rec successRecord
		ok, err := fx.store.Get(ctx, localstore.KeyLastTranscription, &rec)
		if err != nil || !ok {
			t.Fatalf("last transcription record: ok=%v err=%v", ok, err)
		}
		if rec.ID != "tr-1" {
			t.Errorf("unexpected record id %q", rec.ID)
		}
		last, _ := fx.aff.last()
		if last.state != StateProcessing {
			t.Errorf("expected processing state, got %q", last.state)
		}
	})

	t.Run("error_reply_persisted_and_rendered", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{Error: "Unable to process audio file"}, nil
		})

		fx.agent.HandleClick(ctx, fx.item)

		if fx.store.has(localstore.KeyPendingTranscription) {
			t.Error("marker must be cleared on reply")
		}
		var rec errorRecord
		ok, err := fx.store.Get(ctx, localstore.KeyTranscriptionError, &rec)
		if err != nil || !ok {
			t.Fatalf("error record: ok=%v err=%v", ok, err)
		}
		if rec.Error != "Unable to process audio file" || rec.MediaID != "m-1" {
			t.Errorf("unexpected record %+v", rec)
		}
		last, _ := fx.aff.last()
		if last.state != StateError || last.detail != "Unable to process audio file" {
			t.Errorf("unexpected render %+v", last)
		}
	})

	t.Run("invalidated_context_reloads_and_keeps_marker", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, fmt.Errorf("%w: send failed", ErrContextInvalidated)
		})

		fx.agent.HandleClick(ctx, fx.item)

		if fx.page.reloads != 1 {
			t.Errorf("expected 1 reload, got %d", fx.page.reloads)
		}
		if !fx.store.has(localstore.KeyPendingTranscription) {
			t.Error("marker must survive a channel failure for recovery")
		}
	})

	t.Run("other_channel_failure_keeps_marker", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, fmt.Errorf("relay unreachable")
		})

		fx.agent.HandleClick(ctx, fx.item)

		if fx.page.reloads != 0 {
			t.Error("only an invalidated context reloads the page")
		}
		if !fx.store.has(localstore.KeyPendingTranscription) {
			t.Error("marker must survive a channel failure for recovery")
		}
		last, _ := fx.aff.last()
		if last.state != StateError {
			t.Errorf("expected error state, got %q", last.state)
		}
	})
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh_marker_replayed", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{TranscriptionID: "tr-1"}, nil
		})
		marker := pendingMarker{
			MediaID: "m-1",
			Metadata: relay.Metadata{
				AudioURL: fx.agent.AudioURL(fx.item),
				Info:     soferapi.Info{Title: "Shiur"},
			},
			Timestamp: fx.now.Add(-time.Minute),
		}
		fx.store.Set(ctx, localstore.KeyPendingTranscription, marker)

		fx.agent.Recover(ctx)

		sent := fx.conn.sent()
		if len(sent) != 1 || sent[0].Type != relay.TypeCreateTranscription {
			t.Fatalf("expected one replayed create, got %+v", sent)
		}
		if sent[0].Metadata.Info.Title != "Shiur" {
			t.Errorf("metadata not carried into replay: %+v", sent[0].Metadata)
		}
		if fx.store.has(localstore.KeyPendingTranscription) {
			t.Error("marker must be cleared after the replayed reply")
		}
	})

	t.Run("stale_marker_discarded", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{TranscriptionID: "tr-1"}, nil
		})
		marker := pendingMarker{
			MediaID:   "m-1",
			Metadata:  relay.Metadata{AudioURL: fx.agent.AudioURL(fx.item)},
			Timestamp: fx.now.Add(-10 * time.Minute),
		}
		fx.store.Set(ctx, localstore.KeyPendingTranscription, marker)

		fx.agent.Recover(ctx)

		if len(fx.conn.sent()) != 0 {
			t.Error("stale marker must not be replayed")
		}
		if fx.store.has(localstore.KeyPendingTranscription) {
			t.Error("stale marker must be discarded")
		}
	})

	t.Run("marker_without_anchor_discarded", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{TranscriptionID: "tr-1"}, nil
		})
		marker := pendingMarker{
			MediaID:   "m-unknown",
			Metadata:  relay.Metadata{AudioURL: "https://yutorah.org/lectures/m-unknown"},
			Timestamp: fx.now.Add(-time.Minute),
		}
		fx.store.Set(ctx, localstore.KeyPendingTranscription, marker)

		fx.agent.Recover(ctx)

		if len(fx.conn.sent()) != 0 {
			t.Error("marker with no anchor must not be replayed")
		}
		if fx.store.has(localstore.KeyPendingTranscription) {
			t.Error("unanchored marker must be discarded")
		}
	})

	t.Run("recent_error_rerendered_once", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, nil
		})
		record := errorRecord{MediaID: "m-1", Error: "boom", Timestamp: fx.now.Add(-time.Minute)}
		fx.store.Set(ctx, localstore.KeyTranscriptionError, record)

		fx.agent.Recover(ctx)

		last, ok := fx.aff.last()
		if !ok || last.state != StateError || last.detail != "boom" {
			t.Errorf("expected error re-render, got %+v ok=%v", last, ok)
		}
		if fx.store.has(localstore.KeyTranscriptionError) {
			t.Error("error record is single-use and must be cleared")
		}
	})

	t.Run("old_error_cleared_silently", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, nil
		})
		record := errorRecord{MediaID: "m-1", Error: "boom", Timestamp: fx.now.Add(-time.Hour)}
		fx.store.Set(ctx, localstore.KeyTranscriptionError, record)

		fx.agent.Recover(ctx)

		if _, ok := fx.aff.last(); ok {
			t.Error("old error must not be rendered")
		}
		if fx.store.has(localstore.KeyTranscriptionError) {
			t.Error("old error record must still be cleared")
		}
	})
}

func TestAttach(t *testing.T) {
	ctx := context.Background()

	t.Run("completed_record_renders_view", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, nil
		})
		fx.store.recs[fx.agent.AudioURL(fx.item)] = soferapi.Record{ID: "tr-1", Status: soferapi.StatusCompleted}

		fx.agent.Attach(ctx, fx.item)

		last, _ := fx.aff.last()
		if last.state != StateCompleted || last.detail != "View" {
			t.Errorf("unexpected render %+v", last)
		}
		if len(fx.aff.openURLs) != 1 || fx.aff.openURLs[0] != "https://app.example.com/transcript/tr-1" {
			t.Errorf("unexpected open binding %v", fx.aff.openURLs)
		}
	})

	t.Run("unfinished_record_triggers_one_check", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{Status: soferapi.StatusProcessing}, nil
		})
		fx.store.recs[fx.agent.AudioURL(fx.item)] = soferapi.Record{ID: "tr-1", Status: soferapi.StatusPending}

		fx.agent.Attach(ctx, fx.item)

		sent := fx.conn.sent()
		if len(sent) != 1 || sent[0].Type != relay.TypeCheckTranscription || sent[0].TranscriptionID != "tr-1" {
			t.Fatalf("expected one status check, got %+v", sent)
		}
		last, _ := fx.aff.last()
		if last.state != StateProcessing {
			t.Errorf("unexpected render %+v", last)
		}
	})

	t.Run("second_attach_is_noop", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, nil
		})

		fx.agent.Attach(ctx, fx.item)
		fx.agent.Attach(ctx, fx.item)

		if len(fx.conn.sent()) != 0 {
			t.Errorf("no requests expected without a record, got %d", len(fx.conn.sent()))
		}
	})
}

func TestOnStatusUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("renders_by_audio_url", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, nil
		})
		fx.agent.Attach(ctx, fx.item)

		fx.agent.OnStatusUpdate(relay.StatusUpdate{
			Type:            relay.TypeStatusUpdate,
			AudioURL:        fx.agent.AudioURL(fx.item),
			TranscriptionID: "tr-1",
			Status:          soferapi.StatusProcessing,
		})

		last, _ := fx.aff.last()
		if last.state != StateProcessing {
			t.Errorf("unexpected render %+v", last)
		}
	})

	t.Run("renders_by_transcription_id", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{TranscriptionID: "tr-1"}, nil
		})
		fx.agent.HandleClick(ctx, fx.item)

		fx.agent.OnStatusUpdate(relay.StatusUpdate{
			Type:            relay.TypeStatusUpdate,
			TranscriptionID: "tr-1",
			Status:          soferapi.StatusFailed,
		})

		last, _ := fx.aff.last()
		if last.state != StateFailed {
			t.Errorf("unexpected render %+v", last)
		}
	})

	t.Run("repeated_completed_binds_open_once", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, nil
		})
		fx.agent.Attach(ctx, fx.item)

		update := relay.StatusUpdate{
			Type:            relay.TypeStatusUpdate,
			AudioURL:        fx.agent.AudioURL(fx.item),
			TranscriptionID: "tr-1",
			Status:          soferapi.StatusCompleted,
		}
		fx.agent.OnStatusUpdate(update)
		fx.agent.OnStatusUpdate(update)
		fx.agent.OnStatusUpdate(update)

		if len(fx.aff.openURLs) != 1 {
			t.Errorf("open action must bind exactly once, got %d bindings", len(fx.aff.openURLs))
		}
	})

	t.Run("unknown_media_ignored", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, nil
		})

		fx.agent.OnStatusUpdate(relay.StatusUpdate{
			Type:            relay.TypeStatusUpdate,
			AudioURL:        "https://yutorah.org/lectures/other",
			TranscriptionID: "tr-x",
			Status:          soferapi.StatusCompleted,
		})

		if _, ok := fx.aff.last(); ok {
			t.Error("update for unknown media must not render")
		}
	})

	t.Run("error_update_renders_error_state", func(t *testing.T) {
		fx := newFixture(t, func(req relay.Request) (relay.Response, error) {
			return relay.Response{}, nil
		})
		fx.agent.Attach(ctx, fx.item)

		fx.agent.OnStatusUpdate(relay.StatusUpdate{
			Type:            relay.TypeStatusUpdate,
			AudioURL:        fx.agent.AudioURL(fx.item),
			TranscriptionID: "tr-1",
			Error:           "Session expired, please log in again",
		})

		last, _ := fx.aff.last()
		if last.state != StateError || last.detail != "Session expired, please log in again" {
			t.Errorf("unexpected render %+v", last)
		}
	})
}
