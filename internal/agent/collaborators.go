package agent

import (
	"context"
	"errors"

	"github.com/soferai/transcript-relay/internal/relay"
	"github.com/soferai/transcript-relay/internal/soferapi"
)

// MediaItem is one audio player discovered on the page. DOM scraping is an
// external collaborator; it feeds items through an Observer.
type MediaItem struct {
	MediaID string
	Title   string
	Speaker string
}

// Observer yields media items as the page produces them: an initial scan
// plus a subtree-wide mutation watch, both outside this package.
type Observer interface {
	Items() <-chan MediaItem
}

// AffordanceState is the visible state of the transcript action.
type AffordanceState string

const (
	StateRequesting AffordanceState = "requesting"
	StateProcessing AffordanceState = "processing"
	StateCompleted  AffordanceState = "completed"
	StateFailed     AffordanceState = "failed"
	StateError      AffordanceState = "error"
)

// Affordance is the rendered action element for one media item. Injecting
// the element into the page is the UI collaborator's concern.
type Affordance interface {
	SetState(state AffordanceState, detail string)
	// SetOpenAction arms the click-to-open target. The agent guarantees it
	// is called at most once per affordance.
	SetOpenAction(url string)
}

// Locator re-finds the affordance for a media item by DOM query, e.g.
// during recovery after a reload.
type Locator interface {
	Find(mediaID string) (Affordance, bool)
}

// Page is the host page. Reload is the terminal recovery action for an
// invalidated extension context: in-memory state cannot be trusted after
// the channel dies, and the host offers no reconnection primitive.
type Page interface {
	Reload()
}

// Conn sends one request to the relay and awaits a single reply, not a
// stream. Expected failures arrive inside the Response; a non-nil error
// means the channel itself failed.
type Conn interface {
	Send(ctx context.Context, req relay.Request) (relay.Response, error)
}

// ErrContextInvalidated reports that the extension context backing the
// message channel is gone.
var ErrContextInvalidated = errors.New("extension context invalidated")

// Storage is the slice of the local store the agent uses.
type Storage interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
	Record(ctx context.Context, audioURL string) (soferapi.Record, bool, error)
}
