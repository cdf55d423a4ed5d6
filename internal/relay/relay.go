package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/soferai/transcript-relay/internal/config"
	"github.com/soferai/transcript-relay/internal/metrics"
	"github.com/soferai/transcript-relay/internal/soferapi"
)

// API is the slice of the transcription client the relay uses.
type API interface {
	CreateTranscription(ctx context.Context, audioURL string, info soferapi.Info) (string, error)
	CheckStatus(ctx context.Context, transcriptionID string) (soferapi.Status, error)
	Verify(ctx context.Context) (bool, error)
	ClassifyError(ctx context.Context, err error) soferapi.Classified
}

// Pusher delivers status updates to the tab that originated a request.
type Pusher interface {
	Push(tabID string, update StatusUpdate)
}

const defaultPollInterval = 10 * time.Second

// Relay is the single authoritative owner of the poll-handle table. It is
// constructed once at startup and passed to every handler; there is no
// module-level mutable state.
type Relay struct {
	client   API
	env      *config.Env
	push     Pusher
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	polls  map[string]*poll
	closed bool
	wg     sync.WaitGroup
}

type Options struct {
	Client   API
	Env      *config.Env
	Pusher   Pusher
	Interval time.Duration
	Log      zerolog.Logger
}

func New(opts Options) *Relay {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Relay{
		client:   opts.Client,
		env:      opts.Env,
		push:     opts.Pusher,
		interval: interval,
		log:      opts.Log,
		polls:    make(map[string]*poll),
	}
}

// Handle dispatches one agent request. Expected failures are converted into
// {error} replies here, at the boundary; callers never see a rejected
// channel for the failure modes the protocol anticipates.
func (r *Relay) Handle(ctx context.Context, req Request) Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := r.log.With().Str("request_id", req.ID).Str("type", string(req.Type)).Logger()

	switch req.Type {
	case TypeCheckAuth:
		return r.handleCheckAuth(ctx, log)
	case TypeCreateTranscription:
		return r.handleCreate(ctx, log, req)
	case TypeCheckTranscription:
		return r.handleCheck(ctx, log, req)
	default:
		return Response{Error: fmt.Sprintf("unknown message type %q", req.Type)}
	}
}

func (r *Relay) handleCheckAuth(ctx context.Context, log zerolog.Logger) Response {
	ok, err := r.client.Verify(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("auth verification failed")
		return Response{IsAuthenticated: false, SignInURL: r.env.SignInURL()}
	}
	resp := Response{IsAuthenticated: ok}
	if !ok {
		resp.SignInURL = r.env.SignInURL()
	}
	log.Debug().Bool("is_authenticated", ok).Msg("auth checked")
	return resp
}

func (r *Relay) handleCreate(ctx context.Context, log zerolog.Logger, req Request) Response {
	if req.Metadata == nil || req.Metadata.AudioURL == "" {
		return Response{Error: "missing metadata"}
	}

	id, err := r.client.CreateTranscription(ctx, req.Metadata.AudioURL, req.Metadata.Info)
	if err != nil {
		cl := r.client.ClassifyError(ctx, err)
		metrics.APIErrorsTotal.WithLabelValues(string(cl.Kind)).Inc()
		log.Warn().Err(err).Str("kind", string(cl.Kind)).Msg("create transcription failed")
		return Response{Error: cl.Message, ErrorKind: cl.Kind}
	}

	metrics.TranscriptionsCreatedTotal.Inc()
	r.StartPoll(id, req.Metadata.AudioURL, req.TabID)
	return Response{TranscriptionID: id}
}

func (r *Relay) handleCheck(ctx context.Context, log zerolog.Logger, req Request) Response {
	if req.TranscriptionID == "" {
		return Response{Error: "missing transcriptionId"}
	}

	status, err := r.client.CheckStatus(ctx, req.TranscriptionID)
	if err != nil {
		metrics.StatusChecksTotal.WithLabelValues("error").Inc()
		cl := r.client.ClassifyError(ctx, err)
		metrics.APIErrorsTotal.WithLabelValues(string(cl.Kind)).Inc()
		log.Warn().Err(err).Msg("status check failed")
		return Response{Error: cl.Message, ErrorKind: cl.Kind}
	}
	metrics.StatusChecksTotal.WithLabelValues("ok").Inc()

	// A non-terminal job the relay isn't tracking (e.g. after a relay
	// restart) gets picked up again here.
	if !status.Terminal() {
		r.StartPoll(req.TranscriptionID, "", req.TabID)
	}
	return Response{Status: status}
}
