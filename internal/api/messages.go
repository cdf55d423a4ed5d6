package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"github.com/soferai/transcript-relay/internal/config"
	"github.com/soferai/transcript-relay/internal/relay"
)

// MessageRelay is what the message endpoint needs from the relay.
type MessageRelay interface {
	Handle(ctx context.Context, req relay.Request) relay.Response
}

// MessagesHandler is the RPC surface: one POST per message, one JSON reply.
type MessagesHandler struct {
	relay MessageRelay
}

func NewMessagesHandler(r MessageRelay) *MessagesHandler {
	return &MessagesHandler{relay: r}
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req relay.Request
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid message body")
		return
	}
	if req.Type == "" {
		WriteError(w, http.StatusBadRequest, "missing message type")
		return
	}
	if req.TabID == "" {
		req.TabID = r.Header.Get("X-Tab-ID")
	}

	// Expected failures ride inside the reply; the HTTP status stays 200 so
	// agents never have to distinguish transport errors from API errors.
	resp := h.relay.Handle(r.Context(), req)
	WriteJSON(w, http.StatusOK, resp)
}

// EnvironmentStore persists the dev/prod toggle.
type EnvironmentStore interface {
	SetEnvironment(ctx context.Context, name string) error
}

// EnvironmentHandler switches the active environment and persists it.
type EnvironmentHandler struct {
	env   *config.Env
	store EnvironmentStore
}

func NewEnvironmentHandler(env *config.Env, store EnvironmentStore) *EnvironmentHandler {
	return &EnvironmentHandler{env: env, store: store}
}

type environmentRequest struct {
	Environment string `json:"environment"`
}

type environmentResponse struct {
	Environment string `json:"environment"`
	BaseURL     string `json:"baseUrl"`
}

func (h *EnvironmentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req environmentRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.env.Set(req.Environment) {
		WriteError(w, http.StatusBadRequest, "unknown environment")
		return
	}
	if h.store != nil {
		if err := h.store.SetEnvironment(r.Context(), req.Environment); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("failed to persist environment")
		}
	}
	WriteJSON(w, http.StatusOK, environmentResponse{
		Environment: h.env.Name(),
		BaseURL:     h.env.BaseURL(),
	})
}
