package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/soferai/transcript-relay/internal/relay"
)

// LocalConn talks to an in-process relay.
type LocalConn struct {
	Relay *relay.Relay
}

func (c *LocalConn) Send(ctx context.Context, req relay.Request) (relay.Response, error) {
	if c.Relay == nil {
		return relay.Response{}, ErrContextInvalidated
	}
	return c.Relay.Handle(ctx, req), nil
}

// HTTPConn talks to a relay daemon over its message endpoint. A transport
// failure means the relay process is gone, which is this channel's
// context-invalidated condition.
type HTTPConn struct {
	BaseURL string
	Client  *http.Client
}

func (c *HTTPConn) Send(ctx context.Context, req relay.Request) (relay.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return relay.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return relay.Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return relay.Response{}, fmt.Errorf("%w: %v", ErrContextInvalidated, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return relay.Response{}, fmt.Errorf("%w: read reply: %v", ErrContextInvalidated, err)
	}

	var resp relay.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return relay.Response{}, fmt.Errorf("decode reply: %w", err)
	}
	return resp, nil
}
