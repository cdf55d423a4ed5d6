package soferapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/soferai/transcript-relay/internal/config"
)

// TokenSource yields the current session's bearer token. An empty token
// with a nil error means the user is signed out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Record is the locally tracked lifecycle state of one submitted job.
type Record struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created"`
}

// RecordStore persists a best-effort copy of transcription records keyed by
// audio URL, so page agents can recover display state after a reload.
type RecordStore interface {
	SaveRecord(ctx context.Context, audioURL string, rec Record) error
}

// AuthState lets the client clear stored auth data when the backend reports
// the session invalid.
type AuthState interface {
	ClearAuth(ctx context.Context) error
}

// Info is the metadata block sent with a create request. Zero-value fields
// are filled with the fixed schema defaults before sending.
type Info struct {
	Title              string   `json:"title"`
	Speaker            string   `json:"speaker,omitempty"`
	PrimaryLanguage    string   `json:"primary_language"`
	LangForHebrewWords []string `json:"lang_for_hebrew_words"`
	NumSpeakers        int      `json:"num_speakers"`
}

func (i Info) withDefaults() Info {
	if i.PrimaryLanguage == "" {
		i.PrimaryLanguage = "en"
	}
	if len(i.LangForHebrewWords) == 0 {
		i.LangForHebrewWords = []string{"he"}
	}
	if i.NumSpeakers == 0 {
		i.NumSpeakers = 1
	}
	return i
}

// Client calls the external transcription backend with a token resolved
// fresh per operation. Credentials are never held across calls.
type Client struct {
	env     *config.Env
	tokens  TokenSource
	records RecordStore
	auth    AuthState
	http    *http.Client
	now     func() time.Time
	log     zerolog.Logger
}

type Options struct {
	Env     *config.Env
	Tokens  TokenSource
	Records RecordStore // optional
	Auth    AuthState   // optional
	Timeout time.Duration
	Log     zerolog.Logger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		env:     opts.Env,
		tokens:  opts.Tokens,
		records: opts.Records,
		auth:    opts.Auth,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
		log:     opts.Log,
	}
}

type createRequest struct {
	AudioURL string `json:"audioUrl"`
	Info     Info   `json:"info"`
}

type createResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status   string `json:"status"`
	AudioURL string `json:"audioUrl,omitempty"`
}

// CreateTranscription submits a new job and returns its identifier. On
// success a local record {id, pending, createdAt} is persisted; the client
// never dedupes by audio URL; idempotence is the caller's responsibility.
func (c *Client) CreateTranscription(ctx context.Context, audioURL string, info Info) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	if token == "" {
		return "", ErrNotAuthenticated
	}

	payload, err := json.Marshal(createRequest{AudioURL: audioURL, Info: info.withDefaults()})
	if err != nil {
		return "", fmt.Errorf("marshal create request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.env.BaseURL()+"/transcribe", token, payload)
	if err != nil {
		return "", err
	}

	var result createResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &ParseError{Op: "create transcription", Err: err}
	}
	if result.ID == "" {
		return "", &ParseError{Op: "create transcription", Err: fmt.Errorf("response missing id")}
	}

	if c.records != nil {
		rec := Record{ID: result.ID, Status: StatusPending, CreatedAt: c.now()}
		if err := c.records.SaveRecord(ctx, audioURL, rec); err != nil {
			// The record copy is best-effort; the job was created either way.
			c.log.Warn().Err(err).Str("transcription_id", result.ID).Msg("failed to persist transcription record")
		}
	}

	c.log.Info().Str("transcription_id", result.ID).Str("audio_url", audioURL).Msg("transcription created")
	return result.ID, nil
}

// CheckStatus fetches the current status of a job.
func (c *Client) CheckStatus(ctx context.Context, transcriptionID string) (Status, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	if token == "" {
		return "", ErrNotAuthenticated
	}

	url := fmt.Sprintf("%s/transcribe/%s/status", c.env.BaseURL(), transcriptionID)
	body, err := c.do(ctx, http.MethodPost, url, token, nil)
	if err != nil {
		return "", err
	}

	var result statusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &ParseError{Op: "check status", Err: err}
	}
	if result.Status == "" {
		return "", &ParseError{Op: "check status", Err: fmt.Errorf("response missing status")}
	}
	return ParseStatus(result.Status), nil
}

// Verify probes the backend with the resolved token. False with a nil error
// means signed out or rejected; an error means the probe itself failed.
func (c *Client) Verify(ctx context.Context) (bool, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve token: %w", err)
	}
	if token == "" {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.env.BaseURL()+"/api/auth/verify", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("auth verify: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// ClassifyError is the single place that decides the user-facing error
// category. An auth failure additionally clears stored auth state so the
// next CHECK_AUTH prompts a fresh sign-in.
func (c *Client) ClassifyError(ctx context.Context, err error) Classified {
	cl := Classify(err)
	if cl.Kind == KindAuth && c.auth != nil {
		if clearErr := c.auth.ClearAuth(ctx); clearErr != nil {
			c.log.Warn().Err(clearErr).Msg("failed to clear auth state")
		}
	}
	return cl
}

func (c *Client) do(ctx context.Context, method, url, token string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
