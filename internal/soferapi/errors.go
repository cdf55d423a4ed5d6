package soferapi

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotAuthenticated is returned when no session token can be resolved
// from the browser's cookie store.
var ErrNotAuthenticated = errors.New("not authenticated")

// HTTPError is a non-2xx response from the transcription backend.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status %d: %s", e.Status, e.Body)
}

// ParseError marks a response body that did not match the expected shape.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: failed to parse response: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrorKind is the user-facing category of a failure.
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"
	KindRateLimit  ErrorKind = "rate-limit"
	KindValidation ErrorKind = "validation"
	KindServer     ErrorKind = "server"
)

// Classified carries the category and the message the affordance shows.
// The affordance text is the sole error surface for end users.
type Classified struct {
	Kind    ErrorKind
	Message string
}

// Classify maps an error onto the user-facing category. It checks the typed
// HTTP status first and falls back to message matching for errors that
// arrived as plain strings. It never panics and never re-wraps.
func Classify(err error) Classified {
	if errors.Is(err, ErrNotAuthenticated) {
		return Classified{Kind: KindAuth, Message: "Please sign in through the web app"}
	}

	status := 0
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Status
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	switch {
	case status == 401 || strings.Contains(msg, "401"):
		return Classified{Kind: KindAuth, Message: "Session expired, please log in again"}
	case status == 429 || strings.Contains(msg, "429"):
		return Classified{Kind: KindRateLimit, Message: "Please try again later (rate limit reached)"}
	case status == 400 || strings.Contains(msg, "400"):
		return Classified{Kind: KindValidation, Message: "Unable to process audio file"}
	default:
		return Classified{Kind: KindServer, Message: "An unexpected error occurred"}
	}
}
