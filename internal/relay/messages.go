package relay

import "github.com/soferai/transcript-relay/internal/soferapi"

// Type keys the message-based RPC surface. These mirror the extension's
// runtime message protocol.
type Type string

const (
	TypeCheckAuth           Type = "CHECK_AUTH"
	TypeCreateTranscription Type = "CREATE_TRANSCRIPTION"
	TypeCheckTranscription  Type = "CHECK_TRANSCRIPTION"
	TypeStatusUpdate        Type = "TRANSCRIPTION_STATUS_UPDATE"
)

// Metadata describes the media item a transcription is requested for.
// Immutable once submitted.
type Metadata struct {
	AudioURL string        `json:"audioUrl"`
	Info     soferapi.Info `json:"info"`
}

// Request is one RPC message from a page agent. TabID identifies the
// originating tab so status pushes find their way back.
type Request struct {
	ID              string    `json:"id,omitempty"` // assigned by the relay when absent
	Type            Type      `json:"type"`
	TabID           string    `json:"tabId,omitempty"`
	Metadata        *Metadata `json:"metadata,omitempty"`
	TranscriptionID string    `json:"transcriptionId,omitempty"`
}

// Response is the single reply to a Request. Expected failures travel in
// Error; the message channel itself never rejects.
type Response struct {
	IsAuthenticated bool               `json:"isAuthenticated,omitempty"`
	SignInURL       string             `json:"signInUrl,omitempty"`
	TranscriptionID string             `json:"transcriptionId,omitempty"`
	Status          soferapi.Status    `json:"status,omitempty"`
	Error           string             `json:"error,omitempty"`
	ErrorKind       soferapi.ErrorKind `json:"errorKind,omitempty"`
}

// StatusUpdate is pushed to the originating tab on every poll result.
type StatusUpdate struct {
	Type            Type            `json:"type"`
	AudioURL        string          `json:"audioUrl,omitempty"`
	TranscriptionID string          `json:"transcriptionId"`
	Status          soferapi.Status `json:"status,omitempty"`
	Error           string          `json:"error,omitempty"`
}
