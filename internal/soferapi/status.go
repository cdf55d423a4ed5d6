package soferapi

import "strings"

// Status is the lifecycle state of a transcription job. Lowercase is
// canonical; the backend has emitted both casings over time, so parsing is
// case-insensitive.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus folds a backend status string onto the canonical set. Unknown
// values are passed through lowercased so the UI can still display them.
func ParseStatus(s string) Status {
	return Status(strings.ToLower(strings.TrimSpace(s)))
}

// Terminal reports whether the status ends the job's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
