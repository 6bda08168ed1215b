package domain

import "time"

// ConfirmationSource identifies which channel resolved a confirmation.
type ConfirmationSource string

const (
	SourceDialog  ConfirmationSource = "dialog"
	SourceChat    ConfirmationSource = "chat"
	SourceTimeout ConfirmationSource = "timeout"
	SourceError   ConfirmationSource = "error"
	SourceNone    ConfirmationSource = "none"
)

// ConfirmationRequest asks a human operator to choose between options over
// the dual-channel race. DefaultOption is taken on timeout or when both
// channels error.
type ConfirmationRequest struct {
	ID            string
	Type          string // e.g. "validation_failure", "rollback_failure"
	Title         string
	Context       map[string]string
	Options       []string
	DefaultOption string
	Timeout       time.Duration
}

// ConfirmationResult is the operator's decision and its provenance.
type ConfirmationResult struct {
	Action       string
	Source       ConfirmationSource
	ResponseTime time.Duration
}

// Confirmer prompts the operator and blocks until a decision, timeout, or
// dual-channel error. Implementations must be safe for concurrent use.
type Confirmer interface {
	Confirm(req ConfirmationRequest) ConfirmationResult
}
