// Package vision talks to a hosted generative vision model that transcribes
// photographed sheet music into a note list
package vision

import (
	"context"
	"errors"
	"fmt"

	"github.com/james-see/sheetscan/pkg/notation"
)

// Sentinel errors for expected failure modes
var (
	ErrMissingAPIKey = errors.New("vision: API key is not configured")
	ErrEmptyResponse = errors.New("vision: model returned no candidates")
	ErrBlocked       = errors.New("vision: request blocked by the model")
	ErrUnparseable   = errors.New("vision: model output is neither JSON nor notation")
	ErrNoModel       = errors.New("vision: no usable model available")
)

// APIError is a non-2xx answer from the provider
type APIError struct {
	Status  int
	Message string
	Model   string
}

func (e *APIError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("vision: %s returned status %d: %s", e.Model, e.Status, e.Message)
	}
	return fmt.Sprintf("vision: status %d: %s", e.Status, e.Message)
}

// Image is the payload sent to the model
type Image struct {
	MIMEType string
	Data     []byte
}

// Transcription is the model's best-effort reading of a page. Either Notes
// or Notation is set.
type Transcription struct {
	Metadata notation.ScoreMetadata `json:"attributes"`
	Notes    []notation.RawNote     `json:"notes"`
	Notation string                 `json:"notation,omitempty"` // free-form ABC when the model skipped JSON
	Model    string                 `json:"model,omitempty"`
}

// Provider transcribes an image of sheet music
type Provider interface {
	Transcribe(ctx context.Context, img Image) (*Transcription, error)
}
