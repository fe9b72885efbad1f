package generation

import (
	"context"

	"github.com/xaenox/chatstream/internal/models"
)

// Generator is the opaque text-generation capability the orchestrator
// invokes. Implementations are stateless per call: a pure function
// from (model, context) to streamed text, parameterized by provider
// credentials.
type Generator interface {
	// StreamCompletion generates an assistant reply for the given
	// conversation history, invoking onDelta for each incremental
	// fragment in arrival order. It returns the full text.
	StreamCompletion(ctx context.Context, modelID string, history []*models.Message, onDelta func(text string) error) (string, error)

	// GenerateTitle produces a short conversation title from recent
	// messages plus the newest prompt.
	GenerateTitle(ctx context.Context, modelID string, history []*models.Message, prompt string) (string, error)
}
