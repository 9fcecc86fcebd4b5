// Package collaborator talks to the language model that conducts the
// conversation: it produces the user-facing reply and a structured
// extraction of workflow fields from each turn.
package collaborator

import (
	"context"
	"errors"

	"github.com/andreypedro/wa-agent-api/internal/domain"
	"github.com/andreypedro/wa-agent-api/internal/workflow"
)

// ErrCollaborator wraps failures of the model backend.
var ErrCollaborator = errors.New("collaborator failure")

// ErrCollaboratorTimeout marks a model call that exceeded its deadline.
var ErrCollaboratorTimeout = errors.New("collaborator timeout")

// ExtractRequest carries everything the model needs for one turn.
type ExtractRequest struct {
	// Goal is the current phase's conversational objective.
	Goal string
	// Missing are the required field specs still to collect.
	Missing []workflow.FieldSpec
	// Scope is every field extractable in the current phase.
	Scope []workflow.FieldSpec
	// History is the bounded window of prior turns.
	History []domain.Turn
	// Message is the user's raw turn text.
	Message string
	// Review asks the model to also classify approve/change intent.
	Review bool
}

// Extraction is the structured outcome of one model call.
type Extraction struct {
	// Reply is the user-facing text.
	Reply string
	// Fields holds extracted field values keyed by field name.
	Fields map[string]string
	// Intent is the model's phase-direction signal.
	Intent workflow.Intent
	// Confident is the model's own judgement of the extraction. When
	// false the caller should hold the phase and ask again instead of
	// storing guessed values. A response without structured data reads
	// as not confident.
	Confident bool
	// Structured is false when the model returned no parseable data
	// section; Reply is still usable.
	Structured bool
}

// Extractor is the model-facing contract of the workflow engine.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (*Extraction, error)
}
