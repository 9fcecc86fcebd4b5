// Package domain contains core domain types for the conversation workflow.
package domain

import (
	"time"
)

// Phase is a named stage in the workflow graph.
type Phase string

// PRD generation phases.
const (
	PhaseDiscovery    Phase = "discovery"
	PhaseVision       Phase = "vision"
	PhaseAudience     Phase = "audience"
	PhaseFeatures     Phase = "features"
	PhaseStories      Phase = "stories"
	PhaseTechnical    Phase = "technical"
	PhaseMetrics      Phase = "metrics"
	PhaseConstraints  Phase = "constraints"
	PhaseReview       Phase = "review"
	PhaseRefinement   Phase = "refinement"
	PhaseFinalization Phase = "finalization"
)

// Lead conversion phases (shorter variant; review/refinement/finalization are shared).
const (
	PhaseQualification Phase = "qualification"
	PhaseContracting   Phase = "contracting"
)

// FieldState tracks the validation status of a collected field.
type FieldState string

const (
	// FieldCaptured means the value was extracted but not yet confirmed.
	FieldCaptured FieldState = "captured"
	// FieldConfirmed means the value counts toward phase completion.
	FieldConfirmed FieldState = "confirmed"
	// FieldRejected means the value needs to be re-collected.
	FieldRejected FieldState = "rejected"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single entry in the conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the persisted state of one session's workflow progress.
// Exactly one Context exists per session id; all mutation happens under
// the façade's per-session lock.
type Context struct {
	SessionID    string                `json:"session_id"`
	Phase        Phase                 `json:"phase"`
	Fields       map[string]string     `json:"fields"`
	Validation   map[string]FieldState `json:"validation"`
	History      []Turn                `json:"history"`
	RefineTarget Phase                 `json:"refine_target,omitempty"`
	Terminal     bool                  `json:"terminal"`
	Turns        int                   `json:"turns"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// NewContext creates a fresh Context in the given initial phase.
func NewContext(sessionID string, initial Phase) *Context {
	now := time.Now()
	return &Context{
		SessionID:  sessionID,
		Phase:      initial,
		Fields:     make(map[string]string),
		Validation: make(map[string]FieldState),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// RecordTurn appends a turn to the conversation history.
func (c *Context) RecordTurn(role Role, text string) {
	c.History = append(c.History, Turn{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
	c.UpdatedAt = time.Now()
}

// SetField stores a field value in the given validation state. An existing
// value is overwritten; keys are never removed outside Reset.
func (c *Context) SetField(name, value string, state FieldState) {
	if c.Fields == nil {
		c.Fields = make(map[string]string)
	}
	if c.Validation == nil {
		c.Validation = make(map[string]FieldState)
	}
	c.Fields[name] = value
	c.Validation[name] = state
	c.UpdatedAt = time.Now()
}

// ConfirmField marks an already-captured field as confirmed.
func (c *Context) ConfirmField(name string) {
	if _, ok := c.Fields[name]; !ok {
		return
	}
	c.Validation[name] = FieldConfirmed
	c.UpdatedAt = time.Now()
}

// FieldIsConfirmed reports whether the named field is present and confirmed.
func (c *Context) FieldIsConfirmed(name string) bool {
	return c.Validation[name] == FieldConfirmed
}

// ConfirmedCount returns how many of the given field names are confirmed.
func (c *Context) ConfirmedCount(names []string) int {
	count := 0
	for _, name := range names {
		if c.FieldIsConfirmed(name) {
			count++
		}
	}
	return count
}

// Reset clears collected fields, validation state and history, returning the
// context to the given initial phase. Session identity and CreatedAt are
// preserved.
func (c *Context) Reset(initial Phase) {
	c.Phase = initial
	c.Fields = make(map[string]string)
	c.Validation = make(map[string]FieldState)
	c.History = nil
	c.RefineTarget = ""
	c.Terminal = false
	c.Turns = 0
	c.UpdatedAt = time.Now()
}
