package workflow

import (
	"errors"
	"fmt"

	"github.com/andreypedro/wa-agent-api/internal/domain"
)

// Intent is the direction signal for a turn, classified by the
// collaborator from the user's message.
type Intent string

const (
	// IntentStay means keep collecting in the current phase.
	IntentStay Intent = "stay"
	// IntentAdvance asks to move to the next phase.
	IntentAdvance Intent = "advance"
	// IntentApprove accepts the reviewed document.
	IntentApprove Intent = "approve"
	// IntentChange requests modifications during review.
	IntentChange Intent = "change"
)

// ErrInvalidTransition is returned when a turn asks for a phase move the
// transition table does not allow. The session is left unchanged.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Result reports what a turn did to the session.
type Result struct {
	From     domain.Phase
	To       domain.Phase
	Advanced bool
	// Dropped lists extracted field names outside the current phase's
	// scope; they were discarded, not stored.
	Dropped []string
	// Reask lists in-scope fields whose values failed normalization and
	// must be collected again.
	Reask []string
	// Missing lists required fields still unconfirmed after the turn.
	Missing []string
}

// Machine applies turns to a session context according to one workflow
// definition. It is stateless and safe for concurrent use; all mutable
// state lives in the Context.
type Machine struct {
	def *Definition
}

// NewMachine creates a state machine over the given workflow definition.
func NewMachine(def *Definition) *Machine {
	return &Machine{def: def}
}

// Definition exposes the workflow driving this machine.
func (m *Machine) Definition() *Definition { return m.def }

// Apply folds one turn's extraction into the context: stores in-scope
// fields, drops out-of-scope ones, and moves the phase when the intent
// and collected state allow it. On ErrInvalidTransition the context is
// not modified.
func (m *Machine) Apply(c *domain.Context, fields map[string]string, intent Intent) (*Result, error) {
	if c.Terminal {
		return nil, fmt.Errorf("session %s is finalized: %w", c.SessionID, ErrInvalidTransition)
	}
	if _, ok := m.def.Phases[c.Phase]; !ok {
		return nil, fmt.Errorf("context in unknown phase %q: %w", c.Phase, ErrInvalidTransition)
	}

	// Explicit intents that have no row in the transition table are
	// rejected before any state is touched.
	switch intent {
	case IntentApprove, IntentChange:
		if _, ok := m.def.Next(c.Phase, intent); !ok {
			return nil, fmt.Errorf("%s not allowed in phase %s: %w", intent, c.Phase, ErrInvalidTransition)
		}
	}

	result := &Result{From: c.Phase}
	scope := m.def.FieldScope(c.Phase)

	for name, raw := range fields {
		spec, ok := scope[name]
		if !ok {
			result.Dropped = append(result.Dropped, name)
			continue
		}
		value, err := spec.Normalize(raw)
		if err != nil {
			c.SetField(name, raw, domain.FieldCaptured)
			result.Reask = append(result.Reask, name)
			continue
		}
		c.SetField(name, value, domain.FieldConfirmed)
	}

	to := m.nextPhase(c, intent)
	if to != c.Phase {
		c.Phase = to
		result.Advanced = true
		if to == domain.PhaseFinalization {
			c.Terminal = true
		}
		if to == domain.PhaseRefinement {
			c.RefineTarget = m.refineTarget(fields)
			m.reopenTarget(c)
		}
		if c.Phase != domain.PhaseRefinement {
			c.RefineTarget = ""
		}
	}
	result.To = c.Phase
	result.Missing = m.MissingFields(c)
	c.Turns++

	return result, nil
}

// nextPhase decides where the session moves after this turn's fields have
// been stored.
func (m *Machine) nextPhase(c *domain.Context, intent Intent) domain.Phase {
	def := m.def.Phases[c.Phase]

	switch intent {
	case IntentApprove, IntentChange:
		to, _ := m.def.Next(c.Phase, intent)
		return to
	case IntentAdvance:
		if to, ok := m.def.Next(c.Phase, IntentAdvance); ok {
			// An explicit ask to move on is honored even with gaps,
			// except in refinement where it always returns to review.
			if c.Phase == domain.PhaseRefinement || m.phaseComplete(c, def) {
				return to
			}
		}
		return c.Phase
	default:
		// A targeted refinement hands control back to review on its own
		// once the reworked phase's required fields are confirmed again.
		// Untargeted refinement waits for the user to say they are done.
		if c.Phase == domain.PhaseRefinement {
			if target, ok := m.def.Phases[c.RefineTarget]; ok && m.phaseComplete(c, target) {
				if to, ok := m.def.Next(c.Phase, IntentAdvance); ok {
					return to
				}
			}
			return c.Phase
		}
		// Otherwise the phase advances only once its required fields are
		// confirmed.
		if def.SingleShot {
			return c.Phase
		}
		if m.phaseComplete(c, def) {
			if to, ok := m.def.Next(c.Phase, IntentAdvance); ok {
				return to
			}
		}
		return c.Phase
	}
}

func (m *Machine) phaseComplete(c *domain.Context, def PhaseDef) bool {
	for _, f := range def.Required {
		if !c.FieldIsConfirmed(f.Name) {
			return false
		}
	}
	return true
}

// refineTarget maps a requested area of change onto a collect phase, so
// the collaborator knows which part of the document to revisit.
func (m *Machine) refineTarget(fields map[string]string) domain.Phase {
	if raw, ok := fields["refine_target"]; ok {
		for _, name := range m.def.CollectPhases() {
			if string(name) == raw {
				return name
			}
		}
	}
	return ""
}

// reopenTarget downgrades the targeted phase's required fields to the
// rejected state. Their values stay visible but no longer count as
// confirmed, so refinement ends only once each one is re-confirmed.
func (m *Machine) reopenTarget(c *domain.Context) {
	target, ok := m.def.Phases[c.RefineTarget]
	if !ok {
		return
	}
	for _, f := range target.Required {
		c.SetField(f.Name, c.Fields[f.Name], domain.FieldRejected)
	}
}

// MissingFields returns the required field names of the current phase not
// yet confirmed, in definition order.
func (m *Machine) MissingFields(c *domain.Context) []string {
	def, ok := m.def.Phases[c.Phase]
	if !ok {
		return nil
	}
	var missing []string
	for _, f := range def.Required {
		if !c.FieldIsConfirmed(f.Name) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// Progress returns confirmed and total required field counts across all
// collect phases, for the completion percentage shown to users.
func (m *Machine) Progress(c *domain.Context) (confirmed, total int) {
	for _, name := range m.def.CollectPhases() {
		for _, f := range m.def.Phases[name].Required {
			total++
			if c.FieldIsConfirmed(f.Name) {
				confirmed++
			}
		}
	}
	return confirmed, total
}

// Percentage converts Progress into a 0-100 figure. Finalized sessions
// report 100 regardless of optional gaps.
func (m *Machine) Percentage(c *domain.Context) int {
	if c.Terminal {
		return 100
	}
	confirmed, total := m.Progress(c)
	if total == 0 {
		return 0
	}
	pct := confirmed * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}
