// Package workflow implements the phase state machine that drives
// multi-turn document-building conversations. A workflow definition is a
// linear chain of collection phases followed by a review/refinement loop
// and a terminal finalization phase.
package workflow

import (
	"fmt"
	"strings"

	"github.com/andreypedro/wa-agent-api/internal/domain"
)

// FieldKind controls how raw extracted values are normalized.
type FieldKind string

const (
	KindText   FieldKind = "text"
	KindBool   FieldKind = "bool"
	KindList   FieldKind = "list"
	KindNumber FieldKind = "number"
)

// FieldSpec describes one piece of information a phase collects.
type FieldSpec struct {
	Name string
	Kind FieldKind
}

// Normalize coerces a raw extracted value into canonical form. An error
// means the value could not be interpreted and should be re-asked.
func (f FieldSpec) Normalize(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("empty value for field %s", f.Name)
	}

	switch f.Kind {
	case KindBool:
		switch strings.ToLower(value) {
		case "sim", "s", "yes", "y", "true", "1":
			return "true", nil
		case "não", "nao", "n", "no", "false", "0":
			return "false", nil
		default:
			return "", fmt.Errorf("cannot read %q as yes/no for field %s", raw, f.Name)
		}
	case KindNumber:
		cleaned := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' || r == '.' || r == ',' {
				return r
			}
			return -1
		}, value)
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
		if cleaned == "" || cleaned == "." {
			return "", fmt.Errorf("cannot read %q as a number for field %s", raw, f.Name)
		}
		// Collapse a trailing separator like "5000." left by currency text.
		return strings.TrimSuffix(cleaned, "."), nil
	case KindList:
		parts := strings.FieldsFunc(value, func(r rune) bool {
			return r == ',' || r == ';' || r == '\n'
		})
		var items []string
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		if len(items) == 0 {
			return "", fmt.Errorf("empty list for field %s", f.Name)
		}
		return strings.Join(items, "; "), nil
	default:
		return value, nil
	}
}

// PhaseDef describes one phase of a workflow.
type PhaseDef struct {
	Name domain.Phase
	// Goal is handed to the collaborator as the conversational objective
	// for this phase.
	Goal     string
	Required []FieldSpec
	Optional []FieldSpec
	// SingleShot phases complete after one interaction instead of
	// waiting for required fields.
	SingleShot bool
}

// Definition is a complete workflow: an ordered phase chain plus the
// review/refinement loop transitions.
type Definition struct {
	Name    string
	Initial domain.Phase
	Order   []domain.Phase
	Phases  map[domain.Phase]PhaseDef

	transitions map[transitionKey]domain.Phase
}

type transitionKey struct {
	from   domain.Phase
	intent Intent
}

func newDefinition(name string, phases []PhaseDef) *Definition {
	d := &Definition{
		Name:        name,
		Initial:     phases[0].Name,
		Phases:      make(map[domain.Phase]PhaseDef, len(phases)),
		transitions: make(map[transitionKey]domain.Phase),
	}
	for _, p := range phases {
		d.Order = append(d.Order, p.Name)
		d.Phases[p.Name] = p
	}

	// Collection phases advance down the chain; the review phase loops
	// through refinement until approved.
	for i, p := range phases {
		if p.Name == domain.PhaseReview || p.Name == domain.PhaseRefinement || p.Name == domain.PhaseFinalization {
			continue
		}
		if i+1 < len(phases) {
			d.transitions[transitionKey{p.Name, IntentAdvance}] = phases[i+1].Name
		}
	}
	d.transitions[transitionKey{domain.PhaseReview, IntentApprove}] = domain.PhaseFinalization
	d.transitions[transitionKey{domain.PhaseReview, IntentChange}] = domain.PhaseRefinement
	d.transitions[transitionKey{domain.PhaseRefinement, IntentAdvance}] = domain.PhaseReview

	return d
}

// Next returns the destination phase for an intent from the given phase,
// or false when the transition is not in the table.
func (d *Definition) Next(from domain.Phase, intent Intent) (domain.Phase, bool) {
	to, ok := d.transitions[transitionKey{from, intent}]
	return to, ok
}

// CollectPhases returns the phases that gather fields, in order.
func (d *Definition) CollectPhases() []domain.Phase {
	var out []domain.Phase
	for _, name := range d.Order {
		switch name {
		case domain.PhaseReview, domain.PhaseRefinement, domain.PhaseFinalization:
			continue
		}
		out = append(out, name)
	}
	return out
}

// FieldScope returns the field specs extractable in the given phase. In
// refinement every collect-phase field is in scope, since the user may be
// revising any part of the document.
func (d *Definition) FieldScope(phase domain.Phase) map[string]FieldSpec {
	scope := make(map[string]FieldSpec)
	add := func(def PhaseDef) {
		for _, f := range def.Required {
			scope[f.Name] = f
		}
		for _, f := range def.Optional {
			scope[f.Name] = f
		}
	}

	if phase == domain.PhaseRefinement {
		for _, name := range d.CollectPhases() {
			add(d.Phases[name])
		}
		return scope
	}
	if def, ok := d.Phases[phase]; ok {
		add(def)
	}
	return scope
}

// PRD returns the product requirements document generation workflow.
func PRD() *Definition {
	return newDefinition("prd", []PhaseDef{
		{
			Name: domain.PhaseDiscovery,
			Goal: "Understand what product the user wants to build: its name, what kind of product it is and what it does.",
			Required: []FieldSpec{
				{Name: "product_name", Kind: KindText},
				{Name: "product_type", Kind: KindText},
				{Name: "product_description", Kind: KindText},
			},
			Optional: []FieldSpec{
				{Name: "stakeholder_name", Kind: KindText},
				{Name: "company_name", Kind: KindText},
			},
		},
		{
			Name: domain.PhaseVision,
			Goal: "Establish the product vision and the business goals behind it.",
			Required: []FieldSpec{
				{Name: "product_vision", Kind: KindText},
			},
			Optional: []FieldSpec{
				{Name: "business_goals", Kind: KindList},
				{Name: "success_criteria", Kind: KindList},
			},
		},
		{
			Name: domain.PhaseAudience,
			Goal: "Identify who the product is for and the personas it serves.",
			Required: []FieldSpec{
				{Name: "target_audience", Kind: KindText},
			},
			Optional: []FieldSpec{
				{Name: "user_personas", Kind: KindList},
			},
		},
		{
			Name: domain.PhaseFeatures,
			Goal: "List the core features the product must have, and any nice-to-haves.",
			Required: []FieldSpec{
				{Name: "core_features", Kind: KindList},
			},
			Optional: []FieldSpec{
				{Name: "nice_to_have_features", Kind: KindList},
			},
		},
		{
			Name: domain.PhaseStories,
			Goal: "Write user stories covering the core features.",
			Required: []FieldSpec{
				{Name: "user_stories", Kind: KindList},
			},
		},
		{
			Name: domain.PhaseTechnical,
			Goal: "Capture technical requirements, technology preferences and integrations.",
			Required: []FieldSpec{
				{Name: "technical_requirements", Kind: KindList},
			},
			Optional: []FieldSpec{
				{Name: "technology_preferences", Kind: KindList},
				{Name: "integration_requirements", Kind: KindList},
			},
		},
		{
			Name: domain.PhaseMetrics,
			Goal: "Define measurable success metrics for the product.",
			Required: []FieldSpec{
				{Name: "success_metrics", Kind: KindList},
			},
		},
		{
			Name: domain.PhaseConstraints,
			Goal: "Document budget, timeline and resource constraints, with assumptions.",
			Required: []FieldSpec{
				{Name: "budget_constraints", Kind: KindText},
				{Name: "timeline_constraints", Kind: KindText},
			},
			Optional: []FieldSpec{
				{Name: "resource_constraints", Kind: KindText},
				{Name: "assumptions", Kind: KindList},
			},
		},
		{
			Name:       domain.PhaseReview,
			Goal:       "Present a summary of everything collected and ask for approval or changes.",
			SingleShot: true,
		},
		{
			Name: domain.PhaseRefinement,
			Goal: "Apply the changes the user requested, then return to review.",
		},
		{
			Name: domain.PhaseFinalization,
			Goal: "Deliver the finished document and close the session.",
		},
	})
}

// Lead returns the lead qualification and contracting workflow.
func Lead() *Definition {
	return newDefinition("lead", []PhaseDef{
		{
			Name: domain.PhaseQualification,
			Goal: "Qualify the lead: who they are, how to reach them, their monthly income and whether they need accounting services.",
			Required: []FieldSpec{
				{Name: "full_name", Kind: KindText},
				{Name: "email", Kind: KindText},
				{Name: "phone", Kind: KindText},
				{Name: "monthly_income", Kind: KindNumber},
				{Name: "needs_accounting", Kind: KindBool},
			},
			Optional: []FieldSpec{
				{Name: "company", Kind: KindText},
				{Name: "role", Kind: KindText},
				{Name: "interest_type", Kind: KindText},
			},
		},
		{
			Name: domain.PhaseContracting,
			Goal: "Collect the contracting details: CPF, birth date and preferred signature method.",
			Required: []FieldSpec{
				{Name: "cpf", Kind: KindText},
				{Name: "birth_date", Kind: KindText},
				{Name: "signature_method", Kind: KindText},
			},
		},
		{
			Name:       domain.PhaseReview,
			Goal:       "Summarize the collected lead details and ask for confirmation or corrections.",
			SingleShot: true,
		},
		{
			Name: domain.PhaseRefinement,
			Goal: "Correct the details the user flagged, then return to review.",
		},
		{
			Name: domain.PhaseFinalization,
			Goal: "Confirm the contract is underway and close the session.",
		},
	})
}

// ByName looks up a workflow definition by its configured name.
func ByName(name string) (*Definition, error) {
	switch name {
	case "prd", "":
		return PRD(), nil
	case "lead":
		return Lead(), nil
	default:
		return nil, fmt.Errorf("unknown workflow %q", name)
	}
}
