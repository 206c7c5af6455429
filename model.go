package stageflow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TriggerType identifies when a stage automation fires.
type TriggerType string

const (
	TriggerOnEnter    TriggerType = "on_enter"
	TriggerOnExit     TriggerType = "on_exit"
	TriggerOnDuration TriggerType = "on_duration"
)

// Valid reports whether the trigger is one of the known values.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerOnEnter, TriggerOnExit, TriggerOnDuration:
		return true
	}
	return false
}

// NormalizeTrigger maps config spellings onto canonical trigger values.
func NormalizeTrigger(raw string) TriggerType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on_enter", "onenter", "enter":
		return TriggerOnEnter
	case "on_exit", "onexit", "exit":
		return TriggerOnExit
	case "on_duration", "onduration", "duration":
		return TriggerOnDuration
	}
	return TriggerType(strings.ToLower(strings.TrimSpace(raw)))
}

// PipelineTemplate is an ordered collection of stages a record moves through.
type PipelineTemplate struct {
	ID     string            `json:"id" yaml:"id"`
	Name   string            `json:"name" yaml:"name"`
	Stages []StageDefinition `json:"stages" yaml:"stages"`
}

// Validate checks structural soundness: stage ids, unique order values,
// and every nested stage definition.
func (p PipelineTemplate) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s requires at least one stage", p.ID)
	}
	orders := make(map[int]string, len(p.Stages))
	ids := make(map[string]bool, len(p.Stages))
	for idx, stage := range p.Stages {
		if err := stage.Validate(); err != nil {
			return fmt.Errorf("pipeline %s stage[%d]: %w", p.ID, idx, err)
		}
		if stage.PipelineID != "" && stage.PipelineID != p.ID {
			return fmt.Errorf("pipeline %s stage %s declares pipeline_id %s", p.ID, stage.ID, stage.PipelineID)
		}
		if prev, dup := orders[stage.Order]; dup {
			return fmt.Errorf("pipeline %s stages %s and %s share order %d", p.ID, prev, stage.ID, stage.Order)
		}
		orders[stage.Order] = stage.ID
		if ids[stage.ID] {
			return fmt.Errorf("pipeline %s has duplicate stage id %s", p.ID, stage.ID)
		}
		ids[stage.ID] = true
	}
	return nil
}

// DefaultStage returns the lowest-order stage, where new records start.
func (p PipelineTemplate) DefaultStage() (StageDefinition, bool) {
	if len(p.Stages) == 0 {
		return StageDefinition{}, false
	}
	stages := append([]StageDefinition(nil), p.Stages...)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
	return stages[0], true
}

// StageDefinition is a named position in a pipeline with associated
// automations and entry guards.
type StageDefinition struct {
	ID          string `json:"id" yaml:"id"`
	PipelineID  string `json:"pipeline_id,omitempty" yaml:"pipeline_id,omitempty"`
	Order       int    `json:"order" yaml:"order"`
	Name        string `json:"name" yaml:"name"`
	Probability int    `json:"probability" yaml:"probability"`

	// RequiredFields must be present in a record's field snapshot before the
	// record may enter this stage. Checked at transition time only.
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`

	// SubStatuses and FailureSignals are display/reporting metadata; the
	// engine never evaluates them.
	SubStatuses    []string `json:"sub_statuses,omitempty" yaml:"sub_statuses,omitempty"`
	FailureSignals []string `json:"failure_signals,omitempty" yaml:"failure_signals,omitempty"`

	Automations []StageAutomation `json:"automations,omitempty" yaml:"automations,omitempty"`
}

// Validate checks the stage definition and its automations.
func (s StageDefinition) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("stage id is required")
	}
	if s.Probability < 0 || s.Probability > 100 {
		return fmt.Errorf("stage %s probability %d out of range 0-100", s.ID, s.Probability)
	}
	seen := make(map[string]bool, len(s.Automations))
	for idx, auto := range s.Automations {
		if err := auto.Validate(); err != nil {
			return fmt.Errorf("stage %s automation[%d]: %w", s.ID, idx, err)
		}
		if auto.ID != "" {
			if seen[auto.ID] {
				return fmt.Errorf("stage %s has duplicate automation id %s", s.ID, auto.ID)
			}
			seen[auto.ID] = true
		}
	}
	return nil
}

// AutomationsFor returns the stage automations matching the given trigger,
// preserving configuration order.
func (s StageDefinition) AutomationsFor(trigger TriggerType) []StageAutomation {
	var out []StageAutomation
	for _, auto := range s.Automations {
		if auto.Trigger == trigger {
			out = append(out, auto)
		}
	}
	return out
}

// StageAutomation binds a trigger to an ordered action list.
type StageAutomation struct {
	ID              string      `json:"id,omitempty" yaml:"id,omitempty"`
	Trigger         TriggerType `json:"trigger" yaml:"trigger"`
	DurationMinutes int         `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Recurring is meaningful only for on_duration triggers: the automation
	// fires once per full elapsed duration interval instead of once.
	Recurring bool `json:"recurring,omitempty" yaml:"recurring,omitempty"`

	Actions []AutomationAction `json:"actions" yaml:"actions"`
}

// Validate checks trigger/duration coherence and every action.
func (a StageAutomation) Validate() error {
	if !a.Trigger.Valid() {
		return fmt.Errorf("unknown trigger %q", string(a.Trigger))
	}
	if a.Trigger == TriggerOnDuration && a.DurationMinutes <= 0 {
		return fmt.Errorf("on_duration automation requires duration > 0, got %d", a.DurationMinutes)
	}
	if a.Trigger != TriggerOnDuration && a.DurationMinutes != 0 {
		return fmt.Errorf("%s automation must not set duration", a.Trigger)
	}
	if a.Trigger != TriggerOnDuration && a.Recurring {
		return fmt.Errorf("recurring is only meaningful for on_duration automations")
	}
	if len(a.Actions) == 0 {
		return fmt.Errorf("automation requires at least one action")
	}
	for idx, action := range a.Actions {
		if err := action.Validate(); err != nil {
			return fmt.Errorf("action[%d]: %w", idx, err)
		}
	}
	return nil
}

// Duration returns the dwell interval for on_duration automations.
func (a StageAutomation) Duration() time.Duration {
	return time.Duration(a.DurationMinutes) * time.Minute
}

// PipelineRecord is a business entity instance moving through one pipeline.
// It occupies exactly one stage at any instant; EnteredStageAt marks the
// start of the current residency period.
type PipelineRecord struct {
	ID             string            `json:"id"`
	PipelineID     string            `json:"pipeline_id"`
	CurrentStageID string            `json:"current_stage_id"`
	EnteredStageAt time.Time         `json:"entered_stage_at"`
	OwnerID        string            `json:"owner_id,omitempty"`
	FieldValues    map[string]string `json:"field_values,omitempty"`
}

// FieldValue returns the trimmed value for a field key.
func (r PipelineRecord) FieldValue(key string) string {
	return strings.TrimSpace(r.FieldValues[key])
}

// MissingRequiredFields returns the stage's required field keys that are
// absent or empty in the given snapshot, in declaration order.
func MissingRequiredFields(stage StageDefinition, snapshot map[string]string) []string {
	var missing []string
	for _, key := range stage.RequiredFields {
		if strings.TrimSpace(snapshot[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// PipelineSource is read-only pipeline/stage lookup supplied by the
// configuration store. Implementations must be safe for concurrent use and
// immutable for the duration of an evaluation pass.
type PipelineSource interface {
	Pipeline(id string) (PipelineTemplate, bool)
	Stage(id string) (StageDefinition, bool)
	DefaultStage(pipelineID string) (StageDefinition, bool)
}

// OrgPipelineContext carries the active configuration snapshot for one
// organization through coordinator and scheduler calls, replacing any
// ambient/global pipeline lookup.
type OrgPipelineContext struct {
	OrgID     string
	Pipelines PipelineSource
}

// Validate checks the context carries a usable pipeline source.
func (c OrgPipelineContext) Validate() error {
	if c.Pipelines == nil {
		return fmt.Errorf("org pipeline context requires a pipeline source")
	}
	return nil
}
