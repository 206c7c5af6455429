package stageflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActionType discriminates automation action payloads.
type ActionType string

const (
	ActionCreateTask       ActionType = "create_task"
	ActionSendNotification ActionType = "send_notification"
	ActionAssignUser       ActionType = "assign_user"
	ActionUpdateField      ActionType = "update_field"
	ActionSendEmail        ActionType = "send_email"
)

// Valid reports whether the action type is known.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCreateTask, ActionSendNotification, ActionAssignUser, ActionUpdateField, ActionSendEmail:
		return true
	}
	return false
}

// Assignee strategies for create_task and assign_user actions.
const (
	AssigneeExplicit         = "explicit"
	AssigneeOwner            = "owner"
	AssigneeBySpecialization = "by_specialization"
)

// AutomationAction pairs an action type with its type-specific config map.
// The map is decoded into the matching typed config and validated at
// configuration-load time so malformed config fails at load, never at
// trigger time.
type AutomationAction struct {
	Type   ActionType     `json:"type" yaml:"type"`
	Config map[string]any `json:"config" yaml:"config"`
}

// Validate decodes the config against the schema for the action type.
func (a AutomationAction) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown action type %q", string(a.Type))
	}
	_, err := DecodeActionConfig(a.Type, a.Config)
	return err
}

// CreateTaskConfig describes a task to create in the task collaborator.
type CreateTaskConfig struct {
	Title            string `json:"title"`
	Priority         string `json:"priority,omitempty"`
	DueInHours       int    `json:"due_in_hours,omitempty"`
	AssigneeStrategy string `json:"assignee_strategy,omitempty"`
	Assignee         string `json:"assignee,omitempty"`
	Specialization   string `json:"specialization,omitempty"`
}

func (c CreateTaskConfig) validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("create_task requires title")
	}
	if c.DueInHours < 0 {
		return fmt.Errorf("create_task due_in_hours must be >= 0")
	}
	switch c.AssigneeStrategy {
	case "", AssigneeOwner, AssigneeBySpecialization:
	case AssigneeExplicit:
		if strings.TrimSpace(c.Assignee) == "" {
			return fmt.Errorf("create_task with explicit assignee strategy requires assignee")
		}
	default:
		return fmt.Errorf("unknown assignee strategy %q", c.AssigneeStrategy)
	}
	if c.AssigneeStrategy == AssigneeBySpecialization && strings.TrimSpace(c.Specialization) == "" {
		return fmt.Errorf("create_task with by_specialization strategy requires specialization")
	}
	return nil
}

// SendNotificationConfig describes an in-app notification.
type SendNotificationConfig struct {
	Message  string `json:"message"`
	Audience string `json:"audience,omitempty"`
}

func (c SendNotificationConfig) validate() error {
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("send_notification requires message")
	}
	return nil
}

// AssignUserConfig mutates record ownership.
type AssignUserConfig struct {
	Role     string `json:"role,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	User     string `json:"user,omitempty"`
}

func (c AssignUserConfig) validate() error {
	switch c.Strategy {
	case "", AssigneeBySpecialization:
	case AssigneeExplicit:
		if strings.TrimSpace(c.User) == "" {
			return fmt.Errorf("assign_user with explicit strategy requires user")
		}
	default:
		return fmt.Errorf("unknown assign strategy %q", c.Strategy)
	}
	if c.Strategy == AssigneeBySpecialization && strings.TrimSpace(c.Role) == "" {
		return fmt.Errorf("assign_user with by_specialization strategy requires role")
	}
	if c.Strategy == "" && strings.TrimSpace(c.User) == "" {
		return fmt.Errorf("assign_user requires user or strategy")
	}
	return nil
}

// UpdateFieldConfig mutates one record field.
type UpdateFieldConfig struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (c UpdateFieldConfig) validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("update_field requires field")
	}
	return nil
}

// SendEmailConfig describes a templated email send.
type SendEmailConfig struct {
	Template string `json:"template"`
	To       string `json:"to,omitempty"`
}

func (c SendEmailConfig) validate() error {
	if strings.TrimSpace(c.Template) == "" {
		return fmt.Errorf("send_email requires template")
	}
	return nil
}

// DecodeActionConfig decodes a free-form config map into the typed config
// for the given action type and validates it. The returned value is one of
// the *Config structs.
func DecodeActionConfig(actionType ActionType, config map[string]any) (any, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", actionType, err)
	}
	switch actionType {
	case ActionCreateTask:
		var cfg CreateTaskConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", actionType, err)
		}
		return cfg, cfg.validate()
	case ActionSendNotification:
		var cfg SendNotificationConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", actionType, err)
		}
		return cfg, cfg.validate()
	case ActionAssignUser:
		var cfg AssignUserConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", actionType, err)
		}
		return cfg, cfg.validate()
	case ActionUpdateField:
		var cfg UpdateFieldConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", actionType, err)
		}
		return cfg, cfg.validate()
	case ActionSendEmail:
		var cfg SendEmailConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", actionType, err)
		}
		return cfg, cfg.validate()
	default:
		return nil, fmt.Errorf("unknown action type %q", string(actionType))
	}
}

// ActionRequest is the durable message produced when an automation fires for
// one action. It carries a stable RequestID so downstream collaborators can
// deduplicate redelivery.
type ActionRequest struct {
	RequestID    string         `json:"request_id"`
	Type         ActionType     `json:"type"`
	Config       map[string]any `json:"config,omitempty"`
	RecordID     string         `json:"record_id"`
	StageID      string         `json:"stage_id"`
	AutomationID string         `json:"automation_id"`
	ActionIndex  int            `json:"action_index"`
	Trigger      TriggerType    `json:"trigger"`
	Epoch        int            `json:"epoch"`
	TriggeredAt  time.Time      `json:"triggered_at"`
}

// Validate checks the request carries the full idempotency key.
func (r ActionRequest) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("action request requires request id")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("action request has unknown type %q", string(r.Type))
	}
	if strings.TrimSpace(r.RecordID) == "" || strings.TrimSpace(r.StageID) == "" || strings.TrimSpace(r.AutomationID) == "" {
		return fmt.Errorf("action request requires record, stage and automation ids")
	}
	if r.Epoch < 1 {
		return fmt.Errorf("action request epoch must be >= 1, got %d", r.Epoch)
	}
	return nil
}

// NewRequestID derives the stable request hash for one firing. The residency
// start is part of the hash so a fresh residency after re-entering a stage
// yields new request ids, while producer retries within one residency always
// reproduce the same id.
func NewRequestID(recordID, stageID, automationID string, epoch int, actionIndex int, residencyStart time.Time) string {
	h := sha256.New()
	for _, part := range []string{
		strings.TrimSpace(recordID),
		strings.TrimSpace(stageID),
		strings.TrimSpace(automationID),
		strconv.Itoa(epoch),
		strconv.Itoa(actionIndex),
		strconv.FormatInt(residencyStart.UTC().UnixNano(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
