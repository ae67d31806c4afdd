package audit

import (
	"encoding/json"
	"time"
)

// Outcome is the result of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Actions recorded by the application.
const (
	ActionRegister      = "auth.register"
	ActionLogin         = "auth.login"
	ActionPlanCreate    = "plan.create"
	ActionPlanGenerate  = "plan.generate"
	ActionPlanDelete    = "plan.delete"
	ActionPreferenceSet = "preferences.update"
)

// EntityPlan is the entity type for plan-scoped events.
const EntityPlan = "plan"

// Event is a single audit log entry. Events are never updated or deleted.
type Event struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	EntityType *string         `json:"entity_type,omitempty"`
	EntityID   *string         `json:"entity_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	IPAddress  *string         `json:"ip_address,omitempty"`
	UserAgent  *string         `json:"user_agent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventDetails captures the specifics of an audited action.
type EventDetails struct {
	Reason   string         `json:"reason,omitempty"`
	Code     string         `json:"code,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
