package domain

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventTaskStarted     EventType = "TASK_STARTED"
	EventMessageSent     EventType = "MESSAGE_SENT"
	EventTaskDone        EventType = "TASK_DONE"
	EventEvidenceAdded   EventType = "EVIDENCE_ADDED"
	EventStatePatch      EventType = "STATE_PATCH"
	EventDecisionUpdated EventType = "DECISION_UPDATED"
	EventError           EventType = "ERROR"
)

// Event is one entry of a run's append-only log. ID is the log position and
// is assigned by the store on append.
type Event struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts" format:"date-time"`
	DealID  string          `json:"deal_id"`
	RunID   string          `json:"run_id"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type TaskStartedPayload struct {
	TaskID         string `json:"task_id"`
	Role           Role   `json:"role"`
	Specialization string `json:"specialization,omitempty"`
	Stage          Stage  `json:"stage"`
}

type TaskDonePayload struct {
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	ValidationOK bool            `json:"validation_ok"`
	RetryCount   int             `json:"retry_count"`
	LatencyMS    int64           `json:"latency_ms"`
	Output       json.RawMessage `json:"output,omitempty"`
}

type MessageSentPayload struct {
	TaskID string          `json:"task_id"`
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

type EvidenceAddedPayload struct {
	TaskID   string     `json:"task_id,omitempty"`
	Evidence []Evidence `json:"evidence"`
}

const (
	PatchHypotheses = "hypotheses"
	PatchRubric     = "rubric"
)

type StatePatchPayload struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// DecisionUpdatedPayload carries the reconciled gate. Coerced counts checklist
// items turned into assumptions; Downgraded is set when the assumption policy
// overrode a PROCEED.
type DecisionUpdatedPayload struct {
	Gate       DecisionGate `json:"gate"`
	Fallback   bool         `json:"fallback,omitempty"`
	Coerced    int          `json:"coerced,omitempty"`
	Downgraded bool         `json:"downgraded,omitempty"`
}

const (
	ErrorValidation   = "validation"
	ErrorCollaborator = "collaborator"
	ErrorWorker       = "worker"
	ErrorFatal        = "fatal"
)

type ErrorPayload struct {
	TaskID  string   `json:"task_id,omitempty"`
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// NewEvent marshals payload into an unsequenced event for the run.
func NewEvent(run Run, typ EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{DealID: run.DealID, RunID: run.ID, Type: typ, Payload: data}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %d (%s) has no payload", e.ID, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
