package server

import (
	"encoding/json"

	"dealgate/internal/domain"
	"dealgate/internal/engine"
)

// Request payloads

type CreateRunRequest struct {
	Deal domain.Deal `json:"deal"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type RunResponse struct {
	ID          string             `json:"id"`
	DealID      string             `json:"deal_id"`
	Deal        domain.Deal        `json:"deal"`
	Status      string             `json:"status" enum:"created,running,done,failed_degraded"`
	Outcome     *domain.RunOutcome `json:"outcome,omitempty"`
	CreatedAt   string             `json:"created_at"`
	StartedAt   *string            `json:"started_at,omitempty"`
	CompletedAt *string            `json:"completed_at,omitempty"`
}

type RunListResponse struct {
	Items []RunResponse `json:"items"`
}

// ControlResponse reports the outcome of a start or resume call.
type ControlResponse struct {
	Status   string               `json:"status" enum:"done,advanced,started,sealed,locked"`
	Stage    string               `json:"stage"`
	Run      RunResponse          `json:"run"`
	Decision *domain.DecisionGate `json:"decision_gate,omitempty"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	DealID  string         `json:"deal_id"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type APIKeyCreatedResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

type APIKeyListResponse struct {
	Items []APIKeyResponse `json:"items"`
}

// Conversion helpers

func runResponse(r domain.Run) RunResponse {
	return RunResponse(r)
}

func mapRuns(items []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(items))
	for _, r := range items {
		out = append(out, runResponse(r))
	}
	return out
}

func controlResponse(res engine.Result) ControlResponse {
	return ControlResponse{
		Status:   string(res.Status),
		Stage:    string(res.Stage),
		Run:      runResponse(res.Run),
		Decision: res.State.Decision,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    string(e.Type),
		DealID:  e.DealID,
		RunID:   e.RunID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func decodeJSONMap(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// StateResponse is the replayed run projection. Task outputs are decoded so
// the schema stays a plain object.
type StateResponse struct {
	RunID        string                        `json:"run_id"`
	DealID       string                        `json:"deal_id"`
	Stage        string                        `json:"stage"`
	Evidence     []domain.Evidence             `json:"evidence"`
	Tasks        map[string]domain.TaskRecord  `json:"tasks"`
	Outputs      map[string]any                `json:"outputs"`
	Hypotheses   []domain.Hypothesis           `json:"hypotheses"`
	Rubric       map[string]domain.RubricScore `json:"rubric"`
	Decision     *domain.DecisionGate          `json:"decision_gate,omitempty"`
	Errors       []domain.ErrorPayload         `json:"errors"`
	ToolMessages int                           `json:"tool_messages"`
	EventCount   int                           `json:"event_count"`
}

func stateResponse(st domain.RunState, stage domain.Stage) StateResponse {
	outputs := make(map[string]any, len(st.Outputs))
	for id, raw := range st.Outputs {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			v = string(raw)
		}
		outputs[id] = v
	}
	return StateResponse{
		RunID:        st.RunID,
		DealID:       st.DealID,
		Stage:        string(stage),
		Evidence:     nonNilSlice(st.Evidence),
		Tasks:        st.Tasks,
		Outputs:      outputs,
		Hypotheses:   nonNilSlice(st.Hypotheses),
		Rubric:       st.Rubric,
		Decision:     st.Decision,
		Errors:       nonNilSlice(st.Errors),
		ToolMessages: st.ToolMessages,
		EventCount:   st.EventCount,
	}
}
