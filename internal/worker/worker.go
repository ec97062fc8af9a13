// Package worker defines how the scheduler calls external reasoning workers.
// The scheduler only sees the Invoker interface; which implementation backs it
// is decided once, when the engine is built.
package worker

import (
	"context"
	"encoding/json"
	"sort"

	"dealgate/internal/domain"
)

// Request is a named bag of serialized context fields plus an instruction.
type Request struct {
	TaskID         string                     `json:"task_id"`
	Role           domain.Role                `json:"role"`
	Specialization string                     `json:"specialization,omitempty"`
	Fields         map[string]json.RawMessage `json:"fields"`
	Instruction    string                     `json:"instruction"`
}

// ToolActivity is non-authoritative telemetry reported by a worker.
type ToolActivity struct {
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

type Response struct {
	Output       json.RawMessage
	ToolActivity []ToolActivity
}

type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Field marshals v into a request field value.
func Field(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// fieldNames returns request field names in a stable order.
func fieldNames(fields map[string]json.RawMessage) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
