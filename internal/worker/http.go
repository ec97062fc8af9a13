package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// HTTPInvoker posts requests to an agent endpoint. The body is
// {"task_id","role","specialization","instruction","fields":{...}} and the
// response must carry the worker output under "output"; "tool_activity" is
// optional.
type HTTPInvoker struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker endpoint: status=%d body=%s", e.StatusCode, e.Body)
}

func (h HTTPInvoker) client() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

func (h HTTPInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	body, err := encodeRequest(req)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(h.APIKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.APIKey)
	}
	resp, err := h.client().Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode >= 300 {
		return Response{}, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return decodeResponse(data)
}

func encodeRequest(req Request) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	set("task_id", req.TaskID)
	set("role", string(req.Role))
	if req.Specialization != "" {
		set("specialization", req.Specialization)
	}
	set("instruction", req.Instruction)
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}
	fields, err := encodeFields(req.Fields)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetRawBytes(body, "fields", fields)
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}
	return body, nil
}

// encodeFields assembles the fields object in stable key order.
func encodeFields(fields map[string]json.RawMessage) ([]byte, error) {
	out := []byte(`{}`)
	for _, name := range fieldNames(fields) {
		raw := fields[name]
		if len(raw) == 0 {
			raw = []byte("null")
		}
		var err error
		out, err = sjson.SetRawBytes(out, escapePath(name), raw)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", name, err)
		}
	}
	return out, nil
}

func escapePath(name string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(name)
}

func decodeResponse(data []byte) (Response, error) {
	if !gjson.ValidBytes(data) {
		return Response{}, fmt.Errorf("worker endpoint returned invalid JSON")
	}
	out := gjson.GetBytes(data, "output")
	if !out.Exists() {
		return Response{}, fmt.Errorf("worker endpoint response has no output")
	}
	var raw json.RawMessage
	if out.Type == gjson.String {
		// Some agents return the JSON document as a string.
		raw = json.RawMessage(out.String())
	} else {
		raw = json.RawMessage(out.Raw)
	}
	resp := Response{Output: raw}
	for _, a := range gjson.GetBytes(data, "tool_activity").Array() {
		act := ToolActivity{Tool: a.Get("tool").String()}
		if in := a.Get("input"); in.Exists() {
			act.Input = json.RawMessage(in.Raw)
		}
		if o := a.Get("output"); o.Exists() {
			act.Output = json.RawMessage(o.Raw)
		}
		if act.Tool != "" {
			resp.ToolActivity = append(resp.ToolActivity, act)
		}
	}
	return resp, nil
}
