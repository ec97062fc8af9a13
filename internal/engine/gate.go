package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dealgate/internal/contract"
	"dealgate/internal/worker"
)

// Gate invokes a worker and checks its output against a contract. A failed
// validation is retried exactly once with the violations attached; a failed
// call is not retried.
type Gate struct {
	Invoker worker.Invoker
	Timeout time.Duration
}

type GateResult struct {
	OK       bool
	Output   json.RawMessage
	Errors   []string
	Retries  int
	CallErr  error
	Activity []worker.ToolActivity
}

func (g Gate) Run(ctx context.Context, c contract.Contract, req worker.Request, known map[string]bool) GateResult {
	var res GateResult
	resp, err := g.invoke(ctx, req)
	res.Activity = append(res.Activity, resp.ToolActivity...)
	if err != nil {
		res.CallErr = err
		return res
	}
	errs := c.Validate(resp.Output, known)
	if len(errs) == 0 {
		res.OK, res.Output = true, resp.Output
		return res
	}

	res.Retries = 1
	resp, err = g.invoke(ctx, withViolations(req, errs))
	res.Activity = append(res.Activity, resp.ToolActivity...)
	if err != nil {
		res.CallErr = err
		res.Errors = errs
		return res
	}
	res.Output = resp.Output
	res.Errors = c.Validate(resp.Output, known)
	res.OK = len(res.Errors) == 0
	return res
}

func (g Gate) invoke(ctx context.Context, req worker.Request) (worker.Response, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	return g.Invoker.Invoke(ctx, req)
}

// withViolations copies req and embeds the validation errors both as a
// structured field and in the instruction text.
func withViolations(req worker.Request, errs []string) worker.Request {
	fields := make(map[string]json.RawMessage, len(req.Fields)+1)
	for k, v := range req.Fields {
		fields[k] = v
	}
	fields["validation_errors"] = worker.Field(errs)
	req.Fields = fields
	req.Instruction = fmt.Sprintf("%s\n\nYour previous output was rejected:\n- %s\nReturn a corrected JSON object.",
		req.Instruction, strings.Join(errs, "\n- "))
	return req
}
