package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"dealgate/internal/collab"
	"dealgate/internal/contract"
	"dealgate/internal/domain"
	"dealgate/internal/evidence"
	"dealgate/internal/observability"
	"dealgate/internal/worker"
)

const (
	analysisInstruction = `Analyse the deal from the %s perspective using only the evidence provided.
Return JSON {"summary", "findings":[{"claim","evidence_ids"}], "risks", "open_questions"}.`
	synthesisInstruction = `Combine the analyses into at most 6 hypotheses citing evidence ids, and score
market, team, product, traction and defensibility from 0 to 100 with reasons.
Return JSON {"hypotheses":[{"id","text","support_evidence_ids","risks"}], "rubric", "unresolved_questions"}.`
	decisionInstruction = `Decide KILL, PROCEED or PROCEED_IF. Give exactly 3 gating questions and at most
15 checklist items. An item is EVIDENCE only if it cites evidence ids; otherwise mark it ASSUMPTION.
Return JSON {"decision", "gating_questions", "evidence_checklist":[{"question_ref","item","type","evidence_ids"}]}.`

	maxGapQuestions = 8
)

// goSafe runs fn in the group and turns a panic into an error, so a panic
// inside a wave reaches the fatal handler instead of killing the process.
func goSafe(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v", name, r)
			}
		}()
		return fn()
	})
}

// answer is one provider's reply to a query fanned out by queryAll.
type answer struct {
	idx     int
	found   []domain.Evidence
	err     error
	latency time.Duration
}

// queryAll queries every provider concurrently. The returned channel is
// buffered for all answers, so a provider that replies after the caller
// stopped listening exits without blocking and without writing events.
// A panicking provider answers with an error.
func queryAll(ctx context.Context, providers []collab.Provider, q collab.Query, timeout time.Duration) <-chan answer {
	out := make(chan answer, len(providers))
	for i, p := range providers {
		go func() {
			a := answer{idx: i}
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					a.found, a.err = nil, fmt.Errorf("panic: %v", r)
				}
				a.latency = time.Since(start)
				out <- a
			}()
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			a.found, a.err = p.Query(callCtx, q)
		}()
	}
	return out
}

func (e Engine) seedWave(ctx context.Context, run domain.Run) error {
	if _, err := e.emit(ctx, run, domain.EventTaskStarted, domain.TaskStartedPayload{
		TaskID: seedTaskID, Role: domain.RoleCollaborator, Stage: domain.StageSeed,
	}); err != nil {
		return err
	}
	start := time.Now()
	for _, p := range e.Seed {
		if _, err := e.emit(ctx, run, domain.EventTaskStarted, domain.TaskStartedPayload{
			TaskID: seedProviderTaskID(p.Name()), Role: domain.RoleCollaborator, Stage: domain.StageSeed,
		}); err != nil {
			return err
		}
	}
	stageCtx, cancel := context.WithTimeout(ctx, e.Config.Pipeline.SeedTimeout)
	defer cancel()

	answers := queryAll(stageCtx, e.Seed, collab.Query{Deal: run.Deal}, e.Config.Pipeline.CollaboratorTimeout)
	pending := make([]bool, len(e.Seed))
	for i := range pending {
		pending[i] = true
	}
	degraded := false
	for waiting := len(e.Seed); waiting > 0; {
		select {
		case a := <-answers:
			pending[a.idx] = false
			waiting--
			p := e.Seed[a.idx]
			ok, err := e.recordAnswer(ctx, run, seedProviderTaskID(p.Name()), true, p, a)
			if err != nil {
				return err
			}
			degraded = degraded || !ok
		case <-stageCtx.Done():
			e.logger().Printf("run=%s task=%s stage timeout; %d provider(s) unanswered", run.ID, seedTaskID, waiting)
			for i, p := range e.Seed {
				if !pending[i] {
					continue
				}
				if err := e.recordCollabFailure(ctx, run, seedProviderTaskID(p.Name()), true, p, "no answer before seed stage timeout", time.Since(start)); err != nil {
					return err
				}
			}
			waiting = 0
			degraded = true
		}
	}
	status := domain.TaskDone
	if degraded {
		status = domain.TaskDegraded
	}
	return e.finish(ctx, run, seedTaskID, domain.RoleCollaborator, status, !degraded, 0, time.Since(start), nil)
}

// recordAnswer records one provider reply under taskID and reports whether
// the provider answered successfully. With own set the provider is its own
// task and is finished here.
func (e Engine) recordAnswer(ctx context.Context, run domain.Run, taskID string, own bool, p collab.Provider, a answer) (bool, error) {
	if a.err != nil {
		e.logger().Printf("run=%s task=%s collaborator %s failed: %v", run.ID, taskID, p.Name(), a.err)
		return false, e.recordCollabFailure(ctx, run, taskID, own, p, a.err.Error(), a.latency)
	}
	if err := e.addEvidence(ctx, run, taskID, p.Name(), a.found); err != nil {
		return false, err
	}
	if !own {
		return true, nil
	}
	return true, e.finish(ctx, run, taskID, domain.RoleCollaborator, domain.TaskDone, true, 0, a.latency, nil)
}

// recordCollabFailure records a collaborator ERROR under taskID, degrading
// the task when the provider owns it.
func (e Engine) recordCollabFailure(ctx context.Context, run domain.Run, taskID string, own bool, p collab.Provider, reason string, latency time.Duration) error {
	e.Metrics.Inc(observability.MetricCollabFailures, map[string]string{"provider": p.Name()})
	if _, err := e.emit(ctx, run, domain.EventError, domain.ErrorPayload{
		TaskID: taskID, Kind: domain.ErrorCollaborator, Message: fmt.Sprintf("%s: %s", p.Name(), reason),
	}); err != nil {
		return err
	}
	if !own {
		return nil
	}
	return e.finish(ctx, run, taskID, domain.RoleCollaborator, domain.TaskDegraded, false, 0, latency, nil)
}

func (e Engine) addEvidence(ctx context.Context, run domain.Run, taskID, source string, found []domain.Evidence) error {
	list := evidence.Merge(evidence.Normalize(source, found, e.now()))
	if len(list) == 0 {
		return nil
	}
	e.Metrics.Add(observability.MetricEvidence, map[string]string{"source": source}, float64(len(list)))
	_, err := e.emit(ctx, run, domain.EventEvidenceAdded, domain.EvidenceAddedPayload{TaskID: taskID, Evidence: list})
	return err
}

func (e Engine) analysisWave(ctx context.Context, run domain.Run, st domain.RunState) error {
	known := st.EvidenceIndex()
	fields := map[string]json.RawMessage{
		"deal":     worker.Field(run.Deal),
		"evidence": worker.Field(st.Evidence),
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range MissingAnalysis(st, e.specs()) {
		t := taskSpec{
			ID:             analysisTaskID(spec),
			Role:           domain.RoleAnalysis,
			Specialization: spec,
			Stage:          domain.StageAnalysis,
			Contract:       contract.Analysis{},
			Fields:         fields,
			Instruction:    fmt.Sprintf(analysisInstruction, spec),
			Known:          known,
		}
		goSafe(g, t.ID, func() error {
			res, err := e.runTask(gctx, run, t)
			if err != nil {
				return err
			}
			return e.finishTask(gctx, run, t, res)
		})
	}
	return g.Wait()
}

func (e Engine) synthesisWave(ctx context.Context, run domain.Run, st domain.RunState) error {
	analyses := map[string]json.RawMessage{}
	var questions []string
	for _, spec := range e.specs() {
		out, ok := st.Outputs[analysisTaskID(spec)]
		if !ok {
			continue
		}
		analyses[spec] = out
		for _, q := range gjson.GetBytes(out, "open_questions").Array() {
			questions = append(questions, q.String())
		}
	}
	questions = dedupeQuestions(questions, maxGapQuestions)

	var gapAnswers <-chan answer
	gapStart := time.Now()
	gapCtx, cancelGap := context.WithCancel(ctx)
	defer cancelGap()
	if len(e.Secondary) > 0 && len(questions) > 0 && !st.Started(gapTaskID) {
		if _, err := e.emit(ctx, run, domain.EventTaskStarted, domain.TaskStartedPayload{
			TaskID: gapTaskID, Role: domain.RoleGap, Stage: domain.StageSynthesis,
		}); err != nil {
			return err
		}
		gapAnswers = queryAll(gapCtx, e.Secondary, collab.Query{Deal: run.Deal, Questions: questions}, e.Config.Pipeline.CollaboratorTimeout)
	}

	synErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v", synthesisTaskID, r)
			}
		}()
		return e.synthesize(ctx, run, st, analyses)
	}()

	var gapErr error
	if gapAnswers != nil {
		gapErr = e.collectGaps(ctx, run, gapAnswers, cancelGap, gapStart)
	}
	return errors.Join(synErr, gapErr)
}

func (e Engine) synthesize(ctx context.Context, run domain.Run, st domain.RunState, analyses map[string]json.RawMessage) error {
	t := taskSpec{
		ID:       synthesisTaskID,
		Role:     domain.RoleSynthesis,
		Stage:    domain.StageSynthesis,
		Contract: contract.Synthesis{},
		Fields: map[string]json.RawMessage{
			"deal":     worker.Field(run.Deal),
			"evidence": worker.Field(st.Evidence),
			"analyses": worker.Field(analyses),
		},
		Instruction: synthesisInstruction,
		Known:       st.EvidenceIndex(),
	}
	res, err := e.runTask(ctx, run, t)
	if err != nil {
		return err
	}
	var out contract.SynthesisOutput
	if res.OK {
		if errs := contract.Decode(t.Contract, res.Output, t.Known, &out); len(errs) > 0 {
			res.OK, res.Errors = false, errs
			if err := e.recordFailure(ctx, run, t, res); err != nil {
				return err
			}
		}
	}
	if !res.OK {
		out = contract.SynthesisOutput{Hypotheses: []domain.Hypothesis{}, Rubric: emptyRubric()}
	}
	if err := e.patch(ctx, run, domain.PatchHypotheses, out.Hypotheses); err != nil {
		return err
	}
	if err := e.patch(ctx, run, domain.PatchRubric, out.Rubric); err != nil {
		return err
	}
	return e.finishTask(ctx, run, t, res)
}

func emptyRubric() map[string]domain.RubricScore {
	r := make(map[string]domain.RubricScore, len(domain.RubricDimensions))
	for _, d := range domain.RubricDimensions {
		r[d] = domain.RubricScore{Score: 0, Reasons: []string{"synthesis unavailable"}}
	}
	return r
}

func (e Engine) patch(ctx context.Context, run domain.Run, field string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = e.emit(ctx, run, domain.EventStatePatch, domain.StatePatchPayload{Field: field, Value: data})
	return err
}

// collectGaps records secondary collaborator answers for the gap task. It is
// best effort: failures degrade the task and never reach the synthesis
// result. Once synthesis is done it waits at most the grace period; after
// that the remaining providers are cancelled, recorded as degraded and any
// late answer is dropped.
func (e Engine) collectGaps(ctx context.Context, run domain.Run, answers <-chan answer, cancel context.CancelFunc, start time.Time) error {
	grace := time.NewTimer(e.Config.Pipeline.GapGrace)
	defer grace.Stop()
	pending := make([]bool, len(e.Secondary))
	for i := range pending {
		pending[i] = true
	}
	degraded := false
	for waiting := len(e.Secondary); waiting > 0; {
		select {
		case a := <-answers:
			pending[a.idx] = false
			waiting--
			ok, err := e.recordAnswer(ctx, run, gapTaskID, false, e.Secondary[a.idx], a)
			if err != nil {
				return err
			}
			degraded = degraded || !ok
		case <-grace.C:
			e.logger().Printf("run=%s task=%s grace period over; cancelling", run.ID, gapTaskID)
			cancel()
			for i, p := range e.Secondary {
				if !pending[i] {
					continue
				}
				if err := e.recordCollabFailure(ctx, run, gapTaskID, false, p, "no answer before grace period ended", 0); err != nil {
					return err
				}
			}
			waiting = 0
			degraded = true
		}
	}
	status := domain.TaskDone
	if degraded {
		status = domain.TaskDegraded
	}
	return e.finish(ctx, run, gapTaskID, domain.RoleGap, status, !degraded, 0, time.Since(start), nil)
}

func dedupeQuestions(in []string, max int) []string {
	seen := map[string]bool{}
	var out []string
	for _, q := range in {
		q = strings.TrimSpace(q)
		k := strings.ToLower(q)
		if q == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, q)
	}
	sort.Strings(out)
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func (e Engine) decisionWave(ctx context.Context, run domain.Run, st domain.RunState) error {
	known := st.EvidenceIndex()
	t := taskSpec{
		ID:       decisionTaskID,
		Role:     domain.RoleDecision,
		Stage:    domain.StageDecision,
		Contract: contract.Decision{},
		Fields: map[string]json.RawMessage{
			"deal":       worker.Field(run.Deal),
			"evidence":   worker.Field(st.Evidence),
			"hypotheses": worker.Field(st.Hypotheses),
			"rubric":     worker.Field(st.Rubric),
			"synthesis":  outputField(st.Outputs[synthesisTaskID]),
		},
		Instruction: decisionInstruction,
		Known:       known,
	}
	res, err := e.runTask(ctx, run, t)
	if err != nil {
		return err
	}
	payload := domain.DecisionUpdatedPayload{Gate: evidence.Fallback(), Fallback: true}
	if res.OK {
		var gate domain.DecisionGate
		if errs := contract.Decode(t.Contract, res.Output, known, &gate); len(errs) > 0 {
			res.OK, res.Errors = false, errs
			if err := e.recordFailure(ctx, run, t, res); err != nil {
				return err
			}
		} else {
			reconciled, rep := evidence.Reconcile(gate, known, e.policy())
			if err := evidence.Check(reconciled, known); err != nil {
				return fmt.Errorf("reconciled gate: %w", err)
			}
			if rep.Coerced > 0 || rep.Downgraded || len(rep.DroppedIDs) > 0 {
				e.logger().Printf("run=%s task=%s reconciled: coerced=%d dropped=%d downgraded=%t",
					run.ID, t.ID, rep.Coerced, len(rep.DroppedIDs), rep.Downgraded)
			}
			payload = domain.DecisionUpdatedPayload{Gate: reconciled, Coerced: rep.Coerced, Downgraded: rep.Downgraded}
		}
	}
	if _, err := e.emit(ctx, run, domain.EventDecisionUpdated, payload); err != nil {
		return err
	}
	return e.finishTask(ctx, run, t, res)
}

func outputField(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func (e Engine) policy() evidence.Policy {
	d := e.Config.Decision
	return evidence.Policy{MaxAssumptionRatio: d.MaxAssumptionRatio, MaxAssumptions: d.MaxAssumptions, DowngradeTo: d.DowngradeTo}
}

type taskSpec struct {
	ID             string
	Role           domain.Role
	Specialization string
	Stage          domain.Stage
	Contract       contract.Contract
	Fields         map[string]json.RawMessage
	Instruction    string
	Known          map[string]bool
}

type taskRun struct {
	GateResult
	Latency time.Duration
}

// runTask records TASK_STARTED, calls the worker through the validation
// gate and records tool activity and any failure. The returned error is
// only set when the event log itself fails.
func (e Engine) runTask(ctx context.Context, run domain.Run, t taskSpec) (taskRun, error) {
	ctx, span := observability.StartSpan(ctx, "task",
		attribute.String("run.id", run.ID),
		attribute.String("task.id", t.ID),
		attribute.String("task.role", string(t.Role)),
	)
	defer span.End()
	if _, err := e.emit(ctx, run, domain.EventTaskStarted, domain.TaskStartedPayload{
		TaskID: t.ID, Role: t.Role, Specialization: t.Specialization, Stage: t.Stage,
	}); err != nil {
		return taskRun{}, err
	}
	start := time.Now()
	gate := Gate{Invoker: e.Invoker, Timeout: e.Config.Pipeline.WorkerTimeout}
	res := taskRun{GateResult: gate.Run(ctx, t.Contract, worker.Request{
		TaskID:         t.ID,
		Role:           t.Role,
		Specialization: t.Specialization,
		Fields:         t.Fields,
		Instruction:    t.Instruction,
	}, t.Known)}
	res.Latency = time.Since(start)
	span.SetAttributes(attribute.Bool("task.validation_ok", res.OK), attribute.Int("task.retries", res.Retries))
	e.Metrics.Add(observability.MetricRetries, map[string]string{"role": string(t.Role)}, float64(res.Retries))
	e.Metrics.Add(observability.MetricTaskLatencyMS, map[string]string{"role": string(t.Role)}, float64(res.Latency.Milliseconds()))

	for _, act := range res.Activity {
		if _, err := e.emit(ctx, run, domain.EventMessageSent, domain.MessageSentPayload{
			TaskID: t.ID, Tool: act.Tool, Input: act.Input, Output: act.Output,
		}); err != nil {
			return res, err
		}
	}
	if !res.OK {
		if err := e.recordFailure(ctx, run, t, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e Engine) recordFailure(ctx context.Context, run domain.Run, t taskSpec, res taskRun) error {
	p := domain.ErrorPayload{TaskID: t.ID, Kind: domain.ErrorValidation, Message: "output failed validation after retry", Details: res.Errors}
	if res.CallErr != nil {
		p.Kind, p.Message = domain.ErrorWorker, res.CallErr.Error()
	}
	e.logger().Printf("run=%s task=%s degraded: %s: %s", run.ID, t.ID, p.Kind, p.Message)
	_, err := e.emit(ctx, run, domain.EventError, p)
	return err
}

func (e Engine) finishTask(ctx context.Context, run domain.Run, t taskSpec, res taskRun) error {
	status := domain.TaskDone
	var output json.RawMessage
	if res.OK {
		output = res.Output
	} else {
		status = domain.TaskDegraded
	}
	return e.finish(ctx, run, t.ID, t.Role, status, res.OK, res.Retries, res.Latency, output)
}

func (e Engine) finish(ctx context.Context, run domain.Run, taskID string, role domain.Role, status string, ok bool, retries int, latency time.Duration, output json.RawMessage) error {
	e.Metrics.Inc(observability.MetricTasks, map[string]string{"role": string(role), "status": status})
	_, err := e.emit(ctx, run, domain.EventTaskDone, domain.TaskDonePayload{
		TaskID:       taskID,
		Status:       status,
		ValidationOK: ok,
		RetryCount:   retries,
		LatencyMS:    latency.Milliseconds(),
		Output:       output,
	})
	return err
}
