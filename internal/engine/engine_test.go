package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"dealgate/internal/collab"
	"dealgate/internal/config"
	"dealgate/internal/db"
	"dealgate/internal/domain"
	"dealgate/internal/engine"
	"dealgate/internal/evidence"
	"dealgate/internal/migrate"
	"dealgate/internal/observability"
	"dealgate/internal/state"
	"dealgate/internal/worker"
)

const (
	analysisOK  = `{"summary":"solid","findings":[{"claim":"revenue grows","evidence_ids":["e1"]}],"risks":["churn"],"open_questions":["Who pays?"]}`
	synthesisOK = `{"hypotheses":[{"id":"h1","text":"demand is real","support_evidence_ids":["e1"],"risks":[]}],
"rubric":{"market":{"score":70,"reasons":["big"]},"team":{"score":60,"reasons":[]},"product":{"score":50,"reasons":[]},
"traction":{"score":40,"reasons":[]},"defensibility":{"score":30,"reasons":[]}},"unresolved_questions":[]}`
	decisionOK = `{"decision":"PROCEED","gating_questions":["q1","q2","q3"],"evidence_checklist":[
{"question_ref":1,"item":"ARR verified","type":"EVIDENCE","evidence_ids":["e1"]},
{"question_ref":2,"item":"Market size","type":"EVIDENCE","evidence_ids":["ghost"]},
{"question_ref":3,"item":"Team can hire","type":"ASSUMPTION","evidence_ids":[]}]}`
)

type fakeWorker struct {
	mu       sync.Mutex
	calls    map[string]int
	requests map[string][]worker.Request
	respond  func(ctx context.Context, req worker.Request, attempt int) (worker.Response, error)
}

func newFakeWorker(respond func(ctx context.Context, req worker.Request, attempt int) (worker.Response, error)) *fakeWorker {
	if respond == nil {
		respond = goodOutput
	}
	return &fakeWorker{calls: map[string]int{}, requests: map[string][]worker.Request{}, respond: respond}
}

func (f *fakeWorker) Invoke(ctx context.Context, req worker.Request) (worker.Response, error) {
	f.mu.Lock()
	f.calls[req.TaskID]++
	n := f.calls[req.TaskID]
	f.requests[req.TaskID] = append(f.requests[req.TaskID], req)
	f.mu.Unlock()
	return f.respond(ctx, req, n)
}

func (f *fakeWorker) Calls(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskID]
}

func goodOutput(_ context.Context, req worker.Request, _ int) (worker.Response, error) {
	switch req.Role {
	case domain.RoleAnalysis:
		return worker.Response{Output: json.RawMessage(analysisOK), ToolActivity: []worker.ToolActivity{{Tool: "search"}}}, nil
	case domain.RoleSynthesis:
		return worker.Response{Output: json.RawMessage(synthesisOK)}, nil
	default:
		return worker.Response{Output: json.RawMessage(decisionOK)}, nil
	}
}

type countingProvider struct {
	collab.Static
	mu    sync.Mutex
	calls int
	block bool
}

func (c *countingProvider) Query(ctx context.Context, q collab.Query) ([]domain.Evidence, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.Static.Query(ctx, q)
}

func (c *countingProvider) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testEnv struct {
	Engine engine.Engine
	Worker *fakeWorker
	Seed   *countingProvider
	Ctx    context.Context
}

func newTestEnv(t *testing.T, w *fakeWorker) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Pipeline.WorkerTimeout = 200 * time.Millisecond
	cfg.Pipeline.CollaboratorTimeout = 200 * time.Millisecond
	cfg.Pipeline.SeedTimeout = time.Second
	cfg.Pipeline.GapGrace = 100 * time.Millisecond
	if w == nil {
		w = newFakeWorker(nil)
	}
	eng := engine.New(conn, cfg, w)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Logger = log.New(io.Discard, "", 0)
	eng.Owner = "test"
	seed := &countingProvider{Static: collab.Static{ID: "docs", Evidence: []domain.Evidence{
		{ID: "e1", Snippet: "ARR is 2M", Source: "deck"},
		{ID: "e2", Snippet: "12 employees", Source: "deck"},
	}}}
	eng.Seed = []collab.Provider{seed}
	return testEnv{Engine: eng, Worker: w, Seed: seed, Ctx: ctx}
}

func (env testEnv) createRun(t *testing.T) domain.Run {
	t.Helper()
	run, err := env.Engine.CreateRun(env.Ctx, domain.Deal{ID: "deal-1", Name: "Acme"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (env testEnv) events(t *testing.T, runID string) []domain.Event {
	t.Helper()
	evs, err := env.Engine.Events.ReadRun(env.Ctx, runID)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	return evs
}

func startedCount(t *testing.T, evs []domain.Event, taskID string) int {
	t.Helper()
	n := 0
	for _, e := range evs {
		if e.Type != domain.EventTaskStarted {
			continue
		}
		var p domain.TaskStartedPayload
		if err := e.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.TaskID == taskID {
			n++
		}
	}
	return n
}

func assertGate(t *testing.T, st domain.RunState) {
	t.Helper()
	if st.Decision == nil {
		t.Fatalf("run has no decision gate")
	}
	if err := evidence.Check(*st.Decision, st.EvidenceIndex()); err != nil {
		t.Fatalf("malformed gate: %v", err)
	}
}

func TestStartRunsAllWaves(t *testing.T) {
	env := newTestEnv(t, nil)
	run := env.createRun(t)
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Status != engine.StatusDone || res.Run.Status != domain.RunDone || !res.Run.Sealed() {
		t.Fatalf("unexpected result: %+v", res.Run)
	}
	st := res.State
	assertGate(t, st)
	for _, spec := range env.Engine.Config.Pipeline.Specializations {
		rec := st.Tasks["analysis:"+spec]
		if rec.Status != domain.TaskDone || !rec.ValidationOK {
			t.Fatalf("analysis %s: %+v", spec, rec)
		}
	}
	if len(st.Hypotheses) != 1 || st.Rubric["market"].Score != 70 {
		t.Fatalf("synthesis not applied: %+v %+v", st.Hypotheses, st.Rubric)
	}
	if st.ToolMessages != 3 {
		t.Fatalf("expected tool activity per analysis task, got %d", st.ToolMessages)
	}
	// The ghost citation is coerced and the assumption-heavy PROCEED downgraded.
	ghost := st.Decision.EvidenceChecklist[1]
	if ghost.Type != domain.ItemAssumption || len(ghost.EvidenceIDs) != 0 {
		t.Fatalf("dangling citation passed through: %+v", ghost)
	}
	if st.Decision.Decision != domain.DecisionProceedIf {
		t.Fatalf("expected downgrade to PROCEED_IF, got %s", st.Decision.Decision)
	}
	if res.Run.Outcome == nil || res.Run.Outcome.Decision != domain.DecisionProceedIf || res.Run.Outcome.Degraded {
		t.Fatalf("unexpected outcome: %+v", res.Run.Outcome)
	}
	if env.Engine.Metrics.Value(observability.MetricRunsSealed, map[string]string{"status": "done", "decision": "PROCEED_IF"}) != 1 {
		t.Fatalf("sealed metric not recorded")
	}
}

func TestStartOnSealedRunIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	run := env.createRun(t)
	if _, err := env.Engine.Start(env.Ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	before := len(env.events(t, run.ID))
	calls := env.Worker.Calls("decision")
	for _, call := range []func(context.Context, string) (engine.Result, error){env.Engine.Start, env.Engine.Resume} {
		res, err := call(env.Ctx, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != engine.StatusSealed || res.State.Decision == nil {
			t.Fatalf("expected sealed no-op, got %+v", res.Status)
		}
	}
	if after := len(env.events(t, run.ID)); after != before || env.Worker.Calls("decision") != calls {
		t.Fatalf("sealed run re-executed: %d -> %d events", before, after)
	}
}

func TestSlowAnalysisWorkerDegradesOnlyItsTask(t *testing.T) {
	w := newFakeWorker(func(ctx context.Context, req worker.Request, n int) (worker.Response, error) {
		if req.TaskID == "analysis:team" {
			<-ctx.Done()
			return worker.Response{}, ctx.Err()
		}
		return goodOutput(ctx, req, n)
	})
	env := newTestEnv(t, w)
	run := env.createRun(t)
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	st := res.State
	assertGate(t, st)
	team := st.Tasks["analysis:team"]
	if team.Status != domain.TaskDegraded || team.ValidationOK {
		t.Fatalf("expected degraded team task, got %+v", team)
	}
	if w.Calls("analysis:team") != 1 {
		t.Fatalf("call errors must not be retried, got %d calls", w.Calls("analysis:team"))
	}
	if st.Tasks["analysis:market"].Status != domain.TaskDone || st.Tasks["synthesis"].Status != domain.TaskDone {
		t.Fatalf("siblings or later waves affected: %+v", st.Tasks)
	}
	found := false
	for _, e := range st.Errors {
		if e.TaskID == "analysis:team" && e.Kind == domain.ErrorWorker {
			found = true
		}
	}
	if !found || !res.Run.Outcome.Degraded {
		t.Fatalf("worker failure not recorded: %+v", st.Errors)
	}
	if _, ok := st.Outputs["analysis:team"]; ok {
		t.Fatalf("degraded task must not contribute output")
	}
}

func TestValidationFailureIsRetriedOnceWithErrors(t *testing.T) {
	w := newFakeWorker(func(ctx context.Context, req worker.Request, n int) (worker.Response, error) {
		if req.TaskID == "analysis:market" && n == 1 {
			return worker.Response{Output: json.RawMessage(`{"findings":[]}`)}, nil
		}
		return goodOutput(ctx, req, n)
	})
	env := newTestEnv(t, w)
	run := env.createRun(t)
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	rec := res.State.Tasks["analysis:market"]
	if rec.Status != domain.TaskDone || rec.RetryCount != 1 || !rec.ValidationOK {
		t.Fatalf("unexpected record after retry: %+v", rec)
	}
	reqs := w.requests["analysis:market"]
	if len(reqs) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(reqs))
	}
	if _, ok := reqs[0].Fields["validation_errors"]; ok {
		t.Fatalf("first call must not carry validation errors")
	}
	if !bytes.Contains(reqs[1].Fields["validation_errors"], []byte("summary")) || !strings.Contains(reqs[1].Instruction, "summary") {
		t.Fatalf("retry did not embed violations: %s / %s", reqs[1].Fields["validation_errors"], reqs[1].Instruction)
	}
}

func TestEveryWorkerFailingStillYieldsGate(t *testing.T) {
	w := newFakeWorker(func(context.Context, worker.Request, int) (worker.Response, error) {
		return worker.Response{Output: json.RawMessage(`{"nope":true}`)}, nil
	})
	env := newTestEnv(t, w)
	run := env.createRun(t)
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	st := res.State
	assertGate(t, st)
	if len(st.Decision.GatingQuestions) != 3 || st.Decision.Decision != domain.DecisionProceedIf {
		t.Fatalf("expected fallback gate, got %+v", st.Decision)
	}
	for _, id := range []string{"analysis:market", "analysis:team", "analysis:product", "synthesis", "decision"} {
		if w.Calls(id) != 2 {
			t.Fatalf("%s: expected exactly 2 calls, got %d", id, w.Calls(id))
		}
		if rec := st.Tasks[id]; rec.Status != domain.TaskDegraded || rec.ValidationOK || rec.RetryCount != 1 {
			t.Fatalf("%s: unexpected record %+v", id, rec)
		}
	}
	if len(st.Hypotheses) != 0 || len(st.Rubric) != len(domain.RubricDimensions) {
		t.Fatalf("degraded synthesis should leave empty hypotheses and a zero rubric: %+v", st.Rubric)
	}
	if res.Run.Status != domain.RunDone || !res.Run.Outcome.Degraded {
		t.Fatalf("expected degraded done run: %+v", res.Run)
	}
}

func TestResumeRunsOneWavePerCall(t *testing.T) {
	env := newTestEnv(t, nil)
	run := env.createRun(t)
	want := []struct {
		status engine.Status
		stage  domain.Stage
	}{
		{engine.StatusAdvanced, domain.StageSeed},
		{engine.StatusAdvanced, domain.StageAnalysis},
		{engine.StatusAdvanced, domain.StageSynthesis},
		{engine.StatusDone, domain.StageDone},
		{engine.StatusSealed, domain.StageDone},
	}
	for i, w := range want {
		res, err := env.Engine.Resume(env.Ctx, run.ID)
		if err != nil {
			t.Fatalf("resume %d: %v", i, err)
		}
		if res.Status != w.status || res.Stage != w.stage {
			t.Fatalf("resume %d: got %s/%s want %s/%s", i, res.Status, res.Stage, w.status, w.stage)
		}
	}
	if env.Seed.Calls() != 1 {
		t.Fatalf("seed provider called %d times", env.Seed.Calls())
	}
	st, err := env.Engine.State(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	assertGate(t, st)
}

func appendAll(t *testing.T, env testEnv, run domain.Run, items ...struct {
	typ     domain.EventType
	payload any
}) {
	t.Helper()
	for _, it := range items {
		e, err := domain.NewEvent(run, it.typ, it.payload)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.Events.Append(env.Ctx, e); err != nil {
			t.Fatal(err)
		}
	}
}

type ev = struct {
	typ     domain.EventType
	payload any
}

func TestResumeReusesCompletedAnalysis(t *testing.T) {
	env := newTestEnv(t, nil)
	run := env.createRun(t)
	appendAll(t, env, run,
		ev{domain.EventTaskStarted, domain.TaskStartedPayload{TaskID: "seed", Role: domain.RoleCollaborator}},
		ev{domain.EventEvidenceAdded, domain.EvidenceAddedPayload{Evidence: []domain.Evidence{{ID: "e1", Snippet: "ARR", Source: "deck"}}}},
		ev{domain.EventTaskDone, domain.TaskDonePayload{TaskID: "seed", Status: domain.TaskDone, ValidationOK: true}},
		ev{domain.EventTaskStarted, domain.TaskStartedPayload{TaskID: "analysis:market", Role: domain.RoleAnalysis, Specialization: "market"}},
		ev{domain.EventTaskDone, domain.TaskDonePayload{TaskID: "analysis:market", Status: domain.TaskDone, ValidationOK: true, Output: json.RawMessage(analysisOK)}},
		ev{domain.EventTaskStarted, domain.TaskStartedPayload{TaskID: "analysis:team", Role: domain.RoleAnalysis, Specialization: "team"}},
		ev{domain.EventTaskDone, domain.TaskDonePayload{TaskID: "analysis:team", Status: domain.TaskDegraded}},
		ev{domain.EventTaskStarted, domain.TaskStartedPayload{TaskID: "analysis:product", Role: domain.RoleAnalysis, Specialization: "product"}},
	)
	res, err := env.Engine.Resume(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != domain.StageAnalysis || res.Status != engine.StatusAdvanced {
		t.Fatalf("expected ANALYSIS wave, got %s/%s", res.Status, res.Stage)
	}
	if env.Worker.Calls("analysis:market") != 0 || env.Worker.Calls("analysis:team") != 0 || env.Worker.Calls("analysis:product") != 1 {
		t.Fatalf("only the missing task should run: %v", env.Worker.calls)
	}
	evs := env.events(t, run.ID)
	if startedCount(t, evs, "analysis:market") != 1 || startedCount(t, evs, "analysis:team") != 1 {
		t.Fatalf("duplicate TASK_STARTED for a done task")
	}
	if env.Seed.Calls() != 0 {
		t.Fatalf("seed re-run")
	}
	// A fully done ANALYSIS wave is never re-entered.
	if _, err := env.Engine.Resume(env.Ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	if env.Worker.Calls("analysis:product") != 1 {
		t.Fatalf("analysis re-invoked on resume")
	}
}

func TestResumeAfterPartialSeedSkipsToAnalysis(t *testing.T) {
	env := newTestEnv(t, nil)
	run := env.createRun(t)
	appendAll(t, env, run,
		ev{domain.EventTaskStarted, domain.TaskStartedPayload{TaskID: "seed", Role: domain.RoleCollaborator}},
	)
	res, err := env.Engine.Resume(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != domain.StageAnalysis || env.Seed.Calls() != 0 {
		t.Fatalf("expected ANALYSIS without seeding, got %s (seed calls %d)", res.Stage, env.Seed.Calls())
	}
}

func TestConcurrentResumeHasOneScheduler(t *testing.T) {
	entered := make(chan struct{}, 3)
	release := make(chan struct{})
	w := newFakeWorker(func(ctx context.Context, req worker.Request, n int) (worker.Response, error) {
		if req.Role == domain.RoleAnalysis {
			entered <- struct{}{}
			<-release
		}
		return goodOutput(ctx, req, n)
	})
	env := newTestEnv(t, w)
	env.Engine.Config.Pipeline.WorkerTimeout = 5 * time.Second
	run := env.createRun(t)
	if _, err := env.Engine.Resume(env.Ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	first := make(chan engine.Result, 1)
	go func() {
		res, err := env.Engine.Resume(env.Ctx, run.ID)
		if err != nil {
			t.Errorf("first resume: %v", err)
		}
		first <- res
	}()
	<-entered
	second, err := env.Engine.Resume(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != engine.StatusLocked {
		t.Fatalf("expected locked no-op, got %s", second.Status)
	}
	close(release)
	res := <-first
	if res.Status != engine.StatusAdvanced || res.Stage != domain.StageAnalysis {
		t.Fatalf("unexpected first result %s/%s", res.Status, res.Stage)
	}
	evs := env.events(t, run.ID)
	for _, spec := range env.Engine.Config.Pipeline.Specializations {
		if n := startedCount(t, evs, "analysis:"+spec); n != 1 {
			t.Fatalf("analysis:%s started %d times", spec, n)
		}
	}
	if env.Engine.Metrics.Value(observability.MetricLockContention, nil) != 1 {
		t.Fatalf("lock contention not counted")
	}
}

func TestFatalFailureStillProducesDecision(t *testing.T) {
	w := newFakeWorker(func(ctx context.Context, req worker.Request, n int) (worker.Response, error) {
		if req.Role == domain.RoleSynthesis {
			panic("synthesis exploded")
		}
		return goodOutput(ctx, req, n)
	})
	env := newTestEnv(t, w)
	run := env.createRun(t)
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Run.Status != domain.RunFailedDegraded || res.Stage != domain.StageFailedDegraded {
		t.Fatalf("expected failed_degraded, got %s", res.Run.Status)
	}
	assertGate(t, res.State)
	fatal := 0
	for _, e := range res.State.Errors {
		if e.Kind == domain.ErrorFatal && strings.Contains(e.Message, "synthesis exploded") {
			fatal++
		}
	}
	if fatal != 1 {
		t.Fatalf("fatal error not recorded: %+v", res.State.Errors)
	}
	if w.Calls("decision") != 1 {
		t.Fatalf("decision should still be attempted, got %d calls", w.Calls("decision"))
	}
}

func TestFatalFailureFallsBackToDefaultGate(t *testing.T) {
	w := newFakeWorker(func(ctx context.Context, req worker.Request, n int) (worker.Response, error) {
		if req.Role == domain.RoleSynthesis || req.Role == domain.RoleDecision {
			panic("boom")
		}
		return goodOutput(ctx, req, n)
	})
	env := newTestEnv(t, w)
	run := env.createRun(t)
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	assertGate(t, res.State)
	want := evidence.Fallback()
	if res.State.Decision.Decision != want.Decision || res.State.Decision.GatingQuestions[0] != want.GatingQuestions[0] {
		t.Fatalf("expected default gate, got %+v", res.State.Decision)
	}
	if res.Run.Status != domain.RunFailedDegraded {
		t.Fatalf("expected failed_degraded, got %s", res.Run.Status)
	}
}

func TestLiveStreamReplaysToSameState(t *testing.T) {
	env := newTestEnv(t, nil)
	run := env.createRun(t)
	ch, cancel := env.Engine.Hub.Subscribe(512)
	defer cancel()
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	var live []domain.Event
	for len(live) < res.State.EventCount {
		select {
		case e := <-ch:
			live = append(live, e)
		case <-time.After(time.Second):
			t.Fatalf("stream stalled after %d events", len(live))
		}
	}
	a, _ := json.Marshal(state.Reduce(live))
	stored, err := env.Engine.State(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(stored)
	if !bytes.Equal(a, b) {
		t.Fatalf("live and replayed state differ:\n%s\n%s", a, b)
	}
}

func TestLaunchDrivesInBackground(t *testing.T) {
	env := newTestEnv(t, nil)
	run := env.createRun(t)
	res, done, err := env.Engine.Launch(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.StatusStarted {
		t.Fatalf("expected started, got %s", res.Status)
	}
	select {
	case final := <-done:
		if final.Status != engine.StatusDone {
			t.Fatalf("expected done, got %s", final.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("background run did not finish")
	}
	again, done, err := env.Engine.Launch(env.Ctx, run.ID)
	if err != nil || again.Status != engine.StatusSealed {
		t.Fatalf("relaunch: %v %v", again.Status, err)
	}
	if r := <-done; r.Status != engine.StatusSealed {
		t.Fatalf("relaunch channel: %s", r.Status)
	}
}

func TestGapResolutionAddsEvidence(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Secondary = []collab.Provider{collab.Static{ID: "registry", Evidence: []domain.Evidence{{ID: "e9", Snippet: "payer is the CFO"}}}}
	run := env.createRun(t)
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec := res.State.Tasks["gap_resolution"]; rec.Status != domain.TaskDone {
		t.Fatalf("gap task: %+v", rec)
	}
	if !res.State.EvidenceIndex()["e9"] {
		t.Fatalf("gap evidence missing")
	}
}

func TestSlowGapResolutionIsCutOff(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Config.Pipeline.CollaboratorTimeout = 10 * time.Second
	slow := &countingProvider{Static: collab.Static{ID: "slow"}, block: true}
	env.Engine.Secondary = []collab.Provider{slow}
	run := env.createRun(t)
	started := time.Now()
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("gap resolution blocked the run")
	}
	if rec := res.State.Tasks["gap_resolution"]; rec.Status != domain.TaskDegraded {
		t.Fatalf("expected degraded gap task, got %+v", rec)
	}
	if res.State.Tasks["synthesis"].Status != domain.TaskDone || res.Run.Status != domain.RunDone {
		t.Fatalf("gap failure leaked into the run: %+v", res.State.Tasks["synthesis"])
	}
}

func TestSeedProviderFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Seed = append(env.Engine.Seed, collab.HTTPProvider{ID: "down", URL: "http://127.0.0.1:1/nowhere"})
	run := env.createRun(t)
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.State.Tasks["seed"].Status != domain.TaskDegraded || res.State.Tasks["seed:down"].Status != domain.TaskDegraded {
		t.Fatalf("unexpected seed records: %+v", res.State.Tasks)
	}
	if len(res.State.Evidence) != 2 || res.Run.Status != domain.RunDone {
		t.Fatalf("partial evidence should be kept: %+v", res.State.Evidence)
	}
}

func TestCreateRunValidatesDeal(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.CreateRun(env.Ctx, domain.Deal{Name: "x"}); !errors.Is(err, engine.ErrInvalidDeal) {
		t.Fatalf("expected invalid deal, got %v", err)
	}
	if _, err := env.Engine.CreateRun(env.Ctx, domain.Deal{ID: "d"}); !errors.Is(err, engine.ErrInvalidDeal) {
		t.Fatalf("expected invalid deal, got %v", err)
	}
	run := env.createRun(t)
	runs, err := env.Engine.ListRuns(env.Ctx, "deal-1", 0)
	if err != nil || len(runs) != 1 || runs[0].ID != run.ID || runs[0].Status != domain.RunCreated {
		t.Fatalf("list: %+v %v", runs, err)
	}
}

// stubbornProvider ignores cancellation and answers after delay.
type stubbornProvider struct {
	id    string
	delay time.Duration
}

func (s stubbornProvider) Name() string { return s.id }

func (s stubbornProvider) Query(_ context.Context, _ collab.Query) ([]domain.Evidence, error) {
	time.Sleep(s.delay)
	return []domain.Evidence{{Snippet: "late fact", Source: s.id}}, nil
}

func TestSeedTimeoutDoesNotWaitForStubbornProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Config.Pipeline.SeedTimeout = 100 * time.Millisecond
	env.Engine.Seed = append(env.Engine.Seed, stubbornProvider{id: "stubborn", delay: 2 * time.Second})
	run := env.createRun(t)
	started := time.Now()
	res, err := env.Engine.Resume(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if took := time.Since(started); took > time.Second {
		t.Fatalf("seed wave took %s", took)
	}
	if res.Status != engine.StatusAdvanced || res.Stage != domain.StageSeed {
		t.Fatalf("unexpected result %s/%s", res.Status, res.Stage)
	}
	tasks := res.State.Tasks
	if tasks["seed"].Status != domain.TaskDegraded || tasks["seed:stubborn"].Status != domain.TaskDegraded || tasks["seed:docs"].Status != domain.TaskDone {
		t.Fatalf("unexpected seed records: %+v", tasks)
	}
	if len(res.State.Evidence) != 2 {
		t.Fatalf("expected only the prompt provider's evidence, got %+v", res.State.Evidence)
	}
	found := false
	for _, e := range res.State.Errors {
		if e.TaskID == "seed:stubborn" && e.Kind == domain.ErrorCollaborator {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing collaborator error: %+v", res.State.Errors)
	}
}

func TestGapGraceDoesNotWaitForStubbornProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Secondary = []collab.Provider{stubbornProvider{id: "stubborn", delay: 2 * time.Second}}
	run := env.createRun(t)
	started := time.Now()
	res, err := env.Engine.Start(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if took := time.Since(started); took > time.Second {
		t.Fatalf("run took %s with a stubborn gap provider", took)
	}
	if rec := res.State.Tasks["gap_resolution"]; rec.Status != domain.TaskDegraded {
		t.Fatalf("expected degraded gap task, got %+v", rec)
	}
	if res.State.Tasks["synthesis"].Status != domain.TaskDone || res.Run.Status != domain.RunDone {
		t.Fatalf("gap failure leaked into the run: %+v", res.State.Tasks)
	}
	for _, ev := range res.State.Evidence {
		if ev.Snippet == "late fact" {
			t.Fatalf("late gap answer was recorded")
		}
	}
}

func TestLeaseIsRenewedWhileWaveRuns(t *testing.T) {
	w := newFakeWorker(func(ctx context.Context, req worker.Request, n int) (worker.Response, error) {
		if req.Role == domain.RoleAnalysis {
			time.Sleep(300 * time.Millisecond)
		}
		return goodOutput(ctx, req, n)
	})
	env := newTestEnv(t, w)
	env.Engine.Config.Pipeline.WorkerTimeout = 5 * time.Second
	env.Engine.Locks.TTL = 90 * time.Millisecond
	run := env.createRun(t)
	if _, err := env.Engine.Resume(env.Ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	first := make(chan engine.Result, 1)
	go func() {
		res, err := env.Engine.Resume(env.Ctx, run.ID)
		if err != nil {
			t.Errorf("first resume: %v", err)
		}
		first <- res
	}()
	time.Sleep(150 * time.Millisecond)
	second, err := env.Engine.Resume(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != engine.StatusLocked {
		t.Fatalf("lock expired mid-wave: second resume %s", second.Status)
	}
	res := <-first
	if res.Status != engine.StatusAdvanced || res.Stage != domain.StageAnalysis {
		t.Fatalf("unexpected first result %s/%s", res.Status, res.Stage)
	}
	evs := env.events(t, run.ID)
	for _, spec := range env.Engine.Config.Pipeline.Specializations {
		if n := startedCount(t, evs, "analysis:"+spec); n != 1 {
			t.Fatalf("analysis:%s started %d times", spec, n)
		}
		if n := env.Worker.Calls("analysis:" + spec); n != 1 {
			t.Fatalf("analysis:%s invoked %d times", spec, n)
		}
	}
}
