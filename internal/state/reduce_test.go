package state_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"dealgate/internal/domain"
	"dealgate/internal/state"
)

var run = domain.Run{ID: "run-1", DealID: "deal-1"}

func ev(t *testing.T, id int64, typ domain.EventType, payload any) domain.Event {
	t.Helper()
	e, err := domain.NewEvent(run, typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	e.ID = id
	e.TS = "2024-01-01T00:00:00Z"
	return e
}

func history(t *testing.T) []domain.Event {
	gate := domain.DecisionGate{
		Decision:        domain.DecisionProceedIf,
		GatingQuestions: []string{"a", "b", "c"},
		EvidenceChecklist: []domain.ChecklistItem{
			{QuestionRef: 1, Item: "revenue", Type: domain.ItemEvidence, EvidenceIDs: []string{"e1"}},
		},
	}
	return []domain.Event{
		ev(t, 1, domain.EventTaskStarted, domain.TaskStartedPayload{TaskID: "seed:web", Role: domain.RoleCollaborator, Stage: domain.StageSeed}),
		ev(t, 2, domain.EventEvidenceAdded, domain.EvidenceAddedPayload{TaskID: "seed:web", Evidence: []domain.Evidence{{ID: "e2", Snippet: "b"}, {ID: "e1", Snippet: "a"}}}),
		ev(t, 3, domain.EventTaskDone, domain.TaskDonePayload{TaskID: "seed:web", Status: domain.TaskDone, ValidationOK: true}),
		ev(t, 4, domain.EventTaskStarted, domain.TaskStartedPayload{TaskID: "analysis:market", Role: domain.RoleAnalysis, Specialization: "market"}),
		ev(t, 5, domain.EventMessageSent, domain.MessageSentPayload{TaskID: "analysis:market", Tool: "search"}),
		ev(t, 6, domain.EventTaskDone, domain.TaskDonePayload{TaskID: "analysis:market", Status: domain.TaskDone, ValidationOK: true, Output: json.RawMessage(`{"summary":"ok"}`)}),
		ev(t, 7, domain.EventStatePatch, domain.StatePatchPayload{Field: domain.PatchHypotheses, Value: json.RawMessage(`[{"id":"h1","text":"grows","support_evidence_ids":["e1"],"risks":[]}]`)}),
		ev(t, 8, domain.EventError, domain.ErrorPayload{TaskID: "analysis:team", Kind: domain.ErrorWorker, Message: "timeout"}),
		ev(t, 9, domain.EventDecisionUpdated, domain.DecisionUpdatedPayload{Gate: gate}),
	}
}

func TestReduceIsDeterministic(t *testing.T) {
	events := history(t)
	a, err := json.Marshal(state.Reduce(events))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		b, _ := json.Marshal(state.Reduce(events))
		if !bytes.Equal(a, b) {
			t.Fatalf("reduction %d differs:\n%s\n%s", i, a, b)
		}
	}
}

func TestReduceProjection(t *testing.T) {
	s := state.Reduce(history(t))
	if s.RunID != "run-1" || s.DealID != "deal-1" || s.EventCount != 9 || s.ToolMessages != 1 {
		t.Fatalf("unexpected header: %+v", s)
	}
	if len(s.Evidence) != 2 || s.Evidence[0].ID != "e1" {
		t.Fatalf("expected evidence sorted by id: %+v", s.Evidence)
	}
	if rec := s.Tasks["analysis:market"]; rec.Status != domain.TaskDone || !rec.ValidationOK || rec.Specialization != "market" {
		t.Fatalf("unexpected task record: %+v", rec)
	}
	if string(s.Outputs["analysis:market"]) != `{"summary":"ok"}` {
		t.Fatalf("unexpected output: %s", s.Outputs["analysis:market"])
	}
	if len(s.Hypotheses) != 1 || s.Hypotheses[0].ID != "h1" {
		t.Fatalf("unexpected hypotheses: %+v", s.Hypotheses)
	}
	if s.Decision == nil || s.Decision.Decision != domain.DecisionProceedIf {
		t.Fatalf("missing decision")
	}
	if len(s.Errors) != 1 || !s.Degraded() {
		t.Fatalf("expected recorded error: %+v", s.Errors)
	}
}

func TestEvidenceMergeIgnoresArrivalOrder(t *testing.T) {
	x := ev(t, 1, domain.EventEvidenceAdded, domain.EvidenceAddedPayload{Evidence: []domain.Evidence{{ID: "e3", Source: "x"}, {ID: "e1", Source: "x"}}})
	y := ev(t, 2, domain.EventEvidenceAdded, domain.EvidenceAddedPayload{Evidence: []domain.Evidence{{ID: "e2", Source: "y"}, {ID: "e1", Source: "x"}}})
	a := state.Reduce([]domain.Event{x, y})
	x.ID, y.ID = 2, 1
	b := state.Reduce([]domain.Event{y, x})
	ja, _ := json.Marshal(a.Evidence)
	jb, _ := json.Marshal(b.Evidence)
	if !bytes.Equal(ja, jb) || len(a.Evidence) != 3 {
		t.Fatalf("order dependent merge:\n%s\n%s", ja, jb)
	}
}

func TestFirstEvidenceRecordWins(t *testing.T) {
	s := state.Reduce([]domain.Event{
		ev(t, 1, domain.EventEvidenceAdded, domain.EvidenceAddedPayload{Evidence: []domain.Evidence{{ID: "e1", Snippet: "first"}}}),
		ev(t, 2, domain.EventEvidenceAdded, domain.EvidenceAddedPayload{Evidence: []domain.Evidence{{ID: "e1", Snippet: "second"}}}),
	})
	if len(s.Evidence) != 1 || s.Evidence[0].Snippet != "first" {
		t.Fatalf("evidence was edited: %+v", s.Evidence)
	}
}

func TestReduceExtendsPriorState(t *testing.T) {
	events := history(t)
	for n := 1; n < len(events); n++ {
		prev := state.Reduce(events[:n])
		next := state.Reduce(events[:n+1])
		if len(next.Evidence) < len(prev.Evidence) || len(next.Errors) < len(prev.Errors) || len(next.Tasks) < len(prev.Tasks) {
			t.Fatalf("event %d removed state", n+1)
		}
		for id := range prev.Outputs {
			if _, ok := next.Outputs[id]; !ok {
				t.Fatalf("event %d dropped output %s", n+1, id)
			}
		}
	}
}

func TestStatePatchReplacesField(t *testing.T) {
	s := state.Reduce([]domain.Event{
		ev(t, 1, domain.EventStatePatch, domain.StatePatchPayload{Field: domain.PatchRubric, Value: json.RawMessage(`{"market":{"score":80,"reasons":["big"]},"team":{"score":40,"reasons":[]}}`)}),
		ev(t, 2, domain.EventStatePatch, domain.StatePatchPayload{Field: domain.PatchRubric, Value: json.RawMessage(`{"market":{"score":10,"reasons":[]}}`)}),
	})
	if len(s.Rubric) != 1 || s.Rubric["market"].Score != 10 {
		t.Fatalf("expected full replacement, got %+v", s.Rubric)
	}
}

func TestOrphanTaskDoneIsRecorded(t *testing.T) {
	s := state.Reduce([]domain.Event{
		ev(t, 1, domain.EventTaskDone, domain.TaskDonePayload{TaskID: "ghost", Status: domain.TaskDone}),
	})
	if s.Started("ghost") || len(s.Errors) != 1 {
		t.Fatalf("orphan TASK_DONE not flagged: %+v", s)
	}
}

func TestEmptyStateShape(t *testing.T) {
	data, err := json.Marshal(state.Reduce(nil))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"run_id":"","deal_id":"","evidence":[],"tasks":{},"outputs":{},"hypotheses":[],"rubric":{},"errors":[],"tool_messages":0,"event_count":0}`
	if string(data) != want {
		t.Fatalf("got %s", data)
	}
}
