package engine

import (
	"testing"

	"dealgate/internal/domain"
	"dealgate/internal/state"
)

func withTasks(records ...domain.TaskRecord) domain.RunState {
	st := state.Empty()
	for _, r := range records {
		st.Tasks[r.ID] = r
	}
	return st
}

func TestNextStage(t *testing.T) {
	specs := []string{"market", "team"}
	done := func(id string) domain.TaskRecord { return domain.TaskRecord{ID: id, Status: domain.TaskDone} }
	running := func(id string) domain.TaskRecord { return domain.TaskRecord{ID: id, Status: domain.TaskRunning} }
	degraded := func(id string) domain.TaskRecord { return domain.TaskRecord{ID: id, Status: domain.TaskDegraded} }

	gated := withTasks()
	gated.Decision = &domain.DecisionGate{Decision: domain.DecisionKill}

	cases := []struct {
		name string
		st   domain.RunState
		want domain.Stage
	}{
		{"empty", withTasks(), domain.StageSeed},
		{"seed started", withTasks(running("seed")), domain.StageAnalysis},
		{"seed done", withTasks(done("seed")), domain.StageAnalysis},
		{"partial analysis", withTasks(done("seed"), done("analysis:market"), running("analysis:team")), domain.StageAnalysis},
		{"analysis without seed record", withTasks(running("analysis:market")), domain.StageAnalysis},
		{"degraded analysis counts", withTasks(done("analysis:market"), degraded("analysis:team")), domain.StageSynthesis},
		{"synthesis running", withTasks(done("analysis:market"), done("analysis:team"), running("synthesis")), domain.StageSynthesis},
		{"synthesis done", withTasks(done("analysis:market"), done("analysis:team"), done("synthesis")), domain.StageDecision},
		{"decision running", withTasks(done("analysis:market"), done("analysis:team"), done("synthesis"), running("decision")), domain.StageDecision},
		{"gate recorded", gated, domain.StageDone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NextStage(tc.st, specs); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestMissingAnalysis(t *testing.T) {
	st := withTasks(
		domain.TaskRecord{ID: "analysis:market", Status: domain.TaskDone},
		domain.TaskRecord{ID: "analysis:team", Status: domain.TaskRunning},
	)
	got := MissingAnalysis(st, []string{"market", "team", "product"})
	if len(got) != 2 || got[0] != "team" || got[1] != "product" {
		t.Fatalf("unexpected missing list: %v", got)
	}
}

func TestDedupeQuestions(t *testing.T) {
	got := dedupeQuestions([]string{" Who pays? ", "who pays?", "", "Churn?"}, 8)
	if len(got) != 2 || got[0] != "Churn?" || got[1] != "Who pays?" {
		t.Fatalf("unexpected: %v", got)
	}
	if n := len(dedupeQuestions([]string{"a", "b", "c"}, 2)); n != 2 {
		t.Fatalf("expected cap at 2, got %d", n)
	}
}
