package evidence

import (
	"testing"
	"time"

	"dealgate/internal/domain"
)

var known = map[string]bool{"e1": true, "e2": true}

func item(typ string, ids ...string) domain.ChecklistItem {
	return domain.ChecklistItem{QuestionRef: 1, Item: "claim", Type: typ, EvidenceIDs: ids}
}

func TestReconcileCoercesUncitedEvidence(t *testing.T) {
	gate := domain.DecisionGate{
		Decision:        domain.DecisionProceedIf,
		GatingQuestions: []string{"q1", "q2", "q3"},
		EvidenceChecklist: []domain.ChecklistItem{
			item(domain.ItemEvidence, "e1"),
			item(domain.ItemEvidence, "ghost"),
			item(domain.ItemEvidence, "e2", "ghost"),
			item(domain.ItemAssumption, "e1"),
			item(domain.ItemEvidence),
		},
	}
	out, rep := Reconcile(gate, known, DefaultPolicy())
	if err := Check(out, known); err != nil {
		t.Fatalf("reconciled gate invalid: %v", err)
	}
	types := []string{}
	for _, it := range out.EvidenceChecklist {
		types = append(types, it.Type)
	}
	want := []string{domain.ItemEvidence, domain.ItemAssumption, domain.ItemEvidence, domain.ItemAssumption, domain.ItemAssumption}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("item %d: got %s want %s", i, types[i], want[i])
		}
	}
	if got := out.EvidenceChecklist[2].EvidenceIDs; len(got) != 1 || got[0] != "e2" {
		t.Fatalf("dangling id not dropped: %v", got)
	}
	if len(out.EvidenceChecklist[3].EvidenceIDs) != 0 {
		t.Fatalf("assumption kept ids")
	}
	if rep.Coerced != 2 || rep.Assumptions != 3 || len(rep.DroppedIDs) != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestReconcileDowngradesAssumptionHeavyProceed(t *testing.T) {
	gate := domain.DecisionGate{
		Decision:        domain.DecisionProceed,
		GatingQuestions: []string{"q1", "q2", "q3"},
		EvidenceChecklist: []domain.ChecklistItem{
			item(domain.ItemEvidence, "e1"),
			item(domain.ItemEvidence, "nope"),
			item(domain.ItemAssumption),
		},
	}
	out, rep := Reconcile(gate, known, DefaultPolicy())
	if out.Decision != domain.DecisionProceedIf || !rep.Downgraded {
		t.Fatalf("expected downgrade, got %s (%+v)", out.Decision, rep)
	}
	out, _ = Reconcile(gate, known, Policy{MaxAssumptionRatio: 0.5, DowngradeTo: domain.DecisionKill})
	if out.Decision != domain.DecisionKill {
		t.Fatalf("expected KILL downgrade, got %s", out.Decision)
	}
	out, rep = Reconcile(gate, known, Policy{MaxAssumptionRatio: 1})
	if out.Decision != domain.DecisionProceed || rep.Downgraded {
		t.Fatalf("ratio 1 should never downgrade: %s", out.Decision)
	}
	out, _ = Reconcile(gate, known, Policy{MaxAssumptionRatio: 1, MaxAssumptions: 1})
	if out.Decision != domain.DecisionProceedIf {
		t.Fatalf("absolute limit ignored: %s", out.Decision)
	}
}

func TestReconcileLeavesNonProceedDecisions(t *testing.T) {
	gate := domain.DecisionGate{
		Decision:          domain.DecisionKill,
		GatingQuestions:   []string{"q1", "q2", "q3"},
		EvidenceChecklist: []domain.ChecklistItem{item(domain.ItemAssumption)},
	}
	out, rep := Reconcile(gate, known, DefaultPolicy())
	if out.Decision != domain.DecisionKill || rep.Downgraded {
		t.Fatalf("KILL must not change: %+v", out)
	}
}

func TestReconcileNormalizesShape(t *testing.T) {
	items := make([]domain.ChecklistItem, 20)
	for i := range items {
		items[i] = item(domain.ItemEvidence, "e1")
		items[i].QuestionRef = 9
	}
	gate := domain.DecisionGate{Decision: "???", GatingQuestions: []string{" only one ", ""}, EvidenceChecklist: items}
	out, rep := Reconcile(gate, known, DefaultPolicy())
	if err := Check(out, known); err != nil {
		t.Fatalf("invalid gate: %v", err)
	}
	if len(out.EvidenceChecklist) != domain.MaxChecklistItems || rep.Truncated != 5 {
		t.Fatalf("expected truncation to %d, got %d", domain.MaxChecklistItems, len(out.EvidenceChecklist))
	}
	if out.GatingQuestions[0] != "only one" || rep.Padded != 2 {
		t.Fatalf("unexpected questions: %v", out.GatingQuestions)
	}
	if out.Decision != domain.DecisionProceedIf || out.EvidenceChecklist[0].QuestionRef != 0 {
		t.Fatalf("unexpected normalisation: %+v", out)
	}
}

func TestFallbackIsWellFormed(t *testing.T) {
	if err := Check(Fallback(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestNormalizeAndMerge(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Normalize("web", []domain.Evidence{{Snippet: " ARR 2M "}, {Snippet: ""}, {ID: "fixed", Snippet: "x", Source: "crm"}}, now)
	b := Normalize("web", []domain.Evidence{{Snippet: "ARR 2M"}}, now)
	if len(a) != 2 || a[0].Source != "web" || a[0].RetrievedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected normalisation: %+v", a)
	}
	if a[0].ID != b[0].ID {
		t.Fatalf("content ids differ: %s vs %s", a[0].ID, b[0].ID)
	}
	merged := Merge(a, b)
	if len(merged) != 2 {
		t.Fatalf("expected dedupe, got %+v", merged)
	}
	if merged[0].ID > merged[1].ID {
		t.Fatalf("merge not ordered by id")
	}
}
