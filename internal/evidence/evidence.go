// Package evidence merges collaborator evidence and enforces the citation rule
// on decision checklists.
package evidence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealgate/internal/domain"
)

var namespace = uuid.MustParse("6f1d7c1e-3b7a-4f53-9a55-2f0b7d5a9c11")

// ID derives a stable evidence id from the record's content, so the same fact
// reported twice by a provider dedupes to one record.
func ID(ev domain.Evidence) string {
	key := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(ev.Source)),
		strings.TrimSpace(ev.URL),
		strings.TrimSpace(ev.Snippet),
	}, "|")
	return "ev-" + uuid.NewSHA1(namespace, []byte(key)).String()
}

// Normalize fills missing ids, source tags and timestamps. Records with no
// snippet are dropped.
func Normalize(source string, list []domain.Evidence, now time.Time) []domain.Evidence {
	out := make([]domain.Evidence, 0, len(list))
	for _, ev := range list {
		ev.Snippet = strings.TrimSpace(ev.Snippet)
		if ev.Snippet == "" {
			continue
		}
		if strings.TrimSpace(ev.Source) == "" {
			ev.Source = source
		}
		if ev.ID == "" {
			ev.ID = ID(ev)
		}
		if ev.RetrievedAt == "" {
			ev.RetrievedAt = now.UTC().Format(time.RFC3339)
		}
		out = append(out, ev)
	}
	return out
}

// Merge combines batches, keeping the first record per id, ordered by id.
func Merge(batches ...[]domain.Evidence) []domain.Evidence {
	seen := map[string]bool{}
	out := []domain.Evidence{}
	for _, batch := range batches {
		for _, ev := range batch {
			if ev.ID == "" || seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Policy bounds how much of a checklist may rest on assumptions before a
// PROCEED decision is downgraded. MaxAssumptions of 0 disables the count limit.
type Policy struct {
	MaxAssumptionRatio float64
	MaxAssumptions     int
	DowngradeTo        string
}

func DefaultPolicy() Policy {
	return Policy{MaxAssumptionRatio: 0.5, DowngradeTo: domain.DecisionProceedIf}
}

// Report describes what reconciliation changed.
type Report struct {
	Coerced     int      `json:"coerced"`
	DroppedIDs  []string `json:"dropped_ids,omitempty"`
	Truncated   int      `json:"truncated"`
	Assumptions int      `json:"assumptions"`
	Downgraded  bool     `json:"downgraded"`
	Padded      int      `json:"padded_questions"`
}

// GenericQuestions back-fill gating questions and form the fallback gate.
var GenericQuestions = []string{
	"Is there verifiable evidence of customer demand at the claimed scale?",
	"Can the team execute the plan with the capital being raised?",
	"What would have to be true for this investment to return the fund?",
}

// Reconcile applies the citation rule to a validated gate. It never fails and
// is deterministic for a given gate, index and policy.
func Reconcile(gate domain.DecisionGate, known map[string]bool, p Policy) (domain.DecisionGate, Report) {
	var rep Report
	out := domain.DecisionGate{
		Decision:          gate.Decision,
		GatingQuestions:   normalizeQuestions(gate.GatingQuestions, &rep),
		EvidenceChecklist: []domain.ChecklistItem{},
	}
	items := gate.EvidenceChecklist
	if len(items) > domain.MaxChecklistItems {
		rep.Truncated = len(items) - domain.MaxChecklistItems
		items = items[:domain.MaxChecklistItems]
	}
	for _, it := range items {
		ids := []string{}
		for _, id := range it.EvidenceIDs {
			id = strings.TrimSpace(id)
			if known[id] {
				ids = append(ids, id)
			} else if id != "" {
				rep.DroppedIDs = append(rep.DroppedIDs, id)
			}
		}
		item := domain.ChecklistItem{QuestionRef: clampRef(it.QuestionRef), Item: it.Item, Type: it.Type, EvidenceIDs: ids}
		switch {
		case item.Type == domain.ItemEvidence && len(ids) == 0:
			item.Type = domain.ItemAssumption
			rep.Coerced++
		case item.Type != domain.ItemEvidence:
			item.Type = domain.ItemAssumption
			item.EvidenceIDs = []string{}
		}
		if item.Type == domain.ItemAssumption {
			rep.Assumptions++
		}
		out.EvidenceChecklist = append(out.EvidenceChecklist, item)
	}
	if out.Decision == domain.DecisionProceed && p.exceeded(rep.Assumptions, len(out.EvidenceChecklist)) {
		out.Decision = p.downgradeTarget()
		rep.Downgraded = true
	}
	switch out.Decision {
	case domain.DecisionKill, domain.DecisionProceed, domain.DecisionProceedIf:
	default:
		out.Decision = domain.DecisionProceedIf
	}
	return out, rep
}

func (p Policy) exceeded(assumptions, total int) bool {
	if total == 0 || assumptions == 0 {
		return false
	}
	if p.MaxAssumptions > 0 && assumptions > p.MaxAssumptions {
		return true
	}
	return float64(assumptions)/float64(total) > p.MaxAssumptionRatio
}

func (p Policy) downgradeTarget() string {
	if p.DowngradeTo == domain.DecisionKill {
		return domain.DecisionKill
	}
	return domain.DecisionProceedIf
}

func clampRef(ref int) int {
	if ref < 1 || ref > domain.GatingQuestionCount {
		return 0
	}
	return ref
}

func normalizeQuestions(qs []string, rep *Report) []string {
	out := make([]string, 0, domain.GatingQuestionCount)
	for _, q := range qs {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		out = append(out, q)
		if len(out) == domain.GatingQuestionCount {
			return out
		}
	}
	for i := 0; len(out) < domain.GatingQuestionCount; i++ {
		out = append(out, GenericQuestions[i])
		rep.Padded++
	}
	return out
}

// Fallback is the conservative gate used when no decision could be produced.
func Fallback() domain.DecisionGate {
	return domain.DecisionGate{
		Decision:          domain.DecisionProceedIf,
		GatingQuestions:   append([]string(nil), GenericQuestions...),
		EvidenceChecklist: []domain.ChecklistItem{},
	}
}

// Check verifies a gate is well formed against the evidence index.
func Check(gate domain.DecisionGate, known map[string]bool) error {
	switch gate.Decision {
	case domain.DecisionKill, domain.DecisionProceed, domain.DecisionProceedIf:
	default:
		return fmt.Errorf("invalid decision %q", gate.Decision)
	}
	if len(gate.GatingQuestions) != domain.GatingQuestionCount {
		return fmt.Errorf("expected %d gating questions, got %d", domain.GatingQuestionCount, len(gate.GatingQuestions))
	}
	if len(gate.EvidenceChecklist) > domain.MaxChecklistItems {
		return fmt.Errorf("checklist has %d items, max %d", len(gate.EvidenceChecklist), domain.MaxChecklistItems)
	}
	for i, it := range gate.EvidenceChecklist {
		switch it.Type {
		case domain.ItemAssumption:
			if len(it.EvidenceIDs) != 0 {
				return fmt.Errorf("checklist item %d: assumption cites evidence", i)
			}
		case domain.ItemEvidence:
			if len(it.EvidenceIDs) == 0 {
				return fmt.Errorf("checklist item %d: evidence item without ids", i)
			}
			for _, id := range it.EvidenceIDs {
				if !known[id] {
					return fmt.Errorf("checklist item %d: unknown evidence id %q", i, id)
				}
			}
		default:
			return fmt.Errorf("checklist item %d: invalid type %q", i, it.Type)
		}
	}
	return nil
}
