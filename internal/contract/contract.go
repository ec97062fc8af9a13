// Package contract holds the output contracts workers must satisfy. Outputs
// are checked as raw JSON with path queries before being decoded, so a
// violation report names the offending path instead of a Go type error.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"dealgate/internal/domain"
)

// Contract validates one kind of worker output.
type Contract interface {
	Name() string
	Validate(raw []byte, known map[string]bool) []string
}

const (
	maxSummary   = 4000
	maxText      = 1000
	maxFindings  = 12
	maxRisks     = 10
	maxQuestions = 8
	maxReasons   = 5
	maxHyps      = 6
)

type Analysis struct{}

type AnalysisOutput struct {
	Summary       string    `json:"summary"`
	Findings      []Finding `json:"findings"`
	Risks         []string  `json:"risks"`
	OpenQuestions []string  `json:"open_questions"`
}

type Finding struct {
	Claim       string   `json:"claim"`
	EvidenceIDs []string `json:"evidence_ids"`
}

func (Analysis) Name() string { return "analysis" }

func (Analysis) Validate(raw []byte, _ map[string]bool) []string {
	v, root, ok := begin(raw)
	if !ok {
		return v.errs
	}
	v.requireString(root, "summary", maxSummary)
	findings := v.optionalArray(root, "findings", maxFindings)
	for i, f := range findings {
		p := fmt.Sprintf("findings.%d", i)
		v.requireString(f, p+".claim", maxText)
		v.stringArray(f, p+".evidence_ids", 0, 0)
	}
	v.stringArray(root, "risks", maxRisks, maxText)
	v.stringArray(root, "open_questions", maxQuestions, maxText)
	return v.errs
}

type Synthesis struct{}

type SynthesisOutput struct {
	Hypotheses          []domain.Hypothesis           `json:"hypotheses"`
	Rubric              map[string]domain.RubricScore `json:"rubric"`
	UnresolvedQuestions []string                      `json:"unresolved_questions"`
}

func (Synthesis) Name() string { return "synthesis" }

// Validate also enforces that every cited evidence id exists in known.
func (Synthesis) Validate(raw []byte, known map[string]bool) []string {
	v, root, ok := begin(raw)
	if !ok {
		return v.errs
	}
	hyps := v.requireArray(root, "hypotheses", 1, maxHyps)
	for i, h := range hyps {
		p := fmt.Sprintf("hypotheses.%d", i)
		v.requireString(h, p+".id", 64)
		v.requireString(h, p+".text", maxText)
		for j, id := range v.stringArray(h, p+".support_evidence_ids", 0, 0) {
			if !known[id] {
				v.addf("%s.support_evidence_ids.%d: unknown evidence id %q", p, j, id)
			}
		}
		v.stringArray(h, p+".risks", maxRisks, maxText)
	}
	rubric := root.Get("rubric")
	if !rubric.IsObject() {
		v.addf("rubric: required object")
	} else {
		n := 0
		rubric.ForEach(func(key, _ gjson.Result) bool {
			n++
			if !isDimension(key.String()) {
				v.addf("rubric.%s: unknown dimension", key.String())
			}
			return true
		})
		for _, dim := range domain.RubricDimensions {
			p := "rubric." + dim
			score := rubric.Get(dim)
			if !score.Exists() {
				v.addf("%s: missing dimension", p)
				continue
			}
			s := score.Get("score")
			if s.Type != gjson.Number || s.Num != float64(int(s.Num)) || s.Int() < 0 || s.Int() > 100 {
				v.addf("%s.score: integer 0..100 required", p)
			}
			v.stringArray(score, p+".reasons", maxReasons, maxText)
		}
		if n > len(domain.RubricDimensions) {
			v.addf("rubric: exactly %d dimensions required", len(domain.RubricDimensions))
		}
	}
	v.stringArray(root, "unresolved_questions", maxQuestions, maxText)
	return v.errs
}

func isDimension(name string) bool {
	for _, d := range domain.RubricDimensions {
		if d == name {
			return true
		}
	}
	return false
}

// Decision checks the gate shape only; citations are reconciled afterwards.
type Decision struct{}

func (Decision) Name() string { return "decision" }

func (Decision) Validate(raw []byte, _ map[string]bool) []string {
	v, root, ok := begin(raw)
	if !ok {
		return v.errs
	}
	switch d := root.Get("decision"); d.String() {
	case domain.DecisionKill, domain.DecisionProceed, domain.DecisionProceedIf:
		if d.Type != gjson.String {
			v.addf("decision: string required")
		}
	default:
		v.addf("decision: one of KILL, PROCEED, PROCEED_IF required")
	}
	qs := v.requireArray(root, "gating_questions", domain.GatingQuestionCount, domain.GatingQuestionCount)
	for i, q := range qs {
		if q.Type != gjson.String || strings.TrimSpace(q.String()) == "" {
			v.addf("gating_questions.%d: non-empty string required", i)
		}
	}
	items := v.optionalArray(root, "evidence_checklist", domain.MaxChecklistItems)
	for i, it := range items {
		p := fmt.Sprintf("evidence_checklist.%d", i)
		v.requireString(it, p+".item", maxText)
		switch t := it.Get("type").String(); t {
		case domain.ItemEvidence, domain.ItemAssumption:
		default:
			v.addf("%s.type: EVIDENCE or ASSUMPTION required", p)
		}
		ref := it.Get("question_ref")
		if ref.Exists() && ref.Type != gjson.Number {
			v.addf("%s.question_ref: number required", p)
		}
		v.stringArray(it, p+".evidence_ids", 0, 0)
	}
	return v.errs
}

// Decode validates raw against c and unmarshals it into out when valid.
func Decode(c Contract, raw []byte, known map[string]bool, out any) []string {
	if errs := c.Validate(raw, known); len(errs) > 0 {
		return errs
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return []string{fmt.Sprintf("decode %s output: %v", c.Name(), err)}
	}
	return nil
}

type validator struct {
	errs []string
}

func begin(raw []byte) (*validator, gjson.Result, bool) {
	v := &validator{}
	if !gjson.ValidBytes(raw) {
		v.addf("output: invalid JSON")
		return v, gjson.Result{}, false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		v.addf("output: JSON object required")
		return v, root, false
	}
	return v, root, true
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

// last returns the final segment of a dotted path, which is the key to look
// up on the parent result.
func last(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (v *validator) requireString(parent gjson.Result, path string, max int) {
	r := parent.Get(last(path))
	if r.Type != gjson.String || strings.TrimSpace(r.String()) == "" {
		v.addf("%s: non-empty string required", path)
		return
	}
	if max > 0 && len(r.String()) > max {
		v.addf("%s: longer than %d characters", path, max)
	}
}

func (v *validator) requireArray(parent gjson.Result, path string, min, max int) []gjson.Result {
	r := parent.Get(last(path))
	if !r.IsArray() {
		v.addf("%s: required array", path)
		return nil
	}
	items := r.Array()
	if len(items) < min {
		v.addf("%s: at least %d items required", path, min)
	}
	if max > 0 && len(items) > max {
		v.addf("%s: at most %d items allowed", path, max)
	}
	return items
}

func (v *validator) optionalArray(parent gjson.Result, path string, max int) []gjson.Result {
	r := parent.Get(last(path))
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	return v.requireArray(parent, path, 0, max)
}

// stringArray checks an optional array of strings and returns its values.
func (v *validator) stringArray(parent gjson.Result, path string, max, maxLen int) []string {
	items := v.optionalArray(parent, path, max)
	out := make([]string, 0, len(items))
	for i, it := range items {
		if it.Type != gjson.String {
			v.addf("%s.%d: string required", path, i)
			continue
		}
		if maxLen > 0 && len(it.String()) > maxLen {
			v.addf("%s.%d: longer than %d characters", path, i, maxLen)
		}
		out = append(out, it.String())
	}
	return out
}
