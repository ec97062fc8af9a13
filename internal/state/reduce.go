// Package state folds a run's event log into its RunState projection.
package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"dealgate/internal/domain"
)

// Reduce replays events in order. It has no side effects and the same input
// always yields the same state. Malformed payloads are recorded as errors in
// the state rather than aborting the fold.
func Reduce(events []domain.Event) domain.RunState {
	s := Empty()
	for _, e := range events {
		Apply(&s, e)
	}
	return s
}

// Empty returns a state with every collection initialised so that empty and
// populated states serialize with the same shape.
func Empty() domain.RunState {
	return domain.RunState{
		Evidence:   []domain.Evidence{},
		Tasks:      map[string]domain.TaskRecord{},
		Outputs:    map[string]json.RawMessage{},
		Hypotheses: []domain.Hypothesis{},
		Rubric:     map[string]domain.RubricScore{},
		Errors:     []domain.ErrorPayload{},
	}
}

// Apply folds a single event into s.
func Apply(s *domain.RunState, e domain.Event) {
	if s.RunID == "" {
		s.RunID = e.RunID
		s.DealID = e.DealID
	}
	s.EventCount++
	switch e.Type {
	case domain.EventTaskStarted:
		var p domain.TaskStartedPayload
		if !decode(s, e, &p) {
			return
		}
		s.Tasks[p.TaskID] = domain.TaskRecord{
			ID:             p.TaskID,
			Role:           p.Role,
			Specialization: p.Specialization,
			Status:         domain.TaskRunning,
			StartedAt:      e.TS,
		}
	case domain.EventTaskDone:
		var p domain.TaskDonePayload
		if !decode(s, e, &p) {
			return
		}
		rec, ok := s.Tasks[p.TaskID]
		if !ok {
			s.Errors = append(s.Errors, domain.ErrorPayload{
				TaskID:  p.TaskID,
				Kind:    domain.ErrorFatal,
				Message: fmt.Sprintf("event %d: TASK_DONE without TASK_STARTED", e.ID),
			})
			return
		}
		rec.Status = p.Status
		rec.ValidationOK = p.ValidationOK
		rec.RetryCount = p.RetryCount
		rec.LatencyMS = p.LatencyMS
		rec.CompletedAt = e.TS
		s.Tasks[p.TaskID] = rec
		if len(p.Output) > 0 {
			s.Outputs[p.TaskID] = p.Output
		}
	case domain.EventEvidenceAdded:
		var p domain.EvidenceAddedPayload
		if !decode(s, e, &p) {
			return
		}
		s.Evidence = mergeEvidence(s.Evidence, p.Evidence)
	case domain.EventStatePatch:
		var p domain.StatePatchPayload
		if !decode(s, e, &p) {
			return
		}
		applyPatch(s, e, p)
	case domain.EventDecisionUpdated:
		var p domain.DecisionUpdatedPayload
		if !decode(s, e, &p) {
			return
		}
		gate := p.Gate
		s.Decision = &gate
	case domain.EventError:
		var p domain.ErrorPayload
		if !decode(s, e, &p) {
			return
		}
		s.Errors = append(s.Errors, p)
	case domain.EventMessageSent:
		s.ToolMessages++
	}
}

// mergeEvidence adds records not yet present by id. The first record for an
// id wins and the result is ordered by id, so arrival order within a wave
// never changes the merged list.
func mergeEvidence(have, add []domain.Evidence) []domain.Evidence {
	seen := make(map[string]bool, len(have))
	for _, ev := range have {
		seen[ev.ID] = true
	}
	out := have
	for _, ev := range add {
		if ev.ID == "" || seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func applyPatch(s *domain.RunState, e domain.Event, p domain.StatePatchPayload) {
	switch p.Field {
	case domain.PatchHypotheses:
		hyps := []domain.Hypothesis{}
		if err := json.Unmarshal(p.Value, &hyps); err != nil {
			recordDecodeError(s, e, err)
			return
		}
		if hyps == nil {
			hyps = []domain.Hypothesis{}
		}
		s.Hypotheses = hyps
	case domain.PatchRubric:
		rubric := map[string]domain.RubricScore{}
		if err := json.Unmarshal(p.Value, &rubric); err != nil {
			recordDecodeError(s, e, err)
			return
		}
		if rubric == nil {
			rubric = map[string]domain.RubricScore{}
		}
		s.Rubric = rubric
	default:
		recordDecodeError(s, e, fmt.Errorf("unknown patch field %q", p.Field))
	}
}

func decode(s *domain.RunState, e domain.Event, v any) bool {
	if err := e.Decode(v); err != nil {
		recordDecodeError(s, e, err)
		return false
	}
	return true
}

func recordDecodeError(s *domain.RunState, e domain.Event, err error) {
	s.Errors = append(s.Errors, domain.ErrorPayload{
		Kind:    domain.ErrorFatal,
		Message: fmt.Sprintf("event %d: %v", e.ID, err),
	})
}
