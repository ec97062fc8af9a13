package engine

import (
	"dealgate/internal/domain"
)

const (
	seedTaskID      = "seed"
	synthesisTaskID = "synthesis"
	gapTaskID       = "gap_resolution"
	decisionTaskID  = "decision"
)

func seedProviderTaskID(name string) string { return "seed:" + name }

func analysisTaskID(spec string) string { return "analysis:" + spec }

// NextStage returns the earliest wave whose required tasks have not all
// recorded TASK_DONE. SEED is only entered when nothing has run yet: once
// seeding started, whatever evidence it produced is accepted and the run
// moves on to ANALYSIS.
func NextStage(s domain.RunState, specs []string) domain.Stage {
	if s.Decision != nil {
		return domain.StageDone
	}
	analysisStarted := false
	analysisDone := true
	for _, spec := range specs {
		id := analysisTaskID(spec)
		if s.Started(id) {
			analysisStarted = true
		}
		if !s.Done(id) {
			analysisDone = false
		}
	}
	if !analysisStarted && !s.Started(seedTaskID) {
		return domain.StageSeed
	}
	if !analysisDone {
		return domain.StageAnalysis
	}
	if !s.Done(synthesisTaskID) {
		return domain.StageSynthesis
	}
	return domain.StageDecision
}

// MissingAnalysis lists specializations without a completed analysis task.
func MissingAnalysis(s domain.RunState, specs []string) []string {
	var out []string
	for _, spec := range specs {
		if !s.Done(analysisTaskID(spec)) {
			out = append(out, spec)
		}
	}
	return out
}
