package domain

import "encoding/json"

// Deal is the input item a run produces a decision for.
type Deal struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Sector      string            `json:"sector,omitempty" yaml:"sector"`
	Stage       string            `json:"stage,omitempty" yaml:"stage"`
	Website     string            `json:"website,omitempty" yaml:"website"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

const (
	RunCreated        = "created"
	RunRunning        = "running"
	RunDone           = "done"
	RunFailedDegraded = "failed_degraded"
)

type Run struct {
	ID          string      `json:"id"`
	DealID      string      `json:"deal_id"`
	Deal        Deal        `json:"deal"`
	Status      string      `json:"status" enum:"created,running,done,failed_degraded"`
	Outcome     *RunOutcome `json:"outcome,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	StartedAt   *string     `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string     `json:"completed_at,omitempty" format:"date-time"`
}

// Sealed reports whether the run reached a terminal status.
func (r Run) Sealed() bool {
	return r.CompletedAt != nil
}

type RunOutcome struct {
	Decision   string `json:"decision"`
	Degraded   bool   `json:"degraded"`
	ErrorCount int    `json:"error_count"`
}

type Evidence struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Snippet     string `json:"snippet"`
	Source      string `json:"source"`
	URL         string `json:"url,omitempty"`
	RetrievedAt string `json:"retrieved_at" format:"date-time"`
}

type Hypothesis struct {
	ID                 string   `json:"id"`
	Text               string   `json:"text"`
	SupportEvidenceIDs []string `json:"support_evidence_ids"`
	Risks              []string `json:"risks"`
}

// RubricDimensions are the fixed scoring axes of a synthesis rubric.
var RubricDimensions = []string{"market", "team", "product", "traction", "defensibility"}

type RubricScore struct {
	Score   int      `json:"score" minimum:"0" maximum:"100"`
	Reasons []string `json:"reasons"`
}

const (
	DecisionKill      = "KILL"
	DecisionProceed   = "PROCEED"
	DecisionProceedIf = "PROCEED_IF"
)

const (
	ItemEvidence   = "EVIDENCE"
	ItemAssumption = "ASSUMPTION"
)

const (
	GatingQuestionCount = 3
	MaxChecklistItems   = 15
)

type DecisionGate struct {
	Decision          string          `json:"decision" enum:"KILL,PROCEED,PROCEED_IF"`
	GatingQuestions   []string        `json:"gating_questions"`
	EvidenceChecklist []ChecklistItem `json:"evidence_checklist"`
}

type ChecklistItem struct {
	QuestionRef int      `json:"question_ref"`
	Item        string   `json:"item"`
	Type        string   `json:"type" enum:"EVIDENCE,ASSUMPTION"`
	EvidenceIDs []string `json:"evidence_ids"`
}

type Role string

const (
	RoleCollaborator Role = "collaborator"
	RoleAnalysis     Role = "analysis"
	RoleSynthesis    Role = "synthesis"
	RoleGap          Role = "gap_resolution"
	RoleDecision     Role = "decision"
)

const (
	TaskPending  = "pending"
	TaskRunning  = "running"
	TaskDone     = "done"
	TaskDegraded = "degraded"
)

type TaskRecord struct {
	ID             string `json:"id"`
	Role           Role   `json:"role"`
	Specialization string `json:"specialization,omitempty"`
	Status         string `json:"status" enum:"pending,running,done,degraded"`
	ValidationOK   bool   `json:"validation_ok"`
	RetryCount     int    `json:"retry_count"`
	LatencyMS      int64  `json:"latency_ms"`
	StartedAt      string `json:"started_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

type Stage string

const (
	StageSeed           Stage = "SEED"
	StageAnalysis       Stage = "ANALYSIS"
	StageSynthesis      Stage = "SYNTHESIS"
	StageDecision       Stage = "DECISION"
	StageDone           Stage = "DONE"
	StageFailedDegraded Stage = "FAILED_DEGRADED"
)

// RunState is the projection of a run's events. It is only ever produced by
// replaying events; nothing mutates a stored copy.
type RunState struct {
	RunID        string                     `json:"run_id"`
	DealID       string                     `json:"deal_id"`
	Evidence     []Evidence                 `json:"evidence"`
	Tasks        map[string]TaskRecord      `json:"tasks"`
	Outputs      map[string]json.RawMessage `json:"outputs"`
	Hypotheses   []Hypothesis               `json:"hypotheses"`
	Rubric       map[string]RubricScore     `json:"rubric"`
	Decision     *DecisionGate              `json:"decision_gate,omitempty"`
	Errors       []ErrorPayload             `json:"errors"`
	ToolMessages int                        `json:"tool_messages"`
	EventCount   int                        `json:"event_count"`
}

// EvidenceIndex returns the set of evidence ids recorded in the state.
func (s RunState) EvidenceIndex() map[string]bool {
	idx := make(map[string]bool, len(s.Evidence))
	for _, ev := range s.Evidence {
		idx[ev.ID] = true
	}
	return idx
}

// Done reports whether a TASK_DONE was recorded for the task id.
func (s RunState) Done(taskID string) bool {
	t, ok := s.Tasks[taskID]
	return ok && (t.Status == TaskDone || t.Status == TaskDegraded)
}

// Started reports whether a TASK_STARTED was recorded for the task id.
func (s RunState) Started(taskID string) bool {
	_, ok := s.Tasks[taskID]
	return ok
}

// Degraded reports whether any task degraded or any error was recorded.
func (s RunState) Degraded() bool {
	if len(s.Errors) > 0 {
		return true
	}
	for _, t := range s.Tasks {
		if t.Status == TaskDegraded {
			return true
		}
	}
	return false
}

// APIKey authenticates REST callers. Only the hash of the key is stored.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
