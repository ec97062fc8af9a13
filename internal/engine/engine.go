package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"dealgate/internal/collab"
	"dealgate/internal/config"
	"dealgate/internal/domain"
	"dealgate/internal/events"
	"dealgate/internal/evidence"
	"dealgate/internal/lock"
	"dealgate/internal/observability"
	"dealgate/internal/repo"
	"dealgate/internal/state"
	"dealgate/internal/worker"
)

// Status reports what a run control call did.
type Status string

const (
	// StatusDone means this call sealed the run.
	StatusDone Status = "done"
	// StatusAdvanced means one wave ran and more remain.
	StatusAdvanced Status = "advanced"
	// StatusStarted means the run is being driven in the background.
	StatusStarted Status = "started"
	// StatusSealed means the run was already sealed; nothing ran.
	StatusSealed Status = "sealed"
	// StatusLocked means another scheduler holds the deal lock; nothing ran.
	StatusLocked Status = "locked"
)

// ErrInvalidDeal is returned when a deal descriptor is missing required fields.
var ErrInvalidDeal = errors.New("invalid deal")

type Result struct {
	Status Status          `json:"status" enum:"done,advanced,started,sealed,locked"`
	Stage  domain.Stage    `json:"stage"`
	Run    domain.Run      `json:"run"`
	State  domain.RunState `json:"state"`
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Store
	Hub       *events.Hub
	Locks     lock.Locker
	Invoker   worker.Invoker
	Seed      []collab.Provider
	Secondary []collab.Provider
	Config    *config.Config
	Metrics   *observability.Registry
	Logger    *log.Logger
	Owner     string
	Now       func() time.Time
}

// New wires an engine over the workspace database. The worker strategy is
// passed in explicitly; collaborators are set by the caller.
func New(db *sql.DB, cfg *config.Config, inv worker.Invoker) Engine {
	hub := events.NewHub()
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.SQLStore{DB: db, Hub: hub},
		Hub:     hub,
		Locks:   lock.Locker{DB: db, TTL: cfg.Pipeline.LockTTL},
		Invoker: inv,
		Config:  cfg,
		Metrics: observability.NewRegistry(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) owner() string {
	if e.Owner != "" {
		return e.Owner
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func (e Engine) stamp() string {
	return e.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// CreateRun records a new run for the deal. No wave runs until Start or
// Resume is called.
func (e Engine) CreateRun(ctx context.Context, deal domain.Deal) (domain.Run, error) {
	deal.ID = strings.TrimSpace(deal.ID)
	deal.Name = strings.TrimSpace(deal.Name)
	if deal.ID == "" {
		return domain.Run{}, fmt.Errorf("%w: id is required", ErrInvalidDeal)
	}
	if deal.Name == "" {
		return domain.Run{}, fmt.Errorf("%w: name is required", ErrInvalidDeal)
	}
	run := domain.Run{
		ID:        uuid.NewString(),
		DealID:    deal.ID,
		Deal:      deal,
		Status:    domain.RunCreated,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	e.logger().Printf("run=%s deal=%s created", run.ID, run.DealID)
	return run, nil
}

func (e Engine) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, runID)
}

func (e Engine) ListRuns(ctx context.Context, dealID string, limit int) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, dealID, limit)
}

// State replays the run's events into its current projection.
func (e Engine) State(ctx context.Context, runID string) (domain.RunState, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return domain.RunState{}, err
	}
	return e.load(ctx, runID)
}

func (e Engine) load(ctx context.Context, runID string) (domain.RunState, error) {
	evs, err := e.Events.ReadRun(ctx, runID)
	if err != nil {
		return domain.RunState{}, fmt.Errorf("read events: %w", err)
	}
	return state.Reduce(evs), nil
}

// Start drives every remaining wave of the run under one lock acquisition
// and seals it.
func (e Engine) Start(ctx context.Context, runID string) (Result, error) {
	return e.control(ctx, runID, false)
}

// Resume runs exactly one incomplete wave and returns. Calling it on a
// polling cadence completes the run across stateless invocations.
func (e Engine) Resume(ctx context.Context, runID string) (Result, error) {
	return e.control(ctx, runID, true)
}

func (e Engine) control(ctx context.Context, runID string, once bool) (Result, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if run.Sealed() {
		return e.noop(ctx, run, StatusSealed)
	}
	var res Result
	ran, err := e.Locks.With(ctx, run.DealID, e.owner(), func(ctx context.Context, lease *lock.Lease) error {
		var err error
		res, err = e.drive(ctx, run, lease, once)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if !ran {
		return e.locked(ctx, run)
	}
	return res, nil
}

// Launch acquires the lock and drives the run in the background. The
// returned channel yields the final result once the run stops.
func (e Engine) Launch(ctx context.Context, runID string) (Result, <-chan Result, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return Result{}, nil, err
	}
	done := make(chan Result, 1)
	if run.Sealed() {
		res, err := e.noop(ctx, run, StatusSealed)
		done <- res
		close(done)
		return res, done, err
	}
	lease, ok, err := e.Locks.TryAcquire(ctx, run.DealID, e.owner())
	if err != nil {
		return Result{}, nil, err
	}
	if !ok {
		res, err := e.locked(ctx, run)
		done <- res
		close(done)
		return res, done, err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		defer lease.Release(bg)
		res, err := e.drive(bg, run, lease, false)
		if err != nil {
			e.logger().Printf("run=%s background drive: %v", run.ID, err)
		}
		done <- res
	}()
	st, err := e.load(ctx, run.ID)
	if err != nil {
		return Result{}, nil, err
	}
	return Result{Status: StatusStarted, Stage: NextStage(st, e.specs()), Run: run, State: st}, done, nil
}

func (e Engine) noop(ctx context.Context, run domain.Run, status Status) (Result, error) {
	st, err := e.load(ctx, run.ID)
	if err != nil {
		return Result{}, err
	}
	stage := domain.StageDone
	if run.Status == domain.RunFailedDegraded {
		stage = domain.StageFailedDegraded
	}
	if status != StatusSealed {
		stage = NextStage(st, e.specs())
	}
	return Result{Status: status, Stage: stage, Run: run, State: st}, nil
}

func (e Engine) locked(ctx context.Context, run domain.Run) (Result, error) {
	e.Metrics.Inc(observability.MetricLockContention, nil)
	owner, _, _ := e.Locks.Holder(ctx, run.DealID)
	e.logger().Printf("run=%s deal=%s lock held by %s; backing off", run.ID, run.DealID, owner)
	return e.noop(ctx, run, StatusLocked)
}

func (e Engine) specs() []string {
	return e.Config.Pipeline.Specializations
}

// drive executes waves until the run is sealed, or a single wave when once
// is set. Any error or panic escaping a wave is a fatal orchestration
// failure: the run still gets a decision gate and is sealed as degraded.
func (e Engine) drive(ctx context.Context, run domain.Run, lease *lock.Lease, once bool) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = e.fail(ctx, run, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := e.Repo.MarkRunning(ctx, run.ID, e.stamp()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Sealed between the check and the lock.
			run, _ = e.Repo.GetRun(ctx, run.ID)
			return e.noop(ctx, run, StatusSealed)
		}
		return Result{}, err
	}
	e.Metrics.AddGauge(observability.MetricActiveRuns, nil, 1)
	defer e.Metrics.AddGauge(observability.MetricActiveRuns, nil, -1)

	for {
		st, err := e.load(ctx, run.ID)
		if err != nil {
			return e.fail(ctx, run, err)
		}
		stage := NextStage(st, e.specs())
		if stage == domain.StageDone {
			return e.seal(ctx, run, domain.RunDone)
		}
		waveErr, lost := e.leasedWave(ctx, run, stage, st, lease)
		if lost != nil {
			e.logger().Printf("run=%s lost lock during %s wave: %v", run.ID, stage, lost)
			return e.noop(ctx, run, StatusLocked)
		}
		if waveErr != nil {
			return e.fail(ctx, run, fmt.Errorf("%s wave: %w", stage, waveErr))
		}
		if err := lease.Extend(ctx); err != nil {
			e.logger().Printf("run=%s lost lock after %s wave: %v", run.ID, stage, err)
			return e.noop(ctx, run, StatusLocked)
		}
		if once {
			st, err := e.load(ctx, run.ID)
			if err != nil {
				return e.fail(ctx, run, err)
			}
			if NextStage(st, e.specs()) == domain.StageDone {
				return e.seal(ctx, run, domain.RunDone)
			}
			return Result{Status: StatusAdvanced, Stage: stage, Run: run, State: st}, nil
		}
	}
}

// leasedWave runs one wave while renewing the lease in the background. If a
// renewal fails the wave context is cancelled and lost is set; the caller
// must then stop without writing, since another scheduler may own the run.
func (e Engine) leasedWave(ctx context.Context, run domain.Run, stage domain.Stage, st domain.RunState, lease *lock.Lease) (err, lost error) {
	waveCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := lease.KeepAlive(waveCtx, func(err error) {
		cancel(fmt.Errorf("%w: %v", lock.ErrLost, err))
	})
	err = e.runWave(waveCtx, run, stage, st)
	stop()
	if cause := context.Cause(waveCtx); errors.Is(cause, lock.ErrLost) {
		return err, cause
	}
	return err, nil
}

func (e Engine) runWave(ctx context.Context, run domain.Run, stage domain.Stage, st domain.RunState) (err error) {
	ctx, span := observability.StartSpan(ctx, "wave."+strings.ToLower(string(stage)),
		attribute.String("run.id", run.ID),
		attribute.String("deal.id", run.DealID),
	)
	defer func() { observability.EndSpan(span, err) }()
	e.Metrics.Inc(observability.MetricWaves, map[string]string{"stage": string(stage)})
	e.logger().Printf("run=%s stage=%s wave begin", run.ID, stage)
	switch stage {
	case domain.StageSeed:
		err = e.seedWave(ctx, run)
	case domain.StageAnalysis:
		err = e.analysisWave(ctx, run, st)
	case domain.StageSynthesis:
		err = e.synthesisWave(ctx, run, st)
	case domain.StageDecision:
		err = e.decisionWave(ctx, run, st)
	default:
		err = fmt.Errorf("no wave for stage %s", stage)
	}
	if err == nil {
		e.logger().Printf("run=%s stage=%s wave end", run.ID, stage)
	}
	return err
}

// fail records a fatal error, makes sure a decision gate exists, and seals
// the run as failed_degraded.
func (e Engine) fail(ctx context.Context, run domain.Run, cause error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	e.logger().Printf("run=%s fatal: %v", run.ID, cause)
	if _, err := e.emit(ctx, run, domain.EventError, domain.ErrorPayload{Kind: domain.ErrorFatal, Message: cause.Error()}); err != nil {
		return Result{}, fmt.Errorf("record fatal error %v: %w", cause, err)
	}
	st, err := e.load(ctx, run.ID)
	if err != nil {
		return Result{}, err
	}
	if st.Decision == nil {
		e.rescueDecision(ctx, run, st)
	}
	return e.seal(ctx, run, domain.RunFailedDegraded)
}

// rescueDecision attempts the DECISION wave after a fatal failure and falls
// back to the default gate if that fails too.
func (e Engine) rescueDecision(ctx context.Context, run domain.Run, st domain.RunState) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.decisionWave(ctx, run, st)
	}()
	if err == nil {
		return
	}
	e.logger().Printf("run=%s decision after fatal failed: %v", run.ID, err)
	if cur, lerr := e.load(ctx, run.ID); lerr == nil && cur.Decision != nil {
		return
	}
	if _, err := e.emit(ctx, run, domain.EventDecisionUpdated, domain.DecisionUpdatedPayload{Gate: evidence.Fallback(), Fallback: true}); err != nil {
		e.logger().Printf("run=%s record fallback decision: %v", run.ID, err)
	}
}

// seal writes the outcome on the run row. A run is only sealed with a
// decision gate present.
func (e Engine) seal(ctx context.Context, run domain.Run, status string) (Result, error) {
	st, err := e.load(ctx, run.ID)
	if err != nil {
		return Result{}, err
	}
	if st.Decision == nil {
		if _, err := e.emit(ctx, run, domain.EventDecisionUpdated, domain.DecisionUpdatedPayload{Gate: evidence.Fallback(), Fallback: true}); err != nil {
			return Result{}, err
		}
		if st, err = e.load(ctx, run.ID); err != nil {
			return Result{}, err
		}
	}
	outcome := domain.RunOutcome{Decision: st.Decision.Decision, Degraded: st.Degraded(), ErrorCount: len(st.Errors)}
	if err := e.Repo.SealRun(ctx, run.ID, status, outcome, e.stamp()); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Result{}, fmt.Errorf("seal run: %w", err)
	}
	sealed, err := e.Repo.GetRun(ctx, run.ID)
	if err != nil {
		return Result{}, err
	}
	e.Metrics.Inc(observability.MetricRunsSealed, map[string]string{"status": sealed.Status, "decision": outcome.Decision})
	e.logger().Printf("run=%s sealed status=%s decision=%s degraded=%t errors=%d", run.ID, sealed.Status, outcome.Decision, outcome.Degraded, outcome.ErrorCount)
	stage := domain.StageDone
	if sealed.Status == domain.RunFailedDegraded {
		stage = domain.StageFailedDegraded
	}
	return Result{Status: StatusDone, Stage: stage, Run: sealed, State: st}, nil
}

func (e Engine) emit(ctx context.Context, run domain.Run, typ domain.EventType, payload any) (domain.Event, error) {
	ev, err := domain.NewEvent(run, typ, payload)
	if err != nil {
		return domain.Event{}, err
	}
	return e.Events.Append(ctx, ev)
}
