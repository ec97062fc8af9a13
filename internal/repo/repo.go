package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dealgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,deal_id,deal_json,status,COALESCE(outcome_json,''),created_at,started_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var dealJSON, outcomeJSON string
	var started, completed sql.NullString
	if err := row.Scan(&run.ID, &run.DealID, &dealJSON, &run.Status, &outcomeJSON, &run.CreatedAt, &started, &completed); err != nil {
		if err == sql.ErrNoRows {
			return run, ErrNotFound
		}
		return run, err
	}
	if err := json.Unmarshal([]byte(dealJSON), &run.Deal); err != nil {
		return run, fmt.Errorf("decode deal for run %s: %w", run.ID, err)
	}
	if outcomeJSON != "" {
		var out domain.RunOutcome
		if err := json.Unmarshal([]byte(outcomeJSON), &out); err != nil {
			return run, fmt.Errorf("decode outcome for run %s: %w", run.ID, err)
		}
		run.Outcome = &out
	}
	if started.Valid {
		run.StartedAt = &started.String
	}
	if completed.Valid {
		run.CompletedAt = &completed.String
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	deal, err := json.Marshal(run.Deal)
	if err != nil {
		return fmt.Errorf("marshal deal: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(id,deal_id,deal_json,status,created_at) VALUES (?,?,?,?,?)`,
		run.ID, run.DealID, string(deal), run.Status, run.CreatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ListRuns returns runs newest first, optionally filtered by deal.
func (r Repo) ListRuns(ctx context.Context, dealID string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if dealID != "" {
		query += ` WHERE deal_id=?`
		args = append(args, dealID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// MarkRunning records the first start of a run. Later calls keep started_at.
func (r Repo) MarkRunning(ctx context.Context, id, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, started_at=COALESCE(started_at, ?) WHERE id=? AND completed_at IS NULL`,
		domain.RunRunning, ts, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SealRun sets the terminal status and outcome once. A sealed run is never
// updated again; sealing twice returns ErrNotFound.
func (r Repo) SealRun(ctx context.Context, id, status string, outcome domain.RunOutcome, ts string) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, outcome_json=?, completed_at=? WHERE id=? AND completed_at IS NULL`,
		status, string(data), ts, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEvents returns the most recent events, newest first, before cursor.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, dealID, runID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if dealID != "" {
		clauses = append(clauses, "deal_id=?")
		args = append(args, dealID)
	}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,deal_id,run_id,type,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var typ, payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.DealID, &e.RunID, &typ, &payload); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		e.Payload = json.RawMessage(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events across all runs with id > cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,deal_id,run_id,type,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var typ, payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.DealID, &e.RunID, &typ, &payload); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		e.Payload = json.RawMessage(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
