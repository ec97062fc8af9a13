package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"dealgate/internal/domain"
)

// Store is the append-only event log. Append is the only write.
type Store interface {
	Append(ctx context.Context, e domain.Event) (domain.Event, error)
	Read(ctx context.Context, dealID string) ([]domain.Event, error)
	ReadRun(ctx context.Context, runID string) ([]domain.Event, error)
	After(ctx context.Context, runID string, cursor int64, limit int) ([]domain.Event, error)
}

// SQLStore persists events in the workspace database. Each append is a single
// INSERT, so a reader sees either the whole event or nothing.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
	Hub *Hub
}

func (s SQLStore) Append(ctx context.Context, e domain.Event) (domain.Event, error) {
	if s.Now == nil {
		s.Now = time.Now
	}
	if e.RunID == "" || e.DealID == "" {
		return e, fmt.Errorf("event %s requires run and deal ids", e.Type)
	}
	if e.TS == "" {
		e.TS = s.Now().UTC().Format(time.RFC3339Nano)
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO events(ts,deal_id,run_id,type,payload_json) VALUES (?,?,?,?,?)`,
		e.TS, e.DealID, e.RunID, string(e.Type), payload)
	if err != nil {
		return e, fmt.Errorf("append %s: %w", e.Type, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return e, err
	}
	e.ID = id
	e.Payload = []byte(payload)
	s.Hub.Publish(e)
	return e, nil
}

// Read returns every event recorded for a deal in log order.
func (s SQLStore) Read(ctx context.Context, dealID string) ([]domain.Event, error) {
	return s.query(ctx, "deal_id=?", []any{dealID}, 0)
}

// ReadRun returns the events of one run in log order.
func (s SQLStore) ReadRun(ctx context.Context, runID string) ([]domain.Event, error) {
	return s.query(ctx, "run_id=?", []any{runID}, 0)
}

// After pages through a run's events strictly after cursor.
func (s SQLStore) After(ctx context.Context, runID string, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"run_id=?"}
	args := []any{runID}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	return s.query(ctx, strings.Join(clauses, " AND "), args, limit)
}

func (s SQLStore) query(ctx context.Context, where string, args []any, limit int) ([]domain.Event, error) {
	q := fmt.Sprintf(`SELECT id,ts,deal_id,run_id,type,payload_json FROM events WHERE %s ORDER BY id ASC`, where)
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var typ, payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.DealID, &e.RunID, &typ, &payload); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		e.Payload = []byte(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}
