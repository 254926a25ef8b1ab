// Package events records the audit trail of task lifecycle changes. The SQL
// writer appends inside the caller's transaction; the journal is the JSONL
// equivalent used by the document store.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskgate/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(taskID), actorID, data)
	return err
}

// Query is the shared event filter. Latest returns the newest Limit events
// newest first; otherwise events after AfterID are returned oldest first.
type Query struct {
	TaskID  string
	Type    string
	AfterID int64
	Limit   int
	Latest  bool
}

func (q Query) match(e domain.Event) bool {
	if q.TaskID != "" && e.TaskID != q.TaskID {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if !q.Latest && e.ID <= q.AfterID {
		return false
	}
	return true
}

// List reads events from the events table.
func (w Writer) List(ctx context.Context, q Query) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if q.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, q.TaskID)
	}
	if q.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, q.Type)
	}
	order := "ASC"
	if q.Latest {
		order = "DESC"
	} else if q.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, q.AfterID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(task_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id %s LIMIT ?`,
		strings.Join(clauses, " AND "), order)
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalPayload(payload EventPayload) (string, error) {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
