// Package repo is the SQLite task store.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"taskgate/internal/domain"
	"taskgate/internal/events"
	"taskgate/internal/store"
)

// Repo implements store.Store on a single-connection SQLite database. Every
// read made while a transaction is open must go through that transaction.
type Repo struct {
	DB  *sql.DB
	Log events.Writer
	Now func() time.Time
}

var _ store.Store = Repo{}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Log: events.Writer{DB: db}, Now: time.Now}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const taskColumns = `id,title,priority,status,classification,assignee,goal,overview,implementation_notes,
acceptance_json,ready_json,done_json,files_json,ref_branch,ref_commit,ref_review,created_at,assigned_at,completed_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var classification, assignee, goal, overview, notes, acceptance, ready, done, files,
		branch, commit, review, assignedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Title, &t.Priority, &t.Status, &classification, &assignee, &goal, &overview, &notes,
		&acceptance, &ready, &done, &files, &branch, &commit, &review, &t.CreatedAt, &assignedAt, &completedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Classification = domain.Classification(classification.String)
	t.Assignee = domain.Role(assignee.String)
	t.Goal = goal.String
	t.Overview = overview.String
	t.ImplementationNotes = notes.String
	t.Ref = domain.ExternalRef{Branch: branch.String, Commit: commit.String, ReviewRequest: review.String}
	t.AssignedAt = assignedAt.String
	t.CompletedAt = completedAt.String
	for _, f := range []struct {
		raw sql.NullString
		dst *[]string
	}{
		{acceptance, &t.AcceptanceCriteria},
		{ready, &t.DefinitionOfReady},
		{done, &t.DefinitionOfDone},
		{files, &t.FilesAffected},
	} {
		if !f.raw.Valid || f.raw.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw.String), f.dst); err != nil {
			return t, fmt.Errorf("task %s: decode list: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r Repo) now() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (r Repo) Create(ctx context.Context, t domain.Task, actorID string) (domain.Task, error) {
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if t.CreatedAt == "" {
		t.CreatedAt = r.now()
	}
	if t.UpdatedAt == "" {
		t.UpdatedAt = t.CreatedAt
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id=?`, t.ID).Scan(&exists)
	if err != nil {
		return domain.Task{}, err
	}
	if exists > 0 {
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "duplicate_id", "task %s already exists", t.ID)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Priority, t.Status, nullable(string(t.Classification)), nullable(string(t.Assignee)),
		nullable(t.Goal), nullable(t.Overview), nullable(t.ImplementationNotes),
		jsonList(t.AcceptanceCriteria), jsonList(t.DefinitionOfReady), jsonList(t.DefinitionOfDone), jsonList(t.FilesAffected),
		nullable(t.Ref.Branch), nullable(t.Ref.Commit), nullable(t.Ref.ReviewRequest),
		t.CreatedAt, nullable(t.AssignedAt), nullable(t.CompletedAt), t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	for i, dep := range t.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id,depends_on_task_id,position) VALUES (?,?,?)`, t.ID, dep, i); err != nil {
			return domain.Task{}, err
		}
	}
	for _, f := range t.Feedback {
		if err := insertFeedback(ctx, tx, t.ID, f); err != nil {
			return domain.Task{}, err
		}
	}
	for _, e := range t.Errors {
		if err := insertError(ctx, tx, t.ID, e); err != nil {
			return domain.Task{}, err
		}
	}
	if actorID == "" {
		actorID = "system"
	}
	if err := r.Log.Append(ctx, tx, "task.created", t.ID, actorID, events.EventPayload{
		"title": t.Title, "priority": t.Priority, "status": t.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

func (r Repo) Get(ctx context.Context, id string) (domain.Task, error) {
	return loadTask(ctx, r.DB, id)
}

func loadTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, domain.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return t, err
	}
	return t, hydrate(ctx, q, &t)
}

// hydrate loads the child rows of t. Callers must not hold an open *sql.Rows.
func hydrate(ctx context.Context, q querier, t *domain.Task) error {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY position, depends_on_task_id`, t.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			rows.Close()
			return err
		}
		t.DependsOn = append(t.DependsOn, dep)
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `SELECT seq,kind,actionable,COALESCE(resolves,0),COALESCE(author,''),body,created_at FROM task_feedback WHERE task_id=? ORDER BY seq`, t.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var f domain.FeedbackEntry
		var actionable int
		if err := rows.Scan(&f.Seq, &f.Kind, &actionable, &f.Resolves, &f.Author, &f.Text, &f.At); err != nil {
			rows.Close()
			return err
		}
		f.Actionable = actionable != 0
		t.Feedback = append(t.Feedback, f)
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `SELECT seq,kind,detail,COALESCE(actor,''),created_at FROM task_errors WHERE task_id=? ORDER BY seq`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.ErrorEntry
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Detail, &e.Actor, &e.At); err != nil {
			return err
		}
		t.Errors = append(t.Errors, e)
	}
	return rows.Err()
}

func (r Repo) List(ctx context.Context, f store.Filter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if err := hydrate(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	store.Sort(res)
	return res, nil
}

func (r Repo) Transition(ctx context.Context, id string, to domain.Status, p store.Patch) (domain.Task, error) {
	if p.Event == "" {
		p.Event = "task.transitioned"
	}
	return r.mutate(ctx, id, to, p)
}

func (r Repo) Update(ctx context.Context, id string, p store.Patch) (domain.Task, error) {
	if p.Event == "" {
		p.Event = "task.updated"
	}
	return r.mutate(ctx, id, "", p)
}

func (r Repo) mutate(ctx context.Context, id string, to domain.Status, p store.Patch) (domain.Task, error) {
	if p.Now == "" {
		p.Now = r.now()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	cur, err := loadTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	next, err := store.ApplyPatch(cur, to, p)
	if err != nil {
		return domain.Task{}, err
	}
	if p.SoleActive && p.Assignee != "" {
		var holder string
		err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE status=? AND assignee=? AND id<>? ORDER BY id LIMIT 1`,
			domain.StatusInProgress, p.Assignee, id).Scan(&holder)
		switch {
		case err == nil:
			return domain.Task{}, store.ActorBusy(p.Assignee, holder)
		case err != sql.ErrNoRows:
			return domain.Task{}, err
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?,classification=?,assignee=?,assigned_at=?,completed_at=?,
ref_branch=?,ref_commit=?,ref_review=?,acceptance_json=?,files_json=?,implementation_notes=?,updated_at=? WHERE id=? AND status=?`,
		next.Status, nullable(string(next.Classification)), nullable(string(next.Assignee)), nullable(next.AssignedAt),
		nullable(next.CompletedAt), nullable(next.Ref.Branch), nullable(next.Ref.Commit), nullable(next.Ref.ReviewRequest),
		jsonList(next.AcceptanceCriteria), jsonList(next.FilesAffected), nullable(next.ImplementationNotes),
		next.UpdatedAt, id, cur.Status)
	if err != nil {
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "status_changed", "task %s changed concurrently", id)
	}
	if p.Feedback != nil {
		if err := insertFeedback(ctx, tx, id, next.Feedback[len(next.Feedback)-1]); err != nil {
			return domain.Task{}, err
		}
	}
	if p.Error != nil {
		if err := insertError(ctx, tx, id, next.Errors[len(next.Errors)-1]); err != nil {
			return domain.Task{}, err
		}
	}
	actor := p.ActorID
	if actor == "" {
		actor = "system"
	}
	from := domain.Status("")
	if to != "" {
		from = cur.Status
	}
	if err := r.Log.Append(ctx, tx, p.Event, id, actor, events.EventPayload(store.EventPayload(from, to, p))); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

func (r Repo) Events(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	w := r.Log
	if w.DB == nil {
		w.DB = r.DB
	}
	return w.List(ctx, f)
}

func (r Repo) Close() error {
	return r.DB.Close()
}

func insertFeedback(ctx context.Context, tx *sql.Tx, taskID string, f domain.FeedbackEntry) error {
	actionable := 0
	if f.Actionable {
		actionable = 1
	}
	var resolves any
	if f.Resolves > 0 {
		resolves = f.Resolves
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO task_feedback(task_id,seq,kind,actionable,resolves,author,body,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		taskID, f.Seq, f.Kind, actionable, resolves, nullable(f.Author), f.Text, f.At)
	return err
}

func insertError(ctx context.Context, tx *sql.Tx, taskID string, e domain.ErrorEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_errors(task_id,seq,kind,detail,actor,created_at) VALUES (?,?,?,?,?,?)`,
		taskID, e.Seq, e.Kind, e.Detail, nullable(e.Actor), e.At)
	return err
}

func jsonList(v []string) any {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
