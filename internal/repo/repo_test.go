package repo

import (
	"context"
	"testing"

	"taskgate/internal/db"
	"taskgate/internal/domain"
	"taskgate/internal/migrate"
	"taskgate/internal/store"
	"taskgate/internal/store/storetest"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn)
}

func TestRepoConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestRepo(t) })
}

func TestRepoTransitionEventCarriesStatuses(t *testing.T) {
	r := newTestRepo(t)
	defer r.Close()
	ctx := context.Background()
	if _, err := r.Create(ctx, domain.Task{ID: "t-1", Title: "x", Priority: domain.PriorityLow}, "planner"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Transition(ctx, "t-1", domain.StatusReady, store.Patch{Event: "task.prepared", ActorID: "planner"}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	var payload string
	if err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM events WHERE type='task.prepared'`).Scan(&payload); err != nil {
		t.Fatalf("query event: %v", err)
	}
	if payload != `{"from_status":"pending","to_status":"ready"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestRepoRejectedTransitionWritesNoEvent(t *testing.T) {
	r := newTestRepo(t)
	defer r.Close()
	ctx := context.Background()
	if _, err := r.Create(ctx, domain.Task{ID: "t-1", Title: "x"}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Transition(ctx, "t-1", domain.StatusCompleted, store.Patch{}); err == nil {
		t.Fatalf("expected invalid transition")
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM events`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the create event, got %d", n)
	}
}
