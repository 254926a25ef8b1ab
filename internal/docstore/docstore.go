// Package docstore keeps each task as a Markdown document under a directory
// named after its status, so the lifecycle is visible with ls.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskgate/internal/domain"
	"taskgate/internal/events"
	"taskgate/internal/lock"
	"taskgate/internal/store"
)

// Store lays tasks out as <Root>/tasks/<status>/<id>.md. A transition writes
// the destination file atomically and then removes the source; when a crash
// leaves both, the copy with the newest updated_at wins.
type Store struct {
	Root    string
	Journal *events.Journal
	Now     func() time.Time

	locks *lock.MutexMap
}

var _ store.Store = (*Store)(nil)

// Open prepares the bucket directories under stateDir.
func Open(stateDir string) (*Store, error) {
	s := &Store{
		Root:    stateDir,
		Journal: events.NewJournal(filepath.Join(stateDir, "events.jsonl")),
		Now:     time.Now,
		locks:   lock.NewMutexMap(),
	}
	for _, st := range domain.Statuses {
		if err := os.MkdirAll(s.bucket(st), 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "locks"), 0o755); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) bucket(st domain.Status) string {
	return filepath.Join(s.Root, "tasks", string(st))
}

// PathFor returns the document path for a task in the given status.
func (s *Store) PathFor(id string, st domain.Status) string {
	return filepath.Join(s.bucket(st), id+".md")
}

func (s *Store) now() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}

// acquire takes the in-process and cross-process locks for id.
func (s *Store) acquire(id string) (func(), error) {
	s.locks.Lock(id)
	fl := lock.NewFileLock(filepath.Join(s.Root, "locks", id+".lock"))
	if err := fl.Lock(); err != nil {
		s.locks.Unlock(id)
		return nil, err
	}
	return func() {
		_ = fl.Unlock()
		s.locks.Unlock(id)
	}, nil
}

type located struct {
	task  domain.Task
	path  string
	stale []string
}

// locate finds the current document for id across all buckets.
func (s *Store) locate(id string) (located, error) {
	var found []located
	for _, st := range domain.Statuses {
		path := s.PathFor(id, st)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return located{}, err
		}
		t, err := Parse(data)
		if err != nil {
			return located{}, fmt.Errorf("%s: %w", path, err)
		}
		t.Status = st
		found = append(found, located{task: t, path: path})
	}
	if len(found) == 0 {
		return located{}, domain.NotFoundf("task %s not found", id)
	}
	best := 0
	for i := 1; i < len(found); i++ {
		if newer(found[i], found[best]) {
			best = i
		}
	}
	res := found[best]
	for i, f := range found {
		if i != best {
			res.stale = append(res.stale, f.path)
		}
	}
	return res, nil
}

func newer(a, b located) bool {
	if a.task.UpdatedAt != b.task.UpdatedAt {
		return a.task.UpdatedAt > b.task.UpdatedAt
	}
	ai, errA := os.Stat(a.path)
	bi, errB := os.Stat(b.path)
	if errA != nil || errB != nil {
		return false
	}
	return ai.ModTime().After(bi.ModTime())
}

func (s *Store) write(t domain.Task) (string, error) {
	data, err := Render(t)
	if err != nil {
		return "", err
	}
	path := s.PathFor(t.ID, t.Status)
	return path, atomicWrite(path, data)
}

func (s *Store) Create(ctx context.Context, t domain.Task, actorID string) (domain.Task, error) {
	if err := validID(t.ID); err != nil {
		return domain.Task{}, err
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if t.CreatedAt == "" {
		t.CreatedAt = s.now()
	}
	if t.UpdatedAt == "" {
		t.UpdatedAt = t.CreatedAt
	}
	release, err := s.acquire(t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	defer release()

	if _, err := s.locate(t.ID); err == nil {
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "duplicate_id", "task %s already exists", t.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Task{}, err
	}
	if _, err := s.write(t); err != nil {
		return domain.Task{}, err
	}
	if actorID == "" {
		actorID = "system"
	}
	if _, err := s.Journal.Append(ctx, "task.created", t.ID, actorID, events.EventPayload{
		"title": t.Title, "priority": t.Priority, "status": t.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	if err := validID(id); err != nil {
		return domain.Task{}, domain.NotFoundf("task %s not found", id)
	}
	loc, err := s.locate(id)
	if err != nil {
		return domain.Task{}, err
	}
	return loc.task, nil
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var res []domain.Task
	for _, st := range domain.Statuses {
		entries, err := os.ReadDir(s.bucket(st))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
				continue
			}
			id := strings.TrimSuffix(name, ".md")
			if seen[id] {
				continue
			}
			seen[id] = true
			loc, err := s.locate(id)
			if err != nil {
				return nil, err
			}
			if f.Match(loc.task) {
				res = append(res, loc.task)
			}
		}
	}
	store.Sort(res)
	return res, nil
}

func (s *Store) Transition(ctx context.Context, id string, to domain.Status, p store.Patch) (domain.Task, error) {
	if p.Event == "" {
		p.Event = "task.transitioned"
	}
	return s.mutate(ctx, id, to, p)
}

func (s *Store) Update(ctx context.Context, id string, p store.Patch) (domain.Task, error) {
	if p.Event == "" {
		p.Event = "task.updated"
	}
	return s.mutate(ctx, id, "", p)
}

func (s *Store) mutate(ctx context.Context, id string, to domain.Status, p store.Patch) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	if err := validID(id); err != nil {
		return domain.Task{}, domain.NotFoundf("task %s not found", id)
	}
	if p.Now == "" {
		p.Now = s.now()
	}
	if p.SoleActive && p.Assignee != "" {
		releaseRole, err := s.acquire("assignee-" + string(p.Assignee))
		if err != nil {
			return domain.Task{}, err
		}
		defer releaseRole()
		active, err := s.List(ctx, store.Filter{Status: domain.StatusInProgress, Assignee: p.Assignee})
		if err != nil {
			return domain.Task{}, err
		}
		for _, a := range active {
			if a.ID != id {
				return domain.Task{}, store.ActorBusy(p.Assignee, a.ID)
			}
		}
	}
	release, err := s.acquire(id)
	if err != nil {
		return domain.Task{}, err
	}
	defer release()

	loc, err := s.locate(id)
	if err != nil {
		return domain.Task{}, err
	}
	next, err := store.ApplyPatch(loc.task, to, p)
	if err != nil {
		return domain.Task{}, err
	}
	dest, err := s.write(next)
	if err != nil {
		return domain.Task{}, err
	}
	for _, old := range append(loc.stale, loc.path) {
		if old == dest {
			continue
		}
		if err := os.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			return domain.Task{}, fmt.Errorf("remove %s: %w", old, err)
		}
	}
	actor := p.ActorID
	if actor == "" {
		actor = "system"
	}
	from := domain.Status("")
	if to != "" {
		from = loc.task.Status
	}
	if _, err := s.Journal.Append(ctx, p.Event, id, actor, events.EventPayload(store.EventPayload(from, to, p))); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

func (s *Store) Events(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	return s.Journal.Read(ctx, f)
}

func (s *Store) Close() error { return nil }
