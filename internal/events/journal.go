package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskgate/internal/domain"
	"taskgate/internal/lock"
)

// Journal is an append-only JSONL event log. Event ids are assigned
// sequentially under an exclusive file lock so several processes can share
// one journal.
type Journal struct {
	Path string
	Now  func() time.Time

	mu sync.Mutex
}

func NewJournal(path string) *Journal {
	return &Journal{Path: path, Now: time.Now}
}

func (j *Journal) Append(ctx context.Context, evtType, taskID, actorID string, payload EventPayload) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return domain.Event{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(j.Path), 0o755); err != nil {
		return domain.Event{}, err
	}
	fl := lock.NewFileLock(j.Path + ".lock")
	if err := fl.Lock(); err != nil {
		return domain.Event{}, err
	}
	defer fl.Unlock()

	existing, err := j.readAll()
	if err != nil {
		return domain.Event{}, err
	}
	var lastID int64
	if n := len(existing); n > 0 {
		lastID = existing[n-1].ID
	}
	evt := domain.Event{
		ID:      lastID + 1,
		TS:      now().UTC().Format(time.RFC3339),
		Type:    evtType,
		TaskID:  taskID,
		ActorID: actorID,
		Payload: data,
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return domain.Event{}, err
	}
	f, err := os.OpenFile(j.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.Event{}, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return domain.Event{}, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return domain.Event{}, err
	}
	return evt, f.Close()
}

// Read returns the events matching q.
func (j *Journal) Read(ctx context.Context, q Query) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	all, err := j.readAll()
	j.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var res []domain.Event
	if q.Latest {
		for i := len(all) - 1; i >= 0; i-- {
			if q.match(all[i]) {
				res = append(res, all[i])
				if q.Limit > 0 && len(res) == q.Limit {
					break
				}
			}
		}
		return res, nil
	}
	for _, e := range all {
		if q.match(e) {
			res = append(res, e)
			if q.Limit > 0 && len(res) == q.Limit {
				break
			}
		}
	}
	return res, nil
}

func (j *Journal) readAll() ([]domain.Event, error) {
	f, err := os.Open(j.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var res []domain.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", j.Path, line, err)
		}
		res = append(res, e)
	}
	return res, sc.Err()
}
