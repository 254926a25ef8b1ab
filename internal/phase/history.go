package phase

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskgate/internal/domain"
	"taskgate/internal/lock"
)

// Marker is the most recent phase recorded in the workspace.
type Marker struct {
	TaskID string       `json:"task_id"`
	Phase  domain.Phase `json:"phase,omitempty"`
	Reset  bool         `json:"reset,omitempty"`
	At     string       `json:"at"`
	Ref    string       `json:"ref,omitempty"`
}

// History stores per-task phase evidence as JSONL under Dir/phases and keeps
// Dir/phase.json pointing at the latest entry.
type History struct {
	Dir string
	Now func() time.Time
}

func (h History) path(taskID string) string {
	return filepath.Join(h.Dir, "phases", taskID+".jsonl")
}

func (h History) MarkerPath() string {
	return filepath.Join(h.Dir, "phase.json")
}

// Load reads the full evidence log of a task. A missing log is an empty
// history.
func (h History) Load(ctx context.Context, taskID string) ([]domain.PhaseEvidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(h.path(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var res []domain.PhaseEvidence
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev domain.PhaseEvidence
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("phase history %s:%d: %w", taskID, line, err)
		}
		res = append(res, ev)
	}
	return res, sc.Err()
}

// Append records ev and updates the marker.
func (h History) Append(ctx context.Context, ev domain.PhaseEvidence) (domain.PhaseEvidence, error) {
	if err := ctx.Err(); err != nil {
		return ev, err
	}
	if ev.TaskID == "" {
		return ev, fmt.Errorf("phase evidence needs a task id")
	}
	if ev.At == "" {
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		ev.At = now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(filepath.Dir(h.path(ev.TaskID)), 0o755); err != nil {
		return ev, err
	}
	fl := lock.NewFileLock(h.path(ev.TaskID) + ".lock")
	if err := fl.Lock(); err != nil {
		return ev, err
	}
	defer fl.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		return ev, err
	}
	f, err := os.OpenFile(h.path(ev.TaskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return ev, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return ev, err
	}
	if err := f.Close(); err != nil {
		return ev, err
	}
	return ev, h.writeMarker(Marker{TaskID: ev.TaskID, Phase: ev.Phase, Reset: ev.Reset, At: ev.At, Ref: ev.EvidenceRef})
}

// Reset starts a new cycle for the task.
func (h History) Reset(ctx context.Context, taskID, actor string) (domain.PhaseEvidence, error) {
	return h.Append(ctx, domain.PhaseEvidence{TaskID: taskID, Reset: true, Actor: actor})
}

// ReadMarker returns the workspace marker, or false when none was written.
func (h History) ReadMarker() (Marker, bool, error) {
	data, err := os.ReadFile(h.MarkerPath())
	if errors.Is(err, os.ErrNotExist) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, false, fmt.Errorf("phase marker: %w", err)
	}
	return m, true, nil
}

func (h History) writeMarker(m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(h.Dir, ".phase-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), h.MarkerPath())
}
