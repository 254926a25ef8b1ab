package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"taskgate/internal/config"
	"taskgate/internal/domain"
	"taskgate/internal/events"
)

type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memSource) add(typ, task string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.Event{ID: int64(len(m.events) + 1), Type: typ, TaskID: task, Payload: `{"to_status":"ready"}`})
}

func (m *memSource) Events(ctx context.Context, q events.Query) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.Latest {
		if len(m.events) == 0 {
			return nil, nil
		}
		return []domain.Event{m.events[len(m.events)-1]}, nil
	}
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > q.AfterID {
			out = append(out, e)
		}
	}
	return out, nil
}

type received struct {
	mu     sync.Mutex
	bodies []webhookEvent
	sigs   []string
	raw    [][]byte
}

func (r *received) handler(status *int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		data, _ := io.ReadAll(req.Body)
		var evt webhookEvent
		_ = json.Unmarshal(data, &evt)
		r.mu.Lock()
		defer r.mu.Unlock()
		if *status != http.StatusOK {
			w.WriteHeader(*status)
			return
		}
		r.bodies = append(r.bodies, evt)
		r.sigs = append(r.sigs, req.Header.Get("X-Taskgate-Signature"))
		r.raw = append(r.raw, data)
	}
}

func TestDeliversNewEventsInOrder(t *testing.T) {
	src := &memSource{}
	src.add("task.created", "old")
	status := http.StatusOK
	rec := &received{}
	srv := httptest.NewServer(rec.handler(&status))
	defer srv.Close()

	d := New(src, config.NotifyConfig{Webhooks: []config.WebhookConfig{{
		URL: srv.URL, Secret: "s3cret", Events: []string{"task.transitioned"},
	}}}, nil)
	d.DispatchOnce(context.Background())
	assert.Empty(t, rec.bodies, "history before start is not replayed")

	src.add("task.transitioned", "T-1")
	src.add("task.updated", "T-1")
	src.add("task.transitioned", "T-2")
	d.DispatchOnce(context.Background())

	require.Len(t, rec.bodies, 2)
	assert.Equal(t, "T-1", rec.bodies[0].TaskID)
	assert.Equal(t, "T-2", rec.bodies[1].TaskID)
	assert.JSONEq(t, `{"to_status":"ready"}`, string(rec.bodies[0].Payload))
	assert.Equal(t, "sha256="+Sign("s3cret", rec.raw[0]), rec.sigs[0])
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	src := &memSource{}
	status := http.StatusServiceUnavailable
	rec := &received{}
	srv := httptest.NewServer(rec.handler(&status))
	defer srv.Close()

	d := New(src, config.NotifyConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL, Secret: "s3cret"}}}, nil)
	d.DispatchOnce(context.Background())
	src.add("task.created", "T-1")
	d.DispatchOnce(context.Background())
	assert.Empty(t, rec.bodies)

	rec.mu.Lock()
	status = http.StatusOK
	rec.mu.Unlock()
	d.DispatchOnce(context.Background())
	require.Len(t, rec.bodies, 1)
	assert.Equal(t, int64(1), rec.bodies[0].ID)
}

func TestDisabledWebhookIsSkipped(t *testing.T) {
	off := false
	src := &memSource{}
	d := New(src, config.NotifyConfig{Webhooks: []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}}}, nil)
	d.DispatchOnce(context.Background())
	assert.Empty(t, d.cursors)
}

func TestLimiterHoldsBackDeliveries(t *testing.T) {
	src := &memSource{}
	status := http.StatusOK
	rec := &received{}
	srv := httptest.NewServer(rec.handler(&status))
	defer srv.Close()

	d := New(src, config.NotifyConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL}}}, nil)
	d.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	d.DispatchOnce(context.Background())
	src.add("task.created", "T-1")
	src.add("task.created", "T-2")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	d.DispatchOnce(ctx)
	require.Len(t, rec.bodies, 1)
	assert.Equal(t, "T-1", rec.bodies[0].TaskID)
	assert.Equal(t, int64(1), d.cursors[0], "undelivered event stays pending")
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0))
	l := newLimiter(0.5)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
	assert.Equal(t, 5, newLimiter(5).Burst())
}
