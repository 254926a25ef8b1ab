package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskgate/internal/checks"
	"taskgate/internal/config"
	"taskgate/internal/docstore"
	"taskgate/internal/domain"
	"taskgate/internal/engine"
	"taskgate/internal/execctx"
	"taskgate/internal/metrics"
	"taskgate/internal/phase"
)

const testSecret = "test-secret"

type staticBuilder struct{}

func (staticBuilder) Build(ctx context.Context, opts execctx.Options) (*execctx.Context, error) {
	return &execctx.Context{
		TaskID:         opts.TaskID,
		Mode:           opts.Mode,
		Profile:        opts.Profile,
		Classification: opts.Classification,
		IsRepo:         true,
		Branch:         "feature/audit",
		Commit:         "abc123",
	}, nil
}

type testServer struct {
	URL     string
	client  *http.Client
	mu      sync.Mutex
	failing map[string]bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := docstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ts := &testServer{client: &http.Client{}, failing: map[string]bool{}}

	reg := checks.NewRegistry()
	for _, id := range config.KnownChecks {
		id := id
		require.NoError(t, reg.Register(checks.Func{Name: id, Fn: func(ctx context.Context, ec *execctx.Context) checks.Outcome {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			if ts.failing[id] {
				return checks.Failf(nil, "%s broke", id)
			}
			return checks.Pass(nil)
		}}))
	}
	promReg := prometheus.NewRegistry()
	e := engine.Engine{
		Store:    st,
		Config:   config.Default(),
		Registry: reg,
		Builder:  staticBuilder{},
		History:  phase.History{Dir: t.TempDir()},
		Metrics:  metrics.New(promReg),
		Now:      func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) },
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}, Gatherer: promReg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	ts.URL = srv.URL
	return ts
}

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Roles:            roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return v
}

func (s *testServer) createReady(t *testing.T, tok string) domain.Task {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/v0/tasks", tok, map[string]any{
		"title":          "Rotate audit logs",
		"goal":           "keep disk usage bounded",
		"classification": "non_functional",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	created := decode[domain.Task](t, data)
	res, data = s.do(t, http.MethodPost, "/v0/tasks/"+created.ID+"/prepare", tok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("prepare status %d: %s", res.StatusCode, string(data))
	}
	return decode[domain.Task](t, data)
}

func TestAuthRequiredOutsideHealth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.do(t, http.MethodGet, "/v0/health", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := srv.do(t, http.MethodGet, "/v0/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = srv.do(t, http.MethodGet, "/v0/tasks", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, "alice", "planner", "implementer", "reviewer")
	task := srv.createReady(t, tok)
	assert.Equal(t, domain.StatusReady, task.Status)
	assert.Equal(t, domain.NonFunctional, task.Classification)

	res, data := srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/claim", tok, map[string]any{"role": "implementer"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.RoleImplementer, decode[domain.Task](t, data).Assignee)

	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/review", tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	review := decode[engine.ReviewResult](t, data)
	assert.True(t, review.Report.OK)
	assert.Equal(t, domain.StatusReview, review.Task.Status)
	assert.Equal(t, "feature/audit", review.Task.Ref.Branch)

	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/feedback", tok, map[string]any{"text": "add retention docs"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.StatusReady, decode[domain.Task](t, data).Status)

	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/feedback/1/resolve", tok, map[string]any{"note": "documented"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[domain.Task](t, data).OutstandingFeedback())

	srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/claim", tok, map[string]any{"role": "implementer"})
	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/review", tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/complete", tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.StatusCompleted, decode[domain.Task](t, data).Status)

	res, data = srv.do(t, http.MethodGet, "/v0/status", tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	sum := decode[engine.Summary](t, data)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Counts[domain.StatusCompleted])
}

func TestClaimNeedsRoleInToken(t *testing.T) {
	srv := newTestServer(t)
	task := srv.createReady(t, token(t, "pat", "planner"))

	res, data := srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/claim", token(t, "pat", "planner"), map[string]any{"role": "implementer"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decode[errorEnvelope](t, data).Error.Code)

	res, _ = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/claim", token(t, "pat", "planner"), map[string]any{"role": "janitor"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestFailedBatteryReturnsReport(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, "alice", "implementer")
	task := srv.createReady(t, tok)
	srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/claim", tok, map[string]any{"role": "implementer"})

	// the relaxed profile of a non-functional task still runs typecheck
	srv.mu.Lock()
	srv.failing[config.CheckTypecheck] = true
	srv.mu.Unlock()
	res, data := srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/review", tok, nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "checks_failed", env.Error.Code)
	assert.Equal(t, string(domain.KindCheckFailed), env.Error.Details["kind"])
	report, ok := env.Error.Details["report"].(map[string]any)
	require.True(t, ok, "details carry the report")
	assert.Equal(t, config.ProfileRelaxed, report["profile"])
	failed := map[string]string{}
	for _, r := range report["results"].([]any) {
		o := r.(map[string]any)
		failed[o["id"].(string)] = o["status"].(string)
	}
	assert.Equal(t, string(checks.StatusFail), failed[config.CheckTypecheck])
	assert.NotContains(t, failed, config.CheckLint)

	res, data = srv.do(t, http.MethodGet, "/v0/tasks/"+task.ID, tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decode[domain.Task](t, data)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0].Detail, config.CheckTypecheck)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, "alice", "implementer")

	res, data := srv.do(t, http.MethodGet, "/v0/tasks/T-missing", tok, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)

	task := srv.createReady(t, tok)
	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/complete", tok, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", decode[errorEnvelope](t, data).Error.Code)

	res, data = srv.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/fail", tok, map[string]any{"reason": "  "})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_input", decode[errorEnvelope](t, data).Error.Code)

	res, _ = srv.do(t, http.MethodPost, "/v0/tasks", tok, map[string]any{"goal": "no title"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRunChecksAndEvents(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, "alice")
	task := srv.createReady(t, tok)

	res, data := srv.do(t, http.MethodPost, "/v0/checks/quick", tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rep := decode[checks.Report](t, data)
	assert.True(t, rep.OK)
	assert.Len(t, rep.Results, len(checks.ModeChecks(checks.ModeQuick)))

	res, _ = srv.do(t, http.MethodPost, "/v0/checks/nightly", tok, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = srv.do(t, http.MethodGet, "/v0/events?limit=1&task_id="+task.ID, tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "task.created", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	res, data = srv.do(t, http.MethodGet, "/v0/events?task_id="+task.ID+"&cursor="+page.NextCursor, tok, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rest := decode[paginatedEvents](t, data)
	require.NotEmpty(t, rest.Items)
	assert.Equal(t, "ready", rest.Items[0].Payload["to_status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, "alice")
	srv.do(t, http.MethodPost, "/v0/checks/quick", tok, nil)

	res, data := srv.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), "taskgate_"), "metrics exposition should include taskgate series")
}
