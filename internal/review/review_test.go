package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskgate/internal/config"
	"taskgate/internal/domain"
)

func newGitHub(t *testing.T, h http.Handler) *GitHub {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	env := map[string]string{"GH_TOKEN": "secret"}
	g, err := NewGitHub(context.Background(), config.GitHubConfig{
		Owner: "acme", Repo: "widgets", TokenEnv: "GH_TOKEN", APIURL: srv.URL,
	}, func(k string) string { return env[k] })
	require.NoError(t, err)
	return g
}

func TestCreatesPullRequest(t *testing.T) {
	var created map[string]any
	g := newGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/pulls", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "acme:feature/x", r.URL.Query().Get("head"))
			w.Write([]byte(`[]`))
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"number":7,"html_url":"https://github.com/acme/widgets/pull/7"}`))
		}
	}))
	task := domain.Task{ID: "T-1", Title: "Add export", Goal: "Users can export", AcceptanceCriteria: []string{"CSV"}}
	ref, err := g.RequestReview(context.Background(), task, "feature/x", "main")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", ref)
	assert.Equal(t, "T-1: Add export", created["title"])
	assert.Equal(t, "main", created["base"])
	assert.Contains(t, created["body"], "- [ ] CSV")
}

func TestReusesOpenPullRequest(t *testing.T) {
	g := newGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected %s", r.Method)
		}
		w.Write([]byte(`[{"number":3,"html_url":"https://github.com/acme/widgets/pull/3"}]`))
	}))
	ref, err := g.RequestReview(context.Background(), domain.Task{ID: "T-2"}, "feature/y", "main")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets/pull/3", ref)
}

func TestRejectsMissingTokenAndBranch(t *testing.T) {
	_, err := NewGitHub(context.Background(), config.GitHubConfig{TokenEnv: "NOPE"}, func(string) string { return "" })
	require.Error(t, err)

	g := newGitHub(t, http.NotFoundHandler())
	_, err = g.RequestReview(context.Background(), domain.Task{}, "main", "main")
	assert.Error(t, err)
	_, err = g.RequestReview(context.Background(), domain.Task{}, "", "main")
	assert.Error(t, err)
}
