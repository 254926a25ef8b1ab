package taskgatesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthAndDecodesTasks(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"T-1","title":"Add login","status":"in_progress","assignee":"implementer"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	task, err := c.Claim(context.Background(), "T-1", "implementer")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v0/tasks/T-1/claim", gotPath)
	assert.Equal(t, "implementer", gotBody["role"])
	assert.Equal(t, "in_progress", task.Status)
	assert.Equal(t, "implementer", task.Assignee)
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"checks_failed","message":"lint: 3 warnings","details":{"kind":"check_failed","report":{"ok":false}}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "ci"
	_, err := c.RequestReview(context.Background(), "T-9")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "checks_failed", apiErr.Code)
	assert.Contains(t, apiErr.Details, "report")
	assert.Contains(t, apiErr.Error(), "checks_failed")
}

func TestEventsPageQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"items":[{"id":4,"type":"task.transitioned","payload":{"to_status":"ready"}}],"next_cursor":"4"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 1, "3")
	require.NoError(t, err)
	assert.Equal(t, "cursor=3&limit=1", gotQuery)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "ready", page.Items[0].Payload["to_status"])
	assert.Equal(t, "4", page.NextCursor)
}
