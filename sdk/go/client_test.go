package cooklinesdk

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

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"t1","team_id":"team-1","title":"ship","state":"ready","cook_state":"draft"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/v0/", "team-1")
	c.APIKey = "ck_secret"
	task, err := c.MoveTask(context.Background(), "t1", "ready")
	require.NoError(t, err)
	assert.Equal(t, "/v0/teams/team-1/tasks/t1/move", gotPath)
	assert.Equal(t, "ck_secret", gotKey)
	assert.Equal(t, "ready", gotBody["to"])
	assert.Equal(t, "ready", task.State)
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"insufficient_reviewers","message":"need 3 reviewers, have 2","details":{"required":3,"assigned":2}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "team-1")
	c.UserID = "sam"
	_, err := c.MoveTask(context.Background(), "t1", "review")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "insufficient_reviewers", apiErr.Code)
	assert.Equal(t, 3.0, apiErr.Details["required"])
	assert.Contains(t, apiErr.Error(), "insufficient_reviewers")
}

func TestEventsPageQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"items":[{"id":4,"type":"ledger.issued","payload":{"cook_value":5}}],"next_cursor":"4"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "team-1")
	page, err := c.EventsPage(context.Background(), 1, "3")
	require.NoError(t, err)
	assert.Equal(t, "cursor=3&limit=1", gotQuery)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "ledger.issued", page.Items[0].Type)
	assert.Equal(t, "4", page.NextCursor)
}
