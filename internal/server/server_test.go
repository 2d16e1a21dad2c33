package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookline/internal/board"
	"cookline/internal/config"
	"cookline/internal/db"
	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/migrate"
	"cookline/internal/reconcile"
)

const (
	teamID    = "team-1"
	jwtSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Board  *board.Memory
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	e := engine.New(conn)
	cfg := config.Default(teamID)
	cfg.Sync.Enabled = true
	cfg.Sync.ProjectID = "p1"
	_, err = e.InitTeam(ctx, engine.InitTeamOptions{ID: teamID, AdminID: "alice", Config: cfg})
	require.NoError(t, err)
	for user, role := range map[string]domain.Role{
		"sam":  domain.RoleSteward,
		"rita": domain.RoleReviewer,
		"rob":  domain.RoleReviewer,
		"carl": domain.RoleContributor,
	} {
		_, err := e.AddMember(ctx, teamID, "alice", user, role)
		require.NoError(t, err)
	}

	mem := board.NewMemory()
	mem.AddProject("p1",
		board.Column{ID: "c-backlog", Name: "Backlog"},
		board.Column{ID: "c-ready", Name: "Ready"},
		board.Column{ID: "c-done", Name: "Done"},
	)
	handler, err := New(Config{
		Engine:     e,
		Reconciler: reconcile.New(e, mem),
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: jwtSecret, AllowUserHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, Board: mem, client: srv.Client()}
}

// as returns headers authenticating as userID through the local header.
func as(userID string) map[string]string {
	return map[string]string{"X-User-Id": userID}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) decode(t *testing.T, method, path string, body any, headers map[string]string, want int, out any) {
	t.Helper()
	res, data := s.do(t, method, path, body, headers)
	require.Equal(t, want, res.StatusCode, "%s %s: %s", method, path, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (s *testServer) expectError(t *testing.T, method, path string, body any, headers map[string]string, status int, code string) envelope {
	t.Helper()
	var env envelope
	s.decode(t, method, path, body, headers, status, &env)
	assert.Equal(t, code, env.Error.Code)
	return env
}

func (s *testServer) taskInReview(t *testing.T, cook float64, reviewers []string) domain.Task {
	t.Helper()
	var task domain.Task
	s.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks", map[string]any{
		"title": "ship", "contributors": []string{"carl"}, "reviewers": reviewers, "cook_value": cook,
	}, as("sam"), http.StatusCreated, &task)
	for _, to := range []string{"ready", "in_progress", "review"} {
		s.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/move", map[string]any{"to": to}, as("sam"), http.StatusOK, &task)
	}
	return task
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)
	var health StatusResponse
	srv.decode(t, http.MethodGet, "/v0/health", nil, nil, http.StatusOK, &health)
	assert.Equal(t, "ok", health.Status)
	res, _ := srv.do(t, http.MethodGet, "/v0/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	srv.expectError(t, http.MethodGet, "/v0/me", nil, nil, http.StatusUnauthorized, "unauthorized")
	srv.expectError(t, http.MethodGet, "/v0/me", nil, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, "invalid_credentials")

	var tok TokenResponse
	srv.decode(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{"user_id": "carl"}, nil, http.StatusOK, &tok)
	require.NotEmpty(t, tok.Token)
	var me WhoAmIResponse
	srv.decode(t, http.MethodGet, "/v0/me", nil, map[string]string{"Authorization": "Bearer " + tok.Token}, http.StatusOK, &me)
	assert.Equal(t, "carl", me.UserID)
	assert.Equal(t, "jwt", me.Source)
	require.Len(t, me.Memberships, 1)
	assert.Equal(t, domain.RoleContributor, me.Memberships[0].Role)

	var key APIKeyResponse
	srv.decode(t, http.MethodPost, "/v0/me/api-keys", map[string]any{"name": "ci"}, as("rita"), http.StatusCreated, &key)
	require.NotEmpty(t, key.Key)
	srv.decode(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": key.Key}, http.StatusOK, &me)
	assert.Equal(t, "rita", me.UserID)
	assert.Equal(t, "api_key", me.Source)
}

func TestCreateTeamMakesCallerAdmin(t *testing.T) {
	srv := newTestServer(t)
	var team domain.Team
	srv.decode(t, http.MethodPost, "/v0/teams", map[string]any{"id": "team-2", "name": "Second"}, as("dora"), http.StatusCreated, &team)
	assert.Equal(t, "Second", team.Name)

	var members MemberList
	srv.decode(t, http.MethodGet, "/v0/teams/team-2/members", nil, as("dora"), http.StatusOK, &members)
	require.Len(t, members.Items, 1)
	assert.Equal(t, domain.RoleAdmin, members.Items[0].Role)

	srv.expectError(t, http.MethodPost, "/v0/teams", map[string]any{"id": "team-2"}, as("dora"), http.StatusBadRequest, "validation_failed")
	srv.expectError(t, http.MethodGet, "/v0/teams/team-2/tasks", nil, as("carl"), http.StatusForbidden, "forbidden")
}

func TestReviewApprovalIssuesCook(t *testing.T) {
	srv := newTestServer(t)
	task := srv.taskInReview(t, 5, []string{"rita"})
	assert.Equal(t, domain.TaskReview, task.State)

	var approval engine.ApprovalResult
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/review/approve", nil, as("rita"), http.StatusOK, &approval)
	require.True(t, approval.Approved)
	assert.Equal(t, domain.TaskDone, approval.Task.State)
	require.Len(t, approval.Issued, 1)
	require.NotNil(t, approval.Issued[0].Entry)
	assert.Equal(t, 5.0, approval.Issued[0].Entry.CookValue)

	var ledger LedgerList
	srv.decode(t, http.MethodGet, "/v0/teams/"+teamID+"/ledger?contributor_id=carl", nil, as("carl"), http.StatusOK, &ledger)
	require.Len(t, ledger.Items, 1)

	srv.expectError(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/issue", nil, as("carl"), http.StatusForbidden, "forbidden")
	var again IssueResponse
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/issue", nil, as("sam"), http.StatusOK, &again)
	require.Len(t, again.Items, 1)
	assert.Contains(t, again.Items[0].Error, "already issued")

	var report engine.CookReport
	srv.decode(t, http.MethodGet, "/v0/teams/"+teamID+"/contributors/carl/cook", nil, as("carl"), http.StatusOK, &report)
	assert.Equal(t, "carl", report.ContributorID)
}

func TestErrorEnvelopeCarriesDetails(t *testing.T) {
	srv := newTestServer(t)
	var task domain.Task
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks", map[string]any{
		"title": "big", "contributors": []string{"carl"}, "reviewers": []string{"rita", "rob"}, "cook_value": 60,
	}, as("sam"), http.StatusCreated, &task)

	env := srv.expectError(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/move", map[string]any{"to": "review"}, as("sam"), http.StatusConflict, "invalid_transition")
	assert.Equal(t, []any{"ready"}, env.Error.Details["allowed"])

	for _, to := range []string{"ready", "in_progress"} {
		srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/move", map[string]any{"to": to}, as("sam"), http.StatusOK, nil)
	}
	env = srv.expectError(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/move", map[string]any{"to": "review"}, as("sam"), http.StatusUnprocessableEntity, "insufficient_reviewers")
	assert.Equal(t, 3.0, env.Error.Details["required"])
	assert.Equal(t, 2.0, env.Error.Details["assigned"])

	env = srv.expectError(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/move", map[string]any{"to": "review"}, as("carl"), http.StatusForbidden, "forbidden")
	assert.Equal(t, "contributor", env.Error.Details["role"])

	srv.expectError(t, http.MethodGet, "/v0/teams/"+teamID+"/tasks/missing", nil, as("carl"), http.StatusNotFound, "not_found")
}

func TestExternalMoveIsBlocked(t *testing.T) {
	srv := newTestServer(t)
	var task domain.Task
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks", map[string]any{"title": "card", "contributors": []string{"carl"}}, as("sam"), http.StatusCreated, &task)
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/link", map[string]any{"item_id": "card-1", "column_id": "c-backlog"}, as("sam"), http.StatusOK, nil)
	srv.Board.PlaceCard("card-1", "c-done")

	var res engine.ExternalMoveResult
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/sync/external-moves", map[string]any{"item_id": "card-1", "column_id": "c-done"}, as("sam"), http.StatusOK, &res)
	assert.Equal(t, engine.ExternalMoveBlocked, res.Outcome)
	assert.True(t, res.Task.MovementBlocked())

	var cleared engine.ClearResult
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/tasks/"+task.ID+"/sync/clear", nil, as("sam"), http.StatusOK, &cleared)
	assert.False(t, cleared.Task.MovementBlocked())
	assert.Empty(t, cleared.Issued)
}

func TestGovernanceRoutes(t *testing.T) {
	srv := newTestServer(t)
	var p domain.GovernanceProposal
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/proposals", map[string]any{"type": "policy_change", "title": "Raise cap"}, as("carl"), http.StatusCreated, &p)
	assert.Equal(t, domain.ProposalObjectionWindowOpen, p.Status)

	var obj engine.ObjectionResult
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/proposals/"+p.ID+"/objections", map[string]any{"reason": "no"}, as("rita"), http.StatusOK, &obj)
	assert.False(t, obj.Escalated)
	srv.expectError(t, http.MethodPost, "/v0/teams/"+teamID+"/proposals/"+p.ID+"/objections", map[string]any{"reason": "again"}, as("rita"), http.StatusConflict, "duplicate_objection")
	srv.expectError(t, http.MethodPost, "/v0/teams/"+teamID+"/proposals/"+p.ID+"/resolve", nil, as("rita"), http.StatusBadRequest, "objection_window_open")

	var v domain.Voting
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/votings", map[string]any{
		"title": "Lunch", "options": []string{"pizza", "tacos"}, "closes_at": "2099-01-01T00:00:00Z",
	}, as("sam"), http.StatusCreated, &v)
	var vote domain.Vote
	srv.decode(t, http.MethodPost, "/v0/teams/"+teamID+"/votings/"+v.ID+"/votes", map[string]any{"option": "tacos"}, as("carl"), http.StatusCreated, &vote)
	assert.Equal(t, "tacos", vote.Option)
	srv.expectError(t, http.MethodPost, "/v0/teams/"+teamID+"/votings/"+v.ID+"/votes", map[string]any{"option": "pizza"}, as("carl"), http.StatusConflict, "already_voted")
	srv.expectError(t, http.MethodPost, "/v0/teams/"+teamID+"/votings/"+v.ID+"/votes", map[string]any{"option": "sushi"}, as("rita"), http.StatusBadRequest, "unknown_option")
}
