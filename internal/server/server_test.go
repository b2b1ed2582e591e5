package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"ticketline/internal/app"
	"ticketline/internal/config"
	"ticketline/internal/db"
	"ticketline/internal/engine"
	"ticketline/internal/migrate"
	"ticketline/internal/review"
	ticketlinesdk "ticketline/sdk/go"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("ticketline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.AttachmentsDir = db.AttachmentsPath(workspace)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func createTicket(t *testing.T, srv *testServer, title string, extra map[string]any) TicketResponse {
	t.Helper()
	body := map[string]any{"title": title}
	for k, v := range extra {
		body[k] = v
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets", body, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create ticket status %d: %s", res.StatusCode, string(data))
	}
	var created TicketResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}
	return created
}

func moveTicket(t *testing.T, srv *testServer, ticketID, status string) TicketResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/projects/ticketline/tickets/"+ticketID, map[string]any{
		"status": status,
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move ticket to %s status %d: %s", status, res.StatusCode, string(data))
	}
	var updated TicketResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}
	return updated
}

func TestHealthOpenEverythingElseGated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %s", code)
	}
}

func TestTicketDefaultsAndTransitions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createTicket(t, srv, "Ship demo review", nil)
	if created.Type != "feature" || created.Priority != "medium" || created.Status != "backlog" {
		t.Fatalf("unexpected defaults: %+v", created)
	}

	moved := moveTicket(t, srv, created.ID, "todo")
	if moved.Status != "todo" {
		t.Fatalf("expected todo, got %s", moved.Status)
	}
	moveTicket(t, srv, created.ID, "in_progress")

	other := createTicket(t, srv, "Jump straight to done", nil)
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/projects/ticketline/tickets/"+other.ID, map[string]any{
		"status": "done",
	}, asActor("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}
}

func TestTicketListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, title := range []string{"First", "Second", "Third"} {
		createTicket(t, srv, title, nil)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/tickets?limit=2", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTickets
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/tickets?limit=2&cursor="+page.NextCursor, nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var rest paginatedTickets
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(rest.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(rest.Items))
	}
	if rest.NextCursor != "" {
		t.Fatalf("expected no cursor on final page, got %s", rest.NextCursor)
	}
}

func TestDemoReviewPassFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tk := createTicket(t, srv, "Verified feature", nil)
	moveTicket(t, srv, tk.ID, "todo")
	moveTicket(t, srv, tk.ID, "in_progress")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo", nil, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate demo status %d: %s", res.StatusCode, string(data))
	}
	var script DemoScriptResponse
	if err := json.Unmarshal(data, &script); err != nil {
		t.Fatalf("unmarshal script: %v", err)
	}
	if len(script.Steps) != 3 {
		t.Fatalf("feature template should yield 3 steps, got %d", len(script.Steps))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID, nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get ticket status %d: %s", res.StatusCode, string(data))
	}
	var inReview TicketResponse
	_ = json.Unmarshal(data, &inReview)
	if inReview.Status != "in_review" {
		t.Fatalf("generating a script should move the ticket to in_review, got %s", inReview.Status)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo/scripts/"+script.ID+"/steps/1", map[string]any{
		"status": "passed",
		"notes":  "Looks right",
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record step status %d: %s", res.StatusCode, string(data))
	}
	var step DemoStepResponse
	if err := json.Unmarshal(data, &step); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if step.Status != "passed" || step.Notes == nil {
		t.Fatalf("unexpected step: %+v", step)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo/scripts/"+script.ID+"/verdict", map[string]any{
		"passed": true,
		"results": []map[string]any{
			{"order": 2, "status": "passed"},
			{"order": 3, "status": "skipped"},
		},
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verdict status %d: %s", res.StatusCode, string(data))
	}
	var sealed DemoScriptResponse
	if err := json.Unmarshal(data, &sealed); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if sealed.CompletedAt == nil || sealed.Passed == nil || !*sealed.Passed {
		t.Fatalf("verdict not recorded: %+v", sealed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID, nil, asActor("tester"))
	var done TicketResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != "done" || done.ClosedAt == nil {
		t.Fatalf("expected done with closed_at, got %+v", done)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo/scripts/"+script.ID+"/verdict", map[string]any{
		"passed": true,
	}, asActor("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on re-verdict, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "demo_completed" {
		t.Fatalf("expected demo_completed, got %s", code)
	}
}

func TestFailedVerdictRecordsFindings(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tk := createTicket(t, srv, "Broken feature", nil)
	moveTicket(t, srv, tk.ID, "todo")
	moveTicket(t, srv, tk.ID, "in_progress")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo", nil, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate demo status %d: %s", res.StatusCode, string(data))
	}
	var script DemoScriptResponse
	_ = json.Unmarshal(data, &script)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo/scripts/"+script.ID+"/verdict", map[string]any{
		"passed":   false,
		"feedback": "Step one blew up",
		"results": []map[string]any{
			{"order": 1, "status": "failed", "notes": "crash on submit"},
			{"order": 2, "status": "skipped"},
			{"order": 3, "status": "skipped"},
		},
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fail verdict status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID, nil, asActor("tester"))
	var after TicketResponse
	_ = json.Unmarshal(data, &after)
	if after.Status != "changes_requested" {
		t.Fatalf("expected changes_requested, got %s", after.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/findings?ticket_id="+tk.ID, nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list findings status %d: %s", res.StatusCode, string(data))
	}
	var findings []FindingResponse
	if err := json.Unmarshal(data, &findings); err != nil {
		t.Fatalf("unmarshal findings: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 auto finding, got %d", len(findings))
	}
	if findings[0].Category != "demo_step" || findings[0].Severity != "major" {
		t.Fatalf("unexpected finding: %+v", findings[0])
	}
	if findings[0].StepOrder == nil || *findings[0].StepOrder != 1 {
		t.Fatalf("finding should point at step 1: %+v", findings[0])
	}

	// A fresh script after rework can still reach done.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo", nil, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("regenerate status %d: %s", res.StatusCode, string(data))
	}
	var second DemoScriptResponse
	_ = json.Unmarshal(data, &second)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo/scripts/"+second.ID+"/verdict", map[string]any{
		"passed": true,
		"results": []map[string]any{
			{"order": 1, "status": "passed"},
			{"order": 2, "status": "passed"},
			{"order": 3, "status": "passed"},
		},
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second verdict status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID, nil, asActor("tester"))
	var done TicketResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != "done" {
		t.Fatalf("expected done after rework, got %s", done.Status)
	}
}

func TestDoneRequiresDemoPass(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tk := createTicket(t, srv, "No demo yet", nil)
	moveTicket(t, srv, tk.ID, "todo")
	moveTicket(t, srv, tk.ID, "in_progress")
	moveTicket(t, srv, tk.ID, "in_review")

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID, map[string]any{
		"status": "done",
	}, asActor("tester"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", code)
	}
}

func TestOpenSubtasksBlockDone(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tk := createTicket(t, srv, "Has subtasks", nil)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/subtasks", map[string]any{
		"title": "Write docs",
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add subtask status %d: %s", res.StatusCode, string(data))
	}
	var sub SubtaskResponse
	_ = json.Unmarshal(data, &sub)

	moveTicket(t, srv, tk.ID, "todo")
	moveTicket(t, srv, tk.ID, "in_progress")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo", nil, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate demo status %d: %s", res.StatusCode, string(data))
	}
	var script DemoScriptResponse
	_ = json.Unmarshal(data, &script)

	verdict := map[string]any{
		"passed": true,
		"results": []map[string]any{
			{"order": 1, "status": "passed"},
			{"order": 2, "status": "passed"},
			{"order": 3, "status": "passed"},
		},
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo/scripts/"+script.ID+"/verdict", verdict, asActor("tester"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 with open subtask, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/ticketline/subtasks/"+sub.ID, map[string]any{
		"done": true,
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle subtask status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo/scripts/"+script.ID+"/verdict", verdict, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verdict after closing subtask status %d: %s", res.StatusCode, string(data))
	}
}

func TestReviewerRosterGatesVerdict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/ticketline/reviewers", map[string]any{
		"reviewers": []map[string]any{{"actor_id": "carol", "focus": "ux"}},
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replace reviewers status %d: %s", res.StatusCode, string(data))
	}
	var roster []ReviewerResponse
	if err := json.Unmarshal(data, &roster); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if len(roster) != 1 || roster[0].ActorID != "carol" {
		t.Fatalf("unexpected roster: %+v", roster)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/rbac/roles/grant", map[string]any{
		"actor_id": "carol",
		"role_id":  "reviewer",
	}, asActor("tester"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant role status %d: %s", res.StatusCode, string(data))
	}

	tk := createTicket(t, srv, "Needs real reviewer", nil)
	moveTicket(t, srv, tk.ID, "todo")
	moveTicket(t, srv, tk.ID, "in_progress")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo", nil, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate demo status %d: %s", res.StatusCode, string(data))
	}
	var script DemoScriptResponse
	_ = json.Unmarshal(data, &script)

	verdict := map[string]any{
		"passed": true,
		"results": []map[string]any{
			{"order": 1, "status": "passed"},
			{"order": 2, "status": "passed"},
			{"order": 3, "status": "passed"},
		},
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo/scripts/"+script.ID+"/verdict", verdict, asActor("tester"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for off-roster actor, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "reviewer_required" {
		t.Fatalf("expected reviewer_required, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/demo/scripts/"+script.ID+"/verdict", verdict, asActor("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("roster reviewer verdict status %d: %s", res.StatusCode, string(data))
	}
}

func TestWritesNeedPermissionReadsNeedAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets", map[string]any{
		"title": "Sneaky ticket",
	}, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for actor without roles, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/tickets", nil, asActor("mallory"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated read should pass, got %d: %s", res.StatusCode, string(data))
	}
}

func TestConfigImportAndEcho(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/config", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config status %d: %s", res.StatusCode, string(data))
	}
	var current ProjectConfigResponse
	if err := json.Unmarshal(data, &current); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if current.Project.ID != "ticketline" || !current.Review.RequireDemoPassForDone {
		t.Fatalf("unexpected seeded config: %+v", current)
	}
	if _, ok := current.RBAC.Roles["owner"]; !ok {
		t.Fatalf("seeded config should list owner role")
	}

	yamlBody := strings.Join([]string{
		"project:",
		"  id: ticketline",
		"  kind: software-project",
		"review:",
		"  require_demo_pass_for_done: false",
		"reviewers:",
		"  - actor_id: carol",
		"    focus: ux",
	}, "\n")
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/ticketline/config", map[string]any{
		"yaml": yamlBody,
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import config status %d: %s", res.StatusCode, string(data))
	}
	var imported ProjectConfigResponse
	if err := json.Unmarshal(data, &imported); err != nil {
		t.Fatalf("unmarshal imported: %v", err)
	}
	if imported.Review.RequireDemoPassForDone {
		t.Fatalf("imported config should disable the demo gate")
	}
	if len(imported.Reviewers) != 1 || imported.Reviewers[0].ActorID != "carol" {
		t.Fatalf("imported reviewers wrong: %+v", imported.Reviewers)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/config", nil, asActor("tester"))
	var persisted ProjectConfigResponse
	_ = json.Unmarshal(data, &persisted)
	if persisted.Review.RequireDemoPassForDone {
		t.Fatalf("import was not persisted")
	}

	mismatched := strings.Join([]string{
		"project:",
		"  id: other-project",
		"  kind: software-project",
	}, "\n")
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/ticketline/config", map[string]any{
		"yaml": mismatched,
	}, asActor("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for id mismatch, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAndDevLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"name": "ci",
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if !strings.HasPrefix(created.Key, "tlk_") {
		t.Fatalf("unexpected key format %s", created.Key)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "tester" {
		t.Fatalf("expected tester, got %s", who.ActorID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dave",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via jwt status %d: %s", res.StatusCode, string(data))
	}
	var jwtWho WhoAmIResponse
	_ = json.Unmarshal(data, &jwtWho)
	if jwtWho.ActorID != "dave" {
		t.Fatalf("expected dave, got %s", jwtWho.ActorID)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/api-keys/"+created.ID, nil, asActor("tester"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tk := createTicket(t, srv, "With attachment", nil)
	payload := []byte("demo recording bytes")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/attachments", map[string]any{
		"filename":     "demo.webm",
		"content_type": "video/webm",
		"content":      base64.StdEncoding.EncodeToString(payload),
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add attachment status %d: %s", res.StatusCode, string(data))
	}
	var uploaded AttachmentResponse
	if err := json.Unmarshal(data, &uploaded); err != nil {
		t.Fatalf("unmarshal attachment: %v", err)
	}
	if uploaded.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", uploaded.SizeBytes)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/attachments/"+uploaded.ID, nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get attachment status %d: %s", res.StatusCode, string(data))
	}
	var content AttachmentContentResponse
	if err := json.Unmarshal(data, &content); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(content.Content)
	if err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("content mismatch: %q", string(decoded))
	}
}

func TestEventsFeedFilters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	tk := createTicket(t, srv, "Event source", nil)
	moveTicket(t, srv, tk.ID, "todo")
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID+"/comments", map[string]any{
		"body": "Looks good",
	}, asActor("tester"))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/events?limit=2", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 events and a cursor, got %d %q", len(page.Items), page.NextCursor)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/ticketline/events?type=ticket.created", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered events status %d: %s", res.StatusCode, string(data))
	}
	var filtered paginatedEvents
	_ = json.Unmarshal(data, &filtered)
	if len(filtered.Items) != 1 || filtered.Items[0].Type != "ticket.created" {
		t.Fatalf("unexpected filtered events: %+v", filtered.Items)
	}
}

func newSDKClient(t *testing.T, srv *testServer) *ticketlinesdk.Client {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"name": "review-cli",
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	client := ticketlinesdk.New(srv.URL, "ticketline")
	client.APIKey = created.Key
	return client
}

func reviewableTicket(t *testing.T, client *ticketlinesdk.Client, title string) ticketlinesdk.Ticket {
	t.Helper()
	ctx := context.Background()
	tk, err := client.CreateTicket(ctx, title, "")
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	for _, status := range []string{"todo", "in_progress"} {
		if _, err := client.SetTicketStatus(ctx, tk.ID, status, false); err != nil {
			t.Fatalf("move to %s: %v", status, err)
		}
	}
	if _, err := client.GenerateDemoScript(ctx, tk.ID, false); err != nil {
		t.Fatalf("generate demo: %v", err)
	}
	return tk
}

func TestReviewSessionApprovesOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := newSDKClient(t, srv)
	ctx := context.Background()

	tk := reviewableTicket(t, client, "Reviewed through the API")
	sess := review.NewSession(app.RemoteStore{Client: client}, tk.ID)
	if err := sess.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Phase != review.PhaseActive || len(snap.Steps) != 3 {
		t.Fatalf("expected active session with 3 steps, got phase %s with %d", snap.Phase, len(snap.Steps))
	}
	if snap.Gates.CanApprove {
		t.Fatalf("approve must stay closed before marking")
	}

	var verdicts []bool
	sess.OnComplete = func(passed bool) { verdicts = append(verdicts, passed) }
	for order := 1; order <= 3; order++ {
		if err := sess.MarkStep(ctx, order, "passed"); err != nil {
			t.Fatalf("mark step %d: %v", order, err)
		}
	}
	if err := sess.EditNote(2, "matches the mock"); err != nil {
		t.Fatalf("edit note: %v", err)
	}
	if err := sess.CommitNote(ctx, 2); err != nil {
		t.Fatalf("commit note: %v", err)
	}
	if err := sess.Approve(ctx); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(verdicts) != 1 || !verdicts[0] {
		t.Fatalf("expected one passing completion callback, got %v", verdicts)
	}
	snap = sess.Snapshot()
	if snap.Phase != review.PhaseCompleted || snap.Passed == nil || !*snap.Passed {
		t.Fatalf("expected completed passing snapshot, got %+v", snap)
	}
	if snap.Feedback == nil || *snap.Feedback != "Approved - all steps verified." {
		t.Fatalf("blank feedback must default, got %v", snap.Feedback)
	}
	if snap.Steps[1].Notes != "matches the mock" || snap.Steps[1].HasDraft {
		t.Fatalf("committed note must survive the verdict, got %+v", snap.Steps[1])
	}

	done, err := client.GetTicket(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if done.Status != "done" || done.ClosedAt == nil {
		t.Fatalf("approved ticket should close, got %+v", done)
	}
}

func TestReviewSessionRejectAndConflictOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := newSDKClient(t, srv)
	ctx := context.Background()

	tk := reviewableTicket(t, client, "Rework needed")
	first := review.NewSession(app.RemoteStore{Client: client}, tk.ID)
	second := review.NewSession(app.RemoteStore{Client: client}, tk.ID)
	if err := first.Load(ctx); err != nil {
		t.Fatalf("load first: %v", err)
	}
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load second: %v", err)
	}

	if err := first.MarkStep(ctx, 1, "failed"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := first.EditNote(1, "crashes on submit"); err != nil {
		t.Fatalf("edit note: %v", err)
	}
	if err := first.CommitNote(ctx, 1); err != nil {
		t.Fatalf("commit note: %v", err)
	}
	if err := first.Reject(ctx); err != nil {
		t.Fatalf("reject: %v", err)
	}

	after, err := client.GetTicket(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if after.Status != "changes_requested" {
		t.Fatalf("expected changes_requested, got %s", after.Status)
	}
	findings, err := client.ListFindings(ctx, tk.ID)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 1 || findings[0].Severity != "major" {
		t.Fatalf("expected one auto finding, got %+v", findings)
	}
	if findings[0].StepOrder == nil || *findings[0].StepOrder != 1 {
		t.Fatalf("finding should point at step 1: %+v", findings[0])
	}

	err = second.MarkStep(ctx, 1, "passed")
	if !errors.Is(err, review.ErrAlreadyCompleted) {
		t.Fatalf("expected already-completed conflict over the wire, got %v", err)
	}
	if err := second.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := second.Snapshot()
	if snap.Phase != review.PhaseCompleted || snap.Passed == nil || *snap.Passed {
		t.Fatalf("refresh must surface the rejection, got %+v", snap)
	}
	if snap.Feedback == nil || *snap.Feedback != "Changes requested - see failed steps." {
		t.Fatalf("blank feedback must default, got %v", snap.Feedback)
	}
}

func TestEpicDoneNeedsClosedTickets(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/ticketline/epics", map[string]any{
		"title": "Review workflow",
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create epic status %d: %s", res.StatusCode, string(data))
	}
	var epic EpicResponse
	if err := json.Unmarshal(data, &epic); err != nil {
		t.Fatalf("unmarshal epic: %v", err)
	}
	if epic.Status != "open" {
		t.Fatalf("new epic should be open, got %s", epic.Status)
	}

	tk := createTicket(t, srv, "Epic member", map[string]any{"epic_id": epic.ID})
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/ticketline/epics/"+epic.ID, map[string]any{
		"status": "active",
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate epic status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/ticketline/epics/"+epic.ID, map[string]any{
		"status": "done",
	}, asActor("tester"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 while tickets open, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/ticketline/tickets/"+tk.ID, map[string]any{
		"status": "canceled",
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel ticket status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/ticketline/epics/"+epic.ID, map[string]any{
		"status": "done",
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close epic status %d: %s", res.StatusCode, string(data))
	}
	var closed EpicResponse
	_ = json.Unmarshal(data, &closed)
	if closed.Status != "done" || closed.ClosedAt == nil {
		t.Fatalf("expected done epic with closed_at, got %+v", closed)
	}
}
