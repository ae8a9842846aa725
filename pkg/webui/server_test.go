package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"workdeck/pkg/bridge"
	"workdeck/pkg/config"
	"workdeck/pkg/events"
	"workdeck/pkg/persistence"
	"workdeck/pkg/refcontext"
	"workdeck/pkg/workspace"
	"workdeck/pkg/zone"
)

// fakeGit materializes worktree directories so orphan sweeping and delete
// paths see real filesystem state.
type fakeGit struct{}

func (g *fakeGit) Run(_ context.Context, dir string, args ...string) (string, error) {
	if len(args) >= 2 && args[0] == "worktree" {
		switch args[1] {
		case "add":
			return "", os.MkdirAll(args[len(args)-1], 0o755)
		case "remove":
			return "", os.RemoveAll(args[len(args)-1])
		}
	}
	_ = dir
	return "", nil
}

type fakeExecutor struct{}

func (f *fakeExecutor) Execute(_ context.Context, provider string, q bridge.Query) (bridge.Response, error) {
	return bridge.Response{Content: "done: " + q.Prompt, Provider: provider, Model: "fake"}, nil
}

func (f *fakeExecutor) Providers() []string { return []string{"fake"} }

type fakeResolver struct{}

func (f *fakeResolver) Resolve(_ context.Context, referenceURL string) (*refcontext.Context, error) {
	return &refcontext.Context{Kind: refcontext.KindIssue, Number: 1, Title: "t", URL: referenceURL}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithPorts(t, 38600, 38700)
}

func newTestServerWithPorts(t *testing.T, portMin, portMax int) *Server {
	t.Helper()

	dir := t.TempDir()
	db, err := persistence.InitializeDatabase(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := persistence.NewStore(db)

	broker := events.NewBroker()
	t.Cleanup(broker.Close)

	wsCfg := config.WorkspacesConfig{
		BaseDir: filepath.Join(dir, "workspaces"),
		RepoDir: dir,
		PortMin: portMin,
		PortMax: portMax,
	}
	manager, err := workspace.NewManager(wsCfg, store, &fakeGit{}, broker)
	if err != nil {
		t.Fatalf("failed to create workspace manager: %v", err)
	}

	zones := zone.NewService(store, broker)
	orch := zone.NewOrchestrator(store, &fakeExecutor{}, &fakeResolver{}, zone.NewActionRunner(), broker)

	b, err := bridge.New(config.BridgeConfig{})
	if err != nil {
		t.Fatalf("failed to create bridge: %v", err)
	}

	refs := refcontext.NewProvider(&stubFetcher{}, 0)

	return New(config.WebUIConfig{ListenAddr: "127.0.0.1:0"}, manager, zones, orch, b, refs, broker)
}

type stubFetcher struct{}

func (s *stubFetcher) Fetch(_ context.Context, ref refcontext.Reference) (*refcontext.Context, error) {
	return &refcontext.Context{Kind: refcontext.KindIssue, Number: ref.Number}, nil
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.routes(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	rec := doJSON(t, r, http.MethodPost, "/api/workspaces", workspace.CreateRequest{Branch: "feature/login"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	ws := decodeBody[persistence.Workspace](t, rec)
	if ws.ID == "" || ws.Branch != "feature/login" {
		t.Fatalf("unexpected workspace: %+v", ws)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/workspaces", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if list := decodeBody[[]persistence.Workspace](t, rec); len(list) != 1 {
		t.Fatalf("expected 1 workspace, got %d", len(list))
	}

	status := persistence.WorkspaceStatusPaused
	rec = doJSON(t, r, http.MethodPatch, "/api/workspaces/"+ws.ID, workspace.UpdateRequest{Status: &status})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if updated := decodeBody[persistence.Workspace](t, rec); updated.Status != persistence.WorkspaceStatusPaused {
		t.Fatalf("expected paused status, got %s", updated.Status)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/workspaces/"+ws.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/workspaces/"+ws.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestWorkspaceCreateInvalidBranch(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.routes(), http.MethodPost, "/api/workspaces", workspace.CreateRequest{Branch: "bad branch!"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestZoneLifecycle(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	rec := doJSON(t, r, http.MethodPost, "/api/zones", persistence.Zone{
		Name:    "review",
		Trigger: persistence.TriggerManual,
		Agents:  []string{"fake"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	z := decodeBody[persistence.Zone](t, rec)
	if z.ID == "" || z.ErrorPolicy == "" {
		t.Fatalf("expected ID and defaulted error policy, got %+v", z)
	}

	z.Description = "code review zone"
	rec = doJSON(t, r, http.MethodPut, "/api/zones/"+z.ID, z)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/zones/"+z.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	if got := decodeBody[persistence.Zone](t, rec); got.Description != "code review zone" {
		t.Fatalf("expected updated description, got %q", got.Description)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/zones/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "zones:") || !strings.Contains(body, "review") {
		t.Fatalf("unexpected export body: %q", body)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/zones/"+z.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
}

func TestZoneCreateValidationFailuresAre400(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	for _, z := range []persistence.Zone{
		{Trigger: persistence.TriggerManual},
		{Name: "dev", Trigger: "on-sneeze"},
		{Name: "dev", ErrorPolicy: "shrug"},
	} {
		rec := doJSON(t, r, http.MethodPost, "/api/zones", z)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("zone %+v: expected 400, got %d: %s", z, rec.Code, rec.Body.String())
		}
	}
}

func TestWorkspaceCreatePortsExhausted(t *testing.T) {
	s := newTestServerWithPorts(t, 38710, 38710)
	r := s.routes()

	rec := doJSON(t, r, http.MethodPost, "/api/workspaces", workspace.CreateRequest{Branch: "feature/first"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodPost, "/api/workspaces", workspace.CreateRequest{Branch: "feature/second"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 with exhausted port range, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAssignAndFire(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	wsRec := doJSON(t, r, http.MethodPost, "/api/workspaces", workspace.CreateRequest{Branch: "feature/fire"})
	ws := decodeBody[persistence.Workspace](t, wsRec)

	zoneRec := doJSON(t, r, http.MethodPost, "/api/zones", persistence.Zone{
		Name:           "implement",
		Trigger:        persistence.TriggerOnAssignment,
		Agents:         []string{"fake"},
		PromptTemplate: "Work on {{ workspace.branch }}",
	})
	z := decodeBody[persistence.Zone](t, zoneRec)

	rec := doJSON(t, r, http.MethodPost, "/api/assignments", map[string]string{
		"workspace_id": ws.ID,
		"zone_id":      z.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	outcome := decodeBody[zone.TriggerOutcome](t, rec)
	if !outcome.Success || len(outcome.Outcomes) != 1 {
		t.Fatalf("expected successful single-agent outcome, got %+v", outcome)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/assignments", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("assignment list: expected 200, got %d", rec.Code)
	}
	if all := decodeBody[[]persistence.Assignment](t, rec); len(all) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(all))
	}

	rec = doJSON(t, r, http.MethodGet, "/api/zones/"+z.ID+"/assignments", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("zone assignments: expected 200, got %d", rec.Code)
	}
	if assigned := decodeBody[[]persistence.Workspace](t, rec); len(assigned) != 1 || assigned[0].ID != ws.ID {
		t.Fatalf("unexpected assigned workspaces: %+v", assigned)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/workspaces/"+ws.ID+"/assignment", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("assignment get: expected 200, got %d", rec.Code)
	}
	assignment := decodeBody[persistence.Assignment](t, rec)
	if assignment.ZoneID != z.ID {
		t.Fatalf("expected assignment to zone %s, got %s", z.ID, assignment.ZoneID)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/zones/"+z.ID+"/fire", map[string]string{"workspace_id": ws.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("fire: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/zones/"+z.ID+"/executions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("executions: expected 200, got %d", rec.Code)
	}
	if execs := decodeBody[[]persistence.Execution](t, rec); len(execs) != 2 {
		t.Fatalf("expected 2 executions (assignment fire + manual fire), got %d", len(execs))
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/workspaces/"+ws.ID+"/assignment", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unassign: expected 204, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/workspaces/"+ws.ID+"/assignment", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("assignment after unassign: expected 404, got %d", rec.Code)
	}
}

func TestFireMissingWorkspaceID(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	zoneRec := doJSON(t, r, http.MethodPost, "/api/zones", persistence.Zone{
		Name:    "manual",
		Trigger: persistence.TriggerManual,
		Agents:  []string{"fake"},
	})
	z := decodeBody[persistence.Zone](t, zoneRec)

	rec := doJSON(t, r, http.MethodPost, "/api/zones/"+z.ID+"/fire", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestContextEndpoints(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	rec := doJSON(t, r, http.MethodGet, "/api/context/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	stats := decodeBody[refcontext.CacheStats](t, rec)
	if stats.Entries != 0 {
		t.Fatalf("expected empty cache, got %+v", stats)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/context/evict", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("evict: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/context/cache", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalidate without url: expected 400, got %d", rec.Code)
	}
}

func TestProviderEndpoints(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	rec := doJSON(t, r, http.MethodGet, "/api/providers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("providers: expected 200, got %d", rec.Code)
	}
	if providers := decodeBody[[]string](t, rec); len(providers) != 0 {
		t.Fatalf("expected no providers, got %v", providers)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/providers/nope/test", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider test: expected 404, got %d", rec.Code)
	}
}

func TestBasicAuthGuardsAPI(t *testing.T) {
	t.Setenv("WORKDECK_PASSWORD", "secret")

	s := newTestServer(t)
	r := s.routes()

	rec := doJSON(t, r, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/workspaces", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workspaces", nil)
	req.SetBasicAuth("workdeck", "secret")
	authed := httptest.NewRecorder()
	r.ServeHTTP(authed, req)
	if authed.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", authed.Code)
	}
}

func TestWorkspaceSweep(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	wsRec := doJSON(t, r, http.MethodPost, "/api/workspaces", workspace.CreateRequest{Branch: "feature/orphan"})
	ws := decodeBody[persistence.Workspace](t, wsRec)

	if err := os.RemoveAll(ws.Path); err != nil {
		t.Fatalf("failed to remove worktree dir: %v", err)
	}

	rec := doJSON(t, r, http.MethodPost, "/api/workspaces/sweep", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if result := decodeBody[map[string]int](t, rec); result["removed"] != 1 {
		t.Fatalf("expected 1 swept workspace, got %d", result["removed"])
	}
}

func TestLogsEndpoint(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	rec := doJSON(t, r, http.MethodGet, "/api/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/logs?since=not-a-time", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: expected 400, got %d", rec.Code)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/workspaces", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestZoneExecutionsLimitValidation(t *testing.T) {
	s := newTestServer(t)
	r := s.routes()

	zoneRec := doJSON(t, r, http.MethodPost, "/api/zones", persistence.Zone{
		Name:    "limited",
		Trigger: persistence.TriggerManual,
		Agents:  []string{"fake"},
	})
	z := decodeBody[persistence.Zone](t, zoneRec)

	rec := doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/zones/%s/executions?limit=0", z.ID), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-positive limit, got %d", rec.Code)
	}
}
