package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	eng    engine.Engine
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
	cfg := config.Default("t1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitTenant(context.Background(), "t1", "", "tester"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
		eng:    e,
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

func authHeaders(t *testing.T, srv *testServer) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":  "tester",
		"tenant_id": "t1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tenants/t1/cells", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	const plaintext = "fl-test-key-0001"
	err := srv.eng.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:       "key-1",
		TenantID: "t1",
		ActorID:  "machine-account",
		Name:     "ci",
		KeyHash:  repo.HashAPIKey(plaintext),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tenants/t1/cells", nil,
		map[string]string{"X-Api-Key": plaintext})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected api key to authenticate, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tenants/t1/cells", nil,
		map[string]string{"X-Api-Key": "not-a-key"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestLateJobRaisesAndTriagesException(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	h := authHeaders(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/jobs", map[string]any{
		"job_number": "J-1",
		"name":       "bracket run",
		"due_date":   "2020-01-01T00:00:00Z",
	}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/jobs/"+job.ID+"/done?force=true", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("done status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/t1/exceptions?status=open", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list exceptions status %d: %s", res.StatusCode, string(data))
	}
	var listed struct {
		Items []ExceptionResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal exceptions: %v", err)
	}
	if len(listed.Items) != 1 {
		t.Fatalf("expected one open exception, got %d: %s", len(listed.Items), string(data))
	}
	x := listed.Items[0]
	if x.ExceptionType != "late" {
		t.Fatalf("expected late exception, got %s", x.ExceptionType)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/exceptions/"+x.ID+"/acknowledge", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/exceptions/"+x.ID+"/acknowledge", nil, h)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on double ack, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/t1/exceptions/stats", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	var stats domain.ExceptionStats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.AcknowledgedCount != 1 || stats.TotalCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAdmissionBlockedOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	h := authHeaders(t, srv)

	mkCell := func(name string, seq int, body map[string]any) domain.Cell {
		t.Helper()
		payload := map[string]any{"name": name, "sequence": seq}
		for k, v := range body {
			payload[k] = v
		}
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/cells", payload, h)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create cell %s: %d %s", name, res.StatusCode, string(data))
		}
		var c domain.Cell
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("unmarshal cell: %v", err)
		}
		return c
	}
	mkOp := func(jobNumber, cellID string) domain.Operation {
		t.Helper()
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/jobs", map[string]any{"job_number": jobNumber}, h)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create job: %d %s", res.StatusCode, string(data))
		}
		var j domain.Job
		_ = json.Unmarshal(data, &j)
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/parts", map[string]any{
			"job_id": j.ID, "part_number": jobNumber + "-p1",
		}, h)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create part: %d %s", res.StatusCode, string(data))
		}
		var p domain.Part
		_ = json.Unmarshal(data, &p)
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/operations", map[string]any{
			"part_id": p.ID, "cell_id": cellID, "name": jobNumber + "-op1",
		}, h)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create operation: %d %s", res.StatusCode, string(data))
		}
		var op domain.Operation
		_ = json.Unmarshal(data, &op)
		return op
	}

	src := mkCell("cut", 1, nil)
	dst := mkCell("weld", 2, map[string]any{"wip_limit": 1, "enforce_wip_limit": true})
	mkOp("J-10", dst.ID)
	op := mkOp("J-11", src.ID)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/t1/cells/"+src.ID+"/admission", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admission status %d: %s", res.StatusCode, string(data))
	}
	var decision domain.AdmissionDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if decision.HasCapacity {
		t.Fatalf("expected enforced limit to block: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/operations/"+op.ID+"/advance", nil, h)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on refused advance, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCellPatchClearsLimit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	h := authHeaders(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/cells", map[string]any{
		"name": "mill", "sequence": 1, "wip_limit": 3,
	}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create cell: %d %s", res.StatusCode, string(data))
	}
	var cell domain.Cell
	_ = json.Unmarshal(data, &cell)
	if cell.WIPLimit == nil || *cell.WIPLimit != 3 {
		t.Fatalf("expected limit 3 on create")
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tenants/t1/cells/"+cell.ID, map[string]any{
		"wip_limit": nil,
	}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch cell: %d %s", res.StatusCode, string(data))
	}
	var updated domain.Cell
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal cell: %v", err)
	}
	if updated.WIPLimit != nil {
		t.Fatalf("expected cleared limit, got %v", *updated.WIPLimit)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/t1/cells/"+cell.ID+"/metrics", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d %s", res.StatusCode, string(data))
	}
	var m domain.CellMetrics
	_ = json.Unmarshal(data, &m)
	if m.Status != "no_limit" {
		t.Fatalf("expected no_limit after clear, got %s", m.Status)
	}
}

func TestExpectationSupersedeOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	h := authHeaders(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/jobs", map[string]any{"job_number": "J-20"}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %d %s", res.StatusCode, string(data))
	}
	var job domain.Job
	_ = json.Unmarshal(data, &job)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/expectations", map[string]any{
		"entity_type":      "job",
		"entity_id":        job.ID,
		"expectation_type": "completion_time",
		"statement":        "Job J-20 will complete by 2024-06-01",
		"expected_at":      "2024-06-01T00:00:00Z",
		"source":           "manual",
	}, h)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("assert: %d %s", res.StatusCode, string(data))
	}
	var v1 ExpectationResponse
	if err := json.Unmarshal(data, &v1); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/expectations", map[string]any{
		"entity_type":      "job",
		"entity_id":        job.ID,
		"expectation_type": "completion_time",
		"statement":        "Job J-20 will complete by 2024-07-01",
		"source":           "manual",
	}, h)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 asserting over active belief, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/expectations/"+v1.ID+"/supersede", map[string]any{
		"expected_at": "2024-06-15T00:00:00Z",
		"source":      "scheduler",
	}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("supersede: %d %s", res.StatusCode, string(data))
	}
	var v2 ExpectationResponse
	_ = json.Unmarshal(data, &v2)
	if v2.Version != 2 {
		t.Fatalf("expected version 2, got %d", v2.Version)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/t1/expectations/"+v1.ID+"/chain", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chain: %d %s", res.StatusCode, string(data))
	}
	var chain struct {
		Items []ExpectationResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &chain); err != nil {
		t.Fatalf("unmarshal chain: %v", err)
	}
	if len(chain.Items) != 2 {
		t.Fatalf("expected 2 versions, got %d: %s", len(chain.Items), string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/expectations/"+v1.ID+"/supersede", map[string]any{
		"source": "manual",
	}, h)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 superseding stale version, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJobNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	h := authHeaders(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tenants/t1/jobs/nope", nil, h)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}
