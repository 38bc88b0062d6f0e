package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"desitarget/internal/db"
	"desitarget/internal/domain"
	"desitarget/internal/engine"
	"desitarget/internal/maskwatch"
	"desitarget/internal/migrate"
	"desitarget/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	repo   repo.Repo
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.LoadBuiltin("main", engine.DefaultOptions())
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	r := repo.Repo{DB: conn}
	handler, err := New(Config{
		Engines:  NewEngines(maskwatch.NewHolder(eng), engine.DefaultOptions()),
		Repo:     &r,
		BasePath: "/v0",
		Auth:     auth,
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
		repo:   r,
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealthAndMasks(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/surveys/main/masks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("masks status %d: %s", res.StatusCode, string(data))
	}
	var masks []MaskSummaryResponse
	if err := json.Unmarshal(data, &masks); err != nil {
		t.Fatalf("unmarshal masks: %v", err)
	}
	found := false
	for _, m := range masks {
		if m.Name == "desi_mask" && m.Bits > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("desi_mask missing from %+v", masks)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/surveys/main/masks/desi_mask/bits/LRG_NORTH", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bit status %d: %s", res.StatusCode, string(data))
	}
	var bit BitResponse
	if err := json.Unmarshal(data, &bit); err != nil {
		t.Fatalf("unmarshal bit: %v", err)
	}
	if bit.Priorities["UNOBS"] != 3200 || bit.NumObs == nil || *bit.NumObs != 2 {
		t.Fatalf("aliased bit should resolve to LRG rules, got %+v", bit)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/surveys/cmx/masks/cmx_mask", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bundled survey status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/surveys/main/masks/desi_mask/bits/NOPE", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "unknown_bit" {
		t.Fatalf("unknown bit: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/surveys/sv9/masks", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "unknown_survey" {
		t.Fatalf("unknown survey: %d %s", res.StatusCode, string(data))
	}
}

func TestPriorityAndNumObs(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/v0/surveys/main/"

	res, data := doJSON(t, client, http.MethodPost, url+"priority", map[string]any{
		"bits": []map[string]string{
			{"mask": "desi_mask", "bit": "LRG"},
			{"mask": "bgs_mask", "bit": "BGS_BRIGHT"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("priority status %d: %s", res.StatusCode, string(data))
	}
	var p PriorityResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal priority: %v", err)
	}
	if p.Priority != 3200 {
		t.Fatalf("expected 3200, got %d", p.Priority)
	}

	res, data = doJSON(t, client, http.MethodPost, url+"priority", map[string]any{
		"bits": []map[string]string{
			{"mask": "desi_mask", "bit": "QSO", "state": "MORE_ZGOOD"},
			{"mask": "desi_mask", "bit": "LRG", "state": "DONE"},
		},
	}, nil)
	if err := json.Unmarshal(data, &p); err != nil || res.StatusCode != http.StatusOK || p.Priority != 3500 {
		t.Fatalf("more over done: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url+"priority", map[string]any{
		"bits":  []map[string]string{{"mask": "desi_mask", "bit": "LRG"}},
		"state": "SOMETIMES",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad state: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url+"numobs", map[string]any{
		"bits": []map[string]string{{"mask": "desi_mask", "bit": "SKY"}},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "no_applicable_bit" {
		t.Fatalf("sky numobs: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, url+"numobs", map[string]any{
		"bits": []map[string]string{{"mask": "desi_mask", "bit": "LRG"}, {"mask": "desi_mask", "bit": "QSO"}},
	}, nil)
	var n NumObsResponse
	if err := json.Unmarshal(data, &n); err != nil || res.StatusCode != http.StatusOK || n.NumObs != 4 {
		t.Fatalf("numobs: %d %s", res.StatusCode, string(data))
	}
}

func TestTargetsAndRuns(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	run := domain.Run{ID: "run-1", Survey: "main", Source: "in", Status: domain.RunRunning, StartedAt: "2024-01-01T00:00:00Z"}
	if err := srv.repo.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	tx, err := srv.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	recs := []domain.TargetRecord{{
		TargetID: 39627835576420141, Survey: "main", RunID: "run-1", Unit: "targets-0001m002.jsonl",
		Bits: map[string]uint64{"DESI_TARGET": 1}, PriorityInit: 3200, NumObsInit: 2, ObsConditions: 1,
	}}
	if err := srv.repo.UpsertTargetsTx(ctx, tx, recs); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/targets/39627835576420141", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get target %d: %s", res.StatusCode, string(data))
	}
	var got TargetResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal target: %v", err)
	}
	if got.PriorityInit != 3200 || got.Bits["DESI_TARGET"] != 1 {
		t.Fatalf("unexpected target %+v", got)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/targets/7", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing target: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/targets/abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad targetid: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/targets?min_priority=3000", nil, nil)
	var list []TargetResponse
	if err := json.Unmarshal(data, &list); err != nil || res.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list targets: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	var runs []RunResponse
	if err := json.Unmarshal(data, &runs); err != nil || res.StatusCode != http.StatusOK || len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("list runs: %d %s", res.StatusCode, string(data))
	}
}

func TestBearerAuth(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/surveys", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/surveys", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	token, err := IssueToken(secret, "fiberassign", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/surveys", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authorized request: %d %s", res.StatusCode, string(data))
	}
	var surveys []SurveyResponse
	if err := json.Unmarshal(data, &surveys); err != nil {
		t.Fatalf("unmarshal surveys: %v", err)
	}
	if len(surveys) != 3 {
		t.Fatalf("expected 3 surveys, got %+v", surveys)
	}
	if _, err := IssueToken("", "x", nil, 0); err == nil {
		t.Fatal("expected error without secret")
	}
}
