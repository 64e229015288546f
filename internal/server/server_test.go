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

	"github.com/AkaFlex/Trade-Junco/internal/config"
	"github.com/AkaFlex/Trade-Junco/internal/db"
	"github.com/AkaFlex/Trade-Junco/internal/engine"
	"github.com/AkaFlex/Trade-Junco/internal/migrate"
)

const (
	adminEmail = "mateus.silva@junco.com.br"
	rcaEmail   = "maria.lima@junco.com.br"
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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2023, 10, 1, 12, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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

func doJSON(t *testing.T, client *http.Client, method, url string, body any, actor string) (*http.Response, []byte) {
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
	if actor != "" {
		req.Header.Set("X-Actor-Email", actor)
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

func createRequestBody() map[string]any {
	return map[string]any{
		"rca_name":        "Maria Lima",
		"partner_code":    "P-1042",
		"region":          "Sul",
		"date_of_action":  "2023-10-20",
		"days":            1,
		"volume_eligible": true,
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", createRequestBody(), rcaEmail)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	var created struct {
		ID         string  `json:"id"`
		Status     string  `json:"status"`
		TotalValue float64 `json:"total_value"`
		RCAEmail   string  `json:"rca_email"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != "pending" || created.TotalValue != 150 {
		t.Fatalf("created = %+v", created)
	}
	if created.RCAEmail != rcaEmail {
		t.Fatalf("rca email should default to the caller, got %q", created.RCAEmail)
	}

	// non-admin cannot approve
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/approve", nil, rcaEmail)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("approve as rca: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/approve", nil, adminEmail)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, data)
	}

	// evidence, reports, completion
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/evidence", map[string]any{
		"kind": "photo", "urls": []string{"https://i.example/p.jpg"},
	}, rcaEmail)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach photo: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/evidence", map[string]any{
		"kind": "receipt", "urls": []string{"https://i.example/r.jpg"},
	}, rcaEmail)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach receipt: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/reports", map[string]any{
		"store_name":  "Mercado Central",
		"seller_name": "Ana",
		"products":    []map[string]any{{"name": "Granola 250g", "qty": 4}},
	}, "promoter@junco.com.br")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report: %d %s", res.StatusCode, data)
	}

	// duplicate same-day report conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/reports", map[string]any{
		"store_name":  "Mercado Central",
		"seller_name": "Ana",
	}, "promoter@junco.com.br")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate report: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/complete", map[string]any{
		"pix_key": "maria@pix", "pix_holder": "Maria Lima", "pix_cpf": "111.222.333-44",
	}, rcaEmail)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/pay", nil, adminEmail)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pay: %d %s", res.StatusCode, data)
	}
	var paid struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &paid); err != nil {
		t.Fatal(err)
	}
	if paid.Status != "paid" {
		t.Fatalf("status = %s", paid.Status)
	}
}

func TestBudgetExceededEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/budgets", map[string]any{
		"region": "Sul", "month": "2023-10", "limit": 100,
	}, adminEmail)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set budget: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", createRequestBody(), rcaEmail)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/approve", nil, adminEmail)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("approve over budget: %d %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, data)
	}
	if envelope.Error.Code != "budget_exceeded" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
	if envelope.Error.Details["remaining"] != float64(100) {
		t.Fatalf("details = %+v", envelope.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/approve?force=true", nil, adminEmail)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forced approve: %d %s", res.StatusCode, data)
	}
}

func TestListScoping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", createRequestBody(), rcaEmail)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	other := createRequestBody()
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", other, "joao.souza@junco.com.br")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create other: %d %s", res.StatusCode, data)
	}

	// an RCA only sees their own requests
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, rcaEmail)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, data)
	}
	var mine []struct {
		RCAEmail string `json:"rca_email"`
	}
	if err := json.Unmarshal(data, &mine); err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].RCAEmail != rcaEmail {
		t.Fatalf("list = %+v", mine)
	}

	// the promoter search only surfaces approved requests
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests?partner_code=P-1042", nil, "promoter@junco.com.br")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("promoter search: %d %s", res.StatusCode, data)
	}
	var found []any
	if err := json.Unmarshal(data, &found); err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Fatalf("pending requests should be hidden from promoters, got %d", len(found))
	}

	// admin sees everything
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, adminEmail)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin list: %d %s", res.StatusCode, data)
	}
	var all []any
	if err := json.Unmarshal(data, &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("admin list = %d items", len(all))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", res.StatusCode)
	}
}

func TestDashboard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/budgets", map[string]any{
		"region": "Sul", "month": "2023-10", "limit": 5000,
	}, adminEmail)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set budget: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", createRequestBody(), rcaEmail)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/dashboard?month=2023-10", nil, adminEmail)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dashboard: %d %s", res.StatusCode, data)
	}
	var d struct {
		Month        string         `json:"month"`
		StatusCounts map[string]int `json:"status_counts"`
		RegionTotals []struct {
			Region string  `json:"region"`
			Limit  float64 `json:"limit"`
		} `json:"region_totals"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("decode dashboard: %v (%s)", err, data)
	}
	if d.Month != "2023-10" || d.StatusCounts["pending"] != 1 {
		t.Fatalf("dashboard = %+v", d)
	}
	var sul float64
	for _, rt := range d.RegionTotals {
		if rt.Region == "Sul" {
			sul = rt.Limit
		}
	}
	if sul != 5000 {
		t.Fatalf("Sul limit = %v", sul)
	}
}
