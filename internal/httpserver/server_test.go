package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lotwatch/internal/config"
	"lotwatch/internal/logging"
	"lotwatch/internal/market"
	"lotwatch/internal/plugin"
	"lotwatch/internal/repo"
	"lotwatch/migrations"
)

const stockManifest = `name: stock
uuid: uuid-stock
version: 1.0.0
commands:
  - name: stock
    description: report stock
    expr: '"stock: " + (size(args) > 0 ? args[0] : "all")'
`

const testToken = "secret"

type testServer struct {
	server   *Server
	pluginFS string
	token    string
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "state.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stock.yaml"), []byte(stockManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	reg := plugin.NewRegistry(dir, nil, logger, nil)
	if err := reg.LoadAll(ctx); err != nil {
		t.Fatalf("load plugins: %v", err)
	}

	srv := New(":0", logger, nil, opts)
	srv.SetDependencies(Dependencies{
		Store:    store,
		Plugins:  reg,
		Settings: config.StaticSettings(config.DefaultSettings()),
	})
	return &testServer{server: srv, pluginFS: dir, token: opts.AdminToken}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/healthz", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	ts := newTestServer(t, Options{AdminToken: testToken})
	if rec := ts.do(t, http.MethodGet, "/admin/plugins", "", "Authorization", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/admin/plugins", "", "Authorization", "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/admin/plugins", "", "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, Options{})
	for _, path := range []string{"/admin/plugins", "/admin/inventory"} {
		if rec := ts.do(t, http.MethodGet, path, ""); rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 without a configured token, got %d", path, rec.Code)
		}
	}
	if rec := ts.do(t, http.MethodDelete, "/admin/plugins/uuid-stock", "", "Authorization", "Bearer "); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for delete, got %d", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(ts.pluginFS, "stock.yaml")); err != nil {
		t.Fatalf("manifest must survive: %v", err)
	}
}

func TestLoadPluginOutsideDirRejected(t *testing.T) {
	ts := newTestServer(t, Options{AdminToken: testToken})
	victim := filepath.Join(t.TempDir(), "victim.txt")
	if err := os.WriteFile(victim, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("write victim: %v", err)
	}
	body, _ := json.Marshal(map[string]string{"path": victim})
	if rec := ts.do(t, http.MethodPost, "/admin/plugins/load", string(body)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for outside path, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodDelete, "/admin/plugins/invalid:"+victim, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered path, got %d", rec.Code)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("outside file must survive: %v", err)
	}
}

func TestInventoryRoutes(t *testing.T) {
	ts := newTestServer(t, Options{AdminToken: testToken})

	rec := ts.do(t, http.MethodPost, "/admin/inventory/Gems", "A\n\n B \r\nC\n")
	if rec.Code != http.StatusOK {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	var added struct {
		Added int `json:"added"`
		Count int `json:"count"`
	}
	decode(t, rec, &added)
	if added.Added != 3 || added.Count != 3 {
		t.Fatalf("unexpected add result %+v", added)
	}

	rec = ts.do(t, http.MethodGet, "/admin/inventory", "")
	var listed struct {
		Products []repo.InventoryCount `json:"products"`
		Total    int                   `json:"total"`
	}
	decode(t, rec, &listed)
	if listed.Total != 3 || len(listed.Products) != 1 || listed.Products[0].Product != "Gems" {
		t.Fatalf("unexpected listing %+v", listed)
	}

	rec = ts.do(t, http.MethodDelete, "/admin/inventory/Gems", "")
	var deleted struct {
		Deleted int `json:"deleted"`
	}
	decode(t, rec, &deleted)
	if deleted.Deleted != 3 {
		t.Fatalf("unexpected delete result %+v", deleted)
	}
}

func TestPluginRoutes(t *testing.T) {
	ts := newTestServer(t, Options{AdminToken: testToken})

	rec := ts.do(t, http.MethodGet, "/admin/plugins", "")
	var listed struct {
		Plugins []plugin.Record `json:"plugins"`
	}
	decode(t, rec, &listed)
	if len(listed.Plugins) != 1 || listed.Plugins[0].Info.UUID != "uuid-stock" {
		t.Fatalf("unexpected plugins %+v", listed)
	}

	rec = ts.do(t, http.MethodPost, "/admin/commands/stock", `{"args":["gems"]}`)
	var reply struct {
		Reply string `json:"reply"`
	}
	decode(t, rec, &reply)
	if rec.Code != http.StatusOK || reply.Reply != "stock: gems" {
		t.Fatalf("unexpected command result %d %+v", rec.Code, reply)
	}

	if rec := ts.do(t, http.MethodPost, "/admin/plugins/uuid-stock/disable", ""); rec.Code != http.StatusOK {
		t.Fatalf("disable: %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/admin/commands/stock", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled command must 404, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/admin/plugins/uuid-stock/enable", ""); rec.Code != http.StatusOK {
		t.Fatalf("enable: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/admin/commands/stock", "")
	decode(t, rec, &reply)
	if reply.Reply != "stock: all" {
		t.Fatalf("unexpected reply %q", reply.Reply)
	}

	if rec := ts.do(t, http.MethodPost, "/admin/plugins/missing/enable", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown plugin, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/admin/plugins/load", `{"path":"stock.yaml"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate uuid, got %d", rec.Code)
	}

	if rec := ts.do(t, http.MethodDelete, "/admin/plugins/uuid-stock", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(ts.pluginFS, "stock.yaml")); !os.IsNotExist(err) {
		t.Fatalf("expected manifest removed, got %v", err)
	}
}

func TestCallbackRoute(t *testing.T) {
	ts := newTestServer(t, Options{AdminToken: testToken})
	if rec := ts.do(t, http.MethodPost, "/admin/callbacks", `{"data":"refresh"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/admin/callbacks", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type fakeOrders struct {
	refunded []market.ID
}

func (f *fakeOrders) FetchOrders(context.Context, string) ([]market.Order, error) {
	return []market.Order{
		{ID: "1", Status: market.StatusCompleted, TotalPrice: 10, CreatedAt: "2000-01-01T00:00:00Z"},
	}, nil
}

func (f *fakeOrders) RefundOrder(_ context.Context, _ string, orderID market.ID) error {
	if orderID == "locked" {
		return errors.New("market refund error: status=409")
	}
	f.refunded = append(f.refunded, orderID)
	return nil
}

func TestOrderRoutes(t *testing.T) {
	ts := newTestServer(t, Options{AdminToken: testToken})
	if rec := ts.do(t, http.MethodPost, "/admin/orders/o1/refund", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without order desk, got %d", rec.Code)
	}

	orders := &fakeOrders{}
	deps := ts.server.deps
	deps.Orders = orders
	ts.server.SetDependencies(deps)

	if rec := ts.do(t, http.MethodPost, "/admin/orders/o1/refund", ""); rec.Code != http.StatusOK {
		t.Fatalf("refund: %d %s", rec.Code, rec.Body.String())
	}
	if len(orders.refunded) != 1 || orders.refunded[0] != "o1" {
		t.Fatalf("unexpected refunds %+v", orders.refunded)
	}
	if rec := ts.do(t, http.MethodPost, "/admin/orders/locked/refund", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for upstream refusal, got %d", rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/admin/orders/stats", "")
	var stats struct {
		Periods []market.PeriodStats `json:"periods"`
	}
	decode(t, rec, &stats)
	if len(stats.Periods) != 3 || stats.Periods[2].Completed != (market.Tally{Count: 1, Sum: 10}) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Periods[0].Completed.Count != 0 {
		t.Fatalf("old order must not count for the last day: %+v", stats.Periods[0])
	}
}

func TestBasePath(t *testing.T) {
	ts := newTestServer(t, Options{BasePath: "lw/"})
	if rec := ts.do(t, http.MethodGet, "/lw/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 under base path, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/lwx/healthz", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for prefix lookalike, got %d", rec.Code)
	}
}
