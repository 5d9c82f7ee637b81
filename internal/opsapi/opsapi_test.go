package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sitepulse/internal/coordinator"
	"sitepulse/internal/hours"
	"sitepulse/internal/ledger"
	"sitepulse/internal/operation"
	"sitepulse/internal/storage"
	logx "sitepulse/pkg/logx"
)

type fakePasser struct {
	op   string
	eval hours.EvalOptions
}

func (f *fakePasser) Pass(_ context.Context, op string, eval hours.EvalOptions) (coordinator.PassResult, error) {
	if op == "broken" {
		return coordinator.PassResult{}, errors.New("ledger store: connection refused")
	}
	f.op, f.eval = op, eval
	return coordinator.PassResult{ID: "p1", Operation: op}, nil
}

type fakeSubmitter struct{ last operation.Request }

func (f *fakeSubmitter) Submit(_ context.Context, req operation.Request) (operation.Result, error) {
	if req.Operation == "nope" {
		return operation.Result{}, operation.ErrUnknownOperation
	}
	f.last = req
	return operation.Result{SiteID: req.SiteID, Operation: req.Operation, Status: operation.StatusQueued}, nil
}

type fakeCanceller struct{}

func (fakeCanceller) CancelPending(_ context.Context, key storage.Key) (bool, error) {
	return key.SiteID == "a", nil
}

type failingStore struct{ storage.Store }

func (failingStore) Ping(context.Context) error { return errors.New("down") }

type fixture struct {
	srv    *httptest.Server
	passes *fakePasser
	ops    *fakeSubmitter
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	f := &fixture{
		passes: &fakePasser{},
		ops:    &fakeSubmitter{},
		ledger: ledger.New(store, ledger.Options{}, logx.Nop(), nil, time.Now),
	}
	h := NewRouter(Deps{
		Store:    store,
		Ledger:   f.ledger,
		Passes:   f.passes,
		Ops:      f.ops,
		Triggers: fakeCanceller{},
		Status:   func() any { return map[string]int{"workers": 4} },
		Token:    "s3cret",
	})
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, auth bool) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer s3cret")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if resp, body := f.do(t, http.MethodGet, "/healthz", "", false); resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}

	down := newFixture(t, failingStore{storage.NewMemory()})
	if resp, _ := down.do(t, http.MethodGet, "/healthz", "", false); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz with down store = %d", resp.StatusCode)
	}
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if resp, _ := f.do(t, http.MethodGet, "/v1/status", "", false); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d", resp.StatusCode)
	}
	if resp, body := f.do(t, http.MethodGet, "/v1/status", "", true); resp.StatusCode != http.StatusOK || body["workers"] != float64(4) {
		t.Fatalf("with token = %d %v", resp.StatusCode, body)
	}
}

func TestLedgerRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.ledger.Start(ctx, storage.Key{SiteID: "a", Operation: "daily_summary"}, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.ledger.Start(ctx, storage.Key{SiteID: "b", Operation: "daily_summary"}, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.ledger.Complete(ctx, storage.Key{SiteID: "b", Operation: "daily_summary"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/ledger?status=running", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	if recs := body["records"].([]any); len(recs) != 1 {
		t.Fatalf("running records = %v", recs)
	}
	if resp, _ := f.do(t, http.MethodGet, "/v1/ledger?status=paused", "", true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status = %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/ledger/stuck?threshold=1h", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stuck = %d", resp.StatusCode)
	}
	if recs, _ := body["records"].([]any); len(recs) != 0 {
		t.Fatalf("fresh RUNNING record reported stuck: %v", recs)
	}
	if resp, _ := f.do(t, http.MethodGet, "/v1/ledger/stuck?threshold=soon", "", true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid threshold = %d", resp.StatusCode)
	}
}

func TestPassRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/v1/passes/daily_summary?weekday=sat", "", true)
	if resp.StatusCode != http.StatusOK || body["id"] != "p1" {
		t.Fatalf("pass = %d %v", resp.StatusCode, body)
	}
	if f.passes.op != "daily_summary" || f.passes.eval.Weekday == nil || *f.passes.eval.Weekday != time.Saturday {
		t.Fatalf("passer saw op=%q eval=%+v", f.passes.op, f.passes.eval)
	}
	if resp, _ := f.do(t, http.MethodPost, "/v1/passes/broken", "", true); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("failing pass = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPost, "/v1/passes/daily_summary?weekday=funday", "", true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad weekday = %d", resp.StatusCode)
	}
}

func TestSubmitRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/v1/operations", `{"site_id":"a","operation":"lead_follow_up","expedite":true,"timeout":"90s"}`, true)
	if resp.StatusCode != http.StatusAccepted || body["status"] != "queued" {
		t.Fatalf("submit = %d %v", resp.StatusCode, body)
	}
	if f.ops.last.Timeout != 90*time.Second || !f.ops.last.Expedite {
		t.Fatalf("request = %+v", f.ops.last)
	}
	if resp, _ := f.do(t, http.MethodPost, "/v1/operations", `{"site_id":"a","operation":"nope"}`, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown op = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPost, "/v1/operations", `{"site_id":"a","unknown":1}`, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", resp.StatusCode)
	}
}

func TestCancelRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if resp, _ := f.do(t, http.MethodDelete, "/v1/triggers/a/daily_summary", "", true); resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/v1/triggers/z/daily_summary", "", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel missing = %d", resp.StatusCode)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	s := NewServer(http.NotFoundHandler(), logx.Nop())
	if err := s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s.Addr() == "" {
		t.Fatal("no listen address")
	}
	if err := s.Apply(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("still listening on %s", s.Addr())
	}
}

func TestProfilerMount(t *testing.T) {
	t.Parallel()
	for _, on := range []bool{false, true} {
		srv := httptest.NewServer(NewRouter(Deps{Token: "s3cret", Pprof: on}))
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/debug/pprof/", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			srv.Close()
			t.Fatalf("GET pprof: %v", err)
		}
		resp.Body.Close()
		srv.Close()
		want := http.StatusNotFound
		if on {
			want = http.StatusOK
		}
		if resp.StatusCode != want {
			t.Fatalf("pprof=%v status = %d, want %d", on, resp.StatusCode, want)
		}
	}
}
