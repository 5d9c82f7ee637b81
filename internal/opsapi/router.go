// Package opsapi is the operator HTTP surface: health, ledger inspection,
// manual passes, operation submit and trigger cancellation.
package opsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"sitepulse/internal/coordinator"
	"sitepulse/internal/hours"
	"sitepulse/internal/ledger"
	"sitepulse/internal/operation"
	"sitepulse/internal/storage"
	logx "sitepulse/pkg/logx"
)

type Passer interface {
	Pass(ctx context.Context, op string, eval hours.EvalOptions) (coordinator.PassResult, error)
}

type Submitter interface {
	Submit(ctx context.Context, req operation.Request) (operation.Result, error)
}

type Canceller interface {
	CancelPending(ctx context.Context, key storage.Key) (bool, error)
}

type LedgerReader interface {
	List(ctx context.Context, q storage.Query) ([]ledger.Record, error)
	FindStuck(ctx context.Context, threshold time.Duration) ([]ledger.Record, error)
}

// Deps are the services behind the routes. Status is optional. Pprof mounts
// the runtime profiler under /v1/debug behind the same token.
type Deps struct {
	Store    storage.Store
	Ledger   LedgerReader
	Passes   Passer
	Ops      Submitter
	Triggers Canceller
	Status   func() any
	Token    string
	Pprof    bool
	Log      logx.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &handlers{d: d}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireToken(d.Token))

		r.Get("/status", h.status)
		r.Get("/ledger", h.listLedger)
		r.Get("/ledger/stuck", h.stuck)
		r.Post("/passes/{operation}", h.pass)
		r.Post("/operations", h.submit)
		r.Delete("/triggers/{site}/{operation}", h.cancel)
		if d.Pprof {
			r.Mount("/debug", chimw.Profiler())
		}
	})
	return r
}

type handlers struct{ d Deps }

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.d.Store != nil {
		if err := h.d.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if h.d.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.d.Status())
}

func (h *handlers) listLedger(w http.ResponseWriter, r *http.Request) {
	q := storage.Query{
		SiteID:    r.URL.Query().Get("site"),
		Operation: r.URL.Query().Get("operation"),
	}
	if s := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); s != "" {
		q.Status = storage.Status(s)
		if !q.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}
	recs, err := h.d.Ledger.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (h *handlers) stuck(w http.ResponseWriter, r *http.Request) {
	var threshold time.Duration
	if s := r.URL.Query().Get("threshold"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid threshold")
			return
		}
		threshold = d
	}
	recs, err := h.d.Ledger.FindStuck(r.Context(), threshold)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (h *handlers) pass(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "operation")
	var eval hours.EvalOptions
	if s := r.URL.Query().Get("weekday"); s != "" {
		wd, ok := hours.ParseWeekday(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid weekday")
			return
		}
		eval = hours.OnWeekday(wd)
	}
	res, err := h.d.Passes.Pass(r.Context(), op, eval)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type submitRequest struct {
	SiteID    string `json:"site_id"`
	Operation string `json:"operation"`
	Priority  string `json:"priority"`
	Expedite  bool   `json:"expedite"`
	Lane      string `json:"lane"`
	Timeout   string `json:"timeout"`
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var in submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	req := operation.Request{
		SiteID:    strings.TrimSpace(in.SiteID),
		Operation: strings.TrimSpace(in.Operation),
		Priority:  in.Priority,
		Expedite:  in.Expedite,
		Lane:      in.Lane,
	}
	if in.Timeout != "" {
		d, err := time.ParseDuration(in.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		req.Timeout = d
	}
	res, err := h.d.Ops.Submit(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := http.StatusAccepted
	switch res.Status {
	case operation.StatusSkipped:
		code = http.StatusConflict
	case operation.StatusFailed:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	key := storage.Key{SiteID: chi.URLParam(r, "site"), Operation: chi.URLParam(r, "operation")}
	ok, err := h.d.Triggers.CancelPending(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no pending trigger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.d.Log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

// requireToken checks a static bearer token. An empty token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
