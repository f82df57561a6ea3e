package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func probe(t *testing.T, h http.Handler, path string) (int, report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New(Checker{Name: "profile_store", Check: failWith("down")}).Register(mux)

	code, rep := probe(t, mux, "/healthz")
	if code != http.StatusOK || rep.Status != "ok" || rep.Checks != nil {
		t.Errorf("healthz = %d %+v, want 200 without checks", code, rep)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantErrors map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "profile_store", Check: pass},
				{Name: "llm", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantErrors: map[string]string{"profile_store": "", "llm": ""},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "profile_store", Check: failWith("connection refused")},
				{Name: "llm", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantErrors: map[string]string{"profile_store": "connection refused", "llm": ""},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "history", Check: failWith("timeout")},
				Required("llm", "no text model configured", func() bool { return false }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantErrors: map[string]string{"history": "timeout", "llm": "no text model configured"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mux := http.NewServeMux()
			New(tt.checkers...).Register(mux)
			code, rep := probe(t, mux, "/readyz")

			if code != tt.wantCode || rep.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.wantErrors) {
				t.Fatalf("checks = %+v", rep.Checks)
			}
			for name, wantErr := range tt.wantErrors {
				got := rep.Checks[name]
				wantStatus := "ok"
				if wantErr != "" {
					wantStatus = "fail"
				}
				if got.Status != wantStatus || got.Error != wantErr {
					t.Errorf("check %s = %+v, want %s %q", name, got, wantStatus, wantErr)
				}
			}
		})
	}
}

func TestReadyz_CancelledRequestFails(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	block := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "profile_store", Check: block}, Checker{Name: "history", Check: block})

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		done <- rec.Code
	}()
	<-started
	<-started
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPing(t *testing.T) {
	t.Parallel()

	if err := Ping("history", pingerFunc(pass)).Check(context.Background()); err != nil {
		t.Errorf("healthy pinger: %v", err)
	}
	if err := Ping("history", pingerFunc(failWith("refused"))).Check(context.Background()); err == nil || err.Error() != "refused" {
		t.Errorf("failing pinger: %v", err)
	}
	if err := Ping("history", nil).Check(context.Background()); err != nil {
		t.Errorf("nil pinger: %v", err)
	}
}

func TestRequired(t *testing.T) {
	t.Parallel()

	configured := false
	c := Required("llm", "no text model configured", func() bool { return configured })
	if err := c.Check(context.Background()); err == nil {
		t.Fatal("passed while unconfigured")
	}
	configured = true
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("configured: %v", err)
	}
}
