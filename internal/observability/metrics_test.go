package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewMetrics_RegistersWithoutPanic(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestServeMetrics_ReturnsAfterContextCancel(t *testing.T) {
	m := NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.ServeMetrics(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ServeMetrics returned an error after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeMetrics did not return after context cancellation")
	}
}

func TestMetrics_CounterVecLabelsDoNotPanic(t *testing.T) {
	m := NewMetrics()
	m.CrashesProcessedTotal.WithLabelValues("ok").Inc()
	m.CrashesProcessedTotal.WithLabelValues("duplicate").Inc()
	m.ChildrenReapedTotal.WithLabelValues("socket-client").Inc()
	m.ReportJobsTotal.WithLabelValues("ok").Inc()
}

func TestHealthzHandler(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rr.Body.String())
	}
}
