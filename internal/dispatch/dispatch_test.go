package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rakunlabs/at/internal/config"
)

type fakeResolver struct {
	endpoint string
	err      error
}

func (f *fakeResolver) ResolveOne(ctx context.Context, name string) (string, error) {
	return f.endpoint, f.err
}

func testDispatchConfig() config.Dispatch {
	return config.Dispatch{
		BulkheadMaxConcurrent: 8,
		BreakerMaxRequests:    5,
		BreakerInterval:       time.Minute,
		BreakerTimeout:        time.Second,
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
		RetryMaxAttempts:      3,
		RetryInitialInterval:  1 * time.Millisecond,
		DeadlineMargin:        50 * time.Millisecond,
	}
}

func TestDispatchForwardsSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d, err := New(&fakeResolver{endpoint: srv.URL}, testDispatchConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/business/things", nil)
	resp, err := d.Dispatch(context.Background(), "business-service", req, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestDispatchRetriesIdempotentOnRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := New(&fakeResolver{endpoint: srv.URL}, testDispatchConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/business/things", nil)
	resp, err := d.Dispatch(context.Background(), "business-service", req, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retries", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDispatchServiceUnavailableOnEmptyResolution(t *testing.T) {
	d, err := New(&fakeResolver{endpoint: "", err: ErrServiceUnavailable}, testDispatchConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/business/things", nil)
	_, err = d.Dispatch(context.Background(), "business-service", req, nil)
	if err == nil {
		t.Fatal("expected error when resolver fails")
	}
}

func TestNewDownstreamContextAppliesMargin(t *testing.T) {
	d, err := New(&fakeResolver{endpoint: "http://example.com"}, testDispatchConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inbound, cancel := context.WithDeadline(context.Background(), time.Now().Add(time.Second))
	defer cancel()

	downstream, dcancel := d.NewDownstreamContext(inbound)
	defer dcancel()

	inboundDeadline, _ := inbound.Deadline()
	downstreamDeadline, ok := downstream.Deadline()
	if !ok {
		t.Fatal("expected downstream context to carry a deadline")
	}
	if !downstreamDeadline.Before(inboundDeadline) {
		t.Fatal("downstream deadline should be earlier than inbound deadline")
	}
}
