package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(baseURL string) *HTTPClient {
	return NewHTTPClient(HTTPClientOptions{
		BaseURL:   baseURL,
		Token:     "test-token",
		DeviceID:  "device-1",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestUpsertSendsRecordToTableEndpoint(t *testing.T) {
	var gotPath, gotMethod, gotAuth, gotDevice, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-Id")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.Upsert(context.Background(), "patients", "p1", json.RawMessage(`{"id":"p1","name":"A"}`))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if gotPath != "/v1/sync/patients/p1" || gotMethod != http.MethodPut {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer test-token" || gotDevice != "device-1" {
		t.Fatalf("missing auth/device headers: %q %q", gotAuth, gotDevice)
	}
	if gotBody != `{"id":"p1","name":"A"}` {
		t.Fatalf("unexpected body: %s", gotBody)
	}
}

func TestDeleteUsesDeleteMethod(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := newTestClient(server.URL).Delete(context.Background(), "patients", "p2"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/sync/patients/p2" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
}

func TestServerErrorsAreRetriedThenSucceed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := newTestClient(server.URL).Upsert(context.Background(), "patients", "p1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClientErrorIsTerminalAndTyped(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"validation_failed","message":"missing nhs number"}`))
	}))
	defer server.Close()

	err := newTestClient(server.URL).Upsert(context.Background(), "patients", "p1", json.RawMessage(`{}`))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnprocessableEntity || statusErr.Code != "validation_failed" {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
	if statusErr.Temporary() {
		t.Fatalf("4xx must not be classified as temporary")
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", calls.Load())
	}
}

func TestRetriesGiveUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{
		BaseURL:    server.URL,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
	err := client.Upsert(context.Background(), "patients", "p1", json.RawMessage(`{}`))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || !statusErr.Temporary() {
		t.Fatalf("expected temporary StatusError after exhausted retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", calls.Load())
	}
}

func TestHealthProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := newTestClient(server.URL).Health(context.Background()); err != nil {
		t.Fatalf("health probe failed: %v", err)
	}
}
