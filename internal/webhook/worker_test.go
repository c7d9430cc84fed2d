package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/queue"
)

func deliverJob(t *testing.T, event string, payload any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(deliverPayload{Event: event, Tenant: "t1", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: "j1", Queue: QueueName, Name: jobDeliver, Payload: raw}
}

func testWorker(cfg Config) (*Worker, *[]time.Duration) {
	w := NewWorker(cfg, zap.NewNop())
	var slept []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return w, &slept
}

func TestHandleDeliversOnFirstAttempt(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, slept := testWorker(Config{URL: srv.URL})
	if err := w.Handle(context.Background(), deliverJob(t, "chat.update", map[string]string{"id": "1"})); err != nil {
		t.Fatal(err)
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %v on a successful first attempt", *slept)
	}
	if got["event"] != "chat.update" {
		t.Fatalf("delivered body: %v", got)
	}
}

func TestHandleRetriesThenSucceeds(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, slept := testWorker(Config{URL: srv.URL, Retries: 3, Backoff: 2 * time.Second})
	if err := w.Handle(context.Background(), deliverJob(t, "e", nil)); err != nil {
		t.Fatal(err)
	}
	if hits != 3 {
		t.Fatalf("hits: got %d, want 3", hits)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps: got %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Fatalf("sleep %d: got %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestHandleExhaustsAttemptsAndFlattens(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w, slept := testWorker(Config{URL: srv.URL, Retries: 3, Backoff: 2 * time.Second})
	err := w.Handle(context.Background(), deliverJob(t, "e", nil))
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if hits != 3 {
		t.Fatalf("hits: got %d, want 3", hits)
	}
	if len(*slept) != 2 {
		t.Fatalf("sleeps: got %v, want 2 entries", *slept)
	}
	// three attempt errors collapsed into one semicolon-joined message
	if got := strings.Count(err.Error(), "; "); got != 2 {
		t.Fatalf("flattened error %q: got %d separators, want 2", err.Error(), got)
	}
	if !strings.Contains(err.Error(), srv.URL) {
		t.Fatalf("error %q does not name the destination", err.Error())
	}
}

func TestHandleMissingURLIsFatal(t *testing.T) {
	w, _ := testWorker(Config{})
	err := w.Handle(context.Background(), deliverJob(t, "e", nil))
	if !domain.IsFatal(err) {
		t.Fatalf("want fatal error, got %v", err)
	}
}

func TestHandleMalformedPayloadIsValidation(t *testing.T) {
	w, _ := testWorker(Config{URL: "http://x"})
	job := &queue.Job{ID: "j1", Queue: QueueName, Payload: []byte("{nope")}
	if err := w.Handle(context.Background(), job); !domain.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestFlatten(t *testing.T) {
	if got := Flatten(nil); got != "" {
		t.Fatalf("Flatten(nil) = %q", got)
	}
	err := multierr.Append(
		multierr.Append(errors.New("a"), errors.New("b")),
		errors.New("c"),
	)
	if got := Flatten(err); got != "a; b; c" {
		t.Fatalf("Flatten = %q, want %q", got, "a; b; c")
	}
}
