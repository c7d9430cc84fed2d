package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/queue"
)

func uploadJob(t *testing.T, p Payload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: "j1", Queue: QueueName, Name: JobName, Payload: raw}
}

func workerFor(t *testing.T, srv *httptest.Server, secret string) *Worker {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return NewWorker(Config{
		Protocol: u.Scheme,
		Host:     u.Hostname(),
		Port:     u.Port(),
		Secret:   secret,
	}, zap.NewNop())
}

func tempSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHandleUploadsAndRemovesSource(t *testing.T) {
	type seen struct {
		path, key, session, dest, file string
	}
	var got seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.key = r.Header.Get("X-Storage-Key")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Error(err)
		}
		got.session = r.FormValue("session")
		got.dest = r.FormValue("destPath")
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Error(err)
		} else {
			f.Close()
			got.file = header.Filename
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	src := tempSource(t, "zip bytes")
	w := workerFor(t, srv, "s3cret")
	err := w.Handle(context.Background(), uploadJob(t, Payload{
		SourcePath: src,
		DestPath:   "exports/t1",
		Tenant:     "t1",
	}))
	if err != nil {
		t.Fatal(err)
	}

	if got.path != "/storage/upload" {
		t.Fatalf("posted to %q", got.path)
	}
	if got.key != "s3cret" {
		t.Fatalf("storage key: got %q", got.key)
	}
	if got.session != "t1" || got.dest != "exports/t1" {
		t.Fatalf("form fields: session=%q dest=%q", got.session, got.dest)
	}
	if got.file != "export.zip" {
		t.Fatalf("file part name: got %q", got.file)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source file still exists after successful upload")
	}
}

func TestHandleKeepsSourceOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := tempSource(t, "zip bytes")
	w := workerFor(t, srv, "")
	err := w.Handle(context.Background(), uploadJob(t, Payload{SourcePath: src, Tenant: "t1"}))
	if err == nil {
		t.Fatal("expected an error on a 5xx response")
	}
	if _, statErr := os.Stat(src); statErr != nil {
		t.Fatalf("source file missing after failed upload: %v", statErr)
	}
}

func TestHandleMissingSourcePathIsValidation(t *testing.T) {
	w := NewWorker(Config{Protocol: "http", Host: "localhost", Port: "1"}, zap.NewNop())
	err := w.Handle(context.Background(), uploadJob(t, Payload{Tenant: "t1"}))
	if !domain.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestHandleMissingSourceFileIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected when the source file is missing")
	}))
	defer srv.Close()

	w := workerFor(t, srv, "")
	err := w.Handle(context.Background(), uploadJob(t, Payload{
		SourcePath: filepath.Join(t.TempDir(), "gone.zip"),
		Tenant:     "t1",
	}))
	if err == nil {
		t.Fatal("expected an error for a missing source file")
	}
	if domain.NoRetry(err) {
		t.Fatalf("missing source should stay retryable, got %v", err)
	}
}
