// Package upload streams local files to the remote storage service and
// removes them on success.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/queue"
)

// QueueName is the upload queue.
const QueueName = "uploads"

// JobName is the single job kind this queue carries.
const JobName = "upload"

// Payload describes one file to push to the storage service. An empty
// DestPath lets the storage service assign a generated name under the
// tenant's namespace.
type Payload struct {
	SourcePath string `json:"sourcePath"`
	DestPath   string `json:"destPath,omitempty"`
	Tenant     string `json:"session"`
}

func (p Payload) Validate() error {
	if p.SourcePath == "" {
		return domain.Validationf("upload job is missing sourcePath")
	}
	return nil
}

// Config locates the storage service.
type Config struct {
	Protocol string
	Host     string
	Port     string
	Secret   string
	Timeout  time.Duration
}

func (c Config) uploadURL() string {
	return fmt.Sprintf("%s://%s:%s/storage/upload", c.Protocol, c.Host, c.Port)
}

type Worker struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

func NewWorker(cfg Config, log *zap.Logger) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Worker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Validationf("malformed upload payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		w.log.Error("invalid upload job",
			zap.String("tenant", p.Tenant),
			zap.ByteString("payload", job.Payload),
			zap.Error(err),
		)
		return err
	}

	if err := w.push(ctx, p); err != nil {
		// the source file stays in place so the retry can reuse it
		w.log.Warn("upload failed",
			zap.String("tenant", p.Tenant),
			zap.String("source", p.SourcePath),
			zap.Error(err),
		)
		return err
	}

	if err := os.Remove(p.SourcePath); err != nil {
		w.log.Warn("could not remove uploaded source file",
			zap.String("tenant", p.Tenant),
			zap.String("source", p.SourcePath),
			zap.Error(err),
		)
	}
	w.log.Info("uploaded",
		zap.String("tenant", p.Tenant),
		zap.String("source", filepath.Base(p.SourcePath)),
		zap.String("dest", p.DestPath),
	)
	return nil
}

func (w *Worker) push(ctx context.Context, p Payload) error {
	f, err := os.Open(p.SourcePath)
	if err != nil {
		return errors.Wrap(err, "open source file")
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(p.SourcePath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("session", p.Tenant); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("destPath", p.DestPath); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.uploadURL(), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.cfg.Secret != "" {
		req.Header.Set("X-Storage-Key", w.cfg.Secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("storage upload %s: status %s: %s", w.cfg.uploadURL(), resp.Status, body)
	}
	return nil
}
