package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/queue"
)

// Worker posts delivery jobs to the configured destination URL. Each job
// gets cfg.Retries in-process attempts with exponential backoff sleeps;
// when all fail the normalized last error is raised so the queue's own
// attempts policy applies on top.
type Worker struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewWorker(cfg Config, log *zap.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		sleep:  sleepCtx,
	}
}

func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var p deliverPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Validationf("malformed webhook payload: %v", err)
	}
	if w.cfg.URL == "" {
		return domain.Fatalf("webhook destination URL is not configured")
	}

	body, err := json.Marshal(map[string]any{"event": p.Event, "payload": p.Payload})
	if err != nil {
		return domain.Validationf("marshal webhook body: %v", err)
	}

	backoff := queue.Exponential(w.cfg.Backoff)
	var agg error
	for attempt := 1; attempt <= w.cfg.Retries; attempt++ {
		err := w.post(ctx, body)
		if err == nil {
			w.log.Info("webhook delivered",
				zap.String("tenant", p.Tenant),
				zap.String("event", p.Event),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		agg = multierr.Append(agg, err)
		w.log.Warn("webhook attempt failed",
			zap.String("tenant", p.Tenant),
			zap.String("event", p.Event),
			zap.Int("attempt", attempt),
			zap.String("error", Flatten(err)),
		)
		if attempt < w.cfg.Retries {
			if serr := w.sleep(ctx, backoff.NextDelay(attempt)); serr != nil {
				return serr
			}
		}
	}
	return errors.New(Flatten(agg))
}

func (w *Worker) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post %s: unexpected status %s", w.cfg.URL, resp.Status)
	}
	return nil
}

// Flatten normalizes an error for logs and job records: multi-cause
// errors collapse into a single semicolon-joined string.
func Flatten(err error) string {
	if err == nil {
		return ""
	}
	parts := multierr.Errors(err)
	if len(parts) <= 1 {
		return err.Error()
	}
	msgs := make([]string, 0, len(parts))
	for _, p := range parts {
		msgs = append(msgs, p.Error())
	}
	return strings.Join(msgs, "; ")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
