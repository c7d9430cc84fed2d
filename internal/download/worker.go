// Package download fetches per-tenant artifacts (profile pictures and
// media attachments) through the tenant's automation session, persists
// them to disk and records the path in the metadata store. An artifact is
// fetched at most once per logical id unless the prior file is missing or
// empty.
package download

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/queue"
	"github.com/SirClappington/courier/internal/session"
)

// QueueName is the download queue.
const QueueName = "downloads"

type TaskType string

const (
	TypeProfilePic TaskType = "profile-pic"
	TypeMedia      TaskType = "media"
)

// Payload is the closed job payload for a download task.
type Payload struct {
	Type      TaskType `json:"type"`
	Tenant    string   `json:"session"`
	ContactID string   `json:"contactId,omitempty"`
	MsgID     string   `json:"msgId,omitempty"`
}

func (p Payload) Validate() error {
	switch p.Type {
	case TypeProfilePic:
		if p.ContactID == "" {
			return domain.Validationf("profile-pic download is missing contactId")
		}
	case TypeMedia:
		if p.MsgID == "" {
			return domain.Validationf("media download is missing msgId")
		}
	default:
		return domain.Validationf("unknown download type %q", p.Type)
	}
	if p.Tenant == "" {
		return domain.Validationf("download job is missing tenant")
	}
	return nil
}

// MetadataStore records artifact paths against existing entities.
type MetadataStore interface {
	SetContactProfilePic(ctx context.Context, tenant, waID, path string) error
	SetMessageMediaPath(ctx context.Context, tenant, waID, path string) error
}

type Config struct {
	// DataDir is the artifact root; profile pictures land under
	// DataDir/profile-pics, media under DataDir/media.
	DataDir      string
	FetchTimeout time.Duration
}

type Worker struct {
	cfg      Config
	sessions *session.Registry
	store    MetadataStore
	client   *http.Client
	log      *zap.Logger
}

func NewWorker(cfg Config, sessions *session.Registry, store MetadataStore, log *zap.Logger) *Worker {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join("data", "uploads")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Worker{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		log:      log,
	}
}

func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Validationf("malformed download payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		w.log.Error("invalid download job",
			zap.ByteString("payload", job.Payload),
			zap.Error(err),
		)
		return err
	}

	switch p.Type {
	case TypeProfilePic:
		return w.profilePic(ctx, p)
	default:
		return w.media(ctx, p)
	}
}

func (w *Worker) profilePic(ctx context.Context, p Payload) error {
	path := filepath.Join(w.cfg.DataDir, "profile-pics", sanitizeID(p.ContactID)+".jpg")
	if artifactExists(path) {
		// already fetched; refresh the metadata pointer and skip the network
		if err := w.store.SetContactProfilePic(ctx, p.Tenant, p.ContactID, path); err != nil {
			w.log.Warn("profile pic metadata refresh failed",
				zap.String("tenant", p.Tenant),
				zap.String("contact", p.ContactID),
				zap.Error(err),
			)
		}
		return nil
	}

	var picURL string
	err := w.sessions.With(ctx, p.Tenant, func(c session.Client) error {
		connected, err := c.IsConnected(ctx)
		if err != nil {
			return errors.Wrap(err, "check session connection")
		}
		if !connected {
			return domain.Fatalf("session for tenant %q is not connected", p.Tenant)
		}
		picURL, err = c.GetProfilePicFromServer(ctx, p.ContactID)
		return err
	})
	if err != nil {
		return w.logged(err, p, "fetch profile pic url")
	}
	if picURL == "" {
		// no picture on the account; absence is not a failure
		w.log.Info("no profile picture available",
			zap.String("tenant", p.Tenant),
			zap.String("contact", p.ContactID),
		)
		return nil
	}

	data, err := w.fetch(ctx, picURL)
	if err != nil {
		return w.logged(err, p, "download profile pic")
	}
	if err := writeArtifact(path, data); err != nil {
		return w.logged(err, p, "write profile pic")
	}
	if err := w.store.SetContactProfilePic(ctx, p.Tenant, p.ContactID, path); err != nil {
		return w.logged(err, p, "record profile pic path")
	}
	w.log.Info("profile picture downloaded",
		zap.String("tenant", p.Tenant),
		zap.String("contact", p.ContactID),
		zap.String("path", path),
	)
	return nil
}

func (w *Worker) media(ctx context.Context, p Payload) error {
	dir := filepath.Join(w.cfg.DataDir, "media")
	prefix := sanitizeID(p.MsgID)
	if existing, ok := findWithPrefix(dir, prefix); ok {
		if err := w.store.SetMessageMediaPath(ctx, p.Tenant, p.MsgID, existing); err != nil {
			w.log.Warn("media metadata refresh failed",
				zap.String("tenant", p.Tenant),
				zap.String("message", p.MsgID),
				zap.Error(err),
			)
		}
		return nil
	}

	var (
		buf      []byte
		mimetype string
	)
	err := w.sessions.With(ctx, p.Tenant, func(c session.Client) error {
		connected, err := c.IsConnected(ctx)
		if err != nil {
			return errors.Wrap(err, "check session connection")
		}
		if !connected {
			return domain.Fatalf("session for tenant %q is not connected", p.Tenant)
		}
		msg, err := c.GetMessageByID(ctx, p.MsgID)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		mimetype = msg.Mimetype

		buf, err = c.DecryptFile(ctx, msg)
		if err == nil && len(buf) > 0 {
			return nil
		}
		decryptErr := err
		buf, err = c.DownloadMedia(ctx, msg)
		if err == nil && len(buf) > 0 {
			return nil
		}
		if err == nil {
			err = errors.New("downloaded media is empty")
		}
		return multierr.Append(decryptErr, err)
	})
	if err != nil {
		return w.logged(err, p, "fetch media")
	}

	path := filepath.Join(dir, prefix+extensionForMime(mimetype))
	if err := writeArtifact(path, buf); err != nil {
		return w.logged(err, p, "write media")
	}
	if err := w.store.SetMessageMediaPath(ctx, p.Tenant, p.MsgID, path); err != nil {
		return w.logged(err, p, "record media path")
	}
	w.log.Info("media downloaded",
		zap.String("tenant", p.Tenant),
		zap.String("message", p.MsgID),
		zap.String("path", path),
	)
	return nil
}

func (w *Worker) logged(err error, p Payload, action string) error {
	w.log.Warn("download failed",
		zap.String("tenant", p.Tenant),
		zap.String("type", string(p.Type)),
		zap.String("contact", p.ContactID),
		zap.String("message", p.MsgID),
		zap.String("action", action),
		zap.Error(err),
	)
	return err
}

func (w *Worker) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.Errorf("fetch %s: empty body", url)
	}
	return data, nil
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// common network media types first; mime.ExtensionsByType is the
// fallback and its first candidate is platform-dependent
var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
}

func extensionForMime(mimetype string) string {
	base := strings.TrimSpace(strings.Split(mimetype, ";")[0])
	if base == "" {
		return ".bin"
	}
	if ext, ok := mimeExtensions[base]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
