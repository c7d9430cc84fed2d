// Package syncer pulls the contact and message books of a tenant's
// session into the metadata store and fans out download jobs for the
// artifacts (profile pictures, media) that are still missing on disk.
package syncer

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/download"
	"github.com/SirClappington/courier/internal/queue"
	"github.com/SirClappington/courier/internal/session"
)

const (
	downloadAttempts = 3
	downloadBackoff  = 60 * time.Second
	messagesPerChat  = 100
)

// MetadataStore is the slice of the metadata store the syncer needs.
type MetadataStore interface {
	UpsertContact(ctx context.Context, c domain.Contact) error
	ContactHasProfilePic(ctx context.Context, tenant, waID string) (bool, error)
	UpsertMessage(ctx context.Context, m domain.Message) error
	MessageHasMediaPath(ctx context.Context, tenant, waID string) (bool, error)
}

// Enqueuer is the slice of the queue service the syncer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.Options) (queue.Handle, error)
}

type Syncer struct {
	store    MetadataStore
	queue    Enqueuer
	sessions *session.Registry
	log      *zap.Logger
}

func New(store MetadataStore, q Enqueuer, sessions *session.Registry, log *zap.Logger) *Syncer {
	return &Syncer{store: store, queue: q, sessions: sessions, log: log}
}

// Result summarizes one sync pass.
type Result struct {
	Contacts          int `json:"contacts"`
	Messages          int `json:"messages"`
	DownloadsEnqueued int `json:"downloadsEnqueued"`
}

// SyncTenant snapshots the tenant's contacts and recent messages and
// stores them. The session lock is held only for the snapshot; the
// store writes and download enqueues happen after it is released so a
// slow database never stalls the session.
func (s *Syncer) SyncTenant(ctx context.Context, tenant string) (*Result, error) {
	var (
		contacts []session.Contact
		messages []session.Message
	)
	err := s.sessions.With(ctx, tenant, func(c session.Client) error {
		connected, err := c.IsConnected(ctx)
		if err != nil {
			return errors.Wrap(err, "check session connection")
		}
		if !connected {
			return domain.Fatalf("session for tenant %q is not connected", tenant)
		}
		contacts, err = c.GetAllContacts(ctx)
		if err != nil {
			return errors.Wrap(err, "list contacts")
		}
		chats, err := c.GetChats(ctx)
		if err != nil {
			return errors.Wrap(err, "list chats")
		}
		for _, chat := range chats {
			if strings.HasSuffix(chat.ID, "@lid") {
				continue
			}
			msgs, err := c.GetMessages(ctx, chat.ID, messagesPerChat)
			if err != nil {
				return errors.Wrapf(err, "list messages for chat %s", chat.ID)
			}
			messages = append(messages, msgs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Messages: len(messages)}
	for _, c := range contacts {
		// only user contacts carry a profile worth tracking
		if !strings.HasSuffix(c.ID, "@c.us") {
			continue
		}
		res.Contacts++
		if err := s.syncContact(ctx, tenant, c, res); err != nil {
			return res, err
		}
	}
	for _, m := range messages {
		if err := s.syncMessage(ctx, tenant, m, res); err != nil {
			return res, err
		}
	}
	s.log.Info("tenant synced",
		zap.String("tenant", tenant),
		zap.Int("contacts", res.Contacts),
		zap.Int("messages", res.Messages),
		zap.Int("downloads", res.DownloadsEnqueued),
	)
	return res, nil
}

func (s *Syncer) syncContact(ctx context.Context, tenant string, c session.Contact, res *Result) error {
	name := c.Name
	if name == "" {
		name = c.VerifiedName
	}
	rec := domain.Contact{
		Tenant:   tenant,
		WAID:     c.ID,
		Name:     name,
		Pushname: c.Pushname,
		Phone:    phoneFromID(c.ID),
	}
	if err := s.store.UpsertContact(ctx, rec); err != nil {
		return errors.Wrapf(err, "syncer: store contact %s", c.ID)
	}
	has, err := s.store.ContactHasProfilePic(ctx, tenant, c.ID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	return s.enqueueDownload(ctx, res, "pic-"+tenant+"-"+c.ID, download.Payload{
		Type:      download.TypeProfilePic,
		Tenant:    tenant,
		ContactID: c.ID,
	})
}

func (s *Syncer) syncMessage(ctx context.Context, tenant string, m session.Message, res *Result) error {
	author := m.Author
	if author == "" {
		author = m.From
	}
	rec := domain.Message{
		Tenant:    tenant,
		WAID:      m.ID,
		ChatID:    m.ChatID,
		Author:    author,
		Phone:     phoneFromID(author),
		Body:      m.Body,
		Timestamp: m.Timestamp,
		IsMedia:   m.IsMedia,
	}
	if err := s.store.UpsertMessage(ctx, rec); err != nil {
		return errors.Wrapf(err, "syncer: store message %s", m.ID)
	}
	if !m.IsMedia {
		return nil
	}
	has, err := s.store.MessageHasMediaPath(ctx, tenant, m.ID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	return s.enqueueDownload(ctx, res, "media-"+tenant+"-"+m.ID, download.Payload{
		Type:   download.TypeMedia,
		Tenant: tenant,
		MsgID:  m.ID,
	})
}

func (s *Syncer) enqueueDownload(ctx context.Context, res *Result, dedupKey string, p download.Payload) error {
	_, err := s.queue.Enqueue(ctx, download.QueueName, string(p.Type), p, queue.Options{
		DedupKey:         dedupKey,
		MaxAttempts:      downloadAttempts,
		Backoff:          queue.Fixed(downloadBackoff),
		RemoveOnComplete: true,
	})
	if err != nil {
		return errors.Wrap(err, "syncer: enqueue download")
	}
	res.DownloadsEnqueued++
	return nil
}

// phoneFromID strips the server suffix from a chat identifier, so
// "5511999999999@c.us" becomes "5511999999999". Group and broadcast
// identifiers are returned unchanged.
func phoneFromID(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '@' {
			if id[i+1:] == "c.us" || id[i+1:] == "s.whatsapp.net" {
				return id[:i]
			}
			return id
		}
	}
	return id
}
