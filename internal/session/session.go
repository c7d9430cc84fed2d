// Package session exposes each tenant's automation client to the rest of
// the pipeline through a narrow capability interface, and serializes
// access so only one call per tenant is ever in flight.
package session

import (
	"context"
	"sync"

	"github.com/SirClappington/courier/internal/domain"
)

// Contact is a contact as reported by the automation client.
type Contact struct {
	ID           string
	Name         string
	Pushname     string
	VerifiedName string
}

// Chat identifies a conversation.
type Chat struct {
	ID string
}

// Message is a message as reported by the automation client.
type Message struct {
	ID        string
	ChatID    string
	From      string
	To        string
	Author    string
	Body      string
	Timestamp int64
	Mimetype  string
	IsMedia   bool
}

// Client is the capability surface workers are allowed to touch. The
// browser automation behind it lives outside this repository.
type Client interface {
	IsConnected(ctx context.Context) (bool, error)
	GetAllContacts(ctx context.Context) ([]Contact, error)
	GetChats(ctx context.Context) ([]Chat, error)
	GetMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
	GetMessageByID(ctx context.Context, id string) (Message, error)
	GetProfilePicFromServer(ctx context.Context, contactID string) (string, error)
	DecryptFile(ctx context.Context, msg Message) ([]byte, error)
	DownloadMedia(ctx context.Context, msg Message) ([]byte, error)
	SendMessage(ctx context.Context, phone string, typ domain.MessageType, text string, payload map[string]any) (string, error)
}

type entry struct {
	mu     sync.Mutex
	client Client
}

// Registry holds one client handle per tenant. Workers reach a client
// only through With, which holds the tenant's lock for the duration of
// the callback.
type Registry struct {
	mu      sync.Mutex
	tenants map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{tenants: map[string]*entry{}}
}

func (r *Registry) Put(tenant string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenants[tenant]
	if !ok {
		e = &entry{}
		r.tenants[tenant] = e
	}
	e.client = c
}

func (r *Registry) Remove(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tenants, tenant)
}

func (r *Registry) lookup(tenant string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenants[tenant]
	if !ok || e.client == nil {
		return nil, false
	}
	return e, true
}

// With runs fn against the tenant's client while holding the tenant's
// lock. An unregistered tenant is a fatal error: retrying a job cannot
// conjure a session.
func (r *Registry) With(ctx context.Context, tenant string, fn func(c Client) error) error {
	e, ok := r.lookup(tenant)
	if !ok {
		return domain.Fatalf("no session registered for tenant %q", tenant)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(e.client)
}
