// Package schedule owns the lifecycle of time-scheduled outbound
// messages. Each pending schedule owns exactly one delayed queue job,
// keyed "schedule_<id>"; updates remove the stale job and enqueue a
// fresh one under the same key.
package schedule

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/queue"
	"github.com/SirClappington/courier/internal/session"
)

// QueueName is the dispatch queue.
const QueueName = "schedules"

const jobSend = "send-scheduled"

// MaxListLimit caps the page size of List.
const MaxListLimit = 100

func dedupKeyFor(id string) string { return "schedule_" + id }

// Store is the slice of the metadata store the dispatcher needs.
type Store interface {
	CreateSchedule(ctx context.Context, m *domain.ScheduledMessage) error
	GetSchedule(ctx context.Context, tenant, id string) (*domain.ScheduledMessage, error)
	ListSchedules(ctx context.Context, tenant string, status domain.ScheduleStatus, page, limit int) ([]domain.ScheduledMessage, int, error)
	ListPendingSchedules(ctx context.Context, limit int) ([]domain.ScheduledMessage, error)
	UpdateSchedule(ctx context.Context, m *domain.ScheduledMessage) error
	DeleteSchedule(ctx context.Context, tenant, id string) error
}

// Queue is the slice of the queue service the dispatcher needs.
type Queue interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.Options) (queue.Handle, error)
	Remove(ctx context.Context, queueName, dedupKey string) error
	PendingID(ctx context.Context, queueName, dedupKey string) (string, error)
}

// Notifier mirrors webhook.Notifier; nil disables event notification.
type Notifier interface {
	ShouldSend(event string) bool
	Send(ctx context.Context, tenant, event string, payload any)
}

type dispatchPayload struct {
	ScheduleID string `json:"scheduleId"`
	Tenant     string `json:"session"`
}

type Dispatcher struct {
	store    Store
	queue    Queue
	sessions *session.Registry
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

// Option tweaks a Dispatcher.
type Option func(*Dispatcher)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(store Store, q Queue, sessions *session.Registry, notifier Notifier, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		queue:    q,
		sessions: sessions,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// CreateInput carries the user-supplied fields of a new schedule.
type CreateInput struct {
	Phone       string
	Message     string
	Type        domain.MessageType
	Payload     map[string]any
	ScheduledAt time.Time
}

func (d *Dispatcher) Create(ctx context.Context, tenant string, in CreateInput) (*domain.ScheduledMessage, error) {
	if in.Phone == "" || in.ScheduledAt.IsZero() {
		return nil, domain.Validationf("phone and scheduledAt are required")
	}
	now := d.now()
	if !in.ScheduledAt.After(now) {
		return nil, domain.Validationf("scheduledAt must be a valid future date")
	}
	typ := in.Type
	if typ == "" {
		typ = domain.MessageText
	}
	if _, err := domain.ParseMessageType(string(typ)); err != nil {
		return nil, err
	}

	rec := &domain.ScheduledMessage{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		Phone:       in.Phone,
		Message:     in.Message,
		Type:        typ,
		Payload:     in.Payload,
		ScheduledAt: in.ScheduledAt.UTC(),
		Status:      domain.SchedulePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.CreateSchedule(ctx, rec); err != nil {
		return nil, err
	}
	if err := d.enqueueDispatch(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "schedule: enqueue dispatch job")
	}
	d.log.Info("schedule created",
		zap.String("tenant", tenant),
		zap.String("id", rec.ID),
		zap.Time("scheduledAt", rec.ScheduledAt),
	)
	return rec, nil
}

func (d *Dispatcher) enqueueDispatch(ctx context.Context, rec *domain.ScheduledMessage) error {
	delay := rec.ScheduledAt.Sub(d.now())
	if delay < 0 {
		delay = 0
	}
	_, err := d.queue.Enqueue(ctx, QueueName, jobSend, dispatchPayload{
		ScheduleID: rec.ID,
		Tenant:     rec.Tenant,
	}, queue.Options{
		Delay:            delay,
		DedupKey:         dedupKeyFor(rec.ID),
		RemoveOnComplete: true,
	})
	return err
}

// ListResult carries one page of schedules plus pagination metadata.
type ListResult struct {
	Page       int
	Limit      int
	Total      int
	TotalPages int
	Data       []domain.ScheduledMessage
}

func (d *Dispatcher) List(ctx context.Context, tenant, statusFilter string, page, limit int) (*ListResult, error) {
	var status domain.ScheduleStatus
	if statusFilter != "" {
		parsed, err := domain.ParseScheduleStatus(statusFilter)
		if err != nil {
			return nil, err
		}
		status = parsed
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	data, total, err := d.store.ListSchedules(ctx, tenant, status, page, limit)
	if err != nil {
		return nil, err
	}
	return &ListResult{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
		Data:       data,
	}, nil
}

func (d *Dispatcher) Get(ctx context.Context, tenant, id string) (*domain.ScheduledMessage, error) {
	return d.store.GetSchedule(ctx, tenant, id)
}

// UpdateInput carries the mutable fields of a pending schedule. Nil
// pointers leave the stored value untouched.
type UpdateInput struct {
	Phone       string
	Message     *string
	Type        domain.MessageType
	Payload     map[string]any
	ScheduledAt *time.Time
}

func (d *Dispatcher) Update(ctx context.Context, tenant, id string, in UpdateInput) (*domain.ScheduledMessage, error) {
	rec, err := d.store.GetSchedule(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.SchedulePending {
		return nil, domain.Conflictf("only pending schedules can be updated")
	}

	if in.Phone != "" {
		rec.Phone = in.Phone
	}
	if in.Message != nil {
		rec.Message = *in.Message
	}
	if in.Type != "" {
		if _, err := domain.ParseMessageType(string(in.Type)); err != nil {
			return nil, err
		}
		rec.Type = in.Type
	}
	if in.Payload != nil {
		rec.Payload = in.Payload
	}

	if in.ScheduledAt != nil {
		if !in.ScheduledAt.After(d.now()) {
			return nil, domain.Validationf("scheduledAt must be a valid future date")
		}
		rec.ScheduledAt = in.ScheduledAt.UTC()

		// remove-then-add keeps exactly one live job under the dedup key
		if err := d.queue.Remove(ctx, QueueName, dedupKeyFor(id)); err != nil {
			d.log.Warn("stale dispatch job removal failed",
				zap.String("tenant", tenant),
				zap.String("id", id),
				zap.Error(err),
			)
		}
		if err := d.enqueueDispatch(ctx, rec); err != nil {
			return nil, errors.Wrap(err, "schedule: re-enqueue dispatch job")
		}
	}

	if err := d.store.UpdateSchedule(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *Dispatcher) Cancel(ctx context.Context, tenant, id string) (*domain.ScheduledMessage, error) {
	rec, err := d.store.GetSchedule(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.SchedulePending {
		return nil, domain.Conflictf("only pending schedules can be cancelled")
	}
	rec.Status = domain.ScheduleCancelled
	if err := d.store.UpdateSchedule(ctx, rec); err != nil {
		return nil, err
	}
	if err := d.queue.Remove(ctx, QueueName, dedupKeyFor(id)); err != nil {
		d.log.Warn("dispatch job removal failed",
			zap.String("tenant", tenant),
			zap.String("id", id),
			zap.Error(err),
		)
	}
	d.log.Info("schedule cancelled", zap.String("tenant", tenant), zap.String("id", id))
	return rec, nil
}

func (d *Dispatcher) Delete(ctx context.Context, tenant, id string) error {
	rec, err := d.store.GetSchedule(ctx, tenant, id)
	if err != nil {
		return err
	}
	if rec.Status == domain.SchedulePending {
		if err := d.queue.Remove(ctx, QueueName, dedupKeyFor(id)); err != nil {
			d.log.Warn("dispatch job removal failed",
				zap.String("tenant", tenant),
				zap.String("id", id),
				zap.Error(err),
			)
		}
	}
	return d.store.DeleteSchedule(ctx, tenant, id)
}

// HandleDispatch fires a due schedule: it attempts the send through the
// tenant's messaging capability and transitions the record to sent or
// failed. A record that is no longer pending is never re-dispatched.
func (d *Dispatcher) HandleDispatch(ctx context.Context, job *queue.Job) error {
	var p dispatchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Validationf("malformed dispatch payload: %v", err)
	}

	rec, err := d.store.GetSchedule(ctx, p.Tenant, p.ScheduleID)
	if err != nil {
		if domain.IsNotFound(err) {
			d.log.Warn("dispatch for deleted schedule",
				zap.String("tenant", p.Tenant),
				zap.String("id", p.ScheduleID),
			)
			return nil
		}
		return err
	}
	if rec.Status != domain.SchedulePending {
		return nil
	}

	var result string
	sendErr := d.sessions.With(ctx, p.Tenant, func(c session.Client) error {
		connected, err := c.IsConnected(ctx)
		if err != nil {
			return errors.Wrap(err, "check session connection")
		}
		if !connected {
			return domain.Fatalf("session for tenant %q is not connected", p.Tenant)
		}
		result, err = c.SendMessage(ctx, rec.Phone, rec.Type, rec.Message, rec.Payload)
		return err
	})

	now := d.now()
	if sendErr != nil {
		rec.Status = domain.ScheduleFailed
		rec.Error = sendErr.Error()
		if err := d.store.UpdateSchedule(ctx, rec); err != nil {
			d.log.Error("schedule failure not recorded",
				zap.String("tenant", p.Tenant),
				zap.String("id", rec.ID),
				zap.Error(err),
			)
		}
		d.log.Warn("scheduled send failed",
			zap.String("tenant", p.Tenant),
			zap.String("id", rec.ID),
			zap.Error(sendErr),
		)
		d.notify(ctx, p.Tenant, "schedule.failed", rec)
		return sendErr
	}

	rec.Status = domain.ScheduleSent
	rec.Result = result
	rec.SentAt = &now
	if err := d.store.UpdateSchedule(ctx, rec); err != nil {
		return err
	}
	d.log.Info("scheduled message sent",
		zap.String("tenant", p.Tenant),
		zap.String("id", rec.ID),
	)
	d.notify(ctx, p.Tenant, "schedule.sent", rec)
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, tenant, event string, rec *domain.ScheduledMessage) {
	if d.notifier == nil || !d.notifier.ShouldSend(event) {
		return
	}
	d.notifier.Send(ctx, tenant, event, rec)
}

// Reconcile re-creates dispatch jobs for pending schedules whose queue
// job went missing (a flushed queue, a crash between persist and
// enqueue). Returns the number of jobs re-created.
func (d *Dispatcher) Reconcile(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	pending, err := d.store.ListPendingSchedules(ctx, limit)
	if err != nil {
		return 0, err
	}
	restored := 0
	for i := range pending {
		rec := &pending[i]
		id, err := d.queue.PendingID(ctx, QueueName, dedupKeyFor(rec.ID))
		if err != nil {
			return restored, err
		}
		if id != "" {
			continue
		}
		if err := d.enqueueDispatch(ctx, rec); err != nil {
			return restored, errors.Wrapf(err, "schedule: reconcile %s", rec.ID)
		}
		restored++
	}
	return restored, nil
}
