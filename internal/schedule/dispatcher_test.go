package schedule

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/queue"
	"github.com/SirClappington/courier/internal/session"
)

type memStore struct {
	records map[string]*domain.ScheduledMessage
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*domain.ScheduledMessage{}}
}

func (s *memStore) CreateSchedule(_ context.Context, m *domain.ScheduledMessage) error {
	cp := *m
	s.records[m.ID] = &cp
	return nil
}

func (s *memStore) GetSchedule(_ context.Context, tenant, id string) (*domain.ScheduledMessage, error) {
	rec, ok := s.records[id]
	if !ok || rec.Tenant != tenant {
		return nil, domain.NotFoundf("schedule %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) ListSchedules(_ context.Context, tenant string, status domain.ScheduleStatus, page, limit int) ([]domain.ScheduledMessage, int, error) {
	var all []domain.ScheduledMessage
	for _, rec := range s.records {
		if rec.Tenant != tenant {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		all = append(all, *rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ScheduledAt.Before(all[j].ScheduledAt) })
	total := len(all)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *memStore) ListPendingSchedules(_ context.Context, limit int) ([]domain.ScheduledMessage, error) {
	var out []domain.ScheduledMessage
	for _, rec := range s.records {
		if rec.Status == domain.SchedulePending && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *memStore) UpdateSchedule(_ context.Context, m *domain.ScheduledMessage) error {
	if _, ok := s.records[m.ID]; !ok {
		return domain.NotFoundf("schedule %s not found", m.ID)
	}
	cp := *m
	s.records[m.ID] = &cp
	return nil
}

func (s *memStore) DeleteSchedule(_ context.Context, tenant, id string) error {
	rec, ok := s.records[id]
	if !ok || rec.Tenant != tenant {
		return domain.NotFoundf("schedule %s not found", id)
	}
	delete(s.records, id)
	return nil
}

type sendingClient struct {
	connected bool
	result    string
	err       error
	sent      []string
}

func (c *sendingClient) IsConnected(context.Context) (bool, error) { return c.connected, nil }

func (c *sendingClient) SendMessage(_ context.Context, phone string, _ domain.MessageType, text string, _ map[string]any) (string, error) {
	c.sent = append(c.sent, phone+": "+text)
	return c.result, c.err
}

func (c *sendingClient) GetAllContacts(context.Context) ([]session.Contact, error) { return nil, nil }
func (c *sendingClient) GetChats(context.Context) ([]session.Chat, error)          { return nil, nil }
func (c *sendingClient) GetMessages(context.Context, string, int) ([]session.Message, error) {
	return nil, nil
}
func (c *sendingClient) GetMessageByID(context.Context, string) (session.Message, error) {
	return session.Message{}, nil
}
func (c *sendingClient) GetProfilePicFromServer(context.Context, string) (string, error) {
	return "", nil
}
func (c *sendingClient) DecryptFile(context.Context, session.Message) ([]byte, error) {
	return nil, nil
}
func (c *sendingClient) DownloadMedia(context.Context, session.Message) ([]byte, error) {
	return nil, nil
}

type harness struct {
	dispatcher *Dispatcher
	store      *memStore
	queue      *queue.Service
	client     *sendingClient
	clock      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		store:  newMemStore(),
		client: &sendingClient{connected: true, result: "true_123"},
		clock:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return h.clock }
	h.queue = queue.New(rdb, zap.NewNop(), queue.WithNow(now))

	reg := session.NewRegistry()
	reg.Put("t1", h.client)

	h.dispatcher = NewDispatcher(h.store, h.queue, reg, nil, zap.NewNop(), WithNow(now))
	h.queue.Register(QueueName, h.dispatcher.HandleDispatch, 1)
	return h
}

func (h *harness) drain(t *testing.T) (processed int, lastErr error) {
	t.Helper()
	for {
		claimed, err := h.queue.RunOnce(context.Background(), QueueName)
		if !claimed {
			return processed, lastErr
		}
		processed++
		if err != nil {
			lastErr = err
		}
	}
}

func TestCreateSchedulesAndDispatchesAtDueTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.dispatcher.Create(ctx, "t1", CreateInput{
		Phone:       "5521999999999",
		Message:     "happy birthday",
		ScheduledAt: h.clock.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.SchedulePending {
		t.Fatalf("status: got %s, want pending", rec.Status)
	}
	if rec.Type != domain.MessageText {
		t.Fatalf("type: got %s, want text by default", rec.Type)
	}

	// not due yet
	if n, _ := h.drain(t); n != 0 {
		t.Fatalf("dispatched %d jobs before the due time", n)
	}

	h.clock = h.clock.Add(time.Hour + time.Second)
	if n, err := h.drain(t); n != 1 || err != nil {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if len(h.client.sent) != 1 || h.client.sent[0] != "5521999999999: happy birthday" {
		t.Fatalf("sent: %v", h.client.sent)
	}

	got, err := h.dispatcher.Get(ctx, "t1", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ScheduleSent {
		t.Fatalf("status: got %s, want sent", got.Status)
	}
	if got.Result != "true_123" {
		t.Fatalf("result: got %q", got.Result)
	}
	if got.SentAt == nil || !got.SentAt.Equal(h.clock) {
		t.Fatalf("sentAt: got %v", got.SentAt)
	}
}

func TestCreateRejectsPastDate(t *testing.T) {
	h := newHarness(t)
	_, err := h.dispatcher.Create(context.Background(), "t1", CreateInput{
		Phone:       "5521",
		ScheduledAt: h.clock.Add(-time.Minute),
	})
	if !domain.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	h := newHarness(t)
	_, err := h.dispatcher.Create(context.Background(), "t1", CreateInput{
		Phone:       "5521",
		Type:        "carrier-pigeon",
		ScheduledAt: h.clock.Add(time.Minute),
	})
	if !domain.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestUpdateReschedulesDispatchJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.dispatcher.Create(ctx, "t1", CreateInput{
		Phone:       "5521",
		Message:     "v1",
		ScheduledAt: h.clock.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	later := h.clock.Add(3 * time.Hour)
	msg := "v2"
	if _, err := h.dispatcher.Update(ctx, "t1", rec.ID, UpdateInput{
		Message:     &msg,
		ScheduledAt: &later,
	}); err != nil {
		t.Fatal(err)
	}

	// old due time passes without a dispatch
	h.clock = h.clock.Add(time.Hour + time.Minute)
	if n, _ := h.drain(t); n != 0 {
		t.Fatal("dispatched at the superseded due time")
	}

	h.clock = later.Add(time.Second)
	if n, err := h.drain(t); n != 1 || err != nil {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if h.client.sent[0] != "5521: v2" {
		t.Fatalf("sent: %v", h.client.sent)
	}
}

func TestUpdateNonPendingConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.dispatcher.Create(ctx, "t1", CreateInput{
		Phone:       "5521",
		ScheduledAt: h.clock.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.clock = h.clock.Add(2 * time.Minute)
	if _, err := h.drain(t); err != nil {
		t.Fatal(err)
	}

	at := h.clock.Add(time.Hour)
	if _, err := h.dispatcher.Update(ctx, "t1", rec.ID, UpdateInput{ScheduledAt: &at}); !domain.IsConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestCancelRemovesDispatchJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.dispatcher.Create(ctx, "t1", CreateInput{
		Phone:       "5521",
		ScheduledAt: h.clock.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := h.dispatcher.Cancel(ctx, "t1", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != domain.ScheduleCancelled {
		t.Fatalf("status: got %s, want cancelled", cancelled.Status)
	}

	h.clock = h.clock.Add(time.Hour)
	if n, _ := h.drain(t); n != 0 {
		t.Fatal("cancelled schedule still dispatched")
	}
	if len(h.client.sent) != 0 {
		t.Fatalf("sent: %v", h.client.sent)
	}
}

func TestCancelNonPendingConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.dispatcher.Create(ctx, "t1", CreateInput{
		Phone:       "5521",
		ScheduledAt: h.clock.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.dispatcher.Cancel(ctx, "t1", rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.dispatcher.Cancel(ctx, "t1", rec.ID); !domain.IsConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestDispatchSendFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.client.err = errors.New("send timed out")

	rec, err := h.dispatcher.Create(ctx, "t1", CreateInput{
		Phone:       "5521",
		ScheduledAt: h.clock.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.clock = h.clock.Add(2 * time.Minute)
	if _, err := h.drain(t); err == nil {
		t.Fatal("expected the send error to surface")
	}

	got, err := h.dispatcher.Get(ctx, "t1", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ScheduleFailed {
		t.Fatalf("status: got %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Fatal("failed schedule lost its error message")
	}
}

func TestDispatchForDeletedScheduleIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.dispatcher.Create(ctx, "t1", CreateInput{
		Phone:       "5521",
		ScheduledAt: h.clock.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	// bypass Delete so the queue job survives the record
	delete(h.store.records, rec.ID)

	h.clock = h.clock.Add(2 * time.Minute)
	if n, err := h.drain(t); n != 1 || err != nil {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if len(h.client.sent) != 0 {
		t.Fatalf("sent for a deleted schedule: %v", h.client.sent)
	}
}

func TestReconcileRestoresMissingJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.dispatcher.Create(ctx, "t1", CreateInput{
		Phone:       "5521",
		Message:     "restored",
		ScheduledAt: h.clock.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	// simulate a flushed queue
	if err := h.queue.Remove(ctx, QueueName, "schedule_"+rec.ID); err != nil {
		t.Fatal(err)
	}

	restored, err := h.dispatcher.Reconcile(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if restored != 1 {
		t.Fatalf("restored: got %d, want 1", restored)
	}
	// a second pass leaves the live job alone
	restored, err = h.dispatcher.Reconcile(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if restored != 0 {
		t.Fatalf("second pass restored %d", restored)
	}

	h.clock = h.clock.Add(2 * time.Minute)
	if n, err := h.drain(t); n != 1 || err != nil {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if h.client.sent[0] != "5521: restored" {
		t.Fatalf("sent: %v", h.client.sent)
	}
}

func TestListClampsLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.dispatcher.Create(ctx, "t1", CreateInput{
			Phone:       "5521",
			ScheduledAt: h.clock.Add(time.Duration(i+1) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := h.dispatcher.List(ctx, "t1", "", 0, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != MaxListLimit {
		t.Fatalf("limit: got %d, want %d", res.Limit, MaxListLimit)
	}
	if res.Page != 1 || res.Total != 3 || len(res.Data) != 3 {
		t.Fatalf("page=%d total=%d len=%d", res.Page, res.Total, len(res.Data))
	}
	if _, err := h.dispatcher.List(ctx, "t1", "shipped", 1, 10); !domain.IsValidation(err) {
		t.Fatalf("want validation error for unknown status, got %v", err)
	}
}
