package webhook

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/queue"
)

type fakeEnqueuer struct {
	calls []string
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, queueName, jobName string, _ any, _ queue.Options) (queue.Handle, error) {
	f.calls = append(f.calls, queueName+"/"+jobName)
	return queue.Handle{ID: "j1", Queue: queueName}, f.err
}

func TestShouldSend(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		events string
		event  string
		want   bool
	}{
		{"no url disables", "", "", "chat.update", false},
		{"empty filter allows all", "http://x", "", "chat.update", true},
		{"star allows all", "http://x", "*", "anything", true},
		{"exact match", "http://x", "chat.update", "chat.update", true},
		{"exact mismatch", "http://x", "chat.update", "chat.delete", false},
		{"dot prefix", "http://x", "chat", "chat.update", true},
		{"prefix needs dot boundary", "http://x", "chat", "chatter", false},
		{"list picks any", "http://x", "message, chat", "chat.update", true},
		{"list misses", "http://x", "message,call", "chat.update", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			n := NewNotifier(Config{URL: c.url, Events: c.events}, &fakeEnqueuer{}, zap.NewNop())
			if got := n.ShouldSend(c.event); got != c.want {
				t.Fatalf("ShouldSend(%q) = %v, want %v", c.event, got, c.want)
			}
		})
	}
}

func TestSendEnqueuesDelivery(t *testing.T) {
	q := &fakeEnqueuer{}
	n := NewNotifier(Config{URL: "http://x"}, q, zap.NewNop())
	n.Send(context.Background(), "t1", "chat.update", map[string]string{"id": "1"})
	if len(q.calls) != 1 || q.calls[0] != QueueName+"/deliver" {
		t.Fatalf("unexpected enqueue calls: %v", q.calls)
	}
}

func TestSendWithoutURLIsNoop(t *testing.T) {
	q := &fakeEnqueuer{}
	n := NewNotifier(Config{}, q, zap.NewNop())
	n.Send(context.Background(), "t1", "chat.update", nil)
	if len(q.calls) != 0 {
		t.Fatalf("disabled notifier still enqueued: %v", q.calls)
	}
}

func TestSendSwallowsEnqueueError(t *testing.T) {
	q := &fakeEnqueuer{err: errors.New("redis down")}
	n := NewNotifier(Config{URL: "http://x"}, q, zap.NewNop())
	// must not panic or propagate
	n.Send(context.Background(), "t1", "chat.update", nil)
}
