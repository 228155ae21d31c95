package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ideacapital/vault-go/pkg/messaging"
)

type recorder struct {
	mu       sync.Mutex
	attempts []int
	done     chan struct{}
	want     int
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) handle(d func(attempt int) messaging.Disposition) messaging.Handler {
	return func(_ context.Context, msg *messaging.Message) messaging.Disposition {
		r.mu.Lock()
		r.attempts = append(r.attempts, msg.Attempt)
		if len(r.attempts) == r.want {
			close(r.done)
		}
		r.mu.Unlock()
		return d(msg.Attempt)
	}
}

func (r *recorder) wait(t *testing.T) []int {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int{}, r.attempts...)
}

func TestBus_AckDeliversOnce(t *testing.T) {
	bus := NewBus(10, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder(1)
	go func() { _ = bus.Subscribe(ctx, messaging.TopicInvestmentPending, rec.handle(func(int) messaging.Disposition { return messaging.Ack })) }()

	id, err := bus.Publish(ctx, messaging.TopicInvestmentPending, []byte(`{}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Equal(t, []int{1}, rec.wait(t))
	require.Len(t, bus.Published(messaging.TopicInvestmentPending), 1)
}

func TestBus_RetryRedelivers(t *testing.T) {
	bus := NewBus(10, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder(3)
	go func() {
		_ = bus.Subscribe(ctx, "t", rec.handle(func(attempt int) messaging.Disposition {
			if attempt < 3 {
				return messaging.Retry
			}
			return messaging.Ack
		}))
	}()

	_, err := bus.Publish(ctx, "t", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, rec.wait(t))
}

func TestBus_RetryIsBounded(t *testing.T) {
	bus := NewBus(10, zap.NewNop()).WithMaxDeliveries(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder(2)
	go func() {
		_ = bus.Subscribe(ctx, "t", rec.handle(func(int) messaging.Disposition { return messaging.Retry }))
	}()

	_, err := bus.Publish(ctx, "t", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, rec.wait(t))

	// No third delivery; the message is parked instead.
	require.Eventually(t, func() bool {
		return len(bus.Published(messaging.DeadLetterTopic("t"))) == 1
	}, time.Second, 5*time.Millisecond)
	dead := bus.Published(messaging.DeadLetterTopic("t"))[0]
	assert.Equal(t, []byte("x"), dead.Data)
	assert.Equal(t, 2, dead.Attempt)

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.attempts, 2)
}

func TestBus_PublishHonoursContext(t *testing.T) {
	bus := NewBus(1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := bus.Publish(ctx, "t", []byte("fills the buffer"))
	require.NoError(t, err)

	cancel()
	_, err = bus.Publish(ctx, "t", []byte("blocks"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestPublishJSON(t *testing.T) {
	bus := NewBus(10, zap.NewNop())
	_, err := messaging.PublishJSON(context.Background(), bus, "t", map[string]string{"a": "b"})
	require.NoError(t, err)

	published := bus.Published("t")
	require.Len(t, published, 1)
	assert.JSONEq(t, `{"a":"b"}`, string(published[0].Data))
}

func TestDispositionString(t *testing.T) {
	assert.Equal(t, "ack", messaging.Ack.String())
	assert.Equal(t, "retry", messaging.Retry.String())
	assert.Equal(t, "poison_pill", messaging.DropPoisonPill.String())
}
