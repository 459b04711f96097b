package push

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kibshh/wallet-pass-service/backend/internal/logging"
)

type recordingNotifier struct {
	mu      sync.Mutex
	serials []string
	block   chan struct{}
}

func (n *recordingNotifier) NotifyChanged(_ context.Context, serial string) []Outcome {
	if n.block != nil {
		<-n.block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.serials = append(n.serials, serial)
	if serial == "panic" {
		panic("boom")
	}
	return []Outcome{{DeviceID: "D1", Status: StatusSent}}
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.serials...)
}

func TestQueueProcessesEntries(t *testing.T) {
	notifier := &recordingNotifier{}
	q := NewQueue(notifier, 10, 2, logging.Discard(), nil)
	q.Start(context.Background())

	require.True(t, q.Enqueue("S1"))
	require.True(t, q.Enqueue("panic"))
	require.True(t, q.Enqueue("S2"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))

	require.ElementsMatch(t, []string{"S1", "panic", "S2"}, notifier.seen())
	require.False(t, q.Enqueue("S3"))
}

func TestQueueDropsWhenFull(t *testing.T) {
	notifier := &recordingNotifier{block: make(chan struct{})}
	q := NewQueue(notifier, 1, 1, logging.Discard(), nil)
	q.Start(context.Background())

	require.True(t, q.Enqueue("S1"))
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, time.Millisecond)
	require.True(t, q.Enqueue("S2"))
	require.False(t, q.Enqueue("S3"))

	close(notifier.block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
	require.Equal(t, []string{"S1", "S2"}, notifier.seen())
}
