package broadcast_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redwall/sentinel/internal/broadcast"
)

func newTestBus(bufSize int) *broadcast.Bus {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return broadcast.New(logger, bufSize)
}

func TestSubscribe_SubscriberCountTracks(t *testing.T) {
	t.Parallel()

	b := newTestBus(16)
	if got := b.SubscriberCount(broadcast.ChannelBlockIP); got != 0 {
		t.Fatalf("SubscriberCount = %d before subscribe, want 0", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = b.Subscribe(ctx, broadcast.ChannelBlockIP)

	if got := b.SubscriberCount(broadcast.ChannelBlockIP); got != 1 {
		t.Fatalf("SubscriberCount = %d after subscribe, want 1", got)
	}
}

func TestPublish_DeliversToAllSubscribersOnChannel(t *testing.T) {
	t.Parallel()

	b := newTestBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1 := b.Subscribe(ctx, broadcast.ChannelThreatDetected)
	c2 := b.Subscribe(ctx, broadcast.ChannelThreatDetected)

	b.Publish(broadcast.ChannelThreatDetected, "verdict-1")

	deadline := time.After(100 * time.Millisecond)
	for _, ch := range []<-chan any{c1, c2} {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatal("subscriber channel closed unexpectedly")
			}
			if v != "verdict-1" {
				t.Errorf("got %v, want %q", v, "verdict-1")
			}
		case <-deadline:
			t.Fatal("timeout waiting for published message")
		}
	}
}

func TestPublish_DoesNotCrossChannels(t *testing.T) {
	t.Parallel()

	b := newTestBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blockIP := b.Subscribe(ctx, broadcast.ChannelBlockIP)
	_ = b.Subscribe(ctx, broadcast.ChannelRequire2FA)

	b.Publish(broadcast.ChannelRequire2FA, "2fa-required")

	select {
	case v := <-blockIP:
		t.Fatalf("unexpected delivery on block-ip channel: %v", v)
	case <-time.After(20 * time.Millisecond):
		// expected: no cross-channel delivery
	}
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	b := newTestBus(2) // tiny buffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, broadcast.ChannelIncreaseMonitoring)

	// Fill the buffer, then publish once more — the extra publish must not
	// block the caller even though nothing drains the channel.
	b.Publish(broadcast.ChannelIncreaseMonitoring, 1)
	b.Publish(broadcast.ChannelIncreaseMonitoring, 2)
	done := make(chan struct{})
	go func() {
		b.Publish(broadcast.ChannelIncreaseMonitoring, 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	if got := len(ch); got != 2 {
		t.Errorf("buffered messages = %d, want 2", got)
	}
}

func TestSubscribe_ContextCancelClosesChannel(t *testing.T) {
	t.Parallel()

	b := newTestBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, broadcast.ChannelInvalidateSessions)

	cancel()

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel was not closed after context cancellation")
		}
	}
}

func TestClose_ClosesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := newTestBus(16)
	ch := b.Subscribe(context.Background(), broadcast.ChannelBlockIP)

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after Close")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel was not closed by Close")
	}

	// Publish and Subscribe after Close must not panic.
	b.Publish(broadcast.ChannelBlockIP, "ignored")
	newCh := b.Subscribe(context.Background(), broadcast.ChannelBlockIP)
	if _, ok := <-newCh; ok {
		t.Error("Subscribe after Close should return an already-closed channel")
	}
}
