package pipeline

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/opennetty/opennetty-core/internal/message"
)

func TestPublishSubscribeOrderPreserved(t *testing.T) {
	b := New(nil)
	b.Connect()
	const n = 50
	// The buffer holds all n notifications: the bus drops on a full
	// subscriber buffer, and nothing reads ch until every publish is done.
	ch := b.Subscribe(n)
	defer b.Unsubscribe(ch)

	for i := 0; i < n; i++ {
		b.Publish(Notification{Kind: MessageReceived, Gateway: "g" + strconv.Itoa(i), Message: message.Message{}})
	}

	// All n notifications from this single producer must arrive in the
	// order published (spec.md §5: per-producer order preserved).
	for i := 0; i < n; i++ {
		select {
		case got := <-ch:
			if got.Gateway != "g"+strconv.Itoa(i) {
				t.Fatalf("notification %d: got gateway %q", i, got.Gateway)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for notification %d", i)
		}
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New(nil)
	b.Connect()
	const subs = 4
	chans := make([]<-chan Notification, subs)
	for i := range chans {
		chans[i] = b.Subscribe(4)
	}
	defer func() {
		for _, ch := range chans {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Notification{Kind: MessageSent, Gateway: "g1"})

	for i, ch := range chans {
		select {
		case got := <-ch:
			if got.Kind != MessageSent {
				t.Errorf("subscriber %d: got kind %v, want MessageSent", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestSlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	b := New(nil)
	b.Connect()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for i := 0; i < 4; i++ {
		b.Publish(Notification{Kind: MessageReceived, Gateway: "g1"})
	}

	// The fast subscriber must have received all 4 despite the slow
	// subscriber's buffer overflowing after the first.
	received := 0
	for i := 0; i < 4; i++ {
		select {
		case <-fast:
			received++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber only received %d/4", received)
		}
	}
}

func TestQueueBeforeConnect(t *testing.T) {
	b := New(nil)
	// Publish before Connect: notifications queue in the input buffer.
	b.Publish(Notification{Kind: MessageSent, Gateway: "queued"})

	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)
	b.Connect()

	select {
	case got := <-ch:
		if got.Gateway != "queued" {
			t.Fatalf("got gateway %q, want %q", got.Gateway, "queued")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pre-connect notification")
	}
}

func TestShutdownClosesSubscribers(t *testing.T) {
	b := New(nil)
	b.Connect()
	ch := b.Subscribe(4)

	b.Shutdown()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after Shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New(nil)
	b.Connect()
	ch := b.Subscribe(1024)
	defer b.Unsubscribe(ch)

	var wg sync.WaitGroup
	const producers, perProducer = 8, 50
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Publish(Notification{Kind: MessageSent, Gateway: "concurrent"})
			}
		}()
	}
	wg.Wait()

	count := 0
	timeout := time.After(2 * time.Second)
drain:
	for count < producers*perProducer {
		select {
		case <-ch:
			count++
		case <-timeout:
			break drain
		}
	}
	if count != producers*perProducer {
		t.Fatalf("got %d notifications, want %d", count, producers*perProducer)
	}
}

func TestNilBusPublishIsNoOp(t *testing.T) {
	var b *Bus
	b.Publish(Notification{Kind: MessageSent})
	if b.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers on nil bus")
	}
}
