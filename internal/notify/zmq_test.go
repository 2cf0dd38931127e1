package notify

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/pkg/log"
)

var _ miner.EventSource = (*Subscriber)(nil)

func TestPublisherSubscriber(t *testing.T) {
	const endpoint = "inproc://powtoken-test"

	pub, err := NewPublisher(endpoint, log.Discard())
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := NewSubscriber(endpoint, log.Discard()).Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev := contract.MiningEvent{BlockNumber: 7, Nonce: 99, Reward: 50}
	ev.NewDifficulty.SetUint64(1000)

	// a SUB socket only sees messages sent after its subscription propagates
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-events:
			if got != ev {
				t.Fatalf("got %+v, want %+v", got, ev)
			}
			cancel()
			for range events {
			}
			return
		case <-ticker.C:
			if err := pub.PublishEvent(ctx, ev); err != nil {
				t.Fatalf("PublishEvent: %v", err)
			}
		case <-deadline:
			t.Fatal("no notification received")
		}
	}
}

func TestNewPublisher_BadEndpoint(t *testing.T) {
	if _, err := NewPublisher("bogus://nowhere", log.Discard()); err == nil {
		t.Error("expected bind error")
	}
}

func TestPublisher_CloseTwice(t *testing.T) {
	pub, err := NewPublisher("inproc://powtoken-close", log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := pub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
