package notify

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestNewEventFields(t *testing.T) {
	actor := common.HexToAddress("0x00000000000000000000000000000000000000A1")
	subject := common.HexToAddress("0x00000000000000000000000000000000000000A2")

	evt := NewEvent(EventBidPlaced, 7, actor, subject, big.NewInt(15))
	if evt.ID == "" {
		t.Fatal("expected generated event id")
	}
	if evt.Type != EventBidPlaced || evt.TaskID != 7 {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Amount != "15" {
		t.Fatalf("amount: got %q want \"15\"", evt.Amount)
	}
	if evt.Subject != subject.Hex() {
		t.Fatalf("subject: got %q want %q", evt.Subject, subject.Hex())
	}

	// 零地址与空金额不编码。
	empty := NewEvent(EventTaskCancelled, 7, actor, common.Address{}, nil)
	if empty.Subject != "" || empty.Amount != "" {
		t.Fatalf("expected empty subject/amount, got %+v", empty)
	}
}

func TestMemoryStreamPublishConsume(t *testing.T) {
	stream := NewMemoryStream(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []EventType
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stream.Consume(ctx, 2, func(_ context.Context, evt Event) error {
			mu.Lock()
			seen = append(seen, evt.Type)
			if len(seen) == 3 {
				cancel()
			}
			mu.Unlock()
			return nil
		})
	}()

	for _, typ := range []EventType{EventTaskCreated, EventBidPlaced, EventTaskCompleted} {
		if err := stream.Publish(ctx, Event{Type: typ}); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 events consumed, got %d", len(seen))
	}
}

func TestMemoryStreamDropsWhenFull(t *testing.T) {
	stream := NewMemoryStream(1)
	ctx := context.Background()

	if err := stream.Publish(ctx, Event{Type: EventTaskCreated}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// 缓冲已满时丢弃而不是阻塞。
	if err := stream.Publish(ctx, Event{Type: EventBidPlaced}); err != nil {
		t.Fatalf("publish to full stream: %v", err)
	}
	if len(stream.Events()) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(stream.Events()))
	}
}

func TestMemoryStreamClose(t *testing.T) {
	stream := NewMemoryStream(1)
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
	err := stream.Publish(context.Background(), Event{Type: EventTaskCreated})
	if err == nil {
		t.Fatal("expected publish after close to fail")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error kind: %v", err)
	}
}
