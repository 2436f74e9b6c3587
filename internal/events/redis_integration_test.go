//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// startRedis starts a Redis testcontainer and returns its URL.
func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	bus, err := NewRedisBus(ctx, startRedis(t), "recall:test", zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer bus.Close()

	ch := bus.Subscribe(ctx)
	// Subscription reads from "$"; give the first XREAD time to block.
	time.Sleep(200 * time.Millisecond)

	if err := bus.Publish(ctx, &Event{Type: TypeMessageAppended, UserID: "u1", ConversationID: "c1", Seq: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.UserID != "u1" || ev.ConversationID != "c1" || ev.Seq != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
