//go:build integration

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

// startPostgres starts a PostgreSQL testcontainer and returns a migrated backend.
func startPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("recall_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	pg, err := NewPostgres(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { pg.Close() })
	if err := pg.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pg
}

func TestPostgresConversationAndMemory(t *testing.T) {
	ctx := context.Background()
	pg := startPostgres(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := pg.CreateConversation(ctx, model.Conversation{ID: "c1", OwnerID: "u1", CreatedAt: now, LastActive: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	m := model.Message{ID: "m1", ConversationID: "c1", Seq: 1, Role: model.RoleUser, Body: "hi", Timestamp: now}
	if err := pg.AppendMessage(ctx, m); err != nil {
		t.Fatalf("append: %v", err)
	}
	m.ID = "m2"
	if err := pg.AppendMessage(ctx, m); !errors.Is(err, apperr.ErrIntegrity) {
		t.Fatalf("duplicate seq: got %v, want ErrIntegrity", err)
	}

	m2 := model.Message{ID: "m2", ConversationID: "c1", Seq: 2, Role: model.RoleAssistant, Body: "hello", Timestamp: now}
	if err := pg.AppendMessage(ctx, m2, model.Eviction{ConversationID: "c1", Seqs: []int64{1}}); err != nil {
		t.Fatalf("append with eviction: %v", err)
	}
	// A rejected append must roll its eviction back.
	if err := pg.AppendMessage(ctx, m2, model.Eviction{ConversationID: "c1", Seqs: []int64{2}}); !errors.Is(err, apperr.ErrIntegrity) {
		t.Fatalf("duplicate seq with eviction: got %v, want ErrIntegrity", err)
	}
	msgs, err := pg.LoadMessages(ctx, "c1")
	if err != nil || len(msgs) != 1 || msgs[0].Seq != 2 {
		t.Fatalf("messages after eviction: %v %+v", err, msgs)
	}

	item, _ := model.NewEpisodic("u1", "c1", "said hi", []float32{1, 0}, []string{"m1"})
	item.ID, item.DecayAnchor, item.Seq, item.Version = "e1", 1, 1, 1
	item.CreatedAt, item.LastReinforced, item.AnchoredAt = now, now, now
	if err := pg.SaveMemories(ctx, []*model.MemoryItem{item}, nil); err != nil {
		t.Fatalf("save memory: %v", err)
	}
	items, err := pg.LoadMemories(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("load memories: %v (%d items)", err, len(items))
	}
	if d, ok := items[0].Detail.(model.EpisodicDetail); !ok || d.ConversationID != "c1" {
		t.Errorf("detail not restored: %#v", items[0].Detail)
	}

	if err := pg.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msgs, _ = pg.LoadMessages(ctx, "c1")
	if len(msgs) != 0 {
		t.Errorf("messages survived cascade")
	}
}
