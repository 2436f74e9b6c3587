package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
	"go.uber.org/zap"
)

// Postgres wraps a PostgreSQL connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a Postgres backend with a pgx connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate applies the embedded Postgres migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, "migrations/postgres", func(ctx context.Context, sql string) error {
		_, err := p.db.Exec(ctx, sql)
		return err
	}, p.logger)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

// CreateConversation inserts a new conversation row.
func (p *Postgres) CreateConversation(ctx context.Context, c model.Conversation) error {
	return retry(ctx, func(ctx context.Context) error {
		_, err := p.db.Exec(ctx, `
			INSERT INTO conversations (id, owner_id, title, created_at, last_active)
			VALUES ($1, $2, $3, $4, $5)`,
			c.ID, c.OwnerID, c.Title, c.CreatedAt, c.LastActive)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes a conversation; messages cascade.
func (p *Postgres) DeleteConversation(ctx context.Context, id string) error {
	return retry(ctx, func(ctx context.Context) error {
		if _, err := p.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

// AppendMessage deletes evicted messages, stores m and bumps the
// conversation's last activity in one transaction.
func (p *Postgres) AppendMessage(ctx context.Context, m model.Message, evicted ...model.Eviction) error {
	return retry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
			for _, ev := range evicted {
				if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1 AND seq = ANY($2)`,
					ev.ConversationID, ev.Seqs); err != nil {
					return fmt.Errorf("evict messages of %s: %w", ev.ConversationID, err)
				}
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO messages (id, conversation_id, seq, role, body, token_count, pinned, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				m.ID, m.ConversationID, m.Seq, string(m.Role), m.Body, m.TokenCount, m.Pinned, m.Timestamp)
			if err != nil {
				return fmt.Errorf("append message: %w", err)
			}
			tag, err := tx.Exec(ctx, `UPDATE conversations SET last_active = $2 WHERE id = $1`,
				m.ConversationID, m.Timestamp)
			if err != nil {
				return fmt.Errorf("touch conversation: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("conversation %s: %w", m.ConversationID, apperr.ErrNotFound)
			}
			return nil
		})
	})
}

// PinMessage exempts a message from capacity eviction.
func (p *Postgres) PinMessage(ctx context.Context, conversationID string, seq int64) error {
	return retry(ctx, func(ctx context.Context) error {
		tag, err := p.db.Exec(ctx, `UPDATE messages SET pinned = TRUE WHERE conversation_id = $1 AND seq = $2`,
			conversationID, seq)
		if err != nil {
			return fmt.Errorf("pin message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("message %s/%d: %w", conversationID, seq, apperr.ErrNotFound)
		}
		return nil
	})
}

// LoadConversations returns every stored conversation.
func (p *Postgres) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	err := retry(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := p.db.Query(ctx, `
			SELECT id, owner_id, title, created_at, last_active
			FROM conversations ORDER BY created_at ASC`)
		if err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c model.Conversation
			if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.LastActive); err != nil {
				return fmt.Errorf("scan conversation: %w", err)
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// LoadMessages returns the retained messages of a conversation in sequence order.
func (p *Postgres) LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	err := retry(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := p.db.Query(ctx, `
			SELECT id, seq, role, body, token_count, pinned, created_at
			FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`, conversationID)
		if err != nil {
			return fmt.Errorf("load messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m := model.Message{ConversationID: conversationID}
			var role string
			if err := rows.Scan(&m.ID, &m.Seq, &role, &m.Body, &m.TokenCount, &m.Pinned, &m.Timestamp); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			m.Role = model.Role(role)
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// SaveMemories upserts and deletes memory items in one transaction.
func (p *Postgres) SaveMemories(ctx context.Context, upserts []*model.MemoryItem, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	return retry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
			for _, item := range upserts {
				detail, err := model.EncodeDetail(item.Detail)
				if err != nil {
					return fmt.Errorf("encode detail: %w", err)
				}
				_, err = tx.Exec(ctx, `
					INSERT INTO memory_items (id, user_id, kind, embedding, summary, created_at,
						last_reinforced, decay_anchor, anchored_at, reinforcement_count,
						source_refs, detail, seq, version)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
					ON CONFLICT (id) DO UPDATE SET
						kind = EXCLUDED.kind, embedding = EXCLUDED.embedding,
						summary = EXCLUDED.summary, last_reinforced = EXCLUDED.last_reinforced,
						decay_anchor = EXCLUDED.decay_anchor, anchored_at = EXCLUDED.anchored_at,
						reinforcement_count = EXCLUDED.reinforcement_count,
						source_refs = EXCLUDED.source_refs, detail = EXCLUDED.detail,
						version = EXCLUDED.version`,
					item.ID, item.UserID, string(item.Kind), item.Embedding, item.Summary, item.CreatedAt,
					item.LastReinforced, item.DecayAnchor, item.AnchoredAt, item.ReinforcementCount,
					nonNil(item.SourceRefs), detail, int64(item.Seq), int64(item.Version))
				if err != nil {
					return fmt.Errorf("upsert memory %s: %w", item.ID, err)
				}
			}
			if len(deletes) > 0 {
				if _, err := tx.Exec(ctx, `DELETE FROM memory_items WHERE id = ANY($1)`, deletes); err != nil {
					return fmt.Errorf("delete memories: %w", err)
				}
			}
			return nil
		})
	})
}

// LoadMemories returns every stored memory item.
func (p *Postgres) LoadMemories(ctx context.Context) ([]*model.MemoryItem, error) {
	var out []*model.MemoryItem
	err := retry(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := p.db.Query(ctx, `
			SELECT id, user_id, kind, embedding, summary, created_at, last_reinforced,
				decay_anchor, anchored_at, reinforcement_count, source_refs, detail, seq, version
			FROM memory_items ORDER BY seq ASC`)
		if err != nil {
			return fmt.Errorf("load memories: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				item         model.MemoryItem
				kind         string
				detail       []byte
				seq, version int64
			)
			if err := rows.Scan(&item.ID, &item.UserID, &kind, &item.Embedding, &item.Summary,
				&item.CreatedAt, &item.LastReinforced, &item.DecayAnchor, &item.AnchoredAt,
				&item.ReinforcementCount, &item.SourceRefs, &detail, &seq, &version); err != nil {
				return fmt.Errorf("scan memory: %w", err)
			}
			item.Kind = model.Kind(kind)
			item.Seq, item.Version = uint64(seq), uint64(version)
			if item.Detail, err = model.DecodeDetail(item.Kind, detail); err != nil {
				return fmt.Errorf("memory %s: %w", item.ID, err)
			}
			out = append(out, &item)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteUserMemories removes every memory item owned by userID.
func (p *Postgres) DeleteUserMemories(ctx context.Context, userID string) error {
	return retry(ctx, func(ctx context.Context) error {
		if _, err := p.db.Exec(ctx, `DELETE FROM memory_items WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete user memories: %w", err)
		}
		return nil
	})
}

// SaveProfile upserts a user profile.
func (p *Postgres) SaveProfile(ctx context.Context, prof *model.Profile) error {
	data, err := json.Marshal(prof)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return retry(ctx, func(ctx context.Context) error {
		_, err := p.db.Exec(ctx, `
			INSERT INTO profiles (user_id, data, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
			prof.UserID, data, prof.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		return nil
	})
}

// LoadProfile returns the stored profile for userID.
func (p *Postgres) LoadProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var prof model.Profile
	err := retry(ctx, func(ctx context.Context) error {
		var data []byte
		if err := p.db.QueryRow(ctx, `SELECT data FROM profiles WHERE user_id = $1`, userID).Scan(&data); err != nil {
			return fmt.Errorf("load profile %s: %w", userID, err)
		}
		return json.Unmarshal(data, &prof)
	})
	if err != nil {
		return nil, err
	}
	return &prof, nil
}

// DeleteProfile removes a user profile.
func (p *Postgres) DeleteProfile(ctx context.Context, userID string) error {
	return retry(ctx, func(ctx context.Context) error {
		if _, err := p.db.Exec(ctx, `DELETE FROM profiles WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete profile: %w", err)
		}
		return nil
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
