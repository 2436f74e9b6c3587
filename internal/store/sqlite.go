package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/nidhogg/recall/internal/apperr"
	"github.com/nidhogg/recall/internal/model"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	_ Backend = (*Postgres)(nil)
	_ Backend = (*SQLite)(nil)
)

// SQLite is an embedded single-file backend.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite opens or creates the database at path and applies migrations.
// An empty path or ":memory:" opens a private in-memory database.
func NewSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	dsn := ":memory:?_pragma=foreign_keys(on)"
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, logger: logger}
	err = applyMigrations(ctx, "migrations/sqlite", func(ctx context.Context, stmt string) error {
		_, err := db.ExecContext(ctx, stmt)
		return err
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("SQLite opened", zap.String("path", path))
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation row.
func (s *SQLite) CreateConversation(ctx context.Context, c model.Conversation) error {
	return retry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, owner_id, title, created_at, last_active)
			VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.OwnerID, c.Title, fmtTime(c.CreatedAt), fmtTime(c.LastActive))
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes a conversation; messages cascade.
func (s *SQLite) DeleteConversation(ctx context.Context, id string) error {
	return retry(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

// AppendMessage deletes evicted messages, stores m and bumps the
// conversation's last activity in one transaction.
func (s *SQLite) AppendMessage(ctx context.Context, m model.Message, evicted ...model.Eviction) error {
	return retry(ctx, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, ev := range evicted {
				for _, seq := range ev.Seqs {
					if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND seq = ?`,
						ev.ConversationID, seq); err != nil {
						return fmt.Errorf("evict message %s/%d: %w", ev.ConversationID, seq, err)
					}
				}
			}
			var tokens sql.NullInt64
			if m.TokenCount != nil {
				tokens = sql.NullInt64{Int64: int64(*m.TokenCount), Valid: true}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, conversation_id, seq, role, body, token_count, pinned, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.ConversationID, m.Seq, string(m.Role), m.Body, tokens, m.Pinned, fmtTime(m.Timestamp))
			if err != nil {
				return fmt.Errorf("append message: %w", err)
			}
			res, err := tx.ExecContext(ctx, `UPDATE conversations SET last_active = ? WHERE id = ?`,
				fmtTime(m.Timestamp), m.ConversationID)
			if err != nil {
				return fmt.Errorf("touch conversation: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("conversation %s: %w", m.ConversationID, apperr.ErrNotFound)
			}
			return nil
		})
	})
}

// PinMessage exempts a message from capacity eviction.
func (s *SQLite) PinMessage(ctx context.Context, conversationID string, seq int64) error {
	return retry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `UPDATE messages SET pinned = 1 WHERE conversation_id = ? AND seq = ?`,
			conversationID, seq)
		if err != nil {
			return fmt.Errorf("pin message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("message %s/%d: %w", conversationID, seq, apperr.ErrNotFound)
		}
		return nil
	})
}

// LoadConversations returns every stored conversation.
func (s *SQLite) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	err := retry(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, owner_id, title, created_at, last_active
			FROM conversations ORDER BY created_at ASC`)
		if err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c model.Conversation
			var created, active string
			if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &created, &active); err != nil {
				return fmt.Errorf("scan conversation: %w", err)
			}
			c.CreatedAt, c.LastActive = parseTime(created), parseTime(active)
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// LoadMessages returns the retained messages of a conversation in sequence order.
func (s *SQLite) LoadMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	err := retry(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, seq, role, body, token_count, pinned, created_at
			FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
		if err != nil {
			return fmt.Errorf("load messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m := model.Message{ConversationID: conversationID}
			var (
				role, created string
				tokens        sql.NullInt64
			)
			if err := rows.Scan(&m.ID, &m.Seq, &role, &m.Body, &tokens, &m.Pinned, &created); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			m.Role = model.Role(role)
			m.Timestamp = parseTime(created)
			if tokens.Valid {
				n := int(tokens.Int64)
				m.TokenCount = &n
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// SaveMemories upserts and deletes memory items in one transaction.
func (s *SQLite) SaveMemories(ctx context.Context, upserts []*model.MemoryItem, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	return retry(ctx, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, item := range upserts {
				detail, err := model.EncodeDetail(item.Detail)
				if err != nil {
					return fmt.Errorf("encode detail: %w", err)
				}
				refs, err := json.Marshal(nonNil(item.SourceRefs))
				if err != nil {
					return fmt.Errorf("encode source refs: %w", err)
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO memory_items (id, user_id, kind, embedding, summary, created_at,
						last_reinforced, decay_anchor, anchored_at, reinforcement_count,
						source_refs, detail, seq, version)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT (id) DO UPDATE SET
						kind = excluded.kind, embedding = excluded.embedding,
						summary = excluded.summary, last_reinforced = excluded.last_reinforced,
						decay_anchor = excluded.decay_anchor, anchored_at = excluded.anchored_at,
						reinforcement_count = excluded.reinforcement_count,
						source_refs = excluded.source_refs, detail = excluded.detail,
						version = excluded.version`,
					item.ID, item.UserID, string(item.Kind), encodeVector(item.Embedding), item.Summary,
					fmtTime(item.CreatedAt), fmtTime(item.LastReinforced), item.DecayAnchor,
					fmtTime(item.AnchoredAt), item.ReinforcementCount, string(refs), string(detail),
					int64(item.Seq), int64(item.Version))
				if err != nil {
					return fmt.Errorf("upsert memory %s: %w", item.ID, err)
				}
			}
			for _, id := range deletes {
				if _, err := tx.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id); err != nil {
					return fmt.Errorf("delete memory %s: %w", id, err)
				}
			}
			return nil
		})
	})
}

// LoadMemories returns every stored memory item.
func (s *SQLite) LoadMemories(ctx context.Context) ([]*model.MemoryItem, error) {
	var out []*model.MemoryItem
	err := retry(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, user_id, kind, embedding, summary, created_at, last_reinforced,
				decay_anchor, anchored_at, reinforcement_count, source_refs, detail, seq, version
			FROM memory_items ORDER BY seq ASC`)
		if err != nil {
			return fmt.Errorf("load memories: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				item                              model.MemoryItem
				kind, created, reinforced, anchor string
				refs, detail                      string
				vec                               []byte
				seq, version                      int64
			)
			if err := rows.Scan(&item.ID, &item.UserID, &kind, &vec, &item.Summary, &created,
				&reinforced, &item.DecayAnchor, &anchor, &item.ReinforcementCount, &refs, &detail,
				&seq, &version); err != nil {
				return fmt.Errorf("scan memory: %w", err)
			}
			item.Kind = model.Kind(kind)
			item.Embedding = decodeVector(vec)
			item.CreatedAt = parseTime(created)
			item.LastReinforced = parseTime(reinforced)
			item.AnchoredAt = parseTime(anchor)
			item.Seq, item.Version = uint64(seq), uint64(version)
			if err := json.Unmarshal([]byte(refs), &item.SourceRefs); err != nil {
				return fmt.Errorf("memory %s source refs: %w", item.ID, err)
			}
			if item.Detail, err = model.DecodeDetail(item.Kind, []byte(detail)); err != nil {
				return fmt.Errorf("memory %s: %w", item.ID, err)
			}
			out = append(out, &item)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteUserMemories removes every memory item owned by userID.
func (s *SQLite) DeleteUserMemories(ctx context.Context, userID string) error {
	return retry(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete user memories: %w", err)
		}
		return nil
	})
}

// SaveProfile upserts a user profile.
func (s *SQLite) SaveProfile(ctx context.Context, prof *model.Profile) error {
	data, err := json.Marshal(prof)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return retry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO profiles (user_id, data, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			prof.UserID, string(data), fmtTime(prof.UpdatedAt))
		if err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		return nil
	})
}

// LoadProfile returns the stored profile for userID.
func (s *SQLite) LoadProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var prof model.Profile
	err := retry(ctx, func(ctx context.Context) error {
		var data string
		err := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE user_id = ?`, userID).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("profile %s: %w", userID, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		return json.Unmarshal([]byte(data), &prof)
	})
	if err != nil {
		return nil, err
	}
	return &prof, nil
}

// DeleteProfile removes a user profile.
func (s *SQLite) DeleteProfile(ctx context.Context, userID string) error {
	return retry(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete profile: %w", err)
		}
		return nil
	})
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// encodeVector packs a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
