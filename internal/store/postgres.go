package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/debatechat/internal/chat"
)

const defaultOpTimeout = 5 * time.Second

// Postgres is the pgx-backed durable log.
type Postgres struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithOpTimeout bounds every database call. Zero keeps the default.
func WithOpTimeout(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.opTimeout = d
		}
	}
}

// NewPostgres connects a pgx pool to the given DSN.
func NewPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool, opTimeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Bootstrap creates the schema. Intended for development and tests;
// production deployments run migrations instead.
func (p *Postgres) Bootstrap(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
	id               TEXT PRIMARY KEY,
	topic            TEXT NOT NULL DEFAULT '',
	stance           TEXT NOT NULL DEFAULT '',
	opening_argument TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS messages (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	message         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_messages_conv_id ON messages (conversation_id, id);`

	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("bootstrap schema: %w: %v", chat.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) CreateConversation(ctx context.Context, conv *chat.Conversation) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	err := p.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, topic, stance, opening_argument)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		conv.ID, conv.Topic, conv.Stance, conv.OpeningArgument,
	).Scan(&conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w: %v", chat.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) FindConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	conv := &chat.Conversation{ID: id}
	err := p.pool.QueryRow(ctx,
		`SELECT topic, stance, opening_argument, created_at
		 FROM conversations WHERE id = $1`,
		id,
	).Scan(&conv.Topic, &conv.Stance, &conv.OpeningArgument, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %q: %w", id, chat.ErrConversationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w: %v", chat.ErrStoreUnavailable, err)
	}
	return conv, nil
}

func (p *Postgres) Append(ctx context.Context, conversationID string, role chat.Role, text string) (*chat.Message, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	msg := &chat.Message{ConversationID: conversationID, Role: role, Text: text}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, role, message)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		conversationID, string(role), text,
	).Scan(&msg.Sequence, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append message: %w: %v", chat.ErrStoreUnavailable, err)
	}
	return msg, nil
}

func (p *Postgres) ReadLastN(ctx context.Context, conversationID string, n int) ([]chat.Message, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	rows, err := p.pool.Query(ctx,
		`SELECT id, role, message, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY id DESC LIMIT $2`,
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("read last %d: %w: %v", n, chat.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		m := chat.Message{ConversationID: conversationID}
		var role string
		if err := rows.Scan(&m.Sequence, &role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w: %v", chat.ErrStoreUnavailable, err)
		}
		m.Role = chat.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read last %d: %w: %v", n, chat.ErrStoreUnavailable, err)
	}
	return msgs, nil
}

func (p *Postgres) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1`,
		conversationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w: %v", chat.ErrStoreUnavailable, err)
	}
	return count, nil
}

func (p *Postgres) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opTimeout)
}

var _ Store = (*Postgres)(nil)
