// Package embedded implements the queue contract on a local SQLite file.
// It is the default backend: durable, ordered per message group, and
// dependency-free at deploy time. Leases are modelled as a visible_at
// timestamp plus a per-lease receipt handle; dedup is a unique key on
// (message_group_id, deduplication_id).
package embedded

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/queue"
)

const backendLabel = "embedded"

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	message_group_id TEXT NOT NULL,
	deduplication_id TEXT NOT NULL,
	body             BLOB NOT NULL,
	visible_at       INTEGER NOT NULL,
	receipt_handle   TEXT,
	delivery_count   INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
	ON messages(message_group_id, deduplication_id);
CREATE INDEX IF NOT EXISTS idx_messages_visible
	ON messages(visible_at, id);
`

// dequeueSQL leases exactly one row: among visible rows, the group of the
// overall oldest row is chosen, then the oldest visible row within that
// group. UPDATE ... RETURNING makes choose-and-lease atomic.
const dequeueSQL = `
UPDATE messages
SET visible_at = ?, receipt_handle = ?, delivery_count = delivery_count + 1
WHERE id = (
	SELECT id FROM messages
	WHERE visible_at <= ?
	  AND message_group_id = (
		SELECT message_group_id FROM messages
		WHERE visible_at <= ?
		ORDER BY id LIMIT 1)
	ORDER BY id LIMIT 1)
RETURNING id, message_group_id, body, delivery_count`

// Queue is an embedded SQLite-backed broker.
type Queue struct {
	db                *sql.DB
	visibilitySeconds int
}

// Options tunes the embedded queue.
type Options struct {
	Path              string
	VisibilitySeconds int // lease duration on fetch, default 120
}

// Open creates or opens the queue database.
func Open(opts Options) (*Queue, error) {
	if opts.VisibilitySeconds <= 0 {
		opts.VisibilitySeconds = queue.DefaultFailureVisibilitySeconds
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue %s: %w", opts.Path, err)
	}
	// A single writer connection avoids SQLITE_BUSY churn under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create embedded queue schema: %w", err)
	}

	slog.Info("Embedded queue opened", "path", opts.Path, "visibilitySeconds", opts.VisibilitySeconds)
	return &Queue{db: db, visibilitySeconds: opts.VisibilitySeconds}, nil
}

func (q *Queue) Publisher() queue.Publisher { return &publisher{q: q} }
func (q *Queue) Consumer() queue.Consumer   { return &consumer{q: q} }

// QueryMetrics counts visible and leased rows.
func (q *Queue) QueryMetrics(ctx context.Context) (queue.Metrics, error) {
	now := time.Now().UnixMilli()
	var m queue.Metrics
	err := q.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE visible_at <= ?),
			COUNT(*) FILTER (WHERE visible_at > ?)
		FROM messages`, now, now).Scan(&m.Pending, &m.Invisible)
	if err != nil {
		return queue.Metrics{}, fmt.Errorf("failed to query embedded queue metrics: %w", err)
	}
	return m, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

type publisher struct {
	q *Queue
}

func (p *publisher) Publish(ctx context.Context, msg queue.OutboundMessage) error {
	group := msg.MessageGroupID
	if group == "" {
		group = "default"
	}
	dedup := msg.DeduplicationID
	if dedup == "" {
		dedup = uuid.NewString()
	}

	_, err := p.q.db.ExecContext(ctx,
		`INSERT INTO messages (message_group_id, deduplication_id, body, visible_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		group, dedup, msg.Body, time.Now().UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: group=%s dedup=%s", queue.ErrDeduplicated, group, dedup)
		}
		return fmt.Errorf("failed to publish to embedded queue: %w", err)
	}
	metrics.QueueMessagesPublished.WithLabelValues(backendLabel).Inc()
	return nil
}

func (p *publisher) Close() error { return nil }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type consumer struct {
	q *Queue
}

// Fetch emulates long polling with a short re-check interval. Rows are
// leased one at a time so the group ordering the dequeue statement encodes
// is never bypassed.
func (c *consumer) Fetch(ctx context.Context, maxBatch int, wait time.Duration) ([]queue.Message, error) {
	deadline := time.Now().Add(wait)
	for {
		batch, err := c.fetchBatch(ctx, maxBatch)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			metrics.QueueMessagesConsumed.WithLabelValues(backendLabel).Add(float64(len(batch)))
			return batch, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *consumer) fetchBatch(ctx context.Context, maxBatch int) ([]queue.Message, error) {
	var out []queue.Message
	for len(out) < maxBatch {
		msg, err := c.dequeueOne(ctx)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *consumer) dequeueOne(ctx context.Context) (queue.Message, error) {
	now := time.Now().UnixMilli()
	leaseUntil := now + int64(c.q.visibilitySeconds)*1000
	handle := uuid.NewString()

	var (
		id            int64
		group         string
		body          []byte
		deliveryCount int
	)
	err := c.q.db.QueryRowContext(ctx, dequeueSQL, leaseUntil, handle, now, now).
		Scan(&id, &group, &body, &deliveryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from embedded queue: %w", err)
	}

	return &message{
		q:             c.q,
		id:            id,
		group:         group,
		body:          body,
		handle:        handle,
		deliveryCount: deliveryCount,
	}, nil
}

func (c *consumer) Close() error { return nil }

type message struct {
	q             *Queue
	id            int64
	group         string
	body          []byte
	handle        string
	deliveryCount int
}

func (m *message) ID() string           { return strconv.FormatInt(m.id, 10) }
func (m *message) Body() []byte         { return m.body }
func (m *message) MessageGroup() string { return m.group }
func (m *message) DeliveryCount() int   { return m.deliveryCount }

// Ack deletes the row. A handle mismatch means the lease expired and the
// row was re-leased; the redelivery will be re-acked by the router's
// pending-ack path, so it is not an error here.
func (m *message) Ack() error {
	res, err := m.q.db.Exec(`DELETE FROM messages WHERE id = ? AND receipt_handle = ?`, m.id, m.handle)
	if err != nil {
		return fmt.Errorf("failed to ack embedded message %d: %w", m.id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("Embedded ack missed: lease expired", "id", m.id)
		return nil
	}
	metrics.QueueAcks.WithLabelValues(backendLabel).Inc()
	return nil
}

func (m *message) NakWithDelay(seconds int) error {
	seconds = queue.ClampVisibility(seconds)
	visibleAt := time.Now().UnixMilli() + int64(seconds)*1000
	_, err := m.q.db.Exec(
		`UPDATE messages SET visible_at = ? WHERE id = ? AND receipt_handle = ?`,
		visibleAt, m.id, m.handle)
	if err != nil {
		return fmt.Errorf("failed to nack embedded message %d: %w", m.id, err)
	}
	metrics.QueueNacks.WithLabelValues(backendLabel).Inc()
	return nil
}

func (m *message) ExtendVisibility(seconds int) error {
	seconds = queue.ClampVisibility(seconds)
	visibleAt := time.Now().UnixMilli() + int64(seconds)*1000
	_, err := m.q.db.Exec(
		`UPDATE messages SET visible_at = ? WHERE id = ? AND receipt_handle = ?`,
		visibleAt, m.id, m.handle)
	if err != nil {
		return fmt.Errorf("failed to extend embedded message %d: %w", m.id, err)
	}
	return nil
}

// UpdateReceiptHandle refreshes the lease token after a redelivery.
func (m *message) UpdateReceiptHandle(handle string) {
	m.handle = handle
}

// ReceiptHandle exposes the current lease token for redelivery matching.
func (m *message) ReceiptHandle() string { return m.handle }
