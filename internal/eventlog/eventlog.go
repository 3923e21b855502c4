// Package eventlog persists a mirror of every published hub message so
// clients whose cursor has rolled out of the in-memory ring buffer can still
// resume. It is the correctness tier; the ring buffer is the fast path.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"agentworks/internal/cursor"
	"agentworks/pkg/config"
	"agentworks/pkg/logging"
	"agentworks/pkg/models"
)

// Config tunes the durable tier. All knobs map to WS_EVENT_LOG_* env vars.
type Config struct {
	Enabled         bool
	RetentionHours  int
	MaxRows         int
	MaxDeletePerRun int
	DeleteBatchSize int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		RetentionHours:  24,
		MaxRows:         200_000,
		MaxDeletePerRun: 5_000,
		DeleteBatchSize: 1_000,
	}
}

// ConfigFromEnv builds a Config from the WS_EVENT_LOG_* variables.
func ConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		Enabled:         config.GetEnvBool("WS_EVENT_LOG_ENABLED", def.Enabled),
		RetentionHours:  config.GetEnvInt("WS_EVENT_LOG_RETENTION_HOURS", def.RetentionHours),
		MaxRows:         config.GetEnvInt("WS_EVENT_LOG_MAX_ROWS", def.MaxRows),
		MaxDeletePerRun: config.GetEnvInt("WS_EVENT_LOG_MAX_DELETE_PER_RUN", def.MaxDeletePerRun),
		DeleteBatchSize: config.GetEnvInt("WS_EVENT_LOG_DELETE_BATCH_SIZE", def.DeleteBatchSize),
	}
}

// Store is the Postgres-backed event mirror.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger logging.Entry
}

// NewStore creates a store over db.
func NewStore(db *sql.DB, cfg Config, logger logging.Logger) *Store {
	return &Store{
		db:     db,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "eventlog"),
	}
}

// Enabled reports whether mirroring is on.
func (s *Store) Enabled() bool {
	return s.cfg.Enabled
}

// EnsureSchema creates the hub_events table and its replay index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS hub_events (
	id UUID PRIMARY KEY,
	channel TEXT NOT NULL,
	cursor TEXT NOT NULL,
	cursor_timestamp BIGINT NOT NULL,
	cursor_sequence BIGINT NOT NULL,
	message JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS hub_events_channel_cursor
	ON hub_events (channel, cursor_timestamp, cursor_sequence);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure hub_events schema: %w", err)
	}
	return nil
}

// Append mirrors one published message. Idempotent on id so publish retries
// are safe. A malformed cursor is logged and skipped; the publish path must
// never block on the mirror.
func (s *Store) Append(ctx context.Context, msg models.HubMessage) error {
	if !s.cfg.Enabled {
		return nil
	}

	cur, err := cursor.Decode(msg.Cursor)
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"message_id": msg.ID,
			"channel":    msg.Channel,
		}).Warn("Skipping event log append for malformed cursor")
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal hub message %s: %w", msg.ID, err)
	}

	const insert = `
INSERT INTO hub_events (id, channel, cursor, cursor_timestamp, cursor_sequence, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, to_timestamp($4::double precision / 1000.0))
ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, msg.ID, msg.Channel, msg.Cursor, cur.Timestamp, cur.Sequence, body); err != nil {
		return fmt.Errorf("append hub event %s: %w", msg.ID, err)
	}
	return nil
}

// ReplayResult is the durable-tier answer to a backfill.
type ReplayResult struct {
	Messages      []models.HubMessage
	LastCursor    string
	HasMore       bool
	CursorExpired bool
}

const defaultReplayLimit = 100
const maxReplayLimit = 500

// Replay returns rows after fromToken on a channel, ascending. A malformed
// token, or a well-formed one with no matching row (beyond retention),
// yields the latest rows with CursorExpired set.
func (s *Store) Replay(ctx context.Context, channelStr, fromToken string, limit int) (ReplayResult, error) {
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	if limit > maxReplayLimit {
		limit = maxReplayLimit
	}

	if fromToken == "" {
		return s.latest(ctx, channelStr, limit, false)
	}

	cur, err := cursor.Decode(fromToken)
	if err != nil {
		return s.latest(ctx, channelStr, limit, true)
	}

	// The handoff contract: a well-formed cursor that no longer exists in
	// the channel is beyond retention and must be flagged, not silently
	// resumed past.
	var exists bool
	const probe = `
SELECT EXISTS (
	SELECT 1 FROM hub_events
	WHERE channel = $1 AND cursor_timestamp = $2 AND cursor_sequence = $3
)`
	if err := s.db.QueryRowContext(ctx, probe, channelStr, cur.Timestamp, cur.Sequence).Scan(&exists); err != nil {
		return ReplayResult{}, fmt.Errorf("probe cursor on %s: %w", channelStr, err)
	}
	if !exists {
		return s.latest(ctx, channelStr, limit, true)
	}

	const query = `
SELECT message FROM hub_events
WHERE channel = $1 AND (cursor_timestamp, cursor_sequence) > ($2, $3)
ORDER BY cursor_timestamp ASC, cursor_sequence ASC
LIMIT $4`
	rows, err := s.db.QueryContext(ctx, query, channelStr, cur.Timestamp, cur.Sequence, limit+1)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay %s: %w", channelStr, err)
	}
	defer rows.Close()

	// A forward page keeps the oldest rows so the client can resume from
	// LastCursor without a gap.
	return scanReplay(rows, limit, false, false)
}

// latest returns the newest limit rows ascending.
func (s *Store) latest(ctx context.Context, channelStr string, limit int, expired bool) (ReplayResult, error) {
	const query = `
SELECT message FROM (
	SELECT message, cursor_timestamp, cursor_sequence FROM hub_events
	WHERE channel = $1
	ORDER BY cursor_timestamp DESC, cursor_sequence DESC
	LIMIT $2
) recent
ORDER BY cursor_timestamp ASC, cursor_sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, channelStr, limit+1)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("latest %s: %w", channelStr, err)
	}
	defer rows.Close()

	return scanReplay(rows, limit, expired, true)
}

func scanReplay(rows *sql.Rows, limit int, expired, keepNewest bool) (ReplayResult, error) {
	res := ReplayResult{CursorExpired: expired}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return ReplayResult{}, fmt.Errorf("scan hub event: %w", err)
		}
		var msg models.HubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return ReplayResult{}, fmt.Errorf("decode hub event: %w", err)
		}
		res.Messages = append(res.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return ReplayResult{}, fmt.Errorf("iterate hub events: %w", err)
	}

	if len(res.Messages) > limit {
		res.HasMore = true
		if keepNewest {
			res.Messages = res.Messages[len(res.Messages)-limit:]
		} else {
			res.Messages = res.Messages[:limit]
		}
	}
	if n := len(res.Messages); n > 0 {
		res.LastCursor = res.Messages[n-1].Cursor
	}
	return res, nil
}
