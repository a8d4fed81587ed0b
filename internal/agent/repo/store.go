package repo

import (
	"context"
	"database/sql"
	_ "embed"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/companion-core/server/internal/agent/model"
	errx "github.com/companion-core/server/internal/core/error"
	logx "github.com/companion-core/server/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

// Store provides durable chat message, memory and activity operations
// over Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the tables when they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *model.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO chat_messages (id, session_id, user_id, role, content, processed_into_memory, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.UserID, msg.Role, msg.Content, msg.ProcessedIntoMemory, msg.CreatedAt)
	if err != nil {
		logx.Error().Err(err).Str("session_id", msg.SessionID).Msg("failed to append chat message")
		return errx.WrapPostgres(err)
	}
	return nil
}

func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, errx.WrapPostgres(err)
	}
	return n, nil
}

func (s *Store) CountUnprocessed(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = $1 AND processed_into_memory = false`,
		sessionID).Scan(&n)
	if err != nil {
		return 0, errx.WrapPostgres(err)
	}
	return n, nil
}

func (s *Store) RecentMessages(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	query := `
		SELECT id, session_id, user_id, role, content, processed_into_memory, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, n)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// claimUnprocessedSQL claims a window in a single statement. FOR UPDATE
// SKIP LOCKED in the subselect means two concurrent claims never return
// overlapping rows; the claimed_at stamp keeps the window out of later
// claims until released or processed. A claim older than the expiry is
// treated as stale (a crashed run, or a release that itself failed) so the
// window becomes eligible again instead of being excluded forever.
const claimUnprocessedSQL = `
	UPDATE chat_messages
	SET claimed_at = now()
	WHERE id IN (
		SELECT id FROM chat_messages
		WHERE session_id = $1 AND processed_into_memory = false
		  AND (claimed_at IS NULL OR claimed_at < now() - interval '10 minutes')
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, session_id, user_id, role, content, processed_into_memory, created_at
`

// ClaimUnprocessed claims up to n unprocessed messages (oldest first).
func (s *Store) ClaimUnprocessed(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, claimUnprocessedSQL, sessionID, n)
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to claim unprocessed messages")
		return nil, errx.WrapPostgres(err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is not guaranteed to match the subselect
	sortByCreatedAt(msgs)
	return msgs, nil
}

func (s *Store) ReleaseClaim(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_messages SET claimed_at = NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		logx.Error().Err(err).Int("count", len(ids)).Msg("failed to release message claim")
		return errx.WrapPostgres(err)
	}
	return nil
}

func (s *Store) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_messages SET processed_into_memory = true, claimed_at = NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		logx.Error().Err(err).Int("count", len(ids)).Msg("failed to mark messages processed")
		return errx.WrapPostgres(err)
	}
	return nil
}

func (s *Store) InsertMemories(ctx context.Context, sessionID, userID string, items []model.MemoryItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errx.WrapPostgres(err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO memories (id, session_id, user_id, memory_type, content, confidence, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	saved := 0
	now := time.Now().UTC()
	for _, item := range items {
		payload := item.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		_, err := tx.ExecContext(ctx, query,
			uuid.New().String(), sessionID, userID, string(item.Type),
			item.Content, item.Confidence, []byte(payload), now)
		if err != nil {
			logx.Error().Err(err).Str("session_id", sessionID).Str("memory_type", string(item.Type)).
				Msg("failed to insert memory row")
			return 0, errx.WrapPostgres(err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, errx.WrapPostgres(err)
	}
	return saved, nil
}

func (s *Store) ListMemories(ctx context.Context, sessionID string) (map[model.MemoryType][]model.MemoryRecord, error) {
	query := `
		SELECT id, session_id, user_id, memory_type, content, confidence, payload, created_at
		FROM memories
		WHERE session_id = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	defer rows.Close()

	memories := map[model.MemoryType][]model.MemoryRecord{
		model.MemoryProcedural: {},
		model.MemorySemantic:   {},
		model.MemoryEpisodic:   {},
	}
	for rows.Next() {
		var rec model.MemoryRecord
		var mtype string
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &mtype,
			&rec.Content, &rec.Confidence, &payload, &rec.CreatedAt); err != nil {
			return nil, errx.WrapPostgres(err)
		}
		rec.Type = model.MemoryType(mtype)
		rec.Payload = payload
		if _, known := memories[rec.Type]; !known {
			// unknown types are kept out of prompt context
			continue
		}
		memories[rec.Type] = append(memories[rec.Type], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return memories, nil
}

func (s *Store) RecentActivities(ctx context.Context, userID string, n int) ([]model.Activity, error) {
	query := `
		SELECT id, user_id, activity_type, score, duration_sec, difficulty, insights, completed_at
		FROM user_activities
		WHERE user_id = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, userID, n)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	defer rows.Close()

	var activities []model.Activity
	for rows.Next() {
		var a model.Activity
		var difficulty, insights sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.ActivityType, &a.Score,
			&a.DurationSec, &difficulty, &insights, &a.CompletedAt); err != nil {
			return nil, errx.WrapPostgres(err)
		}
		if difficulty.Valid {
			a.Difficulty = difficulty.String
		}
		if insights.Valid {
			a.Insights = insights.String
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return activities, nil
}

func scanMessages(rows *sql.Rows) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content,
			&m.ProcessedIntoMemory, &m.CreatedAt); err != nil {
			return nil, errx.WrapPostgres(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return msgs, nil
}

func sortByCreatedAt(msgs []model.ChatMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

var (
	_ model.MessageStore  = (*Store)(nil)
	_ model.MemoryStore   = (*Store)(nil)
	_ model.ActivityStore = (*Store)(nil)
)
