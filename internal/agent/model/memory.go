package model

import (
	"context"
	"encoding/json"
	"time"
)

// MemoryType identifies one of the three memory categories.
type MemoryType string

const (
	MemoryProcedural MemoryType = "procedural"
	MemorySemantic   MemoryType = "semantic"
	MemoryEpisodic   MemoryType = "episodic"
)

// MemoryTypes lists all categories in extraction order.
var MemoryTypes = []MemoryType{MemoryProcedural, MemorySemantic, MemoryEpisodic}

// ChatMessage is a durable chat turn as stored in Postgres.
type ChatMessage struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"session_id"`
	UserID              string    `json:"user_id"`
	Role                string    `json:"role"`
	Content             string    `json:"content"`
	ProcessedIntoMemory bool      `json:"processed_into_memory"`
	CreatedAt           time.Time `json:"created_at"`
}

// MemoryItem is one extracted memory in its wire form. Content is the
// human-readable description pulled out of the item; Payload carries the
// full object exactly as the model produced it.
type MemoryItem struct {
	Type       MemoryType      `json:"type"`
	Content    string          `json:"content"`
	Confidence float64         `json:"confidence"`
	Payload    json.RawMessage `json:"payload"`
}

// MemoryRecord is a persisted memory row.
type MemoryRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	Type       MemoryType      `json:"memory_type"`
	Content    string          `json:"content"`
	Confidence float64         `json:"confidence"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Extraction groups extracted items by category.
type Extraction struct {
	Items map[MemoryType][]MemoryItem
}

// Total returns the number of items across all categories.
func (e Extraction) Total() int {
	n := 0
	for _, items := range e.Items {
		n += len(items)
	}
	return n
}

// Activity is a read-only row from the user_activities table. Rows are
// written by other services; this one only folds them into prompt context.
type Activity struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ActivityType string    `json:"activity_type"`
	Score        float64   `json:"score"`
	DurationSec  int       `json:"duration_sec"`
	Difficulty   string    `json:"difficulty"`
	Insights     string    `json:"insights"`
	CompletedAt  time.Time `json:"completed_at"`
}

// MessageStore persists chat turns and drives the extraction window.
type MessageStore interface {
	// AppendMessage stores a chat turn, assigning ID and CreatedAt.
	AppendMessage(ctx context.Context, msg *ChatMessage) error

	// CountMessages returns the total number of messages in the session.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// CountUnprocessed returns how many messages have not been folded
	// into memories yet.
	CountUnprocessed(ctx context.Context, sessionID string) (int, error)

	// RecentMessages returns the latest n messages, newest first.
	RecentMessages(ctx context.Context, sessionID string, n int) ([]ChatMessage, error)

	// ClaimUnprocessed atomically claims up to n unprocessed, unclaimed
	// messages (oldest first) for extraction. Two concurrent claims never
	// return overlapping messages.
	ClaimUnprocessed(ctx context.Context, sessionID string, n int) ([]ChatMessage, error)

	// ReleaseClaim undoes a claim after a failed extraction so the
	// messages become eligible again.
	ReleaseClaim(ctx context.Context, ids []string) error

	// MarkProcessed flags messages as folded into memories.
	MarkProcessed(ctx context.Context, ids []string) error
}

// MemoryStore persists and serves extracted memories.
type MemoryStore interface {
	// InsertMemories stores one row per item and returns how many were written.
	InsertMemories(ctx context.Context, sessionID, userID string, items []MemoryItem) (int, error)

	// ListMemories returns all session memories grouped by type, newest first.
	ListMemories(ctx context.Context, sessionID string) (map[MemoryType][]MemoryRecord, error)
}

// ActivityStore serves recent user activities for prompt context.
type ActivityStore interface {
	RecentActivities(ctx context.Context, userID string, n int) ([]Activity, error)
}
