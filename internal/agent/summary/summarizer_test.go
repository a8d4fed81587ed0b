package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"

	"github.com/companion-core/server/internal/agent/model"
)

type fakeCache struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (f *fakeCache) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case string:
		f.data[key] = v
	case []byte:
		f.data[key] = string(v)
	default:
		f.data[key] = fmt.Sprint(v)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCache) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

type fakeSummaryStore struct {
	count  int
	recent []model.ChatMessage
}

func (f *fakeSummaryStore) AppendMessage(ctx context.Context, msg *model.ChatMessage) error {
	return nil
}

func (f *fakeSummaryStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	return f.count, nil
}

func (f *fakeSummaryStore) CountUnprocessed(ctx context.Context, sessionID string) (int, error) {
	return 0, nil
}

func (f *fakeSummaryStore) RecentMessages(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	if n > len(f.recent) {
		n = len(f.recent)
	}
	return f.recent[:n], nil
}

func (f *fakeSummaryStore) ClaimUnprocessed(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	return nil, nil
}

func (f *fakeSummaryStore) ReleaseClaim(ctx context.Context, ids []string) error { return nil }
func (f *fakeSummaryStore) MarkProcessed(ctx context.Context, ids []string) error {
	return nil
}

type fakeSummaryModel struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
	gate     chan struct{} // when set, Generate blocks until it closes
}

func (f *fakeSummaryModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	err := f.err
	resp := f.response
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(resp, nil), nil
}

func (f *fakeSummaryModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("streaming not supported")
}

func (f *fakeSummaryModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const summaryJSON = `{
	"therapeutic_progress": "started breathing exercises before exams",
	"emotional_patterns": "anxious but hopeful",
	"cultural_context": "board exam pressure at home",
	"language_preferences": "mostly English with some Hindi",
	"key_insights": ["catastrophizes about results"],
	"stress_evolution": "peaks before exams, easing slightly",
	"intervention_history": "breathing exercise suggested and tried"
}`

func chatWindow(n, contentLen int) []model.ChatMessage {
	out := make([]model.ChatMessage, n)
	filler := make([]byte, contentLen)
	for i := range filler {
		filler[i] = 'x'
	}
	for i := range out {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out[i] = model.ChatMessage{ID: fmt.Sprintf("m%d", i), Role: role, Content: string(filler)}
	}
	return out
}

func TestEffectiveReadsCacheOnly(t *testing.T) {
	// A large session with no cached summary: Effective must return nil
	// without touching the model; generation only happens via NoteTurn.
	store := &fakeSummaryStore{count: 30, recent: chatWindow(30, 40)}
	chat := &fakeSummaryModel{response: summaryJSON}
	s := NewSummarizer(store, chat, "gemini-2.5-flash-lite", newFakeCache(), Config{})

	sum, err := s.Effective(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Effective returned error: %v", err)
	}
	if sum != nil {
		t.Errorf("expected nil summary on cache miss, got %+v", sum)
	}
	if chat.callCount() != 0 {
		t.Errorf("Effective must never call the model, got %d calls", chat.callCount())
	}
}

func TestEffectiveDropsCorruptCache(t *testing.T) {
	cache := newFakeCache()
	cache.data["summary:s1"] = "{not valid json"
	s := NewSummarizer(&fakeSummaryStore{}, &fakeSummaryModel{}, "gemini-2.5-flash-lite", cache, Config{})

	sum, err := s.Effective(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Effective returned error: %v", err)
	}
	if sum != nil {
		t.Errorf("corrupt cache entry must be dropped, got %+v", sum)
	}
}

func TestNoteTurnSessionTooSmall(t *testing.T) {
	store := &fakeSummaryStore{count: 5, recent: chatWindow(5, 20)}
	chat := &fakeSummaryModel{response: summaryJSON}
	cache := newFakeCache()
	s := NewSummarizer(store, chat, "gemini-2.5-flash-lite", cache, Config{})

	s.NoteTurn(context.Background(), "s1")
	s.Wait()

	if chat.callCount() != 0 {
		t.Errorf("model calls = %d, want 0 for a small session", chat.callCount())
	}
	if _, ok := cache.get("summary:s1"); ok {
		t.Error("nothing should be cached")
	}
}

func TestNoteTurnGeneratesAndCaches(t *testing.T) {
	store := &fakeSummaryStore{count: 30, recent: chatWindow(30, 40)}
	chat := &fakeSummaryModel{response: summaryJSON}
	cache := newFakeCache()
	s := NewSummarizer(store, chat, "gemini-2.5-flash-lite", cache, Config{})

	s.NoteTurn(context.Background(), "s1")
	s.Wait()

	if chat.callCount() != 1 {
		t.Fatalf("model calls = %d, want 1", chat.callCount())
	}
	if mark, _ := cache.get("summary:s1:mark"); mark != "30" {
		t.Errorf("mark = %q, want 30", mark)
	}

	sum, err := s.Effective(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Effective returned error: %v", err)
	}
	if sum == nil {
		t.Fatal("expected the cached summary")
	}
	if sum.EmotionalPatterns != "anxious but hopeful" {
		t.Errorf("EmotionalPatterns = %q", sum.EmotionalPatterns)
	}

	// The mark now covers the whole session, so another turn at the same
	// count must not regenerate.
	s.NoteTurn(context.Background(), "s1")
	s.Wait()
	if chat.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 after mark suppression", chat.callCount())
	}
}

func TestNoteTurnMarkSuppressesRegeneration(t *testing.T) {
	store := &fakeSummaryStore{count: 32, recent: chatWindow(32, 40)}
	chat := &fakeSummaryModel{response: summaryJSON}
	cache := newFakeCache()
	// only 2 new messages since the last run
	cache.data["summary:s1:mark"] = "30"
	s := NewSummarizer(store, chat, "gemini-2.5-flash-lite", cache, Config{})

	s.NoteTurn(context.Background(), "s1")
	s.Wait()

	if chat.callCount() != 0 {
		t.Errorf("model calls = %d, want 0", chat.callCount())
	}
}

func TestNoteTurnVolumeTrigger(t *testing.T) {
	// only 6 new messages, but a very text-heavy session
	store := &fakeSummaryStore{count: 36, recent: chatWindow(36, 200)}
	chat := &fakeSummaryModel{response: summaryJSON}
	cache := newFakeCache()
	cache.data["summary:s1:mark"] = "30"
	s := NewSummarizer(store, chat, "gemini-2.5-flash-lite", cache, Config{})

	s.NoteTurn(context.Background(), "s1")
	s.Wait()

	if chat.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", chat.callCount())
	}
	if _, ok := cache.get("summary:s1"); !ok {
		t.Error("summary should be cached")
	}
}

func TestNoteTurnSingleFlightPerSession(t *testing.T) {
	store := &fakeSummaryStore{count: 30, recent: chatWindow(30, 40)}
	gate := make(chan struct{})
	chat := &fakeSummaryModel{response: summaryJSON, gate: gate}
	s := NewSummarizer(store, chat, "gemini-2.5-flash-lite", newFakeCache(), Config{})

	s.NoteTurn(context.Background(), "s1")
	// first run is parked inside Generate; a second turn must not stack
	// another run for the same session
	s.NoteTurn(context.Background(), "s1")
	close(gate)
	s.Wait()

	if chat.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", chat.callCount())
	}
}

func TestNoteTurnCacheReadErrorStillGenerates(t *testing.T) {
	store := &fakeSummaryStore{count: 30, recent: chatWindow(30, 40)}
	chat := &fakeSummaryModel{response: summaryJSON}
	cache := newFakeCache()
	cache.getErr = fmt.Errorf("connection refused")
	s := NewSummarizer(store, chat, "gemini-2.5-flash-lite", cache, Config{})

	s.NoteTurn(context.Background(), "s1")
	s.Wait()

	if chat.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 despite mark read failure", chat.callCount())
	}
}

func TestNoteTurnGenerationFailure(t *testing.T) {
	store := &fakeSummaryStore{count: 30, recent: chatWindow(30, 40)}
	chat := &fakeSummaryModel{err: fmt.Errorf("model unavailable")}
	cache := newFakeCache()
	s := NewSummarizer(store, chat, "gemini-2.5-flash-lite", cache, Config{})

	s.NoteTurn(context.Background(), "s1")
	s.Wait()

	if _, ok := cache.get("summary:s1"); ok {
		t.Error("failed generation must not cache anything")
	}
}

func TestDecodeSummaryVariants(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain object", summaryJSON, false},
		{"fenced", "```json\n" + summaryJSON + "\n```", false},
		{"prose around", "Here is the summary:\n" + summaryJSON + "\nLet me know.", false},
		{"repairable trailing comma", `{"key_insights": ["a",], "emotional_patterns": "calm"}`, false},
		{"no object", "I cannot summarize this.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum, err := decodeSummary(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeSummary returned error: %v", err)
			}
			if sum == nil {
				t.Fatal("expected a summary")
			}
		})
	}
}

func TestCachedSummaryRoundTrip(t *testing.T) {
	var sum model.ConversationSummary
	if err := json.Unmarshal([]byte(summaryJSON), &sum); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sum.KeyInsights) != 1 || sum.KeyInsights[0] != "catastrophizes about results" {
		t.Errorf("KeyInsights = %v", sum.KeyInsights)
	}
	if sum.IsZero() {
		t.Error("populated summary must not report IsZero")
	}
}

var (
	_ Cache                   = (*fakeCache)(nil)
	_ model.MessageStore      = (*fakeSummaryStore)(nil)
	_ einomodel.BaseChatModel = (*fakeSummaryModel)(nil)
)
