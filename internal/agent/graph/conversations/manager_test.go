package conversations

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/model"
)

type fakeConversationRepo struct {
	histories map[string][]*schema.Message
	addErr    error
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{histories: make(map[string][]*schema.Message)}
}

func (f *fakeConversationRepo) AddMessage(ctx context.Context, sessionID string, message *schema.Message) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.histories[sessionID] = append(f.histories[sessionID], message)
	return nil
}

func (f *fakeConversationRepo) LoadHistory(ctx context.Context, sessionID string) (*model.ConversationHistory, error) {
	return &model.ConversationHistory{
		SessionID: sessionID,
		Messages:  f.histories[sessionID],
	}, nil
}

func (f *fakeConversationRepo) ClearHistory(ctx context.Context, sessionID string) error {
	delete(f.histories, sessionID)
	return nil
}

func (f *fakeConversationRepo) GetMessageCount(ctx context.Context, sessionID string) (int, error) {
	return len(f.histories[sessionID]), nil
}

type fakeTrailStore struct {
	appended []model.ChatMessage
}

func (f *fakeTrailStore) AppendMessage(ctx context.Context, msg *model.ChatMessage) error {
	f.appended = append(f.appended, *msg)
	return nil
}

func (f *fakeTrailStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	return len(f.appended), nil
}

func (f *fakeTrailStore) CountUnprocessed(ctx context.Context, sessionID string) (int, error) {
	return 0, nil
}

func (f *fakeTrailStore) RecentMessages(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	return nil, nil
}

func (f *fakeTrailStore) ClaimUnprocessed(ctx context.Context, sessionID string, n int) ([]model.ChatMessage, error) {
	return nil, nil
}

func (f *fakeTrailStore) ReleaseClaim(ctx context.Context, ids []string) error  { return nil }
func (f *fakeTrailStore) MarkProcessed(ctx context.Context, ids []string) error { return nil }

type fakeMemories struct {
	byType map[model.MemoryType][]model.MemoryRecord
	err    error
}

func (f *fakeMemories) InsertMemories(ctx context.Context, sessionID, userID string, items []model.MemoryItem) (int, error) {
	return 0, nil
}

func (f *fakeMemories) ListMemories(ctx context.Context, sessionID string) (map[model.MemoryType][]model.MemoryRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byType, nil
}

type fakeActivities struct {
	recent []model.Activity
	err    error
}

func (f *fakeActivities) RecentActivities(ctx context.Context, userID string, n int) ([]model.Activity, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n > len(f.recent) {
		n = len(f.recent)
	}
	return f.recent[:n], nil
}

type fakeSummaries struct {
	sum *model.ConversationSummary
	err error
}

func (f *fakeSummaries) Effective(ctx context.Context, sessionID string) (*model.ConversationSummary, error) {
	return f.sum, f.err
}

func testConfig() model.ConversationConfig {
	var cfg model.ConversationConfig
	cfg.TTL = "15m"
	cfg.Analyst.MaxTurns = 5
	cfg.Tools.MaxCalls = 10
	return cfg
}

func newTestManager(repo *fakeConversationRepo, trail *fakeTrailStore, mems *fakeMemories, acts *fakeActivities, sums *fakeSummaries) *MessagesManager {
	if mems == nil {
		mems = &fakeMemories{byType: map[model.MemoryType][]model.MemoryRecord{}}
	}
	if acts == nil {
		acts = &fakeActivities{}
	}
	if sums == nil {
		sums = &fakeSummaries{}
	}
	return NewMessagesManager(repo, testConfig(), trail, mems, acts, sums)
}

func TestProcessAnalystMessageDualWrite(t *testing.T) {
	repo := newFakeConversationRepo()
	trail := &fakeTrailStore{}
	mm := newTestManager(repo, trail, nil, nil, nil)

	out, err := mm.ProcessAnalystMessage(context.Background(), "s1", "u1", "I feel stuck")
	if err != nil {
		t.Fatalf("ProcessAnalystMessage returned error: %v", err)
	}

	if len(repo.histories["s1"]) != 1 {
		t.Errorf("working history length = %d, want 1", len(repo.histories["s1"]))
	}
	if len(trail.appended) != 1 {
		t.Fatalf("durable trail length = %d, want 1", len(trail.appended))
	}
	got := trail.appended[0]
	if got.Role != "user" || got.Content != "I feel stuck" || got.UserID != "u1" {
		t.Errorf("unexpected durable message: %+v", got)
	}

	if !strings.Contains(out, "<conversation_context>") {
		t.Errorf("missing conversation context block:\n%s", out)
	}
	if !strings.Contains(out, "<current_message_to_analyze>\nUserMessage(I feel stuck)") {
		t.Errorf("missing current message block:\n%s", out)
	}
}

func TestProcessAnalystMessageTrimsHistory(t *testing.T) {
	repo := newFakeConversationRepo()
	trail := &fakeTrailStore{}
	mm := newTestManager(repo, trail, nil, nil, nil)

	for i := 0; i < 8; i++ {
		repo.histories["s1"] = append(repo.histories["s1"], schema.UserMessage(fmt.Sprintf("old turn %d", i)))
	}

	out, err := mm.ProcessAnalystMessage(context.Background(), "s1", "u1", "latest")
	if err != nil {
		t.Fatalf("ProcessAnalystMessage returned error: %v", err)
	}
	// MaxTurns 5 keeps only the tail of the now 9-message history
	if strings.Contains(out, "old turn 0") {
		t.Error("oldest turns should be trimmed from analyst context")
	}
	if !strings.Contains(out, "old turn 7") {
		t.Error("recent turns should remain in analyst context")
	}
}

func TestSaveResponseDualWrite(t *testing.T) {
	repo := newFakeConversationRepo()
	trail := &fakeTrailStore{}
	mm := newTestManager(repo, trail, nil, nil, nil)

	if err := mm.SaveResponse(context.Background(), "s1", "u1", "take a slow breath"); err != nil {
		t.Fatalf("SaveResponse returned error: %v", err)
	}
	if len(repo.histories["s1"]) != 1 || repo.histories["s1"][0].Role != schema.Assistant {
		t.Errorf("unexpected working history: %+v", repo.histories["s1"])
	}
	if len(trail.appended) != 1 || trail.appended[0].Role != "assistant" {
		t.Errorf("unexpected durable trail: %+v", trail.appended)
	}
}

func TestMemoryContextAssemblesAllBlocks(t *testing.T) {
	mems := &fakeMemories{byType: map[model.MemoryType][]model.MemoryRecord{
		model.MemoryProcedural: {{Content: "practices box breathing"}},
		model.MemorySemantic:   {{Content: "has a younger sister"}},
	}}
	acts := &fakeActivities{recent: []model.Activity{
		{ActivityType: "guided_meditation", Score: 4.5, DurationSec: 300, Insights: "calmer after"},
	}}
	sums := &fakeSummaries{sum: &model.ConversationSummary{
		TherapeuticProgress: "trying breathing exercises",
		KeyInsights:         []string{"exam pressure is the core stressor"},
	}}
	mm := newTestManager(newFakeConversationRepo(), &fakeTrailStore{}, mems, acts, sums)

	got := mm.MemoryContext(context.Background(), "s1", "u1")

	for _, want := range []string{
		"<session_summary>",
		"therapeutic_progress: trying breathing exercises",
		"key_insight: exam pressure is the core stressor",
		"<procedural_memories>",
		"- practices box breathing",
		"<semantic_memories>",
		"<recent_activities>",
		"guided_meditation (score 4.5, 300s): calmer after",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "<episodic_memories>") {
		t.Error("empty memory categories should be omitted")
	}
}

func TestMemoryContextCapsMemoriesPerType(t *testing.T) {
	var recs []model.MemoryRecord
	for i := 0; i < 9; i++ {
		recs = append(recs, model.MemoryRecord{Content: fmt.Sprintf("fact %d", i)})
	}
	mems := &fakeMemories{byType: map[model.MemoryType][]model.MemoryRecord{
		model.MemorySemantic: recs,
	}}
	mm := newTestManager(newFakeConversationRepo(), &fakeTrailStore{}, mems, nil, nil)

	got := mm.MemoryContext(context.Background(), "s1", "u1")
	if n := strings.Count(got, "- fact"); n != maxMemoriesPerType {
		t.Errorf("context holds %d memories, want %d", n, maxMemoriesPerType)
	}
}

func TestMemoryContextEmptyFallback(t *testing.T) {
	mm := newTestManager(newFakeConversationRepo(), &fakeTrailStore{}, nil, nil, nil)

	got := mm.MemoryContext(context.Background(), "s1", "u1")
	if !strings.Contains(got, "first session") {
		t.Errorf("expected first-session fallback, got %q", got)
	}
}

func TestMemoryContextSurvivesStoreFailures(t *testing.T) {
	mems := &fakeMemories{err: fmt.Errorf("postgres down")}
	acts := &fakeActivities{err: fmt.Errorf("postgres down")}
	sums := &fakeSummaries{err: fmt.Errorf("redis down")}
	mm := newTestManager(newFakeConversationRepo(), &fakeTrailStore{}, mems, acts, sums)

	got := mm.MemoryContext(context.Background(), "s1", "u1")
	if got == "" {
		t.Error("context must never be empty, even fully degraded")
	}
}

func TestBuildResponseContextPrependsSystem(t *testing.T) {
	repo := newFakeConversationRepo()
	repo.histories["s1"] = []*schema.Message{
		schema.UserMessage("hello"),
		schema.AssistantMessage("hi there", nil),
	}
	mm := newTestManager(repo, &fakeTrailStore{}, nil, nil, nil)

	msgs, err := mm.BuildResponseContext(context.Background(), "s1", "system prompt here")
	if err != nil {
		t.Fatalf("BuildResponseContext returned error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	if msgs[0].Role != schema.System || msgs[0].Content != "system prompt here" {
		t.Errorf("first message should be the system prompt, got %+v", msgs[0])
	}
}

func TestTrimTail(t *testing.T) {
	var msgs []*schema.Message
	for i := 0; i < 7; i++ {
		msgs = append(msgs, schema.UserMessage(fmt.Sprintf("m%d", i)))
	}

	got := trimTail(msgs, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Content != "m4" || got[2].Content != "m6" {
		t.Errorf("unexpected tail: %s ... %s", got[0].Content, got[2].Content)
	}

	short := trimTail(msgs[:2], 3)
	if len(short) != 2 {
		t.Errorf("short input should pass through, got %d", len(short))
	}
	// must be a copy, not a view
	short[0] = schema.UserMessage("mutated")
	if msgs[0].Content != "m0" {
		t.Error("trimTail must copy the slice")
	}
}

func TestProcessAnalystMessageIncludesSummary(t *testing.T) {
	repo := newFakeConversationRepo()
	trail := &fakeTrailStore{}
	sums := &fakeSummaries{sum: &model.ConversationSummary{
		EmotionalPatterns: "anxious before exams",
		KeyInsights:       []string{"catastrophizes about results"},
	}}
	mm := newTestManager(repo, trail, nil, nil, sums)

	got, err := mm.ProcessAnalystMessage(context.Background(), "s1", "u1", "I feel stuck")
	if err != nil {
		t.Fatalf("ProcessAnalystMessage returned error: %v", err)
	}
	// the analyst sees the long-term picture, not just recent turns
	if !strings.Contains(got, "<session_summary>") {
		t.Errorf("analyst context missing summary block:\n%s", got)
	}
	if !strings.Contains(got, "emotional_patterns: anxious before exams") {
		t.Errorf("summary content missing from analyst context:\n%s", got)
	}
	if !strings.Contains(got, "<conversation_context>") {
		t.Errorf("conversation context must still be present:\n%s", got)
	}
}

func TestProcessAnalystMessageSummaryFailureIsBestEffort(t *testing.T) {
	repo := newFakeConversationRepo()
	trail := &fakeTrailStore{}
	sums := &fakeSummaries{err: fmt.Errorf("redis down")}
	mm := newTestManager(repo, trail, nil, nil, sums)

	got, err := mm.ProcessAnalystMessage(context.Background(), "s1", "u1", "I feel stuck")
	if err != nil {
		t.Fatalf("a degraded summary cache must not fail the turn: %v", err)
	}
	if strings.Contains(got, "<session_summary>") {
		t.Errorf("no summary block expected on cache failure:\n%s", got)
	}
}

var (
	_ model.ConversationRepository = (*fakeConversationRepo)(nil)
	_ model.MessageStore           = (*fakeTrailStore)(nil)
	_ model.MemoryStore            = (*fakeMemories)(nil)
	_ model.ActivityStore          = (*fakeActivities)(nil)
	_ model.SummaryProvider        = (*fakeSummaries)(nil)
)
