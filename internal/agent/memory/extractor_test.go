package memory

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/model"
)

// fakeChatModel routes on the system prompt so each memory category can get
// its own canned response.
type fakeChatModel struct {
	responses map[model.MemoryType]string
	errors    map[model.MemoryType]error
	calls     atomic.Int64
}

func (f *fakeChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.calls.Add(1)
	mt := categoryOf(in)
	if err := f.errors[mt]; err != nil {
		return nil, err
	}
	return schema.AssistantMessage(f.responses[mt], nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("streaming not supported")
}

func categoryOf(in []*schema.Message) model.MemoryType {
	if len(in) == 0 {
		return ""
	}
	switch {
	case strings.Contains(in[0].Content, "PROCEDURAL"):
		return model.MemoryProcedural
	case strings.Contains(in[0].Content, "SEMANTIC"):
		return model.MemorySemantic
	default:
		return model.MemoryEpisodic
	}
}

func testWindow() []model.ChatMessage {
	return []model.ChatMessage{
		{ID: "m1", Role: "user", Content: "I tried the breathing thing before my exam"},
		{ID: "m2", Role: "assistant", Content: "That's great, how did it feel?"},
		{ID: "m3", Role: "user", Content: "Better. My sister helped me practice"},
	}
}

func TestExtractAllCategories(t *testing.T) {
	fake := &fakeChatModel{
		responses: map[model.MemoryType]string{
			// fenced output
			model.MemoryProcedural: "```json\n[{\"content\": \"practices breathing before exams\", \"confidence\": 0.9}]\n```",
			// prose around the array
			model.MemorySemantic: "Here are the facts:\n[{\"content\": \"has a sister\", \"confidence\": 0.8}]\nDone.",
			// trailing comma, needs repair
			model.MemoryEpisodic: `[{"content": "used breathing before an exam", "confidence": 0.7},]`,
		},
	}

	e := NewExtractor(fake, "gemini-2.5-flash-lite", 3, time.Millisecond)
	extraction, err := e.Extract(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if extraction.Total() != 3 {
		t.Fatalf("Total() = %d, want 3", extraction.Total())
	}
	proc := extraction.Items[model.MemoryProcedural]
	if len(proc) != 1 || proc[0].Content != "practices breathing before exams" {
		t.Errorf("unexpected procedural items: %+v", proc)
	}
	if proc[0].Confidence != 0.9 {
		t.Errorf("procedural confidence = %v, want 0.9", proc[0].Confidence)
	}
	sem := extraction.Items[model.MemorySemantic]
	if len(sem) != 1 || sem[0].Content != "has a sister" {
		t.Errorf("unexpected semantic items: %+v", sem)
	}
	epi := extraction.Items[model.MemoryEpisodic]
	if len(epi) != 1 || epi[0].Type != model.MemoryEpisodic {
		t.Errorf("unexpected episodic items: %+v", epi)
	}
}

func TestExtractAllOrNothing(t *testing.T) {
	fake := &fakeChatModel{
		responses: map[model.MemoryType]string{
			model.MemoryProcedural: `[]`,
			model.MemorySemantic:   `[]`,
		},
		errors: map[model.MemoryType]error{
			model.MemoryEpisodic: fmt.Errorf("model unavailable"),
		},
	}

	e := NewExtractor(fake, "gemini-2.5-flash-lite", 2, time.Millisecond)
	_, err := e.Extract(context.Background(), testWindow())
	if err == nil {
		t.Fatal("Extract should fail when any category fails")
	}
	if !strings.Contains(err.Error(), "episodic") {
		t.Errorf("error should name the failed category, got: %v", err)
	}
}

func TestExtractCategoryRetries(t *testing.T) {
	attempts := 0
	fake := &retryModel{
		failUntil: 2,
		attempts:  &attempts,
		response:  `[{"content": "keeps a journal", "confidence": 0.6}]`,
	}

	e := NewExtractor(fake, "gemini-2.5-flash-lite", 3, time.Millisecond)
	items, err := e.extractCategory(context.Background(), model.MemoryProcedural, "transcript")
	if err != nil {
		t.Fatalf("extractCategory returned error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (two failures then success)", attempts)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 item, got %d", len(items))
	}
}

func TestExtractCategoryExhaustsRetries(t *testing.T) {
	attempts := 0
	fake := &retryModel{failUntil: 10, attempts: &attempts}

	e := NewExtractor(fake, "gemini-2.5-flash-lite", 3, time.Millisecond)
	_, err := e.extractCategory(context.Background(), model.MemorySemantic, "transcript")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

type retryModel struct {
	failUntil int
	attempts  *int
	response  string
}

func (r *retryModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	*r.attempts++
	if *r.attempts <= r.failUntil {
		return nil, fmt.Errorf("transient failure %d", *r.attempts)
	}
	return schema.AssistantMessage(r.response, nil), nil
}

func (r *retryModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("streaming not supported")
}

func TestDecodeItemsVariants(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{"plain array", `[{"content": "a", "confidence": 0.5}]`, 1, false},
		{"empty array", `[]`, 0, false},
		{"fenced", "```json\n[{\"content\": \"a\"}]\n```", 1, false},
		{"description alias", `[{"description": "b", "confidence": 0.4}]`, 1, false},
		{"string entries", `["remembers c"]`, 1, false},
		{"no array", "I could not find any memories.", 0, true},
		{"repairable", `[{"content": "d", "confidence": 0.4},]`, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := decodeItems(model.MemorySemantic, tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeItems returned error: %v", err)
			}
			if len(items) != tt.want {
				t.Errorf("len(items) = %d, want %d", len(items), tt.want)
			}
		})
	}
}

func TestDecodeItemsClampsConfidence(t *testing.T) {
	items, err := decodeItems(model.MemoryEpisodic, `[{"content": "e", "confidence": 3.5}]`)
	if err != nil {
		t.Fatalf("decodeItems returned error: %v", err)
	}
	if items[0].Confidence != 0 {
		t.Errorf("out-of-range confidence should reset to 0, got %v", items[0].Confidence)
	}
}

func TestBuildTranscriptSkipsEmptyAndSystem(t *testing.T) {
	got := buildTranscript([]model.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: ""},
		{Role: "system", Content: "hidden"},
		{Role: "assistant", Content: "hi"},
	})
	if !strings.Contains(got, "UserMessage(hello)") || !strings.Contains(got, "AssistantMessage(hi)") {
		t.Errorf("unexpected transcript: %s", got)
	}
	if strings.Contains(got, "hidden") {
		t.Errorf("system content must not leak into transcript: %s", got)
	}
}
