package memory

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/errgroup"

	"github.com/companion-core/server/internal/agent/model"
	"github.com/companion-core/server/internal/metrics"
	logx "github.com/companion-core/server/pkg/logger"
)

//go:embed template/procedural_prompt.txt
var proceduralPrompt string

//go:embed template/semantic_prompt.txt
var semanticPrompt string

//go:embed template/episodic_prompt.txt
var episodicPrompt string

func promptFor(mt model.MemoryType) string {
	switch mt {
	case model.MemoryProcedural:
		return proceduralPrompt
	case model.MemorySemantic:
		return semanticPrompt
	default:
		return episodicPrompt
	}
}

// Extractor classifies a window of chat messages into procedural, semantic
// and episodic memories via three parallel model calls. A run is
// all-or-nothing: if any category fails after retries, the whole window
// fails and stays eligible for a later run.
type Extractor struct {
	chatModel  einomodel.BaseChatModel
	modelName  string
	maxRetries int
	retryBase  time.Duration
}

func NewExtractor(chatModel einomodel.BaseChatModel, modelName string, maxRetries int, retryBase time.Duration) *Extractor {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryBase <= 0 {
		retryBase = 2 * time.Second
	}
	return &Extractor{
		chatModel:  chatModel,
		modelName:  modelName,
		maxRetries: maxRetries,
		retryBase:  retryBase,
	}
}

// Extract runs all three category extractions in parallel over the window.
func (e *Extractor) Extract(ctx context.Context, window []model.ChatMessage) (model.Extraction, error) {
	transcript := buildTranscript(window)

	results := make(map[model.MemoryType][]model.MemoryItem, len(model.MemoryTypes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, mt := range model.MemoryTypes {
		mt := mt
		g.Go(func() error {
			items, err := e.extractCategory(gctx, mt, transcript)
			if err != nil {
				return fmt.Errorf("%s extraction: %w", mt, err)
			}
			mu.Lock()
			results[mt] = items
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Extraction{}, err
	}

	return model.Extraction{Items: results}, nil
}

// extractCategory calls the model for one category with exponential backoff.
func (e *Extractor) extractCategory(ctx context.Context, mt model.MemoryType, transcript string) ([]model.MemoryItem, error) {
	messages := []*schema.Message{
		schema.SystemMessage(promptFor(mt)),
		schema.UserMessage(transcript),
	}

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.ExtractionRetries.Inc()
			backoff := e.retryBase << (attempt - 1)
			logx.Warn().
				Str("memory_type", string(mt)).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("retrying memory extraction call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		out, err := e.chatModel.Generate(ctx, messages)
		if err != nil {
			lastErr = err
			continue
		}
		e.recordUsage(out, mt)

		items, err := decodeItems(mt, out.Content)
		if err != nil {
			lastErr = err
			continue
		}
		return items, nil
	}
	return nil, fmt.Errorf("exhausted %d attempts: %w", e.maxRetries, lastErr)
}

func (e *Extractor) recordUsage(out *schema.Message, mt model.MemoryType) {
	if !model.CostEnabled() || out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	pricing := model.ResolvePricing(e.modelName)
	inC, outC, totalC := model.ComputeCost(out.ResponseMeta.Usage, pricing)
	metrics.ModelCostUSD.WithLabelValues(e.modelName).Add(totalC)
	logx.Debug().
		Str("component", "memory_extractor").
		Str("memory_type", string(mt)).
		Str("model", e.modelName).
		Int("prompt_tokens", out.ResponseMeta.Usage.PromptTokens).
		Int("completion_tokens", out.ResponseMeta.Usage.CompletionTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}

// buildTranscript renders the window the way the extraction prompts expect.
func buildTranscript(window []model.ChatMessage) string {
	var b strings.Builder
	b.WriteString("<conversation_window>\n")
	for _, msg := range window {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case "user":
			b.WriteString("UserMessage(" + msg.Content + ")\n")
		case "assistant":
			b.WriteString("AssistantMessage(" + msg.Content + ")\n")
		}
	}
	b.WriteString("</conversation_window>")
	return b.String()
}

// rawItem is the wire shape of one extracted memory. Models are inconsistent
// about the content key, so several aliases are accepted.
type rawItem struct {
	Content     string  `json:"content"`
	Description string  `json:"description"`
	Memory      string  `json:"memory"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
}

// decodeItems turns the model output into memory items. Markdown fences are
// stripped, the array is located inside any surrounding prose, and malformed
// JSON gets one repair pass before giving up.
func decodeItems(mt model.MemoryType, content string) ([]model.MemoryItem, error) {
	cleaned := stripFences(content)
	cleaned = locateArray(cleaned)
	if cleaned == "" {
		return nil, fmt.Errorf("no JSON array in model output")
	}

	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &raws); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(cleaned)
		if rerr != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
		if err := json.Unmarshal([]byte(fixed), &raws); err != nil {
			return nil, fmt.Errorf("decode repaired items: %w", err)
		}
	}

	items := make([]model.MemoryItem, 0, len(raws))
	for _, raw := range raws {
		var ri rawItem
		if err := json.Unmarshal(raw, &ri); err != nil {
			// tolerate scalar entries by storing them verbatim
			var s string
			if serr := json.Unmarshal(raw, &s); serr != nil {
				continue
			}
			ri.Content = s
		}
		text := firstNonEmpty(ri.Content, ri.Description, ri.Memory, ri.Text)
		if text == "" {
			text = string(raw)
		}
		conf := ri.Confidence
		if conf < 0 || conf > 1 {
			conf = 0
		}
		items = append(items, model.MemoryItem{
			Type:       mt,
			Content:    text,
			Confidence: conf,
			Payload:    raw,
		})
	}
	return items, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func locateArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
