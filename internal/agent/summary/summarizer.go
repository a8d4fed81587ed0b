package summary

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
	"github.com/redis/go-redis/v9"

	"github.com/companion-core/server/internal/agent/model"
	"github.com/companion-core/server/internal/metrics"
	logx "github.com/companion-core/server/pkg/logger"
)

//go:embed template/summary_prompt.txt
var summaryPrompt string

const (
	// transcriptWindow caps how many recent messages feed one summary.
	transcriptWindow = 50
	// runTimeout bounds one detached generation run.
	runTimeout = 60 * time.Second
)

// Config controls when a fresh summary is worth generating.
type Config struct {
	// Generate when at least this many messages arrived since the last
	// summary and the session as a whole passed MinTotalMessages.
	MinNewMessages   int
	MinTotalMessages int
	// Alternatively generate on raw volume: the recent transcript exceeds
	// MinChars and at least MinNewMessages/2 messages are new.
	MinChars int
	CacheTTL time.Duration
}

func (c *Config) normalize() {
	if c.MinNewMessages <= 0 {
		c.MinNewMessages = 10
	}
	if c.MinTotalMessages <= 0 {
		c.MinTotalMessages = 15
	}
	if c.MinChars <= 0 {
		c.MinChars = 3000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
}

// Cache is the slice of the Redis API the summarizer needs.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Summarizer maintains a rolling structured summary per session.
// Generation runs off the request path: NoteTurn checks the growth
// thresholds after each chat turn and spawns a detached run, while
// Effective only ever reads the Redis cache so the turn never waits on a
// model call.
type Summarizer struct {
	messages  model.MessageStore
	chatModel einomodel.BaseChatModel
	modelName string
	rdb       Cache
	cfg       Config

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewSummarizer(messages model.MessageStore, chatModel einomodel.BaseChatModel, modelName string, rdb Cache, cfg Config) *Summarizer {
	cfg.normalize()
	return &Summarizer{
		messages:  messages,
		chatModel: chatModel,
		modelName: modelName,
		rdb:       rdb,
		cfg:       cfg,
		inflight:  make(map[string]bool),
	}
}

func cacheKey(sessionID string) string {
	return fmt.Sprintf("summary:%s", sessionID)
}

func markKey(sessionID string) string {
	return fmt.Sprintf("summary:%s:mark", sessionID)
}

// Effective returns the cached summary for prompt context, or nil when no
// fresh summary exists. It never generates; see NoteTurn.
func (s *Summarizer) Effective(ctx context.Context, sessionID string) (*model.ConversationSummary, error) {
	raw, err := s.rdb.Get(ctx, cacheKey(sessionID)).Result()
	if err != nil {
		if err != redis.Nil {
			// A degraded cache must not block the turn.
			logx.Warn().Err(err).Str("session_id", sessionID).Msg("summary cache read failed")
		}
		return nil, nil
	}
	var sum model.ConversationSummary
	if jerr := json.Unmarshal([]byte(raw), &sum); jerr != nil {
		logx.Warn().Str("session_id", sessionID).Msg("dropping undecodable cached summary")
		return nil, nil
	}
	return &sum, nil
}

// NoteTurn is called after each persisted chat turn. When the session has
// grown past the thresholds it kicks off a detached generation run; the
// caller is never blocked on model calls.
func (s *Summarizer) NoteTurn(ctx context.Context, sessionID string) {
	trigger, window, total, err := s.shouldGenerate(ctx, sessionID)
	if err != nil {
		logx.Warn().Err(err).Str("session_id", sessionID).Msg("summary threshold check failed")
		return
	}
	if !trigger {
		return
	}

	s.mu.Lock()
	if s.inflight[sessionID] {
		s.mu.Unlock()
		return
	}
	s.inflight[sessionID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, sessionID)
			s.mu.Unlock()
		}()

		// Detach from the request context; the run outlives the HTTP turn.
		runCtx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()

		if err := s.generateAndCache(runCtx, sessionID, window, total); err != nil {
			metrics.SummaryFailures.Inc()
			logx.Error().Err(err).Str("session_id", sessionID).Msg("summary generation failed")
		}
	}()
}

// Wait blocks until in-flight generation runs finish. Used on shutdown.
func (s *Summarizer) Wait() {
	s.wg.Wait()
}

func (s *Summarizer) shouldGenerate(ctx context.Context, sessionID string) (bool, []model.ChatMessage, int, error) {
	total, err := s.messages.CountMessages(ctx, sessionID)
	if err != nil {
		return false, nil, 0, err
	}

	mark := 0
	if raw, err := s.rdb.Get(ctx, markKey(sessionID)).Result(); err == nil {
		fmt.Sscanf(raw, "%d", &mark)
	}
	newMessages := total - mark
	if newMessages < 0 {
		newMessages = total
	}

	window, err := s.messages.RecentMessages(ctx, sessionID, transcriptWindow)
	if err != nil {
		return false, nil, 0, err
	}
	chars := 0
	for _, msg := range window {
		chars += len(msg.Content)
	}

	countTrigger := newMessages >= s.cfg.MinNewMessages && total > s.cfg.MinTotalMessages
	volumeTrigger := chars > s.cfg.MinChars && newMessages >= s.cfg.MinNewMessages/2
	return countTrigger || volumeTrigger, window, total, nil
}

func (s *Summarizer) generateAndCache(ctx context.Context, sessionID string, window []model.ChatMessage, total int) error {
	metrics.SummaryRuns.Inc()

	// RecentMessages is newest-first; the prompt wants chronological order.
	var b strings.Builder
	for i := len(window) - 1; i >= 0; i-- {
		msg := window[i]
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

	out, err := s.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(summaryPrompt),
		schema.UserMessage(b.String()),
	})
	if err != nil {
		return fmt.Errorf("summary generation: %w", err)
	}
	s.recordUsage(out)

	sum, err := decodeSummary(out.Content)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := s.rdb.Set(ctx, cacheKey(sessionID), payload, s.cfg.CacheTTL).Err(); err != nil {
		return fmt.Errorf("cache summary: %w", err)
	}
	if err := s.rdb.Set(ctx, markKey(sessionID), fmt.Sprint(total), 0).Err(); err != nil {
		logx.Warn().Err(err).Str("session_id", sessionID).Msg("failed to record summary mark")
	}

	logx.Info().Str("session_id", sessionID).Int("window_size", len(window)).Msg("conversation summary generated")
	return nil
}

func (s *Summarizer) recordUsage(out *schema.Message) {
	if !model.CostEnabled() || out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	pricing := model.ResolvePricing(s.modelName)
	_, _, totalC := model.ComputeCost(out.ResponseMeta.Usage, pricing)
	metrics.ModelCostUSD.WithLabelValues(s.modelName).Add(totalC)
	logx.Debug().
		Str("component", "summarizer").
		Str("model", s.modelName).
		Int("total_tokens", out.ResponseMeta.Usage.TotalTokens).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}

func decodeSummary(content string) (*model.ConversationSummary, error) {
	cleaned := strings.TrimSpace(content)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in summary output")
	}
	cleaned = cleaned[start : end+1]

	var sum model.ConversationSummary
	if err := json.Unmarshal([]byte(cleaned), &sum); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(cleaned)
		if rerr != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		if err := json.Unmarshal([]byte(fixed), &sum); err != nil {
			return nil, fmt.Errorf("decode repaired summary: %w", err)
		}
	}
	return &sum, nil
}

var _ model.SummaryProvider = (*Summarizer)(nil)
