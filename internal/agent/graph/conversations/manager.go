package conversations

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/model"
	logx "github.com/companion-core/server/pkg/logger"
)

const (
	maxMemoriesPerType   = 5
	maxContextActivities = 5
)

// MessagesManager owns conversation context assembly: the Redis working
// history for the current session plus the durable Postgres trail that the
// memory extractor and summarizer feed on.
type MessagesManager struct {
	conversationRepo model.ConversationRepository
	messages         model.MessageStore
	memories         model.MemoryStore
	activities       model.ActivityStore
	summaries        model.SummaryProvider
	analystMaxTurns  int
}

func NewMessagesManager(
	conversationRepo model.ConversationRepository,
	config model.ConversationConfig,
	messages model.MessageStore,
	memories model.MemoryStore,
	activities model.ActivityStore,
	summaries model.SummaryProvider,
) *MessagesManager {
	return &MessagesManager{
		conversationRepo: conversationRepo,
		messages:         messages,
		memories:         memories,
		activities:       activities,
		summaries:        summaries,
		analystMaxTurns:  config.Analyst.MaxTurns,
	}
}

// =========== Function for Analyst ===========

// ProcessAnalystMessage records the user turn (working history + durable
// trail) and returns the delimited context block for the analyst model.
func (cm *MessagesManager) ProcessAnalystMessage(ctx context.Context, sessionID, userID, query string) (string, error) {
	// Save user message to working history
	userMsg := schema.UserMessage(query)
	if err := cm.conversationRepo.AddMessage(ctx, sessionID, userMsg); err != nil {
		return "", err
	}

	// Durable trail feeds memory extraction and summarization
	if err := cm.messages.AppendMessage(ctx, &model.ChatMessage{
		SessionID: sessionID,
		UserID:    userID,
		Role:      string(schema.User),
		Content:   query,
	}); err != nil {
		return "", err
	}

	// Load history and build context
	history, err := cm.conversationRepo.LoadHistory(ctx, sessionID)
	if err != nil {
		return "", err
	}

	conversationContext := cm.buildAnalystContext(history.Messages)

	// Build complete context with current message. The rolling summary goes
	// to the analyst too, so crisis and stressor calls see the long-term
	// picture, not just the recent turns.
	var fullContext strings.Builder
	if block := cm.summaryBlock(ctx, sessionID); block != "" {
		fullContext.WriteString(block)
	}
	fullContext.WriteString(conversationContext)
	fullContext.WriteString("\n<current_message_to_analyze>\n")
	fullContext.WriteString("UserMessage(" + query + ")\n")
	fullContext.WriteString("</current_message_to_analyze>")

	return fullContext.String(), nil
}

func (cm *MessagesManager) buildAnalystContext(messages []*schema.Message) string {
	recentMessages := trimTail(messages, cm.analystMaxTurns)

	var contextBuilder strings.Builder
	contextBuilder.WriteString("<conversation_context>\n")

	for _, msg := range recentMessages {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case schema.User:
			contextBuilder.WriteString("UserMessage(" + msg.Content + ")\n")
		case schema.Assistant:
			contextBuilder.WriteString("AssistantMessage(" + msg.Content + ")\n")
		}
	}

	contextBuilder.WriteString("</conversation_context>")
	return contextBuilder.String()
}

// =========== Function for Response ===========

// MemoryContext assembles the long-term context block for the counselor
// prompt: rolling summary, extracted memories by type, recent activities.
// Every lookup is best-effort so a degraded store never blocks the reply.
func (cm *MessagesManager) MemoryContext(ctx context.Context, sessionID, userID string) string {
	var b strings.Builder

	b.WriteString(cm.summaryBlock(ctx, sessionID))

	if byType, err := cm.memories.ListMemories(ctx, sessionID); err != nil {
		logx.Warn().Err(err).Str("session_id", sessionID).Msg("memories unavailable for context")
	} else {
		for _, mt := range model.MemoryTypes {
			recs := byType[mt]
			if len(recs) == 0 {
				continue
			}
			if len(recs) > maxMemoriesPerType {
				recs = recs[:maxMemoriesPerType]
			}
			b.WriteString(fmt.Sprintf("<%s_memories>\n", mt))
			for _, rec := range recs {
				b.WriteString("- " + rec.Content + "\n")
			}
			b.WriteString(fmt.Sprintf("</%s_memories>\n", mt))
		}
	}

	if recent, err := cm.activities.RecentActivities(ctx, userID, maxContextActivities); err != nil {
		logx.Warn().Err(err).Str("user_id", userID).Msg("activities unavailable for context")
	} else if len(recent) > 0 {
		b.WriteString("<recent_activities>\n")
		for _, a := range recent {
			line := fmt.Sprintf("- %s (score %.1f, %ds)", a.ActivityType, a.Score, a.DurationSec)
			if a.Insights != "" {
				line += ": " + a.Insights
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("</recent_activities>\n")
	}

	if b.Len() == 0 {
		return "(no long-term context yet; this may be a first session)"
	}
	return b.String()
}

func (cm *MessagesManager) BuildResponseContext(ctx context.Context, sessionID string, systemPrompt string) ([]*schema.Message, error) {
	history, err := cm.conversationRepo.LoadHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
	}

	messages = append(messages, history.Messages...)

	return messages, nil
}

// SaveResponse records the assistant turn in both stores.
func (cm *MessagesManager) SaveResponse(ctx context.Context, sessionID, userID, content string) error {
	assistantMsg := schema.AssistantMessage(content, nil)
	if err := cm.conversationRepo.AddMessage(ctx, sessionID, assistantMsg); err != nil {
		return err
	}
	return cm.messages.AppendMessage(ctx, &model.ChatMessage{
		SessionID: sessionID,
		UserID:    userID,
		Role:      string(schema.Assistant),
		Content:   content,
	})
}

// summaryBlock renders the cached session summary as a context block, or
// "" when none exists. Best-effort: a degraded cache never blocks a turn.
func (cm *MessagesManager) summaryBlock(ctx context.Context, sessionID string) string {
	if cm.summaries == nil {
		return ""
	}
	sum, err := cm.summaries.Effective(ctx, sessionID)
	if err != nil {
		logx.Warn().Err(err).Str("session_id", sessionID).Msg("summary unavailable for context")
		return ""
	}
	if sum == nil || sum.IsZero() {
		return ""
	}

	var b strings.Builder
	b.WriteString("<session_summary>\n")
	writeSummaryLine(&b, "therapeutic_progress", sum.TherapeuticProgress)
	writeSummaryLine(&b, "emotional_patterns", sum.EmotionalPatterns)
	writeSummaryLine(&b, "cultural_context", sum.CulturalContext)
	writeSummaryLine(&b, "language_preferences", sum.LanguagePreferences)
	writeSummaryLine(&b, "stress_evolution", sum.StressEvolution)
	writeSummaryLine(&b, "intervention_history", sum.InterventionHistory)
	for _, ins := range sum.KeyInsights {
		writeSummaryLine(&b, "key_insight", ins)
	}
	b.WriteString("</session_summary>\n")
	return b.String()
}

// ====================== Helper function ======================

func writeSummaryLine(b *strings.Builder, key, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	b.WriteString(key + ": " + value + "\n")
}

func trimTail(messages []*schema.Message, maxTurns int) []*schema.Message {
	if len(messages) <= maxTurns {
		result := make([]*schema.Message, len(messages))
		copy(result, messages)
		return result
	}
	source := messages[len(messages)-maxTurns:]
	result := make([]*schema.Message, len(source))
	copy(result, source)
	return result
}
