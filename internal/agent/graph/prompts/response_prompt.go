package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/graph/tools"
	"github.com/companion-core/server/internal/agent/model"
)

//go:embed template/response_prompt.txt
var coreSystemPrompt string

// RenderResponseSystem renders the dynamic counselor system prompt and triggers
// prompt callbacks. memoryContext carries the long-term context block built by
// the conversations manager (summary, memories, recent activities).
func RenderResponseSystem(ctx context.Context, config model.ResponsePromptConfig, analysis model.Analysis, memoryContext string) (string, error) {
	// derive and normalize primary language for the template
	pl := strings.ToLower(strings.TrimSpace(analysis.PrimaryLanguage))
	if pl == "" {
		pl = "eng"
	}
	switch pl {
	case "hi":
		pl = "hin"
	case "en":
		pl = "eng"
	}

	approach := strings.TrimSpace(analysis.RecommendedApproach)
	if approach == "" {
		approach = "supportive listening"
	}

	// Render via Eino prompt component (Go template) to both format and emit callbacks
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(coreSystemPrompt),
	)
	vars := map[string]any{
		"CompanionName":        config.CompanionName,
		"Audience":             config.Audience,
		"PrimaryLanguage":      pl,
		"RecommendedApproach":  approach,
		"InterventionPriority": analysis.InterventionPriority,
		"PrimaryStressor":      analysis.PrimaryStressor,
		"MemoryContext":        memoryContext,
		"RecallTool":           tools.ToolRecallMemories,
		"ActivitiesTool":       tools.ToolRecentActivities,
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("response prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("response prompt render: empty result")
	}
	return msgs[0].Content, nil
}
