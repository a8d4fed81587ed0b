package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/model"
)

//go:embed template/analyst_prompt.txt
var analystSystemPrompt string

// RenderAnalystSystem renders the analyst system prompt via Eino prompt component.
// This triggers Prompt callbacks and returns the final system prompt string.
func RenderAnalystSystem(ctx context.Context, analystConfig *model.AnalystModelConfig) (string, error) {
	if analystConfig == nil {
		return "", fmt.Errorf("analyst config is nil")
	}

	// Safely render known tokens only to avoid interfering with JSON braces in template
	content := strings.NewReplacer(
		"{TD}", "<||>",
		"{RD}", "##",
		"{CD}", "<|COMPLETE|>",
		"{default_stressors}", analystConfig.DefaultStressors,
		"{additional_stressors}", analystConfig.AdditionalStressors,
		"{approaches}", analystConfig.Approaches,
	).Replace(analystSystemPrompt)

	// Wrap via Eino prompt component using a messages placeholder to emit callbacks
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("analyst prompt callbacks: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("analyst prompt callbacks: empty result")
	}
	return msgs[0].Content, nil
}
