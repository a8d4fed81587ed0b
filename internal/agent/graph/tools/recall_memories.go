package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/model"
)

const ToolRecallMemories = "recall_memories"

type RecallMemoriesInput struct {
	SessionID  string `json:"session_id"`
	MemoryType string `json:"memory_type,omitempty"`
	Query      string `json:"query,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

type RecalledMemory struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	CreatedAt  string  `json:"created_at"`
}

type RecallMemoriesOutput struct {
	Memories []RecalledMemory `json:"memories"`
	Total    int              `json:"total"`
}

func createRecallMemoriesTool(memories model.MemoryStore) tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolRecallMemories,
			Desc: "Recall long-term memories extracted from the user's earlier sessions. Returns procedural (habits, coping strategies), semantic (facts about the user) and episodic (specific events) memories. Use this whenever the user references something from a past conversation that is not visible in the current context.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"session_id": {
					Type:     "string",
					Desc:     "Session identifier of the current conversation.",
					Required: true,
				},
				"memory_type": {
					Type: "string",
					Desc: "Optional filter: procedural, semantic or episodic. Omit to recall all types.",
				},
				"query": {
					Type: "string",
					Desc: "Optional keywords to match against memory content.",
				},
				"max_results": {
					Type: "number",
					Desc: "Maximum number of memories to return (default: 10, max: 25)",
				},
			}),
		},
		func(ctx context.Context, in *RecallMemoriesInput) (*RecallMemoriesOutput, error) {
			if in.SessionID == "" {
				return nil, fmt.Errorf("session_id is required")
			}
			if in.MaxResults <= 0 {
				in.MaxResults = 10
			}
			if in.MaxResults > 25 {
				in.MaxResults = 25
			}

			byType, err := memories.ListMemories(ctx, in.SessionID)
			if err != nil {
				return nil, fmt.Errorf("list memories: %w", err)
			}

			wantType := model.MemoryType(strings.ToLower(strings.TrimSpace(in.MemoryType)))
			queryLower := strings.ToLower(strings.TrimSpace(in.Query))

			var matched []RecalledMemory
			for _, mt := range model.MemoryTypes {
				if wantType != "" && mt != wantType {
					continue
				}
				for _, rec := range byType[mt] {
					if queryLower != "" && !strings.Contains(strings.ToLower(rec.Content), queryLower) {
						continue
					}
					matched = append(matched, RecalledMemory{
						Type:       string(rec.Type),
						Content:    rec.Content,
						Confidence: rec.Confidence,
						CreatedAt:  rec.CreatedAt.Format("2006-01-02"),
					})
				}
			}

			if len(matched) > in.MaxResults {
				matched = matched[:in.MaxResults]
			}

			return &RecallMemoriesOutput{Memories: matched, Total: len(matched)}, nil
		},
	)
}
