package tools

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/model"
)

// NewQueryTools returns the business tools available to the counselor model.
func NewQueryTools(memories model.MemoryStore, activities model.ActivityStore) []tool.BaseTool {
	return []tool.BaseTool{
		createRecallMemoriesTool(memories),
		createRecentActivitiesTool(activities),
	}
}

// GetToolInfos extracts ToolInfo from each tool for model binding.
func GetToolInfos(ctx context.Context, businessTools []tool.BaseTool) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(businessTools))
	for _, t := range businessTools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
