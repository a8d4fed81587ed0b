package tools

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/model"
)

const ToolRecentActivities = "recent_activities"

type RecentActivitiesInput struct {
	UserID     string `json:"user_id"`
	MaxResults int    `json:"max_results,omitempty"`
}

type ActivityResult struct {
	Type        string  `json:"type"`
	Score       float64 `json:"score"`
	DurationSec int     `json:"duration_sec"`
	Difficulty  string  `json:"difficulty,omitempty"`
	Insights    string  `json:"insights,omitempty"`
	CompletedAt string  `json:"completed_at"`
}

type RecentActivitiesOutput struct {
	Activities []ActivityResult `json:"activities"`
	Total      int              `json:"total"`
}

func createRecentActivitiesTool(activities model.ActivityStore) tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolRecentActivities,
			Desc: "Fetch the user's recently completed wellness activities (breathing exercises, journaling, mood check-ins) with scores and insights. Use this when discussing the user's practice, progress or streaks.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"user_id": {
					Type:     "string",
					Desc:     "User identifier of the current conversation.",
					Required: true,
				},
				"max_results": {
					Type: "number",
					Desc: "Maximum number of activities to return (default: 5, max: 20)",
				},
			}),
		},
		func(ctx context.Context, in *RecentActivitiesInput) (*RecentActivitiesOutput, error) {
			if in.UserID == "" {
				return nil, fmt.Errorf("user_id is required")
			}
			if in.MaxResults <= 0 {
				in.MaxResults = 5
			}
			if in.MaxResults > 20 {
				in.MaxResults = 20
			}

			recent, err := activities.RecentActivities(ctx, in.UserID, in.MaxResults)
			if err != nil {
				return nil, fmt.Errorf("recent activities: %w", err)
			}

			out := &RecentActivitiesOutput{Activities: []ActivityResult{}}
			for _, a := range recent {
				out.Activities = append(out.Activities, ActivityResult{
					Type:        a.ActivityType,
					Score:       a.Score,
					DurationSec: a.DurationSec,
					Difficulty:  a.Difficulty,
					Insights:    a.Insights,
					CompletedAt: a.CompletedAt.Format("2006-01-02"),
				})
			}
			out.Total = len(out.Activities)
			return out, nil
		},
	)
}
