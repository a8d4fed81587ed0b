package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/graph/conversations"
	"github.com/companion-core/server/internal/agent/graph/nodes"
	"github.com/companion-core/server/internal/agent/graph/observers"
	"github.com/companion-core/server/internal/agent/graph/tools"
	"github.com/companion-core/server/internal/agent/model"
	logx "github.com/companion-core/server/pkg/logger"
)

// Runner is a thin wrapper to execute the compiled graph with the public QueryInput.
type Runner interface {
	Invoke(ctx context.Context, in model.QueryInput) (*model.QueryResult, error)
}

// GraphConfig holds all configuration needed to build the graph
type GraphConfig struct {
	ChatModels           *nodes.ChatModels
	MessagesManager      *conversations.MessagesManager
	AnalystConfig        *model.AnalystModelConfig
	ResponsePromptConfig *model.ResponsePromptConfig
	Memories             model.MemoryStore
	Activities           model.ActivityStore
	ToolMaxCalls         int
}

// GraphBuilder handles the construction of the agent conversation graph
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[model.QueryInput, *schema.Message]
}

type graphRunner struct {
	runnable compose.Runnable[model.QueryInput, *schema.Message]
}

// NewRunner wraps an already compiled graph. Use this when the caller builds
// ChatModels itself (e.g. to share the Gemini client with the memory worker).
func NewRunner(runnable compose.Runnable[model.QueryInput, *schema.Message]) Runner {
	return &graphRunner{runnable: runnable}
}

func (r *graphRunner) Invoke(ctx context.Context, in model.QueryInput) (*model.QueryResult, error) {
	out, err := r.runnable.Invoke(ctx, in, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return &model.QueryResult{}, nil
	}

	result := &model.QueryResult{Content: out.Content}
	if v, ok := out.Extra["handoff"].(bool); ok {
		result.Escalated = v
	}
	if v, ok := out.Extra["usage_cost_total_usd"].(float64); ok {
		result.CostUSD = v
	}
	if insights, ok := out.Extra["analysis_insights"].(map[string]string); ok {
		result.Approach = insights["approach"]
		result.PrimaryStressor = insights["primary_stressor"]
		result.InterventionPriority = insights["intervention_priority"]
		result.CrisisLevel = insights["crisis_level"]
	}
	return result, nil
}

// BuildGraph constructs and returns the compiled agent graph
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[model.QueryInput, *schema.Message], error) {
	// Basic config validation
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.ChatModels == nil || config.ChatModels.Analyst == nil || config.ChatModels.Response == nil {
		return nil, fmt.Errorf("chat models are not properly initialized")
	}
	if config.MessagesManager == nil {
		return nil, fmt.Errorf("messages manager is nil")
	}
	if config.AnalystConfig == nil || config.ResponsePromptConfig == nil {
		return nil, fmt.Errorf("model prompt/config is nil")
	}

	builder := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[model.QueryInput, *schema.Message](
			compose.WithGenLocalState(func(ctx context.Context) *model.AppState {
				return &model.AppState{}
			}),
		),
	}

	if err := builder.setupTools(ctx); err != nil {
		return nil, err
	}

	builder.addNodes()
	builder.addEdges()

	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

// setupTools configures business tools and binds them to the response model
func (b *GraphBuilder) setupTools(ctx context.Context) error {
	businessTools := tools.NewQueryTools(b.config.Memories, b.config.Activities)
	toolInfos, err := tools.GetToolInfos(ctx, businessTools)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to get tool infos")
		return fmt.Errorf("failed to get tool infos: %w", err)
	}

	if err := b.config.ChatModels.BindToolsToResponseModel(ctx, toolInfos); err != nil {
		logx.Error().Err(err).Msg("Failed to bind tools to response model")
		return fmt.Errorf("failed to bind tools to response model: %w", err)
	}

	toolsNode, err := compose.NewToolNode(ctx, &compose.ToolsNodeConfig{
		Tools:               businessTools,
		ExecuteSequentially: true,
		UnknownToolsHandler: func(ctx context.Context, name, input string) (string, error) {
			// Gracefully handle hallucinated or malformed tool calls (e.g., empty name)
			logx.Warn().
				Str("tool_name", name).
				Str("arguments", input).
				Msg("Unknown or invalid tool call; returning fallback result")
			// Return a compact, structured message the model can use to proceed
			return fmt.Sprintf("{\"error\":\"unknown_tool\",\"name\":%q,\"note\":\"ignored\"}", name), nil
		},
		ToolArgumentsHandler: func(ctx context.Context, name, arguments string) (string, error) {
			// Best-effort sanitize; never fail hard here
			var m map[string]any
			if err := json.Unmarshal([]byte(arguments), &m); err != nil {
				// keep original if not JSON
				return arguments, nil
			}

			// The model doesn't always echo identifiers back correctly;
			// pin them from graph state.
			var sessionID, userID string
			compose.ProcessState(ctx, func(_ context.Context, state *model.AppState) error {
				sessionID = state.SessionID
				userID = state.UserID
				return nil
			})

			switch name {
			case tools.ToolRecallMemories:
				if sessionID != "" {
					m["session_id"] = sessionID
				}
				// memory_type: string (optional)
				if v, ok := m["memory_type"]; ok {
					switch vv := v.(type) {
					case string:
						m["memory_type"] = strings.ToLower(strings.TrimSpace(vv))
					default:
						delete(m, "memory_type")
					}
				}
				// query: string (optional)
				if v, ok := m["query"]; ok {
					switch vv := v.(type) {
					case string:
						m["query"] = strings.TrimSpace(vv)
					default:
						m["query"] = strings.TrimSpace(fmt.Sprint(v))
					}
				}
				// max_results: number (optional, default 10, max 25)
				if v, ok := m["max_results"]; ok {
					switch vv := v.(type) {
					case float64:
						// JSON numbers decode as float64
						m["max_results"] = clampInt(int(vv), 1, 25)
					case string:
						if n, err := strconv.Atoi(strings.TrimSpace(vv)); err == nil {
							m["max_results"] = clampInt(n, 1, 25)
						} else {
							delete(m, "max_results")
						}
					default:
						delete(m, "max_results")
					}
				}
			case tools.ToolRecentActivities:
				if userID != "" {
					m["user_id"] = userID
				}
				if v, ok := m["max_results"]; ok {
					switch vv := v.(type) {
					case float64:
						m["max_results"] = clampInt(int(vv), 1, 20)
					case string:
						if n, err := strconv.Atoi(strings.TrimSpace(vv)); err == nil {
							m["max_results"] = clampInt(n, 1, 20)
						} else {
							delete(m, "max_results")
						}
					default:
						delete(m, "max_results")
					}
				}
			}

			b, err := json.Marshal(m)
			if err != nil {
				// fallback to original
				return arguments, nil
			}
			return string(b), nil
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Failed to create tools node")
		return fmt.Errorf("failed to create tools node: %w", err)
	}

	b.graph.AddToolsNode(nodes.NodeToolExecutor, toolsNode,
		compose.WithStatePreHandler(nodes.NewToolExecutorPreHandler(b.config.ToolMaxCalls)),
	)

	return nil
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() {
	b.graph.AddLambdaNode(nodes.NodeInputConverter,
		nodes.NewInputConverterNode(b.config.MessagesManager, b.config.AnalystConfig),
		compose.WithStatePreHandler(nodes.NewInputConverterPreHandler()),
	)

	b.graph.AddChatModelNode(nodes.NodeAnalystChatModel,
		nodes.NewAnalystChatModelNode(b.config.ChatModels.Analyst),
		compose.WithStatePostHandler(nodes.NewAnalystChatModelPostHandler(b.config.ChatModels.AnalystModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeParser,
		nodes.NewParserNode(),
		compose.WithStatePostHandler(nodes.NewParserPostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeResponseAssembler,
		nodes.NewResponseAssemblerNode(b.config.MessagesManager, b.config.ResponsePromptConfig),
	)

	b.graph.AddLambdaNode(nodes.NodeHumanHandoff,
		nodes.NewHumanHandoffNode(b.config.MessagesManager),
	)

	b.graph.AddChatModelNode(nodes.NodeResponseChatModel,
		nodes.NewResponseChatModelNode(b.config.ChatModels.Response),
		compose.WithStatePreHandler(nodes.NewResponseChatModelPreHandler(b.config.ToolMaxCalls)),
		compose.WithStatePostHandler(nodes.NewResponseChatModelPostHandler(b.config.MessagesManager, b.config.ChatModels.ResponseModelName)),
	)
}

// addEdges creates the main flow connections between nodes
func (b *GraphBuilder) addEdges() {
	edges := [][2]string{
		{compose.START, nodes.NodeInputConverter},
		{nodes.NodeInputConverter, nodes.NodeAnalystChatModel},
		{nodes.NodeAnalystChatModel, nodes.NodeParser},
		{nodes.NodeHumanHandoff, compose.END},
		{nodes.NodeResponseAssembler, nodes.NodeResponseChatModel},
		{nodes.NodeToolExecutor, nodes.NodeResponseChatModel},
	}

	for _, edge := range edges {
		b.graph.AddEdge(edge[0], edge[1])
	}
}

// addBranches creates conditional routing branches
func (b *GraphBuilder) addBranches() error {
	handoffBranch := compose.NewGraphBranch(
		nodes.NewHumanHandoffCondition(),
		map[string]bool{
			nodes.NodeHumanHandoff:      true,
			nodes.NodeResponseAssembler: true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeParser, handoffBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding human handoff branch")
		return fmt.Errorf("error adding human handoff branch: %w", err)
	}

	decisionBranch := compose.NewGraphBranch(
		nodes.NewToolExecutorCondition(),
		map[string]bool{
			nodes.NodeToolExecutor: true,
			compose.END:            true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeResponseChatModel, decisionBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding decision branch")
		return fmt.Errorf("error adding decision branch: %w", err)
	}

	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.QueryInput, *schema.Message], error) {
	// Limit total run steps to avoid infinite loops in branching or tool retries
	maxSteps := 10 + b.config.ToolMaxCalls*2
	if maxSteps < 20 {
		maxSteps = 20
	}

	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxSteps))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}

// clampInt returns v limited to [min, max].
func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
