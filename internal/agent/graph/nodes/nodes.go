package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/companion-core/server/internal/agent/graph/conversations"
	"github.com/companion-core/server/internal/agent/graph/parsers"
	"github.com/companion-core/server/internal/agent/graph/prompts"
	"github.com/companion-core/server/internal/agent/model"
	logx "github.com/companion-core/server/pkg/logger"
)

// crisisResponse is the fixed reply for immediate-crisis turns. The model is
// bypassed so a generation failure can never delay the helpline.
const crisisResponse = "I'm really glad you told me. What you're feeling matters, and you don't have to face it alone. " +
	"Please reach out right now to someone who can help: iCall at 9152987821 or AASRA at 9820466726 (both free, confidential). " +
	"If you're in immediate danger, call 112. I'm staying right here with you."

// NewInputConverterPreHandler creates the pre-handler for InputConverter node
func NewInputConverterPreHandler() func(context.Context, model.QueryInput, *model.AppState) (model.QueryInput, error) {
	return func(ctx context.Context, in model.QueryInput, s *model.AppState) (model.QueryInput, error) {
		if s.SessionID == "" {
			s.SessionID = in.SessionID
		}
		if s.UserID == "" {
			s.UserID = in.UserID
		}
		s.VoiceAnalysis = in.VoiceAnalysis
		s.UserActivities = in.UserActivities
		// Reset tool call counter and limit flag for each new query
		s.ToolCallCount = 0
		s.ToolCallLimitReached = false
		s.ToolCallIDSeq = 0
		// Reset accumulated total cost for each new query
		s.TotalCostUSD = 0
		return in, nil
	}
}

// NewInputConverterNode creates the InputConverter node feeding the analyst model
func NewInputConverterNode(
	mm *conversations.MessagesManager,
	analystCfg *model.AnalystModelConfig,
) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, input model.QueryInput) ([]*schema.Message, error) {
		conversationCtx, err := mm.ProcessAnalystMessage(ctx, input.SessionID, input.UserID, input.Query)
		if err != nil {
			return nil, fmt.Errorf("error getting conversation context: %w", err)
		}

		// Generate system prompt via Eino prompt component (enables prompt callbacks)
		systemPrompt, err := prompts.RenderAnalystSystem(ctx, analystCfg)
		if err != nil {
			return nil, fmt.Errorf("render analyst system prompt: %w", err)
		}

		messages := []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(conversationCtx),
		}

		return messages, nil
	})
}

// NewAnalystChatModelPostHandler computes and logs usage cost for the analyst model.
func NewAnalystChatModelPostHandler(modelName string) func(context.Context, *schema.Message, *model.AppState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.AppState) (*schema.Message, error) {
		accumulateUsageCost(out, state, modelName, NodeAnalystChatModel)
		return out, nil
	}
}

// accumulateUsageCost attaches per-call USD cost to the message Extra and
// rolls it up into the state total.
func accumulateUsageCost(out *schema.Message, state *model.AppState, modelName, node string) {
	if !model.CostEnabled() || out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	pricing := model.ResolvePricing(modelName)
	inC, outC, totalC := model.ComputeCost(out.ResponseMeta.Usage, pricing)
	if out.Extra == nil {
		out.Extra = map[string]any{}
	}
	out.Extra["usage_cost"] = map[string]any{
		"currency":          "USD",
		"model":             modelName,
		"prompt_tokens":     out.ResponseMeta.Usage.PromptTokens,
		"completion_tokens": out.ResponseMeta.Usage.CompletionTokens,
		"total_tokens":      out.ResponseMeta.Usage.TotalTokens,
		"input_cost":        inC,
		"output_cost":       outC,
		"total_cost":        totalC,
	}
	logx.Debug().
		Str("session_id", state.SessionID).
		Str("node", node).
		Str("model", modelName).
		Int("prompt_tokens", out.ResponseMeta.Usage.PromptTokens).
		Int("completion_tokens", out.ResponseMeta.Usage.CompletionTokens).
		Int("total_tokens", out.ResponseMeta.Usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")

	// Accumulate only total cost into state
	state.TotalCostUSD += totalC
	// Also expose running total in the message Extra for visibility
	out.Extra["usage_cost_total_usd"] = state.TotalCostUSD
}

// attachAnalysisInsights copies the headline analyst verdicts onto the
// final message so the API layer can surface them alongside the reply.
func attachAnalysisInsights(out *schema.Message, a *model.Analysis) {
	if out == nil || a == nil {
		return
	}
	if out.Extra == nil {
		out.Extra = map[string]any{}
	}
	out.Extra["analysis_insights"] = map[string]string{
		"approach":              a.RecommendedApproach,
		"primary_stressor":      a.PrimaryStressor,
		"intervention_priority": a.InterventionPriority,
		"crisis_level":          a.Crisis.Level,
	}
}

// NewParserNode creates the Parser node for analyst response parsing
func NewParserNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, resp *schema.Message) (model.Analysis, error) {
		result, err := parsers.ParseAnalysis(resp.Content)
		if err != nil {
			logx.Error().Err(err).Msg("Error parsing analyst response")
			return model.Analysis{}, err
		}
		if result == nil {
			logx.Error().Msg("Parsing returned nil result")
			return model.Analysis{}, fmt.Errorf("parsing returned nil result")
		}
		return *result, nil
	})
}

// NewParserPostHandler creates the post-handler for Parser node
func NewParserPostHandler() func(context.Context, model.Analysis, *model.AppState) (model.Analysis, error) {
	return func(ctx context.Context, out model.Analysis, state *model.AppState) (model.Analysis, error) {
		// Save analysis to state
		state.Analysis = &out

		logx.Debug().
			Str("session_id", state.SessionID).
			Str("primary_stressor", out.PrimaryStressor).
			Str("crisis_level", out.Crisis.Level).
			Str("intervention_priority", out.InterventionPriority).
			Float64("importance_score", out.ImportanceScore).
			Msg("Analysis parsed")
		return out, nil
	}
}

// NewHumanHandoffCondition creates the condition function for routing crisis turns
func NewHumanHandoffCondition() func(context.Context, model.Analysis) (string, error) {
	return func(ctx context.Context, input model.Analysis) (string, error) {
		if input.RequiresEscalation() {
			logx.Warn().
				Str("crisis_level", input.Crisis.Level).
				Float64("crisis_confidence", input.Crisis.Confidence).
				Msg("Routing to human handoff - immediate crisis detected")
			return NodeHumanHandoff, nil
		}
		logx.Debug().
			Str("crisis_level", input.Crisis.Level).
			Float64("crisis_confidence", input.Crisis.Confidence).
			Msg("Routing to Response Assembler - no escalation needed")
		return NodeResponseAssembler, nil
	}
}

// NewHumanHandoffNode creates the HumanHandoff node for immediate-crisis turns.
// It returns a fixed supportive reply with helplines and flags the turn so the
// API layer can notify the on-call counselor queue.
func NewHumanHandoffNode(mm *conversations.MessagesManager) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, input model.Analysis) (*schema.Message, error) {
		logx.Warn().
			Str("crisis_level", input.Crisis.Level).
			Float64("crisis_confidence", input.Crisis.Confidence).
			Msg("Human intervention required for crisis turn")

		var sessionID, userID string
		if err := compose.ProcessState(ctx, func(_ context.Context, state *model.AppState) error {
			sessionID = state.SessionID
			userID = state.UserID
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		// Keep the working history coherent even on the bypass path
		if err := mm.SaveResponse(ctx, sessionID, userID, crisisResponse); err != nil {
			logx.Error().Err(err).Str("session_id", sessionID).Msg("Error saving crisis response")
		}

		out := schema.AssistantMessage(crisisResponse, nil)
		out.Extra = map[string]any{"handoff": true}
		attachAnalysisInsights(out, &input)
		return out, nil
	})
}

// NewResponseAssemblerNode creates the ResponseAssembler node for building response context
func NewResponseAssemblerNode(
	mm *conversations.MessagesManager,
	responsePromptConfig *model.ResponsePromptConfig,
) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, analysis model.Analysis) ([]*schema.Message, error) {
		// Get data from state
		var data model.ResponseData
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.AppState) error {
			if state.Analysis == nil {
				return fmt.Errorf("missing analysis in state")
			}
			data = model.ResponseData{
				Analysis:       *state.Analysis,
				SessionID:      state.SessionID,
				UserID:         state.UserID,
				VoiceAnalysis:  state.VoiceAnalysis,
				UserActivities: state.UserActivities,
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		// Long-term context: summary, extracted memories, recent activities
		memoryCtx := mm.MemoryContext(ctx, data.SessionID, data.UserID)
		if len(data.VoiceAnalysis) > 0 {
			if b, err := json.Marshal(data.VoiceAnalysis); err == nil {
				memoryCtx += "\n<voice_analysis>\n" + string(b) + "\n</voice_analysis>"
			}
		}
		if len(data.UserActivities) > 0 {
			if b, err := json.Marshal(data.UserActivities); err == nil {
				memoryCtx += "\n<client_activities>\n" + string(b) + "\n</client_activities>"
			}
		}

		// Generate system prompt via Eino prompt component (enables prompt callbacks)
		respSysPrompt, err := prompts.RenderResponseSystem(ctx, *responsePromptConfig, data.Analysis, memoryCtx)
		if err != nil {
			return nil, fmt.Errorf("generate response prompt: %w", err)
		}

		// Build context with conversation history
		messages, err := mm.BuildResponseContext(ctx, data.SessionID, respSysPrompt)
		if err != nil {
			return nil, fmt.Errorf("build response context: %w", err)
		}

		return messages, nil
	})
}

// NewResponseChatModelPreHandler creates the pre-handler for ResponseChatModel node
func NewResponseChatModelPreHandler(maxToolCalls int) func(context.Context, []*schema.Message, *model.AppState) ([]*schema.Message, error) {
	return func(ctx context.Context, in []*schema.Message, state *model.AppState) ([]*schema.Message, error) {
		// Heuristic fix for Gemini OpenAI-compat: ensure tool results carry tool_call_id
		if len(in) > 0 {
			last := in[len(in)-1]
			if last != nil && last.Role == schema.Tool && strings.TrimSpace(last.ToolCallID) == "" {
				// Try to find the most recent assistant tool call id from history
				for i := len(state.History) - 1; i >= 0; i-- {
					msg := state.History[i]
					if msg == nil || msg.Role != schema.Assistant || len(msg.ToolCalls) == 0 {
						continue
					}
					id := msg.ToolCalls[0].ID
					if strings.TrimSpace(id) != "" {
						last.ToolCallID = id
					}
					break
				}
			}
		}

		state.History = append(state.History, in...)

		if checkAndMarkToolLimit(state, maxToolCalls) {
			maxToolCalls = normalizeMaxToolCalls(maxToolCalls)
			wrapUp := &schema.Message{
				Role: schema.System,
				Content: fmt.Sprintf(
					"SYSTEM NOTICE: You have reached the maximum tool call limit (%d). "+
						"Please synthesize a helpful response using the information you've already gathered. "+
						"Acknowledge any limitations in your response if you couldn't complete all necessary tool calls.",
					maxToolCalls,
				),
			}
			state.History = append(state.History, wrapUp)
		}

		logx.Debug().Msg("AI thinking...")

		return state.History, nil
	}
}

// NewResponseChatModelPostHandler creates the post-handler for ResponseChatModel node
func NewResponseChatModelPostHandler(
	mm *conversations.MessagesManager,
	modelName string,
) func(context.Context, *schema.Message, *model.AppState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.AppState) (*schema.Message, error) {
		accumulateUsageCost(out, state, modelName, NodeResponseChatModel)

		// Normalize tool calls: some providers (Gemini OpenAI-compat) may omit tool_call IDs.
		if out != nil && len(out.ToolCalls) > 0 {
			for i := range out.ToolCalls {
				if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
					state.ToolCallIDSeq++
					out.ToolCalls[i].ID = fmt.Sprintf("call_%d", state.ToolCallIDSeq)
				}
			}
		}

		state.History = append(state.History, out)

		// Clean logging for tool calls and responses
		if len(out.ToolCalls) > 0 {
			logx.Debug().Int("tool_count", len(out.ToolCalls)).Msg("Calling tools")
		} else {
			logx.Debug().Msg("AI response ready")
		}

		// Save only when it's a final assistant message (no further tool calls),
		// or when we've reached the tool-call limit but still have a content response.
		if out.Role == schema.Assistant && (len(out.ToolCalls) == 0 || state.ToolCallLimitReached) && strings.TrimSpace(out.Content) != "" {
			attachAnalysisInsights(out, state.Analysis)
			if err := mm.SaveResponse(ctx, state.SessionID, state.UserID, out.Content); err != nil {
				logx.Error().
					Str("session_id", state.SessionID).
					Err(err).
					Msg("Error saving assistant response in postHandlerResponse")
			} else {
				logx.Debug().
					Str("session_id", state.SessionID).
					Msg("Successfully saved assistant response")
			}
		}

		return out, nil
	}
}

// NewToolExecutorCondition creates the condition function for tool execution routing
func NewToolExecutorCondition() func(context.Context, *schema.Message) (string, error) {
	return func(ctx context.Context, input *schema.Message) (string, error) {
		// Check if tool limit was reached
		var limitReached bool
		compose.ProcessState(ctx, func(_ context.Context, state *model.AppState) error {
			limitReached = state.ToolCallLimitReached
			return nil
		})

		if limitReached {
			logx.Debug().Msg("Tool limit reached previously - routing to end")
			return compose.END, nil
		}

		if len(input.ToolCalls) > 0 {
			logx.Debug().Int("tool_count", len(input.ToolCalls)).Msg("Routing to ToolExecutor")
			return NodeToolExecutor, nil
		}

		logx.Debug().Msg("No tool calls - continuing to end")
		return compose.END, nil
	}
}

// NewToolExecutorPreHandler creates the pre-handler for ToolExecutor node
func NewToolExecutorPreHandler(maxToolCalls int) func(context.Context, *schema.Message, *model.AppState) (*schema.Message, error) {
	return func(ctx context.Context, in *schema.Message, state *model.AppState) (*schema.Message, error) {
		// Increment tool call counter
		exceeded := incrementToolCallAndCheck(state, maxToolCalls)

		logx.Debug().
			Int("tool_call_count", state.ToolCallCount).
			Str("session_id", state.SessionID).
			Msg("Tool execution attempt")

		if exceeded {
			maxToolCalls = normalizeMaxToolCalls(maxToolCalls)
			logx.Warn().
				Int("tool_call_count", state.ToolCallCount).
				Int("max_tool_calls", maxToolCalls).
				Str("session_id", state.SessionID).
				Msg("Tool call limit exceeded - flagging and continuing")
			return in, nil
		}

		return in, nil
	}
}
