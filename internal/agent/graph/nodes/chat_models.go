package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/companion-core/server/internal/agent/model"
	logx "github.com/companion-core/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey        string
	BaseURL       string
	AnalystConfig *model.AnalystModelConfig
	RespConfig    *model.ResponseModelConfig
	MemoryConfig  *model.MemoryModelConfig
}

// ChatModels holds the analyst, counselor and memory-extraction chat models.
// The memory model is not a graph node; the extraction worker calls it directly.
type ChatModels struct {
	Analyst           *gemini.ChatModel
	Response          *gemini.ChatModel
	Memory            *gemini.ChatModel
	AnalystModelName  string
	ResponseModelName string
	MemoryModelName   string
}

// NewChatModels creates all chat models sharing a single Gemini client.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {

	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	chatModelAnalyst, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.AnalystConfig.Model,
		Temperature: &config.AnalystConfig.Temperature,
		MaxTokens:   &config.AnalystConfig.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(2000)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating analyst model")
		return nil, fmt.Errorf("error creating analyst model: %w", err)
	}

	chatModelResponse, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.RespConfig.Model,
		Temperature: &config.RespConfig.Temperature,
		MaxTokens:   &config.RespConfig.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(2000)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating response model")
		return nil, fmt.Errorf("error creating response model: %w", err)
	}

	cms := &ChatModels{
		Analyst:           chatModelAnalyst,
		Response:          chatModelResponse,
		AnalystModelName:  config.AnalystConfig.Model,
		ResponseModelName: config.RespConfig.Model,
	}

	if config.MemoryConfig != nil {
		chatModelMemory, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       config.MemoryConfig.Model,
			Temperature: &config.MemoryConfig.Temperature,
			MaxTokens:   &config.MemoryConfig.MaxTokens,
		})
		if err != nil {
			logx.Error().Err(err).Msg("Error creating memory model")
			return nil, fmt.Errorf("error creating memory model: %w", err)
		}
		cms.Memory = chatModelMemory
		cms.MemoryModelName = config.MemoryConfig.Model
	}

	return cms, nil
}

// BindToolsToResponseModel binds tools to the response chat model
func (cm *ChatModels) BindToolsToResponseModel(ctx context.Context, tools []*schema.ToolInfo) error {
	// Bind tools to model with verification
	err := cm.Response.BindTools(tools)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to bind tools")
		return fmt.Errorf("failed to bind tools: %w", err)
	}

	logx.Debug().Msg("Successfully bound tools to response model")
	return nil
}

// NewAnalystChatModelNode creates a wrapper for the analyst chat model to be used as a node
func NewAnalystChatModelNode(chatModel *gemini.ChatModel) *gemini.ChatModel {
	return chatModel
}

// NewResponseChatModelNode creates a wrapper for the Response chat model to be used as a node
func NewResponseChatModelNode(chatModel *gemini.ChatModel) *gemini.ChatModel {
	return chatModel
}
