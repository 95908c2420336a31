package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"relief3d/internal/config"
	"relief3d/internal/models"
)

const (
	summaryMaxTokens = 200
	chatMaxTokens    = 300
)

// Service answers educational questions about an uploaded image through a
// configured chat model. Multimodal providers see the picture itself; for
// text-only providers the prompts fall back to the image's name.
type Service struct {
	chatModel  model.ToolCallingChatModel
	agent      *react.Agent
	provider   string
	multimodal bool
}

// NewService builds the chat model for the configured provider.
func NewService(ctx context.Context, provider string, cfg *config.Config) (*Service, error) {
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	token := provCfg.Key()
	if token == "" {
		return nil, fmt.Errorf("provider %s has no api key", provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai", "openrouter", "github":
		// OpenRouter and GitHub Models speak the OpenAI wire protocol and
		// only differ in BaseURL.
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  token,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: token,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: chatMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	var reactAgent *react.Agent
	if tools := InitToolsChain(); len(tools) > 0 {
		reactAgent, err = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}

	return &Service{
		chatModel:  chatModel,
		agent:      reactAgent,
		provider:   provider,
		multimodal: provCfg.Multimodal,
	}, nil
}

// Multimodal reports whether the provider accepts image parts.
func (s *Service) Multimodal() bool { return s.multimodal }

// GenerateSummary produces a short educational overview of the subject.
// imageData may be nil; it is only attached for multimodal providers.
func (s *Service) GenerateSummary(ctx context.Context, imageName, imageType string, imageData []byte, mimeType string) (string, error) {
	if strings.TrimSpace(imageName) == "" {
		return "", errors.New("image name is required")
	}
	if imageType == "" {
		imageType = "general"
	}

	var msgs []*schema.Message
	if s.multimodal && len(imageData) > 0 {
		prompt := fmt.Sprintf("You are an educational assistant helping students learn through interactive 3D visualization.\n\n"+
			"A student has uploaded this image (named %q) for 3D conversion and learning.\n\n"+
			"Analyze the image and provide a concise, educational summary (2-5 sentences) that would help a student "+
			"understand the key concepts. Focus on what you can see in the image, the main purpose of the subject, "+
			"its key structural features, and its educational significance. Keep it clear, engaging, and educational.",
			imageName)
		msgs = []*schema.Message{userMessageWithImage(prompt, imageData, mimeType)}
	} else {
		prompt := fmt.Sprintf("You are an educational assistant helping students learn through interactive 3D visualization.\n\n"+
			"A student has uploaded an image named %q (a %s image) for 3D conversion and learning.\n\n"+
			"Provide a concise, educational summary (2-5 sentences) about this subject that would help a student "+
			"understand the key concepts: its main purpose, key structural features, and educational significance. "+
			"Do not mention the image itself, just provide factual educational content about the subject.",
			imageName, imageType)
		msgs = []*schema.Message{schema.UserMessage(prompt)}
	}

	resp, err := s.chatModel.Generate(ctx, msgs, model.WithMaxTokens(summaryMaxTokens))
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Chat answers a follow-up question with the prior transcript replayed.
func (s *Service) Chat(ctx context.Context, imageName string, history []models.ChatTurn, userMessage string, imageData []byte, mimeType string) (string, error) {
	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return "", errors.New("user message is required")
	}

	system := fmt.Sprintf("You are an educational AI assistant helping a student learn about %q. "+
		"The student is viewing a 3D model of this subject and wants to learn more through conversation. "+
		"Provide clear, concise answers (2-10 sentences max) that are educational, factually accurate, "+
		"and easy to understand. Always stay on topic and help the student learn effectively.", imageName)

	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, schema.SystemMessage(system))
	for _, turn := range history {
		switch models.Role(turn.Role) {
		case models.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(turn.Content, nil))
		default:
			msgs = append(msgs, schema.UserMessage(turn.Content))
		}
	}
	if s.multimodal && len(imageData) > 0 {
		msgs = append(msgs, userMessageWithImage(userMessage, imageData, mimeType))
	} else {
		msgs = append(msgs, schema.UserMessage(userMessage))
	}

	var (
		resp *schema.Message
		err  error
	)
	// Image parts bypass the react agent: the search tool only helps with
	// text questions and some tool-calling backends reject mixed content.
	if s.agent != nil && (!s.multimodal || len(imageData) == 0) {
		resp, err = s.agent.Generate(ctx, msgs)
	} else {
		resp, err = s.chatModel.Generate(ctx, msgs, model.WithMaxTokens(chatMaxTokens))
	}
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func userMessageWithImage(text string, imageData []byte, mimeType string) *schema.Message {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageData))
	return &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: text},
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      dataURL,
					MIMEType: mimeType,
				},
			},
		},
	}
}
