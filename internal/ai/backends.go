package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

type anthropicBackend struct {
	client *anthropic.Client
}

func newAnthropicBackend(apiKey string) *anthropicBackend {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &anthropicBackend{client: &client}
}

func (b *anthropicBackend) provider() string { return ProviderAnthropic }

func (b *anthropicBackend) complete(ctx context.Context, model, prompt string, maxTokens int) (string, Usage, error) {
	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", Usage{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}, nil
}

type openAIBackend struct {
	client *openai.Client
}

func newOpenAIBackend(apiKey string) *openAIBackend {
	return &openAIBackend{client: openai.NewClient(apiKey)}
}

func (b *openAIBackend) provider() string { return ProviderOpenAI }

func (b *openAIBackend) complete(ctx context.Context, model, prompt string, maxTokens int) (string, Usage, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxCompletionTokens: maxTokens,
	})
	if err != nil {
		return "", Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("openai returned no choices")
	}
	usage := Usage{InputTokens: int64(resp.Usage.PromptTokens), OutputTokens: int64(resp.Usage.CompletionTokens)}
	return resp.Choices[0].Message.Content, usage, nil
}

type geminiBackend struct {
	client *genai.Client
}

func newGeminiBackend(ctx context.Context, apiKey string) (*geminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &geminiBackend{client: client}, nil
}

func (b *geminiBackend) provider() string { return ProviderGemini }

func (b *geminiBackend) complete(ctx context.Context, model, prompt string, maxTokens int) (string, Usage, error) {
	resp, err := b.client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		MaxOutputTokens:  int32(maxTokens),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", Usage{}, err
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return resp.Text(), usage, nil
}
