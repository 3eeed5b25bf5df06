package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kpichat/kpichat/internal/catalog"
)

const systemPromptTemplate = `You extract KPI query slots from user messages.
Known KPI keys: %s.
Known scope categories: %s.
Respond with a single JSON object and nothing else:
{"kpi": "", "time_range": "", "scope": [], "finished_selection": false}
- kpi: one of the known keys, or "" when the message names no KPI.
- time_range: a fiscal label like "FY26", "FY25 2H", a month range like
  "202504-202603", or "all" for the full history. "" when not mentioned.
- scope: "category:value" strings using only the known categories.
- finished_selection: true when the user declines to add more filters.
Leave out anything the message does not say. Never invent values.`

// OpenAIExtractor asks a chat model for the slots the rules missed. The
// conversation context travels with the request so the model can resolve
// references to earlier turns.
type OpenAIExtractor struct {
	client      *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
	system      string
}

type OpenAIOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

func NewOpenAIExtractor(opts OpenAIOptions, c *catalog.Catalog) *OpenAIExtractor {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	categories := make([]string, 0)
	for _, cat := range c.Categories() {
		categories = append(categories, cat.Value)
	}
	return &OpenAIExtractor{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		system: fmt.Sprintf(systemPromptTemplate,
			strings.Join(c.Keys(), ", "), strings.Join(categories, ", ")),
	}
}

func (e *OpenAIExtractor) Extract(ctx context.Context, text string, prior ContextSnapshot) (Extraction, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	priorJSON, err := json.Marshal(prior)
	if err != nil {
		return Extraction{}, fmt.Errorf("marshal prior context: %w", err)
	}
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: e.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: e.system},
			{
				Role: openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Current slots: %s\nUser message: %s",
					priorJSON, text),
			},
		},
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Extraction{}, fmt.Errorf("chat completion returned no choices")
	}
	return parseExtraction(resp.Choices[0].Message.Content)
}

// parseExtraction pulls the JSON object out of the completion, tolerating
// prose or fences around it.
func parseExtraction(content string) (Extraction, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Extraction{}, fmt.Errorf("no JSON object in completion %q", content)
	}
	var out Extraction
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return Extraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	return out, nil
}
