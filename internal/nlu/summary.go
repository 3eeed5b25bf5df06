package nlu

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kpichat/kpichat/internal/warehouse"
)

const summarySystemPrompt = `You summarize KPI query results for a business audience.
Answer in one or two short sentences, in the same language as the KPI
name if it is Chinese, otherwise in English. State the metric, the
period, and the notable movement. Use only the numbers in the table.
Plain text only, no markdown.`

// summaryRowLimit caps the rows sent to the model so the prompt stays
// small on long time ranges.
const summaryRowLimit = 20

// OpenAISummarizer narrates a finished query result in one or two
// sentences. It shares the chat backend with OpenAIExtractor.
type OpenAISummarizer struct {
	client      *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
}

func NewOpenAISummarizer(opts OpenAIOptions) *OpenAISummarizer {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAISummarizer{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, kpi, timeRange string, result warehouse.QueryResult) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: s.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("KPI: %s\nTime range: %s\nResult:\n%s",
					kpi, timeRange, renderResult(result)),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// renderResult flattens the result into a pipe-separated table for the
// prompt, keeping at most summaryRowLimit rows.
func renderResult(result warehouse.QueryResult) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(result.Columns, " | "))

	rows := result.Rows
	if len(rows) > summaryRowLimit {
		rows = rows[:summaryRowLimit]
	}
	for _, row := range rows {
		cells := make([]string, 0, len(row))
		for _, cell := range row {
			cells = append(cells, fmt.Sprint(cell))
		}
		sb.WriteString("\n" + strings.Join(cells, " | "))
	}
	if len(result.Rows) > summaryRowLimit {
		fmt.Fprintf(&sb, "\n(%d more rows)", len(result.Rows)-summaryRowLimit)
	}
	return sb.String()
}
