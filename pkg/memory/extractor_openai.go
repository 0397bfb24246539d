package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const extractionSystemPrompt = `You extract durable facts about the user from conversation excerpts.
Reply with JSON only: {"candidates":[{"content":"...","salience":0.0-1.0,"salience_vector":{"emotion":0.0-1.0,"narrative":0.0-1.0},"evidence_level":"verified|derived|unverified","credibility_score":0.0-1.0}]}.
Phrase slot facts with a leading label such as "Preferred name:", "Timezone:", "Location:", "Occupation:" or "Birthday:".
Return {"candidates":[]} when nothing durable is stated.`

// OpenAIExtractorConfig configures the semantic extraction model.
type OpenAIExtractorConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIExtractor delegates fact extraction to a chat completion model.
type OpenAIExtractor struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIExtractor(cfg OpenAIExtractorConfig) (*OpenAIExtractor, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai extractor: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIExtractor{client: &client, model: model, timeout: timeout}, nil
}

// Extract returns the raw model reply. Parsing is the caller's concern.
func (e *OpenAIExtractor) Extract(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return `{"candidates":[]}`, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractionSystemPrompt),
			openai.UserMessage(strings.Join(texts, "\n")),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("openai extractor: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai extractor: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}
