package copilot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// historyMessageLimit caps how many stored turns are replayed as
// chat messages on each completion request.
const historyMessageLimit = 3

var (
	// ErrLLMRateLimited indicates the completion backend returned 429.
	ErrLLMRateLimited = errors.New("rate limit exceeded")

	// ErrLLMModelLoading indicates the completion backend returned 503,
	// which the HuggingFace router uses while a model is cold-starting.
	ErrLLMModelLoading = errors.New("model is loading")
)

// ChatCompletionResult is the outcome of a successful completion
// request.
type ChatCompletionResult struct {
	Content    string
	TokensUsed int
}

// LLMClient sends chat completion requests to an OpenAI-compatible
// backend. Requests are rate limited client-side.
type LLMClient struct {
	client  *openai.Client
	config  *LLMConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewLLMClient creates an LLMClient for the configured backend. The
// BaseURL from cfg overrides the OpenAI default, so any
// OpenAI-compatible router works.
func NewLLMClient(
	cfg *LLMConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return &LLMClient{
		client:  openai.NewClientWithConfig(clientConfig),
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1),
		logger:  logger.With(loggerNameKey, "llm"),
	}
}

// ChatCompletion requests a completion for the given message. Recent
// chat history comes from the caller's in-memory message cache; when
// the cache is empty (fresh process), the assembled context window's
// turns are replayed instead. The summary from the window rides along
// in the system message, so the model sees older turns that fell out
// of the replayed history.
func (l *LLMClient) ChatCompletion(
	ctx context.Context,
	systemInstructions string,
	window ContextWindow,
	history []CachedMessage,
	userMessage string,
) (*ChatCompletionResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	systemContent := systemInstructions
	if window.Summary != "" {
		systemContent = systemContent + "\n\n" + window.Summary
	}

	messages := make(
		[]openai.ChatCompletionMessage,
		0,
		2+maxCachedHistoryMessages,
	)
	messages = append(
		messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemContent,
		},
	)

	if len(history) > maxCachedHistoryMessages {
		history = history[len(history)-maxCachedHistoryMessages:]
	}
	for _, h := range history {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    h.Role,
				Content: h.Content,
			},
		)
	}
	if len(history) == 0 {
		turns := window.Turns
		if len(turns) > historyMessageLimit {
			turns = turns[len(turns)-historyMessageLimit:]
		}
		for _, t := range turns {
			messages = append(
				messages,
				openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: t.UserMessage,
				},
				openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: t.BotResponse,
				},
			)
		}
	}
	messages = append(
		messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: userMessage,
		},
	)

	req := openai.ChatCompletionRequest{
		Model:       l.config.Model,
		Messages:    messages,
		MaxTokens:   l.config.MaxTokens,
		Temperature: l.config.Temperature,
		TopP:        l.config.TopP,
	}

	resp, err := l.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyLLMError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("completion response contained no choices")
	}
	return &ChatCompletionResult{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// classifyLLMError maps backend HTTP status codes onto sentinel errors
// that command handlers translate into user-facing messages.
func classifyLLMError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return ErrLLMRateLimited
		case http.StatusServiceUnavailable:
			return ErrLLMModelLoading
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return ErrLLMRateLimited
		case http.StatusServiceUnavailable:
			return ErrLLMModelLoading
		}
	}
	return err
}
