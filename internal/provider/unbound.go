package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shaiso/Promptline/internal/domain"
)

// Значения по умолчанию для chat-completion запроса.
const (
	DefaultUnboundBaseURL = "https://api.getunbound.ai/v1"
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 2048

	defaultHTTPTimeout = 2 * time.Minute
	maxErrorBody       = 500
)

// UnboundClient — клиент Unbound chat-completion API.
//
// POST {BaseURL}/chat/completions с заголовком Authorization: Bearer {APIKey}.
// Ответ: первый choices[].message.content, без пробелов по краям.
type UnboundClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewUnboundClient создаёт клиент. Пустой baseURL — DefaultUnboundBaseURL.
func NewUnboundClient(baseURL, apiKey string) *UnboundClient {
	if baseURL == "" {
		baseURL = DefaultUnboundBaseURL
	}
	return &UnboundClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate отправляет промпт модели cfg.Model.
func (c *UnboundClient) Generate(ctx context.Context, prompt string, cfg domain.ModelConfig) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("%w: UNBOUND_API_KEY is not set", ErrConfiguration)
	}
	if cfg.Model == "" {
		return "", fmt.Errorf("%w: model is required for provider unbound", ErrConfiguration)
	}

	body := chatRequest{
		Model:       cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	if cfg.Temperature != nil {
		body.Temperature = *cfg.Temperature
	}
	if cfg.MaxTokens != nil && *cfg.MaxTokens > 0 {
		body.MaxTokens = *cfg.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: Unbound API error %d: %s", ErrProvider, resp.StatusCode, truncate(string(respBody), maxErrorBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil || parsed.Choices[0].Message.Content == nil {
		return "", fmt.Errorf("%w: response has no choices[0].message.content", ErrProvider)
	}
	return strings.TrimSpace(*parsed.Choices[0].Message.Content), nil
}

// truncate обрезает строку до maxLen байт, не разрывая UTF-8 символ.
// Невалидные последовательности заменяются на U+FFFD: текст уходит в TEXT-колонку лога.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return strings.ToValidUTF8(s, "\uFFFD")
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.ToValidUTF8(s[:cut], "\uFFFD") + "..."
}
