package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClient implements the Client interface using OpenAI's API.
type OpenAIClient struct {
	apiKey       string
	model        string
	systemPrompt string
	baseURL      string
	httpClient   *http.Client
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey       string
	Model        string // e.g., "gpt-4o-mini"
	SystemPrompt string // Optional custom system prompt
	BaseURL      string // Optional API base override (tests)
	HTTPClient   *http.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = SystemPromptCoach
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClient{
		apiKey:       cfg.APIKey,
		model:        model,
		systemPrompt: systemPrompt,
		baseURL:      baseURL,
		httpClient:   httpClient,
	}
}

// chatRequest represents an OpenAI chat completion request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse represents an OpenAI chat completion response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Acknowledge produces a short contextual acknowledgment of the reply.
func (c *OpenAIClient) Acknowledge(ctx context.Context, prompt, reply string) (string, error) {
	msgs := []chatMessage{
		{Role: "system", Content: c.systemPrompt},
		{Role: "assistant", Content: prompt},
		{Role: "user", Content: reply},
	}

	content, err := c.complete(ctx, chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0.6,
		MaxTokens:   40,
	})
	if err != nil {
		return "", err
	}

	ack := strings.TrimSpace(content)
	if ack == "" {
		return "", fmt.Errorf("empty acknowledgment")
	}
	return ack, nil
}

// ScoreSentiment scores the whole conversation and returns a parsed result.
func (c *OpenAIClient) ScoreSentiment(ctx context.Context, exchanges []Exchange) (*Sentiment, error) {
	msgs := []chatMessage{
		{Role: "system", Content: c.systemPrompt},
	}
	for _, ex := range exchanges {
		msgs = append(msgs, chatMessage{Role: "assistant", Content: ex.Prompt})
		reply := ex.Reply
		if reply == "" {
			reply = "(no response)"
		}
		msgs = append(msgs, chatMessage{Role: "user", Content: reply})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: SentimentPrompt})

	content, err := c.complete(ctx, chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0.3,
		MaxTokens:   200,
	})
	if err != nil {
		return nil, err
	}

	// Parse JSON from response (handle potential markdown code blocks)
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var result Sentiment
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("failed to parse sentiment: %w (content: %s)", err, content)
	}

	return &result, nil
}

func (c *OpenAIClient) complete(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return chatResp.Choices[0].Message.Content, nil
}
