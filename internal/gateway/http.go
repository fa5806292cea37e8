package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HTTP calls an Ollama-compatible chat endpoint (POST /api/chat,
// non-streaming).
type HTTP struct {
	name       string
	baseURL    string
	model      string
	system     string
	apiKey     string
	httpClient *http.Client
}

// NewHTTP returns an HTTP predictor targeting baseURL with the given model.
func NewHTTP(name, baseURL, model string) *HTTP {
	return &HTTP{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// WithSystem sets a system message sent before every prompt.
func (h *HTTP) WithSystem(system string) *HTTP {
	h.system = system
	return h
}

// WithAPIKey sets a bearer token sent with every request.
func (h *HTTP) WithAPIKey(key string) *HTTP {
	h.apiKey = key
	return h
}

// Name returns the predictor identity.
func (h *HTTP) Name() string { return h.name }

// Invoke sends the prompt as a single user message.
func (h *HTTP) Invoke(ctx context.Context, text string, timeout time.Duration) Result {
	return invoke(ctx, text, timeout, h.chat)
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// chatResponse is the JSON returned by POST /api/chat (non-streaming).
type chatResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

func (h *HTTP) chat(ctx context.Context, prompt string) (string, error) {
	var messages []Message
	if h.system != "" {
		messages = append(messages, Message{Role: "system", Content: h.system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: h.model, Messages: messages, Stream: false})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("chat: %s", result.Error)
	}

	return result.Message.Content, nil
}
