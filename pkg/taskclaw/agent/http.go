package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRuntime calls an OpenAI-compatible chat completions endpoint.
type HTTPRuntime struct {
	Endpoint     string
	Model        string
	APIKey       string
	SystemPrompt string
	Timeout      time.Duration

	// Client overrides the HTTP client; nil uses a client with Timeout.
	Client *http.Client
}

// Name implements Runtime.
func (r *HTTPRuntime) Name() string { return "http" }

// Start implements Runtime.
func (r *HTTPRuntime) Start(_ context.Context, binding Binding) (Instance, error) {
	if r.Endpoint == "" {
		return nil, errors.New("http runtime: no endpoint configured")
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: r.Timeout}
	}
	return &httpInstance{runtime: r, binding: binding, client: client}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type httpInstance struct {
	runtime *HTTPRuntime
	binding Binding
	client  *http.Client
}

func (i *httpInstance) Invoke(ctx context.Context, req Request) (*Response, error) {
	if i.runtime.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.runtime.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		Model:    i.runtime.Model,
		Messages: i.messages(req),
		User:     i.binding.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := strings.TrimRight(i.runtime.Endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if i.runtime.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+i.runtime.APIKey)
	}

	start := time.Now()
	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("API returned no choices")
	}

	return &Response{
		Content:  strings.TrimSpace(parsed.Choices[0].Message.Content),
		Duration: time.Since(start),
	}, nil
}

func (i *httpInstance) messages(req Request) []chatMessage {
	messages := make([]chatMessage, 0, len(req.History)*2+2)
	if sp := strings.TrimSpace(i.runtime.SystemPrompt + skillsBlock(i.binding.Skills)); sp != "" {
		messages = append(messages, chatMessage{Role: "system", Content: sp})
	}
	for _, t := range req.History {
		messages = append(messages, chatMessage{Role: "user", Content: t.UserMessage})
		if t.AssistantResponse != "" {
			messages = append(messages, chatMessage{Role: "assistant", Content: t.AssistantResponse})
		}
	}
	messages = append(messages, chatMessage{
		Role:    "user",
		Content: req.Message + attachmentBlock(req.Attachments) + missingConfigBlock(req.MissingConfig),
	})
	return messages
}

func (i *httpInstance) Close() error {
	i.client.CloseIdleConnections()
	return nil
}
