package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"genflow/internal/models"
)

// maxResponseBytes caps provider response bodies.
const maxResponseBytes = 4 * 1024 * 1024

// ProviderConfig holds the per-provider connection settings loaded from the
// configuration store or environment.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func newHTTPClient(cfg ProviderConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// postJSON issues the request and decodes a JSON response into out,
// converting non-2xx statuses into GenerationErrors.
func postJSON(ctx context.Context, client *http.Client, provider, url, apiKey string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return &GenerationError{Provider: provider, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &GenerationError{Provider: provider, Message: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GenerationError{Provider: provider, StatusCode: resp.StatusCode, Message: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &GenerationError{Provider: provider, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// decodePayload round-trips an item payload into a typed request shape.
func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// ChatProvider shapes chat completions against an OpenAI-style endpoint.
type ChatProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func NewChatProvider(cfg ProviderConfig) *ChatProvider {
	return &ChatProvider{cfg: cfg, client: newHTTPClient(cfg)}
}

type chatPayload struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Model  string `json:"model,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *ChatProvider) Invoke(ctx context.Context, _ models.TaskKind, payload map[string]any) (any, error) {
	var in chatPayload
	if err := decodePayload(payload, &in); err != nil {
		return nil, &GenerationError{Provider: "chat", Message: err.Error()}
	}
	if in.Prompt == "" {
		return nil, &GenerationError{Provider: "chat", Message: "prompt is required"}
	}
	model := in.Model
	if model == "" {
		model = p.cfg.Model
	}
	messages := make([]chatMessage, 0, 2)
	if in.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: in.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: in.Prompt})

	var out chatResponse
	err := postJSON(ctx, p.client, "chat", p.cfg.BaseURL+"/v1/chat/completions", p.cfg.APIKey, map[string]any{
		"model":    model,
		"messages": messages,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, &GenerationError{Provider: "chat", Message: "empty choices in response"}
	}
	return out.Choices[0].Message.Content, nil
}

// ImageProvider shapes text-to-image generations.
type ImageProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func NewImageProvider(cfg ProviderConfig) *ImageProvider {
	return &ImageProvider{cfg: cfg, client: newHTTPClient(cfg)}
}

type imagePayload struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	Model  string `json:"model,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

func (p *ImageProvider) Invoke(ctx context.Context, _ models.TaskKind, payload map[string]any) (any, error) {
	var in imagePayload
	if err := decodePayload(payload, &in); err != nil {
		return nil, &GenerationError{Provider: "image", Message: err.Error()}
	}
	if in.Prompt == "" {
		return nil, &GenerationError{Provider: "image", Message: "prompt is required"}
	}
	model := in.Model
	if model == "" {
		model = p.cfg.Model
	}
	size := in.Size
	if size == "" {
		size = "1024x1024"
	}

	var out imageResponse
	err := postJSON(ctx, p.client, "image", p.cfg.BaseURL+"/v1/images/generations", p.cfg.APIKey, map[string]any{
		"model":  model,
		"prompt": in.Prompt,
		"size":   size,
		"n":      1,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, &GenerationError{Provider: "image", Message: "empty data in response"}
	}
	return out.Data[0].URL, nil
}

// VideoProvider shapes image-to-video generations.
type VideoProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

func NewVideoProvider(cfg ProviderConfig) *VideoProvider {
	return &VideoProvider{cfg: cfg, client: newHTTPClient(cfg)}
}

type videoPayload struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
	Model    string `json:"model,omitempty"`
}

type videoResponse struct {
	VideoURL string `json:"video_url"`
	TaskURL  string `json:"task_url"`
}

func (p *VideoProvider) Invoke(ctx context.Context, _ models.TaskKind, payload map[string]any) (any, error) {
	var in videoPayload
	if err := decodePayload(payload, &in); err != nil {
		return nil, &GenerationError{Provider: "video", Message: err.Error()}
	}
	if in.ImageURL == "" {
		return nil, &GenerationError{Provider: "video", Message: "image_url is required"}
	}
	model := in.Model
	if model == "" {
		model = p.cfg.Model
	}

	var out videoResponse
	err := postJSON(ctx, p.client, "video", p.cfg.BaseURL+"/v1/videos/generations", p.cfg.APIKey, map[string]any{
		"model":     model,
		"prompt":    in.Prompt,
		"image_url": in.ImageURL,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.VideoURL != "" {
		return out.VideoURL, nil
	}
	if out.TaskURL != "" {
		return out.TaskURL, nil
	}
	return nil, &GenerationError{Provider: "video", Message: "response missing video_url"}
}
