package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"verdant/internal/logging"
)

// Config holds settings for the OpenAI-compatible client.
type Config struct {
	APIKey            string
	BaseURL           string
	ChatModel         string
	VisionModel       string
	TTSModel          string
	STTModel          string
	Voice             string
	TTSSpeed          float64
	ChatTemperature   float64
	VisionTemperature float64
	MaxVisionTokens   int
	Timeout           time.Duration

	// AudioOutputPath is where synthesized replies are written.
	AudioOutputPath string

	// RetryBase is the backoff unit between retries. Zero means one second.
	RetryBase time.Duration
}

// OpenAI is a Client backed by an OpenAI-compatible HTTP API.
type OpenAI struct {
	cfg        Config
	httpClient *http.Client
	log        *zap.Logger
}

const maxRetries = 3

// NewOpenAI creates a client from the given config.
func NewOpenAI(cfg Config) *OpenAI {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	return &OpenAI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logging.Named("provider"),
	}
}

// Wire types for the chat completions endpoint. Content is any because
// vision requests carry structured content parts instead of a string.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ChatCompletion implements Client.
func (c *OpenAI) ChatCompletion(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*ChatMessage, error) {
	req := chatRequest{
		Model:       c.cfg.ChatModel,
		Messages:    toWire(messages),
		Temperature: c.cfg.ChatTemperature,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, wireTool{Type: "function", Function: t})
	}

	start := time.Now()
	var resp chatResponse
	if err := c.postJSON(ctx, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}

	msg := resp.Choices[0].Message
	c.log.Debug("chat completion",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tool_calls", len(msg.ToolCalls)),
		zap.Int("content_len", len(msg.Content)))

	return &ChatMessage{
		Role:      msg.Role,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
	}, nil
}

// Moderate implements Client.
func (c *OpenAI) Moderate(ctx context.Context, text string) (bool, error) {
	req := map[string]any{"input": text}
	var resp struct {
		Results []struct {
			Flagged bool `json:"flagged"`
		} `json:"results"`
		Error *apiError `json:"error,omitempty"`
	}
	if err := c.postJSON(ctx, "/moderations", req, &resp); err != nil {
		return false, err
	}
	if resp.Error != nil {
		return false, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Results) == 0 {
		return false, fmt.Errorf("no moderation result returned")
	}
	return resp.Results[0].Flagged, nil
}

// Synthesize implements Client. The rendered audio is written to the
// configured output path and that path is returned as the reference.
func (c *OpenAI) Synthesize(ctx context.Context, text string) (string, error) {
	req := map[string]any{
		"model": c.cfg.TTSModel,
		"input": text,
		"voice": c.cfg.Voice,
		"speed": c.cfg.TTSSpeed,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("speech request failed with status %d: %s", resp.StatusCode, string(detail))
	}

	out := c.cfg.AudioOutputPath
	if out == "" {
		out = filepath.Join(os.TempDir(), "verdant-reply.mp3")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", fmt.Errorf("failed to create audio directory: %w", err)
	}
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("failed to create audio file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}
	return out, nil
}

// Transcribe implements Client.
func (c *OpenAI) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("failed to read audio: %w", err)
	}
	if err := mw.WriteField("model", c.cfg.STTModel); err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return out.Text, nil
}

// DescribeImage implements Client. The capture is sent at low detail; the
// device will not produce large frames.
func (c *OpenAI) DescribeImage(ctx context.Context, prompt string, jpeg []byte) (string, error) {
	encoded := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
	req := chatRequest{
		Model: c.cfg.VisionModel,
		Messages: []wireMessage{
			{Role: RoleSystem, Content: prompt},
			{Role: RoleUser, Content: []contentPart{
				{Type: "text", Text: "Describe what is in view."},
				{Type: "image_url", ImageURL: &imageURL{URL: encoded, Detail: "low"}},
			}},
		},
		Temperature: c.cfg.VisionTemperature,
		MaxTokens:   c.cfg.MaxVisionTokens,
	}

	var resp chatResponse
	if err := c.postJSON(ctx, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// postJSON performs a JSON POST with retry on rate limits and transport
// failures, decoding the body into out.
func (c *OpenAI) postJSON(ctx context.Context, path string, in, out any) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * c.cfg.RetryBase):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func toWire(messages []ChatMessage) []wireMessage {
	wire := make([]wireMessage, len(messages))
	for i, m := range messages {
		wire[i] = wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		}
	}
	return wire
}
