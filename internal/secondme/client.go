// Package secondme talks to the live persona chat service, its token
// refresh endpoint and the public user directory.
package secondme

import (
	"bufio"
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

// ErrEmptyReply is returned when a chat stream carries no text.
var ErrEmptyReply = errors.New("secondme: empty reply")

// APIError is a non-success response from the service.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("secondme %s failed: %d %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("secondme %s failed: %d", e.Op, e.StatusCode)
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	BookBaseURL string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client is an HTTP client for the persona chat and directory APIs.
type Client struct {
	baseURL     string
	bookBaseURL string
	http        *http.Client
}

// NewClient creates a client. An empty BaseURL disables live chat.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 90 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		bookBaseURL: strings.TrimRight(opts.BookBaseURL, "/"),
		http:        hc,
	}
}

// Enabled reports whether live chat is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// ChatOptions are the optional fields of a chat call.
type ChatOptions struct {
	// SessionID continues an earlier conversation.
	SessionID    string
	SystemPrompt string
}

// ChatReply is the accumulated text of one streamed reply.
type ChatReply struct {
	Reply     string
	SessionID string
}

// Chat sends one message as the token's owner and collects the streamed reply.
func (c *Client) Chat(ctx context.Context, token, message string, opts ChatOptions) (ChatReply, error) {
	body := map[string]string{"message": message}
	if opts.SessionID != "" {
		body["sessionId"] = opts.SessionID
	}
	if opts.SystemPrompt != "" {
		body["systemPrompt"] = opts.SystemPrompt
	}

	resp, err := c.post(ctx, c.baseURL+"/api/secondme/chat/stream", token, body)
	if err != nil {
		return ChatReply{}, fmt.Errorf("secondme chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChatReply{}, &APIError{Op: "chat", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	var reply strings.Builder
	var sessionID string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "[DONE]" {
			continue
		}

		chunk, ok := decodeChunk([]byte(payload))
		if !ok {
			continue
		}
		if sessionID == "" {
			sessionID = chunk.sessionID
		}
		reply.WriteString(chunk.delta)
	}
	if err := scanner.Err(); err != nil {
		return ChatReply{}, fmt.Errorf("secondme chat: failed to read stream: %w", err)
	}

	text := strings.TrimSpace(reply.String())
	if text == "" {
		return ChatReply{}, ErrEmptyReply
	}
	return ChatReply{Reply: text, SessionID: sessionID}, nil
}

type chatChunk struct {
	sessionID string
	delta     string
}

// decodeChunk reads one stream payload. Text comes from the OpenAI-style
// choices[0].delta.content when present, otherwise from a top-level content.
func decodeChunk(data []byte) (chatChunk, bool) {
	var raw struct {
		SessionID string  `json:"sessionId"`
		Content   *string `json:"content"`
		Choices   []struct {
			Delta struct {
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return chatChunk{}, false
	}

	chunk := chatChunk{sessionID: raw.SessionID}
	switch {
	case len(raw.Choices) > 0 && raw.Choices[0].Delta.Content != nil:
		chunk.delta = *raw.Choices[0].Delta.Content
	case raw.Content != nil:
		chunk.delta = *raw.Content
	}
	return chunk, true
}

// TokenSet is the result of a token refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	resp, err := c.post(ctx, c.baseURL+"/api/secondme/auth/refresh", "", map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return TokenSet{}, fmt.Errorf("secondme refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TokenSet{}, &APIError{Op: "refresh", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	data, err := unwrapData(resp.Body)
	if err != nil {
		return TokenSet{}, fmt.Errorf("secondme refresh: %w", err)
	}

	var payload struct {
		AccessToken  string   `json:"accessToken"`
		RefreshToken string   `json:"refreshToken"`
		ExpiresAt    *float64 `json:"expiresAt"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return TokenSet{}, fmt.Errorf("secondme refresh: failed to decode: %w", err)
	}
	if payload.AccessToken == "" {
		return TokenSet{}, errors.New("secondme refresh: response has no access token")
	}

	set := TokenSet{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if payload.ExpiresAt != nil {
		set.ExpiresAt = time.UnixMilli(int64(*payload.ExpiresAt))
	}
	return set, nil
}

// UserInfo is the profile of a token's owner.
type UserInfo struct {
	ID               string `json:"userId"`
	Name             string `json:"name"`
	Avatar           string `json:"avatar"`
	Bio              string `json:"bio"`
	SelfIntroduction string `json:"selfIntroduction"`
}

// UserInfo fetches the profile of the token's owner.
func (c *Client) UserInfo(ctx context.Context, token string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/secondme/user/info", nil)
	if err != nil {
		return nil, fmt.Errorf("secondme user info: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("secondme user info: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Code    int       `json:"code"`
		Message string    `json:"message"`
		Data    *UserInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("secondme user info: failed to decode: %w", err)
	}
	if envelope.Code != 0 || envelope.Data == nil {
		msg := envelope.Message
		if msg == "" {
			msg = "SecondMe API error"
		}
		return nil, &APIError{Op: "user info", StatusCode: resp.StatusCode, Message: msg}
	}
	return envelope.Data, nil
}

func (c *Client) post(ctx context.Context, url, token string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

// unwrapData returns body.data when the body is an object carrying one,
// otherwise the whole body.
func unwrapData(r io.Reader) (json.RawMessage, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, errors.New("failed to decode body: invalid JSON")
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}
	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		return envelope.Data, nil
	}
	return trimmed, nil
}
