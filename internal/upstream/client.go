package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/personacord/personacord/internal/redis"
)

// HTTPClient talks to the AI backend over its JSON HTTP API.
type HTTPClient struct {
	Token      string
	APIBase    string
	HTTPClient *http.Client
}

// NewHTTPClient creates a client with the given token and base URL.
func NewHTTPClient(token, apiBase string, timeout time.Duration) *HTTPClient {
	if apiBase == "" {
		apiBase = "https://beta.character.ai/api/v1"
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		Token:      token,
		APIBase:    apiBase,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) endpoint(path string) string {
	return strings.TrimRight(c.APIBase, "/") + path
}

// do issues a JSON request and decodes the response into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Token "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusConflict:
		return ErrSessionClosed
	default:
		return fmt.Errorf("upstream HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// FetchPersonaInfo resolves persona display info, served from the Redis
// cache when available.
func (c *HTTPClient) FetchPersonaInfo(ctx context.Context, personaID string) (*PersonaInfo, error) {
	if personaID == "" {
		return nil, fmt.Errorf("no persona id provided")
	}

	var cached PersonaInfo
	if redis.CacheGetJSON(ctx, redis.PersonaKey(personaID), &cached) {
		return &cached, nil
	}

	var info PersonaInfo
	if err := c.do(ctx, http.MethodGet, "/characters/"+personaID, nil, &info); err != nil {
		return nil, fmt.Errorf("fetch persona %s: %w", personaID, err)
	}

	redis.CacheSetJSON(ctx, redis.PersonaKey(personaID), info, time.Hour)
	return &info, nil
}

// CreateConversation opens a new conversation and returns its id and the
// persona's greeting text.
func (c *HTTPClient) CreateConversation(ctx context.Context, personaID string) (string, string, error) {
	var resp struct {
		ConversationID string `json:"conversation_id"`
		Greeting       string `json:"greeting"`
	}
	body := map[string]string{"character_id": personaID}
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &resp); err != nil {
		return "", "", fmt.Errorf("create conversation for %s: %w", personaID, err)
	}
	if resp.ConversationID == "" {
		return "", "", fmt.Errorf("create conversation for %s: empty id in response", personaID)
	}
	log.Printf("[Upstream] New conversation %s for persona %s", resp.ConversationID, personaID)
	return resp.ConversationID, resp.Greeting, nil
}

// SendMessage sends text into a conversation and returns the reply text.
func (c *HTTPClient) SendMessage(ctx context.Context, personaID, conversationID, text string) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	body := map[string]string{"character_id": personaID, "text": text}
	path := "/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}
