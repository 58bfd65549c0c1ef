package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"market_edge/server/common/env"
	"market_edge/server/common/token"
	"market_edge/server/realtime/domain"
)

const (
	defaultHTTPTimeout      = 5 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

// ChatClient talks to the messaging backend's HTTP API. Endpoints are
// tried round-robin; an endpoint that keeps failing is put on cooldown.
// The bearer token is re-read from the token store on every call.
type ChatClient struct {
	endpoints []string
	tokens    *token.Store
	http      *http.Client
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func NewChatClient(tokens *token.Store, endpoints ...string) *ChatClient {
	normalized := normalizeEndpoints(endpoints)
	return &ChatClient{
		endpoints:        normalized,
		tokens:           tokens,
		http:             &http.Client{Timeout: env.DurationSeconds("CHAT_HTTP_TIMEOUT_SECONDS", defaultHTTPTimeout)},
		failThreshold:    env.Int("CHAT_FAIL_THRESHOLD", defaultFailThreshold),
		endpointCooldown: env.DurationSeconds("CHAT_COOLDOWN_SECONDS", defaultEndpointCooldown),
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

// ListConversations fetches the authoritative per-conversation summary
// used to resync the unread total.
func (c *ChatClient) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/chat/conversations/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChatClient) SendMessage(ctx context.Context, conversationID, content string) (domain.Message, error) {
	var out domain.Message
	payload := map[string]string{"content": content}
	path := fmt.Sprintf("/chat/conversations/%s/send_message/", conversationID)
	if err := c.do(ctx, http.MethodPost, path, payload, &out); err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

func (c *ChatClient) MarkAsRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/chat/conversations/%s/mark_as_read/", conversationID)
	return c.do(ctx, http.MethodPatch, path, nil, nil)
}

func (c *ChatClient) do(ctx context.Context, method, path string, payload, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("chat backend endpoint is not configured")
	}
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, time.Now()) {
			continue
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, endpoint+path, bytes.NewReader(body))
		if reqErr != nil {
			lastErr = reqErr
			c.onFailure(endpoint, time.Now())
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		if accessToken := c.tokens.Access(); accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			lastErr = fmt.Errorf("chat backend request failed endpoint=%s: %w", endpoint, doErr)
			c.onFailure(endpoint, time.Now())
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("chat backend status %d endpoint=%s", resp.StatusCode, endpoint)
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			return fmt.Errorf("chat backend status %d endpoint=%s", resp.StatusCode, endpoint)
		}

		if out != nil {
			decodeErr := json.NewDecoder(resp.Body).Decode(out)
			_ = resp.Body.Close()
			if decodeErr != nil {
				c.onFailure(endpoint, time.Now())
				return decodeErr
			}
		} else {
			_ = resp.Body.Close()
		}
		c.onSuccess(endpoint)
		return nil
	}

	if lastErr == nil {
		return fmt.Errorf("chat backend request failed")
	}
	return lastErr
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *ChatClient) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *ChatClient) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *ChatClient) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}
