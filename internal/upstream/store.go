package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

// HTTPStore talks JSON to the platform's data service. Timeouts come
// from the caller's context; the breaker manager bounds every call.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger

	// channel → server resolution is immutable for a channel's lifetime,
	// so lookups are cached per instance.
	mu          sync.RWMutex
	serverCache map[string]string
}

func NewHTTPStore(baseURL string, logger zerolog.Logger) *HTTPStore {
	return &HTTPStore{
		baseURL:     baseURL,
		client:      &http.Client{},
		logger:      logger.With().Str("component", "store_client").Logger(),
		serverCache: make(map[string]string),
	}
}

func (s *HTTPStore) AppendMessage(ctx context.Context, channelID, authorID, content string) (string, error) {
	reqBody := map[string]string{"authorId": authorID, "content": content}
	var respBody struct {
		MessageID string `json:"messageId"`
	}
	err := s.do(ctx, http.MethodPost, fmt.Sprintf("/v1/channels/%s/messages", channelID), reqBody, &respBody)
	if err != nil {
		return "", err
	}
	return respBody.MessageID, nil
}

func (s *HTTPStore) LoadRecentMessages(ctx context.Context, channelID string, limit int) ([]StoredMessage, error) {
	var respBody struct {
		Messages []StoredMessage `json:"messages"`
	}
	path := fmt.Sprintf("/v1/channels/%s/messages?limit=%d", channelID, limit)
	if err := s.do(ctx, http.MethodGet, path, nil, &respBody); err != nil {
		return nil, err
	}
	return respBody.Messages, nil
}

func (s *HTTPStore) UserSummary(ctx context.Context, userID string) (protocol.UserSummary, error) {
	var summary protocol.UserSummary
	err := s.do(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%s/summary", userID), nil, &summary)
	return summary, err
}

func (s *HTTPStore) UserRooms(ctx context.Context, userID string) ([]string, error) {
	var respBody struct {
		ChannelIDs []string `json:"channelIds"`
	}
	err := s.do(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%s/channels", userID), nil, &respBody)
	if err != nil {
		return nil, err
	}
	return respBody.ChannelIDs, nil
}

func (s *HTTPStore) ChannelServer(ctx context.Context, channelID string) (string, error) {
	s.mu.RLock()
	serverID, ok := s.serverCache[channelID]
	s.mu.RUnlock()
	if ok {
		return serverID, nil
	}

	var respBody struct {
		ServerID string `json:"serverId"`
	}
	if err := s.do(ctx, http.MethodGet, fmt.Sprintf("/v1/channels/%s", channelID), nil, &respBody); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.serverCache[channelID] = respBody.ServerID
	s.mu.Unlock()
	return respBody.ServerID, nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body *bytes.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("store %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("store %s %s: status %d", method, path, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode store response: %w", err)
	}
	return nil
}
