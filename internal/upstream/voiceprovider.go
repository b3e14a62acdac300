package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// HTTPVoiceProvider requests join tokens from the external voice
// service. The gateway never touches the media plane.
type HTTPVoiceProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

func NewHTTPVoiceProvider(baseURL, apiKey string, logger zerolog.Logger) *HTTPVoiceProvider {
	return &HTTPVoiceProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
		logger:  logger.With().Str("component", "voice_provider_client").Logger(),
	}
}

func (p *HTTPVoiceProvider) IssueJoinToken(ctx context.Context, channelID, userID string) (JoinToken, error) {
	reqBody := map[string]string{"userId": userID}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return JoinToken{}, fmt.Errorf("encode token request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/rooms/%s/tokens", p.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return JoinToken{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return JoinToken{}, fmt.Errorf("voice provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return JoinToken{}, fmt.Errorf("voice provider returned %d", resp.StatusCode)
	}

	var token JoinToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return JoinToken{}, fmt.Errorf("decode token response: %w", err)
	}
	return token, nil
}
