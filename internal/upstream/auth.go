package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/arfacturas8-ai/v1-sub012/internal/protocol"
)

// Claims carried in the platform's access tokens.
type Claims struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// JWTValidator validates tokens in two stages: signature and expiry are
// checked locally against the shared secret, then the session id is
// checked against the auth service for revocation. Only the second stage
// hits the network, so a revoked-session check is the only part the
// circuit breaker can degrade.
type JWTValidator struct {
	secretKey []byte
	baseURL   string
	client    *http.Client
	logger    zerolog.Logger
}

func NewJWTValidator(secretKey, authServiceURL string, logger zerolog.Logger) *JWTValidator {
	return &JWTValidator{
		secretKey: []byte(secretKey),
		baseURL:   authServiceURL,
		client:    &http.Client{},
		logger:    logger.With().Str("component", "auth_validator").Logger(),
	}
}

// Validate implements AuthValidator. Invalid credentials return a
// populated AuthResult with Valid=false and a nil error; only transport
// failures on the revocation check return an error (so the breaker
// counts dependency health, not bad tokens).
func (v *JWTValidator) Validate(ctx context.Context, token string) (AuthResult, error) {
	if token == "" {
		return AuthResult{Reason: protocol.RejectMissingCredential}, nil
	}

	claims, err := v.parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AuthResult{Reason: protocol.RejectExpiredToken}, nil
		}
		return AuthResult{Reason: protocol.RejectInvalidToken}, nil
	}
	if claims.UserID == "" || claims.SessionID == "" {
		return AuthResult{Reason: protocol.RejectInvalidToken}, nil
	}

	revoked, err := v.checkRevoked(ctx, claims.SessionID)
	if err != nil {
		return AuthResult{}, err
	}
	if revoked {
		return AuthResult{Reason: protocol.RejectRevoked}, nil
	}

	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return AuthResult{
		Valid:     true,
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		Expiry:    expiry,
	}, nil
}

func (v *JWTValidator) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secretKey, nil
		},
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// checkRevoked asks the auth service whether a session id is still live.
// 404 means the session is unknown, which is treated as revoked.
func (v *JWTValidator) checkRevoked(ctx context.Context, sessionID string) (bool, error) {
	url := fmt.Sprintf("%s/v1/sessions/%s", v.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build revocation request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("revocation check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Revoked bool `json:"revoked"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("decode revocation response: %w", err)
		}
		return body.Revoked, nil
	case http.StatusNotFound:
		return true, nil
	default:
		return false, fmt.Errorf("auth service returned %d", resp.StatusCode)
	}
}
