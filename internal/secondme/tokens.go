package secondme

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alienxp03/soulsync/internal/core"
)

// RefreshBuffer is how close to expiry a token may get before it is refreshed.
const RefreshBuffer = 5 * time.Minute

// TokenSource hands out live chat tokens. An empty string means no token is
// available and callers should fall back to the completion service.
type TokenSource interface {
	ValidToken(ctx context.Context, userID string) string
}

// NoTokens is a TokenSource for deployments without live chat.
type NoTokens struct{}

// ValidToken always reports no token.
func (NoTokens) ValidToken(ctx context.Context, userID string) string { return "" }

// TokenStore persists user credentials.
type TokenStore interface {
	GetUser(id string) (*core.User, error)
	UpdateUserTokens(id, accessToken, refreshToken string, expiresAt time.Time) error
}

// Refresher exchanges a refresh token for a fresh token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// TokenManager returns valid access tokens, refreshing them near expiry.
// Concurrent lookups for one user share a single refresh.
type TokenManager struct {
	store     TokenStore
	refresher Refresher
	now       func() time.Time
	group     singleflight.Group
}

// NewTokenManager creates a token manager.
func NewTokenManager(store TokenStore, refresher Refresher) *TokenManager {
	return &TokenManager{
		store:     store,
		refresher: refresher,
		now:       time.Now,
	}
}

// ValidToken returns a usable access token for the user, or "" on any failure.
func (m *TokenManager) ValidToken(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	v, _, _ := m.group.Do(userID, func() (any, error) {
		return m.validToken(context.WithoutCancel(ctx), userID), nil
	})
	return v.(string)
}

func (m *TokenManager) validToken(ctx context.Context, userID string) string {
	user, err := m.store.GetUser(userID)
	if err != nil {
		slog.Warn("Failed to load user for token", "user_id", userID, "error", err)
		return ""
	}
	if user == nil || (user.AccessToken == "" && user.RefreshToken == "") {
		return ""
	}

	if user.AccessToken != "" && user.TokenExpiresAt.Sub(m.now()) > RefreshBuffer {
		return user.AccessToken
	}
	if user.RefreshToken == "" {
		return ""
	}

	set, err := m.refresher.Refresh(ctx, user.RefreshToken)
	if err != nil {
		slog.Warn("Token refresh failed", "user_id", userID, "error", err)
		return ""
	}

	refreshToken := set.RefreshToken
	if refreshToken == "" {
		refreshToken = user.RefreshToken
	}
	if err := m.store.UpdateUserTokens(userID, set.AccessToken, refreshToken, set.ExpiresAt); err != nil {
		slog.Warn("Failed to persist refreshed token", "user_id", userID, "error", err)
		return ""
	}

	slog.Debug("Token refreshed", "user_id", userID, "expires_at", set.ExpiresAt)
	return set.AccessToken
}
