package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pansacloud/gateway/internal/metrics"
	"github.com/pansacloud/gateway/internal/model"
	"github.com/pansacloud/gateway/internal/repo"
)

const tokenBytes = 32

// ErrTokenExpired is returned by Resolve for a token past its expiry.
var ErrTokenExpired = errors.New("download token expired")

// TokenIssuer mints and resolves download tokens.
type TokenIssuer struct {
	tokens repo.TokenRepo
	now    func() time.Time
	random io.Reader
}

// NewTokenIssuer creates a TokenIssuer backed by tokens
func NewTokenIssuer(tokens repo.TokenRepo) *TokenIssuer {
	return &TokenIssuer{
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
		random: rand.Reader,
	}
}

// generateToken returns 32 random bytes as lowercase hex
func (i *TokenIssuer) generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(i.random, b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Issue stores a new token for userID that expires ttlMinutes from now. A
// ttl of zero gives a token that is already expired when resolved.
func (i *TokenIssuer) Issue(ctx context.Context, userID int64, scope model.TokenScope, fileID *int64, ttlMinutes int) (string, error) {
	if scope == model.ScopeSingle && fileID == nil {
		return "", fmt.Errorf("scope %s requires a file id", scope)
	}
	token, err := i.generateToken()
	if err != nil {
		return "", err
	}

	now := i.now()
	err = i.tokens.Create(ctx, model.DownloadToken{
		Token:     token,
		UserID:    userID,
		Kind:      scope,
		FileID:    fileID,
		ExpiresAt: now.Add(time.Duration(ttlMinutes) * time.Minute),
		CreatedAt: now,
	})
	if err != nil {
		return "", err
	}
	metrics.TokensIssued.WithLabelValues(string(scope)).Inc()
	return token, nil
}

// Resolve returns the token if it exists and has not expired.
func (i *TokenIssuer) Resolve(ctx context.Context, token string) (model.DownloadToken, error) {
	t, err := i.tokens.FindByToken(ctx, token)
	if err != nil {
		return model.DownloadToken{}, err
	}
	if !t.ExpiresAt.After(i.now()) {
		return model.DownloadToken{}, ErrTokenExpired
	}
	return t, nil
}
