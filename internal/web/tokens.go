package web

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	tokenChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	tokenLength = 20

	tokenKey      = "token:"
	tokenOwnerKey = "token-uid:"
	sessionKey    = "session:"
)

func generateToken() (string, error) {
	buf := make([]byte, tokenLength)
	limit := big.NewInt(int64(len(tokenChars)))

	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}

		buf[i] = tokenChars[n.Int64()]
	}

	return string(buf), nil
}

// TokenFor issues a single-use login token for uid. Any token previously
// issued to uid stops working.
func (s *Server) TokenFor(ctx context.Context, uid string) (string, error) {
	if previous, ok, err := s.store.Get(ctx, tokenOwnerKey+uid); err == nil && ok {
		if err := s.store.Delete(ctx, tokenKey+previous); err != nil {
			return "", fmt.Errorf("failed to revoke previous token: %w", err)
		}
	}

	for {
		token, err := generateToken()
		if err != nil {
			return "", err
		}

		stored, err := s.store.SetNX(ctx, tokenKey+token, uid, s.cfg.TokenTTL)
		if err != nil {
			return "", fmt.Errorf("failed to store token: %w", err)
		}

		if !stored {
			continue
		}

		if err := s.store.Set(ctx, tokenOwnerKey+uid, token, s.cfg.TokenTTL); err != nil {
			return "", fmt.Errorf("failed to store token owner: %w", err)
		}

		return token, nil
	}
}

// LoginURL returns the personal link that starts the Steam login for uid.
func (s *Server) LoginURL(ctx context.Context, uid string) (string, error) {
	token, err := s.TokenFor(ctx, uid)
	if err != nil {
		return "", err
	}

	return s.cfg.ExternalURL + "/authenticate?token=" + token, nil
}

// consumeToken returns the uid a token was issued to and invalidates it.
func (s *Server) consumeToken(ctx context.Context, token string) (string, bool, error) {
	if len(token) != tokenLength {
		return "", false, nil
	}

	uid, ok, err := s.store.Get(ctx, tokenKey+token)
	if err != nil || !ok {
		return "", false, err
	}

	if err := s.store.Delete(ctx, tokenKey+token); err != nil {
		return "", false, err
	}

	if err := s.store.Delete(ctx, tokenOwnerKey+uid); err != nil {
		s.log.WithError(err).Debug("Failed to delete token owner")
	}

	return uid, true, nil
}
