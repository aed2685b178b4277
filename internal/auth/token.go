package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoCredential = errors.New("no access token")
	ErrNoUserID     = errors.New("token carries no userId claim")
)

// Claims is the access token payload issued by the SHAiny server.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// CredentialProvider hands out a bearer token valid until revoked.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialProvider for a token obtained out of band.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoCredential
	}
	return string(t), nil
}

// UserIDFromToken reads the userId claim without verifying the signature.
// The client has no signing secret; the server verifies on every request.
func UserIDFromToken(token string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	if claims.UserID == "" {
		return "", ErrNoUserID
	}
	return claims.UserID, nil
}

// CurrentUserID resolves the token from p and extracts its user id.
func CurrentUserID(ctx context.Context, p CredentialProvider) (string, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return "", err
	}
	return UserIDFromToken(token)
}
