package testserver

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"shainy/internal/auth"
)

var (
	errBadCodePhrase = errors.New("invalid code phrase")
	errPhraseTaken   = errors.New("code phrase already in use")
)

type account struct {
	id         string
	phraseHash []byte
}

// Users issues and validates access tokens for code-phrase accounts.
type Users struct {
	mu        sync.Mutex
	accounts  []account
	jwtSecret []byte
}

func NewUsers(secret string) *Users {
	return &Users{jwtSecret: []byte(secret)}
}

// Register creates an account that logs in with codePhrase.
func (u *Users) Register(codePhrase string) (string, error) {
	if codePhrase == "" {
		return "", errBadCodePhrase
	}
	if _, err := u.lookup(codePhrase); err == nil {
		return "", errPhraseTaken
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(codePhrase), bcrypt.MinCost)
	if err != nil {
		return "", err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	id := uuid.NewString()
	u.accounts = append(u.accounts, account{id: id, phraseHash: hashed})
	return id, nil
}

func (u *Users) lookup(codePhrase string) (string, error) {
	u.mu.Lock()
	accounts := append([]account(nil), u.accounts...)
	u.mu.Unlock()

	for _, a := range accounts {
		if bcrypt.CompareHashAndPassword(a.phraseHash, []byte(codePhrase)) == nil {
			return a.id, nil
		}
	}
	return "", errBadCodePhrase
}

// Login returns a signed token and the user id for codePhrase.
func (u *Users) Login(codePhrase string) (string, string, error) {
	id, err := u.lookup(codePhrase)
	if err != nil {
		return "", "", err
	}
	token, err := u.Issue(id)
	if err != nil {
		return "", "", err
	}
	return token, id, nil
}

func (u *Users) Issue(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "shainy-testserver",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	})
	return token.SignedString(u.jwtSecret)
}

func (u *Users) ValidateToken(tokenString string) (string, error) {
	claims := &auth.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return u.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.UserID == "" {
		return "", auth.ErrNoUserID
	}
	return claims.UserID, nil
}
