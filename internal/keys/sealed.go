package keys

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealBroken = errors.New("sealed key cannot be opened")

// SealedStore encrypts passphrases before handing them to the inner store,
// so a leaked database or Redis dump does not expose chat keys. The chat id is
// bound as associated data: a value copied under another chat id will not open.
type SealedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewSealedStore wraps inner with a 32-byte device key.
func NewSealedStore(inner Store, deviceKey []byte) (*SealedStore, error) {
	aead, err := chacha20poly1305.NewX(deviceKey)
	if err != nil {
		return nil, fmt.Errorf("device key: %w", err)
	}
	return &SealedStore{inner: inner, aead: aead}, nil
}

func (s *SealedStore) Get(ctx context.Context, chatID string) (string, error) {
	stored, err := s.inner.Get(ctx, chatID)
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(stored)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", ErrSealBroken
	}
	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, []byte(chatID))
	if err != nil {
		return "", ErrSealBroken
	}
	return string(plain), nil
}

func (s *SealedStore) Set(ctx context.Context, chatID, key string) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(key)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(key), []byte(chatID))
	return s.inner.Set(ctx, chatID, hex.EncodeToString(sealed))
}

func (s *SealedStore) Delete(ctx context.Context, chatID string) error {
	return s.inner.Delete(ctx, chatID)
}

func (s *SealedStore) DeleteAll(ctx context.Context) error {
	return s.inner.DeleteAll(ctx)
}
