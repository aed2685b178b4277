package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	// GlobalChatID is the well-known broadcast channel every client can read.
	GlobalChatID = "global-announcements"
	// GlobalChatKey is the public passphrase of the broadcast channel. It is a
	// constant shared by all clients and is never written to a Store.
	GlobalChatKey = "AnnouncementsSHAinyChat"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrReservedChat = errors.New("chat key is reserved")
)

// Store is the secure key-value collaborator holding chat passphrases.
// Get returns ErrNotFound when nothing is stored for the chat.
type Store interface {
	Get(ctx context.Context, chatID string) (string, error)
	Set(ctx context.Context, chatID, key string) error
	Delete(ctx context.Context, chatID string) error
	DeleteAll(ctx context.Context) error
}

// Directory maps chat ids to locally held passphrases.
type Directory struct {
	store Store
	log   zerolog.Logger
}

func NewDirectory(store Store, log zerolog.Logger) *Directory {
	return &Directory{
		store: store,
		log:   log.With().Str("component", "keys").Logger(),
	}
}

// Get returns the passphrase for chatID. Store failures are logged and reported
// as an absent key so callers fall back to showing ciphertext.
func (d *Directory) Get(ctx context.Context, chatID string) (string, bool) {
	if chatID == GlobalChatID {
		return GlobalChatKey, true
	}
	key, err := d.store.Get(ctx, chatID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.log.Error().Err(err).Str("chat_id", chatID).Msg("read chat key")
		}
		return "", false
	}
	return key, true
}

func (d *Directory) Set(ctx context.Context, chatID, key string) error {
	if chatID == GlobalChatID {
		return ErrReservedChat
	}
	if err := d.store.Set(ctx, chatID, key); err != nil {
		return fmt.Errorf("save key for chat %s: %w", chatID, err)
	}
	d.log.Debug().Str("chat_id", chatID).Msg("saved chat key")
	return nil
}

func (d *Directory) Delete(ctx context.Context, chatID string) error {
	if chatID == GlobalChatID {
		return ErrReservedChat
	}
	if err := d.store.Delete(ctx, chatID); err != nil {
		return fmt.Errorf("delete key for chat %s: %w", chatID, err)
	}
	return nil
}

// DeleteAll wipes every stored key. Used on logout.
func (d *Directory) DeleteAll(ctx context.Context) error {
	if err := d.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("delete all keys: %w", err)
	}
	d.log.Info().Msg("all chat keys deleted")
	return nil
}
