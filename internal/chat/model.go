// Package chat keeps the client-side view of chats, message histories and
// participants consistent with the server and decrypts everything it can.
package chat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"shainy/internal/api"
	"shainy/internal/live"
)

// ---------------------------------------------
// Collaborators
// ---------------------------------------------

// Cipher is the symmetric envelope engine.
type Cipher interface {
	Encrypt(plaintext, passphrase string) (string, error)
	Decrypt(envelope, passphrase string) (string, error)
	Verify(plaintext, hash string) bool
}

// KeyRing maps chat ids to passphrases.
type KeyRing interface {
	Get(ctx context.Context, chatID string) (string, bool)
	Set(ctx context.Context, chatID, key string) error
	Delete(ctx context.Context, chatID string) error
}

type ChatAPI interface {
	ListChats(ctx context.Context) ([]api.ChatDTO, error)
	CheckChat(ctx context.Context, keyHash string) (*api.CheckResult, error)
	CreateChat(ctx context.Context, keyHash string) (*api.CreatedChat, error)
	JoinChat(ctx context.Context, chatID string) (*api.JoinedChat, error)
	LeaveChat(ctx context.Context, chatID string) error
	MarkRead(ctx context.Context, chatID string) error
}

type MessageAPI interface {
	ListMessages(ctx context.Context, chatID string, limit, offset int) (*api.MessagesPage, error)
	RenameChat(ctx context.Context, chatID, encryptedName string) error
	GetNickname(ctx context.Context, chatID string) (string, bool, error)
	SetNickname(ctx context.Context, chatID, nickname string) error
}

type ParticipantAPI interface {
	ListParticipants(ctx context.Context, chatID string) ([]api.ParticipantDTO, error)
	GrantPermission(ctx context.Context, chatID, participantID string) error
}

// Sender transmits outgoing messages over the live channel.
type Sender interface {
	Send(msg live.OutgoingMessage) error
}

// ---------------------------------------------
// Domain models
// ---------------------------------------------

type Chat struct {
	// LocalID is the client-side identity token. It survives snapshot
	// reconciliation when requested, so views can keep tracking the row.
	LocalID uuid.UUID

	ID                string
	Name              string
	HasCustomName     bool
	LastMessage       string
	LastMessageSender string
	Timestamp         time.Time
	ParticipantsCount int
	UnreadCount       int
	IsGlobal          bool
	IsReadOnly        bool
	Key               string // empty when no passphrase is known
}

func (c Chat) HasKey() bool { return c.Key != "" }

type Integrity int

const (
	IntegrityUnverified Integrity = iota
	IntegrityVerified
	IntegrityMismatch
)

func (i Integrity) String() string {
	switch i {
	case IntegrityVerified:
		return "verified"
	case IntegrityMismatch:
		return "mismatch"
	default:
		return "unverified"
	}
}

type Message struct {
	ID                string
	Text              string // plaintext when Decrypted, otherwise the envelope
	EncryptedText     string
	SHAHash           string
	Timestamp         time.Time
	SenderID          string
	SenderName        string
	IsFromCurrentUser bool
	IsSystem          bool
	ReplyTo           *Reply
	Decrypted         bool
	Integrity         Integrity
}

type Reply struct {
	MessageID     string
	Text          string
	EncryptedText string
	SenderName    string
	Timestamp     time.Time
}

type Participant struct {
	UserID           string
	Nickname         string
	JoinedAt         time.Time // zero when unknown
	CanSeeMyMessages bool
	IsCurrentUser    bool
}

// DisplayName is the nickname, or a short form of the user id.
func (p Participant) DisplayName() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	if len(p.UserID) > 8 {
		return "User " + p.UserID[:8]
	}
	return "User " + p.UserID
}
