package api

import "time"

// ---------------------------------------------
// Auth
// ---------------------------------------------

type LoginResult struct {
	AccessToken string `json:"accessToken"`
	UserID      string `json:"userId"`
}

type generateCodeResponse struct {
	CodePhrase string `json:"codePhrase"`
}

// ---------------------------------------------
// Chat list
// ---------------------------------------------

type ChatDTO struct {
	ChatID            string          `json:"chatId"`
	Name              string          `json:"name"`
	EncryptedName     *string         `json:"encryptedName,omitempty"`
	ParticipantsCount int             `json:"participantsCount"`
	LastMessage       *LastMessageDTO `json:"lastMessage,omitempty"`
	IsGlobal          bool            `json:"isGlobal"`
	IsReadOnly        bool            `json:"isReadOnly"`
	UnreadCount       int             `json:"unreadCount"`
	CreatedAt         float64         `json:"createdAt"` // Unix ms
}

type LastMessageDTO struct {
	Text       string  `json:"text"`
	Timestamp  float64 `json:"timestamp"`
	SenderName *string `json:"senderName,omitempty"`
}

type chatListResponse struct {
	Chats []ChatDTO `json:"chats"`
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

// MessageDTO is shared by the REST history endpoint and the live new_message event.
type MessageDTO struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId,omitempty"`
	SenderName *string   `json:"senderName,omitempty"`
	Text       string    `json:"text"` // envelope
	SHAHash    string    `json:"shaHash"`
	Timestamp  float64   `json:"timestamp"` // Unix ms
	IsSystem   bool      `json:"isSystem,omitempty"`
	ReplyTo    *ReplyDTO `json:"replyTo,omitempty"`
}

type ReplyDTO struct {
	MessageID  string  `json:"messageId"`
	Text       string  `json:"text"`
	SenderName string  `json:"senderName"`
	Timestamp  float64 `json:"timestamp"`
}

type Pagination struct {
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	TotalCount int  `json:"totalCount"`
	HasMore    bool `json:"hasMore"`
}

type MessagesPage struct {
	Messages   []MessageDTO `json:"messages"`
	Pagination Pagination   `json:"pagination"`
}

// ---------------------------------------------
// Chat management
// ---------------------------------------------

type CheckResult struct {
	Exists   bool   `json:"exists"`
	ChatID   string `json:"chatId,omitempty"`
	ChatName string `json:"chatName,omitempty"`
}

type CreatedChat struct {
	ChatID    string  `json:"chatId"`
	Name      string  `json:"name"`
	KeyHash   string  `json:"keyHash"`
	CreatedAt float64 `json:"createdAt"`
}

type JoinedChat struct {
	ChatID            string  `json:"chatId"`
	Name              string  `json:"name"`
	ParticipantsCount int     `json:"participantsCount"`
	CreatedAt         float64 `json:"createdAt"`
}

type ParticipantDTO struct {
	UserID           string   `json:"userId"`
	Nickname         *string  `json:"nickname,omitempty"`
	JoinedAt         *float64 `json:"joinedAt,omitempty"`
	CanSeeMyMessages bool     `json:"canSeeMyMessages"`
	IsCurrentUser    bool     `json:"isCurrentUser"`
}

type participantsResponse struct {
	Participants []ParticipantDTO `json:"participants"`
}

type nicknameResponse struct {
	Nickname *string `json:"nickname"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Millis converts a wire timestamp to time.Time.
func Millis(ms float64) time.Time {
	return time.UnixMilli(int64(ms))
}

// ToMillis is the inverse of Millis.
func ToMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}
