package live

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"shainy/internal/api"
)

var ErrDecode = errors.New("decode live event")

// Event is a server-to-client notification. The concrete types below are the
// complete set; switch on them exhaustively.
type Event interface{ event() }

type AuthSuccess struct{ UserID string }

type AuthError struct{ Message string }

type NewMessage struct {
	ChatID  string
	Message api.MessageDTO
}

type ChatsUpdated struct{}

type ParticipantsUpdated struct {
	ChatID string
	Count  int
}

type PermissionGranted struct {
	ChatID      string
	AuthorID    string
	UnreadCount int
}

type ServerError struct{ Message string }

// ConnectionLost is emitted once when the receive loop ends on an error.
type ConnectionLost struct{ Err error }

func (AuthSuccess) event()         {}
func (AuthError) event()           {}
func (NewMessage) event()          {}
func (ChatsUpdated) event()        {}
func (ParticipantsUpdated) event() {}
func (PermissionGranted) event()   {}
func (ServerError) event()         {}
func (ConnectionLost) event()      {}

const (
	typeAuth                = "auth"
	typeSendMessage         = "send_message"
	typeRefreshChats        = "refresh_chats"
	typeAuthSuccess         = "auth_success"
	typeAuthError           = "auth_error"
	typeNewMessage          = "new_message"
	typeChatsUpdated        = "chats_updated"
	typeParticipantsUpdated = "participants_updated"
	typePermissionGranted   = "permission_granted"
	typeError               = "error"
)

// frame is the union of every server event field.
type frame struct {
	Type        string          `json:"type"`
	ChatID      string          `json:"chatId,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Count       int             `json:"count,omitempty"`
	AuthorID    string          `json:"authorId,omitempty"`
	UnreadCount int             `json:"unreadCount,omitempty"`
}

// OutgoingMessage is the payload of a send_message request.
type OutgoingMessage struct {
	ChatID        string        `json:"chatId"`
	EncryptedText string        `json:"encryptedText"`
	SHAHash       string        `json:"shaHash"`
	ReplyTo       *api.ReplyDTO `json:"replyTo,omitempty"`
}

type authRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type sendRequest struct {
	Type string `json:"type"`
	OutgoingMessage
}

type refreshRequest struct {
	Type string `json:"type"`
}

// Decode parses one WebSocket frame. Servers may batch several JSON objects in a
// frame separated by newlines. Lines that fail to decode are reported together
// with every event that did decode.
func Decode(data []byte) ([]Event, error) {
	var (
		events []Event
		errs   []error
	)
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := decodeOne(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errors.Join(errs...)
}

func decodeOne(line []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch f.Type {
	case typeAuthSuccess:
		return AuthSuccess{UserID: f.UserID}, nil
	case typeAuthError:
		return AuthError{Message: f.errorText(line)}, nil
	case typeNewMessage:
		if f.ChatID == "" || len(f.Message) == 0 {
			return nil, fmt.Errorf("%w: new_message without chatId or message", ErrDecode)
		}
		var m api.MessageDTO
		if err := json.Unmarshal(f.Message, &m); err != nil {
			return nil, fmt.Errorf("%w: new_message body: %v", ErrDecode, err)
		}
		return NewMessage{ChatID: f.ChatID, Message: m}, nil
	case typeChatsUpdated:
		return ChatsUpdated{}, nil
	case typeParticipantsUpdated:
		return ParticipantsUpdated{ChatID: f.ChatID, Count: f.Count}, nil
	case typePermissionGranted:
		return PermissionGranted{ChatID: f.ChatID, AuthorID: f.AuthorID, UnreadCount: f.UnreadCount}, nil
	case typeError:
		return ServerError{Message: f.errorText(line)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrDecode, f.Type)
	}
}

// errorText accepts both {"error": "..."} and {"message": "..."}. For error
// events "message" is a plain string, not a chat message.
func (f frame) errorText(line []byte) string {
	if f.Error != "" {
		return f.Error
	}
	var alt struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(line, &alt)
	return alt.Message
}
