package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"shainy/internal/auth"
)

var (
	// ErrTransport wraps network and timeout failures.
	ErrTransport = errors.New("transport failure")
	// ErrProtocol wraps responses whose body does not have the expected shape.
	ErrProtocol = errors.New("unexpected server payload")
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client talks to the SHAiny REST API. It never retries.
type Client struct {
	baseURL string
	http    *http.Client
	creds   auth.CredentialProvider
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(log zerolog.Logger) Option {
	return func(cl *Client) { cl.log = log.With().Str("component", "api").Logger() }
}

func NewClient(baseURL string, creds auth.CredentialProvider, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		creds:   creds,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListChats(ctx context.Context) ([]ChatDTO, error) {
	var res chatListResponse
	if err := c.do(ctx, http.MethodGet, "/chat/list", nil, &res); err != nil {
		return nil, err
	}
	c.log.Debug().Int("count", len(res.Chats)).Msg("fetched chats")
	return res.Chats, nil
}

func (c *Client) ListMessages(ctx context.Context, chatID string, limit, offset int) (*MessagesPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var page MessagesPage
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "messages")+"?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	c.log.Debug().Str("chat_id", chatID).Int("count", len(page.Messages)).
		Bool("has_more", page.Pagination.HasMore).Msg("fetched messages")
	return &page, nil
}

func (c *Client) CheckChat(ctx context.Context, keyHash string) (*CheckResult, error) {
	var res CheckResult
	if err := c.do(ctx, http.MethodPost, "/chat/check", map[string]string{"keyHash": keyHash}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CreateChat(ctx context.Context, keyHash string) (*CreatedChat, error) {
	var res CreatedChat
	if err := c.do(ctx, http.MethodPost, "/chat/create", map[string]string{"keyHash": keyHash}, &res); err != nil {
		return nil, err
	}
	if res.ChatID == "" {
		return nil, fmt.Errorf("%w: create response without chatId", ErrProtocol)
	}
	return &res, nil
}

func (c *Client) JoinChat(ctx context.Context, chatID string) (*JoinedChat, error) {
	var res JoinedChat
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "join"), nil, &res); err != nil {
		return nil, err
	}
	if res.ChatID == "" {
		return nil, fmt.Errorf("%w: join response without chatId", ErrProtocol)
	}
	return &res, nil
}

func (c *Client) LeaveChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID, "leave"), nil, nil)
}

// RenameChat takes a name that is already encrypted with the chat key.
func (c *Client) RenameChat(ctx context.Context, chatID, encryptedName string) error {
	return c.do(ctx, http.MethodPut, chatPath(chatID, "name"), map[string]string{"encryptedName": encryptedName}, nil)
}

func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID, "read"), nil, nil)
}

func (c *Client) SetNickname(ctx context.Context, chatID, nickname string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID, "nickname"), map[string]string{"nickname": nickname}, nil)
}

// GetNickname returns ok=false when the user has not set a nickname in the chat.
func (c *Client) GetNickname(ctx context.Context, chatID string) (string, bool, error) {
	var res nicknameResponse
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "nickname"), nil, &res); err != nil {
		return "", false, err
	}
	if res.Nickname == nil || *res.Nickname == "" {
		return "", false, nil
	}
	return *res.Nickname, true, nil
}

func (c *Client) ListParticipants(ctx context.Context, chatID string) ([]ParticipantDTO, error) {
	var res participantsResponse
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "participants"), nil, &res); err != nil {
		return nil, err
	}
	return res.Participants, nil
}

// GrantPermission lets participantID decrypt the current user's messages.
func (c *Client) GrantPermission(ctx context.Context, chatID, participantID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID, "permissions"), map[string]string{"userId": participantID}, nil)
}

func chatPath(chatID, action string) string {
	return "/chat/" + url.PathEscape(chatID) + "/" + action
}

// Login exchanges a code phrase for an access token. It needs no credential.
func (c *Client) Login(ctx context.Context, codePhrase string) (*LoginResult, error) {
	var res LoginResult
	if err := c.send(ctx, http.MethodPost, "/auth/login", "", map[string]string{"codePhrase": codePhrase}, &res); err != nil {
		return nil, err
	}
	if res.AccessToken == "" || res.UserID == "" {
		return nil, fmt.Errorf("%w: login response without token", ErrProtocol)
	}
	return &res, nil
}

// VerifyToken reports whether the server still accepts the current credential.
func (c *Client) VerifyToken(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/auth/verify", nil, nil)
	var se *StatusError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &se) && se.Code == http.StatusUnauthorized:
		return false, nil
	default:
		return false, err
	}
}

// GenerateCode registers a new code phrase that lets another person log in.
func (c *Client) GenerateCode(ctx context.Context, codePhrase string) (string, error) {
	var res generateCodeResponse
	if err := c.do(ctx, http.MethodPost, "/auth/generate-code", map[string]string{"codePhrase": codePhrase}, &res); err != nil {
		return "", err
	}
	return res.CodePhrase, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, method, path, token, body, out)
}

// send performs one request. An empty token sends no Authorization header.
func (c *Client) send(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		c.log.Warn().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("request rejected")
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrProtocol, method, path, err)
	}
	return nil
}
