// Package testserver is an in-memory SHAiny server. It speaks the same REST and
// WebSocket protocol as the real service and backs the client's tests and the
// local development server.
package testserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"shainy/internal/api"
	"shainy/internal/keys"
)

type Config struct {
	JWTSecret string
	// Redis, when set, carries live events between server instances.
	Redis  *redis.Client
	Logger zerolog.Logger
	// RequestLog turns on chi's request logger.
	RequestLog bool
}

type Server struct {
	users  *Users
	store  *Store
	hub    *Hub
	log    zerolog.Logger
	router chi.Router
}

func New(cfg Config) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "shainy-dev-secret"
	}
	s := &Server{
		users: NewUsers(cfg.JWTSecret),
		store: NewStore(),
		hub:   NewHub(cfg.Redis, cfg.Logger),
		log:   cfg.Logger.With().Str("component", "testserver").Logger(),
	}

	authMiddleware := NewAuthMiddleware(s.users)

	r := chi.NewRouter()
	if cfg.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.serveWs)
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.login)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handle)
			r.Get("/auth/verify", s.verify)
			r.Post("/auth/generate-code", s.generateCode)

			r.Get("/chat/list", s.listChats)
			r.Post("/chat/check", s.checkChat)
			r.Post("/chat/create", s.createChat)
			r.Route("/chat/{chatID}", func(r chi.Router) {
				r.Get("/messages", s.listMessages)
				r.Post("/join", s.joinChat)
				r.Post("/leave", s.leaveChat)
				r.Put("/name", s.renameChat)
				r.Post("/read", s.markRead)
				r.Get("/nickname", s.getNickname)
				r.Post("/nickname", s.setNickname)
				r.Get("/participants", s.listParticipants)
				r.Post("/permissions", s.grantPermission)
			})
		})
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run starts the hub engines and blocks until ctx ends.
func (s *Server) Run(ctx context.Context) {
	if s.hub.redis != nil {
		go s.hub.SubscribeToRedis(ctx)
	}
	s.hub.Run(ctx)
}

// Register creates an account for codePhrase and returns a token for it.
func (s *Server) Register(codePhrase string) (token, userID string, err error) {
	if _, err := s.users.Register(codePhrase); err != nil {
		return "", "", err
	}
	return s.users.Login(codePhrase)
}

// Announce posts an already encrypted message to the global chat and pushes
// it to every connected user.
func (s *Server) Announce(ctx context.Context, envelope, shaHash string) api.MessageDTO {
	m := s.store.Announce(envelope, shaHash)
	s.hub.Broadcast(ctx, newMessageEvent{Type: "new_message", ChatID: keys.GlobalChatID, Message: m})
	return m
}

// ---------------------------------------------
// Live events
// ---------------------------------------------

type typedEvent struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type authSuccessEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type newMessageEvent struct {
	Type    string         `json:"type"`
	ChatID  string         `json:"chatId"`
	Message api.MessageDTO `json:"message"`
}

type participantsEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Count  int    `json:"count"`
}

type grantEvent struct {
	Type        string `json:"type"`
	ChatID      string `json:"chatId"`
	AuthorID    string `json:"authorId"`
	UnreadCount int    `json:"unreadCount"`
}

type clientFrame struct {
	Type          string        `json:"type"`
	Token         string        `json:"token"`
	ChatID        string        `json:"chatId"`
	EncryptedText string        `json:"encryptedText"`
	SHAHash       string        `json:"shaHash"`
	ReplyTo       *api.ReplyDTO `json:"replyTo"`
}

// serveWs upgrades the connection. Authentication happens in-band with an
// auth frame.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, 256)}
	send(s.hub, s.hub.register, client)

	go client.writePump()
	go client.readPump(s.handleFrame)
}

func (s *Server) handleFrame(c *Client, data []byte) {
	ctx := context.Background()

	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.hub.Reply(c, errorEvent{Type: "error", Error: "invalid frame"})
		return
	}

	if f.Type == "auth" {
		userID, err := s.users.ValidateToken(f.Token)
		if err != nil {
			s.hub.Reply(c, errorEvent{Type: "auth_error", Error: "Invalid token"})
			return
		}
		c.userID = userID
		send(s.hub, s.hub.identify, identify{client: c, userID: userID})
		s.hub.Reply(c, authSuccessEvent{Type: "auth_success", UserID: userID})
		return
	}

	if c.userID == "" {
		s.hub.Reply(c, errorEvent{Type: "error", Error: "Not authenticated"})
		return
	}

	switch f.Type {
	case "send_message":
		m, audience, err := s.store.Post(f.ChatID, c.userID, f.EncryptedText, f.SHAHash, f.ReplyTo)
		if err != nil {
			s.hub.Reply(c, errorEvent{Type: "error", Error: err.Error()})
			return
		}
		s.hub.Publish(ctx, newMessageEvent{Type: "new_message", ChatID: f.ChatID, Message: m}, audience...)
	case "refresh_chats":
		s.hub.Reply(c, typedEvent{Type: "chats_updated"})
	default:
		s.hub.Reply(c, errorEvent{Type: "error", Error: "unknown type " + f.Type})
	}
}
