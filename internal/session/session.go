// Package session wires the SHAiny client together: key storage, the REST
// client, the live channel and the chat list, plus the streams of open chats.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"shainy/internal/api"
	"shainy/internal/auth"
	"shainy/internal/chat"
	"shainy/internal/config"
	"shainy/internal/keys"
	"shainy/internal/live"
	"shainy/internal/shacrypt"
)

var ErrClosed = errors.New("session closed")

type Session struct {
	cfg    config.Config
	log    zerolog.Logger
	api    *api.Client
	keys   *keys.Directory
	cipher *shacrypt.Engine
	coord  *chat.Coordinator
	list   *chat.List
	live   *live.Conn

	closeStore func() error
	ctx        context.Context
	cancel     context.CancelFunc
	onEvent    func(live.Event)

	mu      sync.Mutex
	userID  string
	streams map[string]*chat.Stream
	closed  bool
}

type Option func(*Session)

// WithEventListener is called after the session has applied each live event.
func WithEventListener(fn func(live.Event)) Option {
	return func(s *Session) { s.onEvent = fn }
}

// New opens the key store and builds every component. Nothing touches the
// network until Start.
func New(ctx context.Context, cfg config.Config, creds auth.CredentialProvider, log zerolog.Logger, opts ...Option) (*Session, error) {
	userID, err := auth.CurrentUserID(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}

	storeCfg, err := cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	store, closeStore, err := keys.OpenStore(ctx, storeCfg)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		log:        log.With().Str("component", "session").Logger(),
		api:        api.NewClient(cfg.ServerURL, creds, api.WithLogger(log)),
		keys:       keys.NewDirectory(store, log),
		cipher:     shacrypt.NewEngine(),
		coord:      chat.NewCoordinator(),
		closeStore: closeStore,
		ctx:        runCtx,
		cancel:     cancel,
		onEvent:    func(live.Event) {},
		userID:     userID,
		streams:    make(map[string]*chat.Stream),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.list = chat.NewList(s.coord, s.api, s.cipher, s.keys, chat.ListConfig{
		CurrentUserID: userID,
		ResortDelay:   cfg.Sync.ResortDelay,
	}, log)
	s.live = live.NewConn(cfg.LiveEndpoint(), creds, s.handleEvent, live.WithLogger(log))

	go s.coord.Run(runCtx)
	return s, nil
}

func (s *Session) API() *api.Client { return s.api }

func (s *Session) List() *chat.List { return s.list }

func (s *Session) Live() *live.Conn { return s.live }

func (s *Session) Keys() *keys.Directory { return s.keys }

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Start connects the live channel and loads the chat list concurrently.
func (s *Session) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.live.Connect(gctx) })
	g.Go(func() error { return s.list.Refresh(gctx, false) })
	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Info().Str("user_id", s.UserID()).Int("chats", len(s.list.Chats())).Msg("session started")
	return nil
}

// Reconnect re-opens the live channel and resynchronises the chat list.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.live.Connect(ctx); err != nil {
		return err
	}
	return s.list.Refresh(ctx, true)
}

// OpenChat returns the stream for chatID, creating it and loading its newest
// page on first use.
func (s *Session) OpenChat(ctx context.Context, chatID string) (*chat.Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if st, ok := s.streams[chatID]; ok {
		s.mu.Unlock()
		return st, nil
	}
	c, _ := s.list.Get(chatID)
	st := chat.NewStream(s.coord, s.api, s.cipher, s.keys, s.live, chat.StreamConfig{
		ChatID:        chatID,
		Name:          c.Name,
		ReadOnly:      c.IsReadOnly,
		CurrentUserID: s.userID,
		PageSize:      s.cfg.Sync.PageSize,
	}, s.log)
	s.streams[chatID] = st
	s.mu.Unlock()

	if err := st.LoadInitial(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// CloseChat stops routing live messages to the chat's stream.
func (s *Session) CloseChat(chatID string) {
	s.mu.Lock()
	delete(s.streams, chatID)
	s.mu.Unlock()
}

func (s *Session) stream(chatID string) (*chat.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[chatID]
	return st, ok
}

// Participants loads the membership of chatID.
func (s *Session) Participants(ctx context.Context, chatID string) (*chat.Participants, error) {
	p := chat.NewParticipants(s.coord, s.api, chatID, s.UserID(), s.log)
	if err := p.Refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// handleEvent runs on the live receive goroutine.
func (s *Session) handleEvent(ev live.Event) {
	ctx := s.ctx
	switch ev := ev.(type) {
	case live.AuthSuccess:
		s.mu.Lock()
		s.userID = ev.UserID
		s.mu.Unlock()
		if err := s.list.SetCurrentUser(ev.UserID); err != nil {
			s.log.Debug().Err(err).Msg("set current user")
		}
	case live.AuthError:
		s.log.Error().Str("error", ev.Message).Msg("live channel rejected credentials")
	case live.NewMessage:
		if err := s.list.ApplyIncomingMessage(ctx, ev.ChatID, ev.Message); err != nil {
			s.log.Warn().Err(err).Str("chat_id", ev.ChatID).Msg("apply incoming message to list")
		}
		if st, ok := s.stream(ev.ChatID); ok {
			if err := st.ApplyLiveEvent(ctx, ev.Message); err != nil {
				s.log.Debug().Err(err).Str("chat_id", ev.ChatID).Str("message_id", ev.Message.ID).Msg("live message kept encrypted")
			}
		}
	case live.ChatsUpdated:
		if err := s.list.Refresh(ctx, true); err != nil {
			s.log.Warn().Err(err).Msg("refresh chats")
		}
	case live.ParticipantsUpdated:
		if err := s.list.SetParticipantsCount(ev.ChatID, ev.Count); err != nil {
			s.log.Debug().Err(err).Msg("set participants count")
		}
	case live.PermissionGranted:
		if err := s.list.ApplyPermissionGranted(ctx, ev.ChatID, ev.UnreadCount); err != nil {
			s.log.Warn().Err(err).Str("chat_id", ev.ChatID).Msg("apply permission grant")
		}
		// Messages from the granting author are now visible server-side.
		if st, ok := s.stream(ev.ChatID); ok {
			if err := st.LoadInitial(ctx); err != nil {
				s.log.Warn().Err(err).Str("chat_id", ev.ChatID).Msg("reload after permission grant")
			}
		}
	case live.ServerError:
		s.log.Warn().Str("error", ev.Message).Msg("server error")
	case live.ConnectionLost:
		s.log.Warn().Err(ev.Err).Msg("live channel lost; call Reconnect")
	}
	s.onEvent(ev)
}

// Logout wipes every stored chat key and forgets all chat state.
func (s *Session) Logout(ctx context.Context) error {
	s.live.Close()
	s.mu.Lock()
	s.streams = make(map[string]*chat.Stream)
	s.mu.Unlock()
	if err := s.list.Reset(); err != nil && !errors.Is(err, chat.ErrStopped) {
		return err
	}
	if err := s.keys.DeleteAll(ctx); err != nil {
		return fmt.Errorf("wipe keys: %w", err)
	}
	s.log.Info().Msg("logged out")
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.live.Close()
	s.cancel()
	return s.closeStore()
}
