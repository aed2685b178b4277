package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"shainy/internal/api"
	"shainy/internal/live"
	"shainy/internal/shacrypt"
)

const DefaultPageSize = 50

var (
	ErrReadOnly        = errors.New("chat is read-only")
	ErrNicknamePending = errors.New("a message is waiting for a nickname")
	ErrEmptyNickname   = errors.New("nickname is empty")
	ErrEmptyName       = errors.New("chat name is empty")
)

// SendError carries the text of a message that could not be transmitted so
// the caller can hand it back to the user.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string { return "send message: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

type SendResult int

const (
	SendIgnored         SendResult = iota // blank text, nothing happened
	SendSent                              // handed to the live channel
	SendPendingNickname                   // parked until SetNickname or CancelPending
)

// StreamState is what Stream publishes.
type StreamState struct {
	Name          string
	Messages      []Message
	HasMore       bool
	Loading       bool
	ReplyTo       *Message
	Pending       string // text parked behind the nickname prompt
	NeedsNickname bool
}

type StreamConfig struct {
	ChatID        string
	Name          string
	ReadOnly      bool
	CurrentUserID string
	PageSize      int
}

// Stream is the message history of one open chat: paginated backfill merged
// with live messages, de-duplicated by message id.
type Stream struct {
	cfg    StreamConfig
	coord  *Coordinator
	api    MessageAPI
	cipher Cipher
	keys   KeyRing
	sender Sender
	log    zerolog.Logger

	state *Observable[StreamState]

	// Loop-owned.
	ids      map[string]struct{}
	offset   int
	nickname string
	cur      StreamState
}

func NewStream(coord *Coordinator, client MessageAPI, c Cipher, ring KeyRing, sender Sender, cfg StreamConfig, log zerolog.Logger) *Stream {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	initial := StreamState{Name: cfg.Name, HasMore: true}
	return &Stream{
		cfg:    cfg,
		coord:  coord,
		api:    client,
		cipher: c,
		keys:   ring,
		sender: sender,
		log:    log.With().Str("component", "message_stream").Str("chat_id", cfg.ChatID).Logger(),
		state:  NewObservable(initial),
		ids:    make(map[string]struct{}),
		cur:    initial,
	}
}

func (s *Stream) ChatID() string { return s.cfg.ChatID }

func (s *Stream) State() StreamState { return s.state.Get() }

func (s *Stream) Subscribe(fn func(StreamState)) (cancel func()) { return s.state.Subscribe(fn) }

func (s *Stream) Messages() []Message { return s.state.Get().Messages }

// publish must run on the loop.
func (s *Stream) publish() {
	snap := s.cur
	snap.Messages = slices.Clone(s.cur.Messages)
	s.state.Set(snap)
}

// LoadInitial fetches the newest page and replaces the history with it.
// Live messages that arrived while the page was in flight are kept.
func (s *Stream) LoadInitial(ctx context.Context) error {
	if err := s.coord.Exec(func() {
		s.cur.Loading = true
		s.publish()
	}); err != nil {
		return err
	}
	return s.fetch(ctx, 0, true)
}

// LoadMore prepends the next older page. It is a no-op while a load is in
// flight or when the server reported no more pages.
func (s *Stream) LoadMore(ctx context.Context) error {
	var (
		offset  int
		proceed bool
	)
	if err := s.coord.Exec(func() {
		if s.cur.Loading || !s.cur.HasMore {
			return
		}
		proceed = true
		offset = s.offset
		s.cur.Loading = true
		s.publish()
	}); err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	return s.fetch(ctx, offset, false)
}

func (s *Stream) fetch(ctx context.Context, offset int, reset bool) error {
	page, err := s.api.ListMessages(ctx, s.cfg.ChatID, s.cfg.PageSize, offset)
	if err != nil {
		_ = s.coord.Exec(func() {
			s.cur.Loading = false
			s.publish()
		})
		return fmt.Errorf("load messages: %w", err)
	}

	key, _ := s.keys.Get(ctx, s.cfg.ChatID)
	batch := s.openAll(page.Messages, key)

	return s.coord.Exec(func() {
		if reset {
			s.replace(batch)
			s.offset = len(page.Messages)
		} else {
			s.prepend(batch)
			s.offset += len(page.Messages)
		}
		s.cur.HasMore = page.Pagination.HasMore
		s.cur.Loading = false
		s.publish()
	})
}

// openAll decrypts a page. Messages that cannot be decrypted are dropped.
func (s *Stream) openAll(dtos []api.MessageDTO, key string) []Message {
	out := make([]Message, 0, len(dtos))
	for _, dto := range dtos {
		m, err := openMessage(s.cipher, dto, key, s.cfg.CurrentUserID)
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", dto.ID).Msg("dropping undecryptable message")
			continue
		}
		if m.Integrity == IntegrityMismatch {
			s.log.Warn().Str("message_id", m.ID).Msg("message hash mismatch")
		}
		out = append(out, m)
	}
	return out
}

func (s *Stream) replace(batch []Message) {
	kept := make(map[string]struct{}, len(batch))
	msgs := make([]Message, 0, len(batch))
	for _, m := range batch {
		if _, dup := kept[m.ID]; dup {
			continue
		}
		kept[m.ID] = struct{}{}
		msgs = append(msgs, m)
	}

	// Live arrivals newer than the page survive the reset.
	var newest Message
	if len(msgs) > 0 {
		newest = msgs[len(msgs)-1]
	}
	for _, m := range s.cur.Messages {
		if _, dup := kept[m.ID]; dup {
			continue
		}
		if len(msgs) == 0 || m.Timestamp.After(newest.Timestamp) {
			kept[m.ID] = struct{}{}
			msgs = append(msgs, m)
		}
	}

	s.cur.Messages = msgs
	s.ids = kept
}

func (s *Stream) prepend(batch []Message) {
	older := make([]Message, 0, len(batch))
	for _, m := range batch {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		older = append(older, m)
	}
	s.cur.Messages = append(older, s.cur.Messages...)
}

// ApplyLiveEvent appends a pushed message unless its id is already present.
// Undecryptable messages are still appended, in encrypted form, and the
// decryption error is returned.
func (s *Stream) ApplyLiveEvent(ctx context.Context, dto api.MessageDTO) error {
	key, _ := s.keys.Get(ctx, s.cfg.ChatID)
	m, decErr := openMessage(s.cipher, dto, key, s.cfg.CurrentUserID)
	if decErr == nil && m.Integrity == IntegrityMismatch {
		s.log.Warn().Str("message_id", m.ID).Msg("message hash mismatch")
	}

	err := s.coord.Exec(func() {
		if _, dup := s.ids[m.ID]; dup {
			return
		}
		s.ids[m.ID] = struct{}{}
		s.cur.Messages = append(s.cur.Messages, m)
		// The newest page window moved by one.
		s.offset++
		s.publish()
	})
	if err != nil {
		return err
	}
	return decErr
}

// Redecrypt retries every message still shown in encrypted form, e.g. after
// the key became known.
func (s *Stream) Redecrypt(ctx context.Context) error {
	key, ok := s.keys.Get(ctx, s.cfg.ChatID)
	if !ok {
		return ErrNoKey
	}

	var pending []Message
	if err := s.coord.Exec(func() {
		for _, m := range s.cur.Messages {
			if !m.Decrypted {
				pending = append(pending, m)
			}
		}
	}); err != nil {
		return err
	}

	opened := make(map[string]Message, len(pending))
	for _, m := range pending {
		if d, err := decryptInto(s.cipher, m, key); err == nil {
			opened[m.ID] = d
		}
	}
	if len(opened) == 0 {
		return nil
	}

	return s.coord.Exec(func() {
		for i, m := range s.cur.Messages {
			if d, ok := opened[m.ID]; ok && !m.Decrypted {
				s.cur.Messages[i] = d
			}
		}
		s.publish()
	})
}

// SetReplyTo attaches m as the reply target of the next send. Nil clears it.
func (s *Stream) SetReplyTo(m *Message) error {
	return s.coord.Exec(func() {
		if m != nil {
			cp := *m
			m = &cp
		}
		s.cur.ReplyTo = m
		s.publish()
	})
}

// Send encrypts and transmits text. Without a nickname for this chat the text
// is parked and SendPendingNickname is returned; a second send while one is
// parked fails with ErrNicknamePending.
func (s *Stream) Send(ctx context.Context, text string) (SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return SendIgnored, nil
	}
	if s.cfg.ReadOnly {
		return SendIgnored, ErrReadOnly
	}

	var blocked bool
	var nickname string
	if err := s.coord.Exec(func() {
		blocked = s.cur.NeedsNickname
		nickname = s.nickname
	}); err != nil {
		return SendIgnored, err
	}
	if blocked {
		return SendIgnored, ErrNicknamePending
	}

	if nickname == "" {
		nick, ok, err := s.api.GetNickname(ctx, s.cfg.ChatID)
		if err != nil {
			return SendIgnored, fmt.Errorf("get nickname: %w", err)
		}
		if !ok || nick == "" {
			if err := s.coord.Exec(func() {
				if s.cur.NeedsNickname {
					blocked = true
					return
				}
				s.cur.Pending = text
				s.cur.NeedsNickname = true
				s.publish()
			}); err != nil {
				return SendIgnored, err
			}
			if blocked {
				return SendIgnored, ErrNicknamePending
			}
			return SendPendingNickname, nil
		}
		if err := s.coord.Exec(func() { s.nickname = nick }); err != nil {
			return SendIgnored, err
		}
	}

	if err := s.submit(ctx, text); err != nil {
		return SendIgnored, err
	}
	return SendSent, nil
}

// SetNickname stores the nickname for this chat and flushes a parked message.
func (s *Stream) SetNickname(ctx context.Context, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return ErrEmptyNickname
	}
	if err := s.api.SetNickname(ctx, s.cfg.ChatID, nickname); err != nil {
		return fmt.Errorf("set nickname: %w", err)
	}

	var text string
	if err := s.coord.Exec(func() {
		s.nickname = nickname
		text = s.cur.Pending
		s.cur.Pending = ""
		s.cur.NeedsNickname = false
		s.publish()
	}); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	return s.submit(ctx, text)
}

// CancelPending discards a parked message.
func (s *Stream) CancelPending() error {
	return s.coord.Exec(func() {
		s.cur.Pending = ""
		s.cur.NeedsNickname = false
		s.publish()
	})
}

// submit encrypts text with the chat key and hands it to the live channel.
// The reply target is consumed, and restored if the send fails.
func (s *Stream) submit(ctx context.Context, text string) error {
	key, ok := s.keys.Get(ctx, s.cfg.ChatID)
	if !ok {
		return &SendError{Text: text, Err: ErrNoKey}
	}

	var reply *Message
	if err := s.coord.Exec(func() {
		reply = s.cur.ReplyTo
		s.cur.ReplyTo = nil
		s.publish()
	}); err != nil {
		return &SendError{Text: text, Err: err}
	}

	err := s.transmit(text, key, reply)
	if err != nil {
		if reply != nil {
			_ = s.coord.Exec(func() {
				if s.cur.ReplyTo == nil {
					s.cur.ReplyTo = reply
					s.publish()
				}
			})
		}
		s.log.Warn().Err(err).Msg("send failed")
		return &SendError{Text: text, Err: err}
	}
	return nil
}

func (s *Stream) transmit(text, key string, reply *Message) error {
	enc, err := s.cipher.Encrypt(text, key)
	if err != nil {
		return err
	}
	msg := live.OutgoingMessage{
		ChatID:        s.cfg.ChatID,
		EncryptedText: enc,
		SHAHash:       shacrypt.Hash(text),
	}
	if reply != nil {
		msg.ReplyTo = &api.ReplyDTO{
			MessageID:  reply.ID,
			Text:       reply.EncryptedText,
			SenderName: reply.SenderName,
			Timestamp:  api.ToMillis(reply.Timestamp),
		}
	}
	return s.sender.Send(msg)
}

// Rename encrypts name with the chat key and stores it on the server.
func (s *Stream) Rename(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}
	key, ok := s.keys.Get(ctx, s.cfg.ChatID)
	if !ok {
		return ErrNoKey
	}
	enc, err := s.cipher.Encrypt(name, key)
	if err != nil {
		return err
	}
	if err := s.api.RenameChat(ctx, s.cfg.ChatID, enc); err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	return s.coord.Exec(func() {
		s.cur.Name = name
		s.publish()
	})
}
