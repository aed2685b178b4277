package chat

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shainy/internal/api"
	"shainy/internal/keys"
	"shainy/internal/shacrypt"
)

const DefaultResortDelay = 100 * time.Millisecond

type ChangeKind int

const (
	ChangeReset   ChangeKind = iota // whole list replaced
	ChangeUpdate                    // one row changed in place
	ChangeReorder                   // same rows, new order
	ChangeInsert                    // one row added at Index
	ChangeRemove                    // one row removed from Index
)

type Change struct {
	Kind  ChangeKind
	Index int
}

// ListState is what List publishes. Chats is a copy subscribers may keep.
type ListState struct {
	Chats  []Chat
	Change Change
}

type ListConfig struct {
	CurrentUserID string
	ResortDelay   time.Duration
}

// List is the ordered chat list. Global chats come first, the rest by most
// recent activity. All mutations run on the coordinator.
type List struct {
	coord  *Coordinator
	api    ChatAPI
	cipher Cipher
	keys   KeyRing
	log    zerolog.Logger
	resort *Debouncer

	state *Observable[ListState]

	// Loop-owned.
	chats         []Chat
	currentUserID string
}

func NewList(coord *Coordinator, client ChatAPI, c Cipher, ring KeyRing, cfg ListConfig, log zerolog.Logger) *List {
	if cfg.ResortDelay <= 0 {
		cfg.ResortDelay = DefaultResortDelay
	}
	return &List{
		coord:         coord,
		api:           client,
		cipher:        c,
		keys:          ring,
		log:           log.With().Str("component", "chat_list").Logger(),
		resort:        NewDebouncer(cfg.ResortDelay),
		state:         NewObservable(ListState{}),
		currentUserID: cfg.CurrentUserID,
	}
}

func (l *List) State() ListState { return l.state.Get() }

func (l *List) Subscribe(fn func(ListState)) (cancel func()) { return l.state.Subscribe(fn) }

func (l *List) Chats() []Chat { return l.state.Get().Chats }

// Global returns the read-only announcement chats, in list order.
func (l *List) Global() []Chat {
	var out []Chat
	for _, c := range l.Chats() {
		if c.IsGlobal {
			out = append(out, c)
		}
	}
	return out
}

// Private returns every chat the user can write to, in list order.
func (l *List) Private() []Chat {
	var out []Chat
	for _, c := range l.Chats() {
		if !c.IsGlobal {
			out = append(out, c)
		}
	}
	return out
}

func (l *List) Get(chatID string) (Chat, bool) {
	for _, c := range l.Chats() {
		if c.ID == chatID {
			return c, true
		}
	}
	return Chat{}, false
}

func (l *List) SetCurrentUser(userID string) error {
	return l.coord.Exec(func() { l.currentUserID = userID })
}

// SortChats orders chats in place: the announcements chat
// (keys.GlobalChatID) first, everything else by descending timestamp.
// Other chats flagged IsGlobal are not pinned. Ties keep their relative order.
func SortChats(chats []Chat) {
	slices.SortStableFunc(chats, func(a, b Chat) int {
		ap, bp := a.ID == keys.GlobalChatID, b.ID == keys.GlobalChatID
		if ap != bp {
			if ap {
				return -1
			}
			return 1
		}
		return b.Timestamp.Compare(a.Timestamp)
	})
}

// publish must run on the loop.
func (l *List) publish(change Change) {
	l.state.Set(ListState{Chats: slices.Clone(l.chats), Change: change})
}

func (l *List) indexOf(chatID string) int {
	return slices.IndexFunc(l.chats, func(c Chat) bool { return c.ID == chatID })
}

// Refresh replaces the list with the server's snapshot. With preserveIdentity,
// chats already known keep their LocalID.
func (l *List) Refresh(ctx context.Context, preserveIdentity bool) error {
	dtos, err := l.api.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("refresh chats: %w", err)
	}

	fresh := make([]Chat, 0, len(dtos))
	seen := make(map[string]struct{}, len(dtos))
	for _, dto := range dtos {
		if _, dup := seen[dto.ChatID]; dup {
			continue
		}
		seen[dto.ChatID] = struct{}{}
		fresh = append(fresh, l.fromDTO(ctx, dto))
	}

	err = l.coord.Exec(func() {
		if preserveIdentity {
			known := make(map[string]uuid.UUID, len(l.chats))
			for _, c := range l.chats {
				known[c.ID] = c.LocalID
			}
			for i := range fresh {
				if id, ok := known[fresh[i].ID]; ok {
					fresh[i].LocalID = id
				}
			}
		}
		SortChats(fresh)
		l.chats = fresh
		l.publish(Change{Kind: ChangeReset})
	})
	if err != nil {
		return err
	}
	l.log.Debug().Int("chats", len(fresh)).Bool("preserve_identity", preserveIdentity).Msg("chat list refreshed")
	return nil
}

func (l *List) fromDTO(ctx context.Context, dto api.ChatDTO) Chat {
	key, _ := l.keys.Get(ctx, dto.ChatID)
	name, custom := decryptName(l.cipher, dto, key)

	c := Chat{
		LocalID:           uuid.New(),
		ID:                dto.ChatID,
		Name:              name,
		HasCustomName:     custom,
		Timestamp:         api.Millis(dto.CreatedAt),
		ParticipantsCount: dto.ParticipantsCount,
		UnreadCount:       dto.UnreadCount,
		IsGlobal:          dto.IsGlobal || dto.ChatID == keys.GlobalChatID,
		IsReadOnly:        dto.IsReadOnly,
		Key:               key,
	}
	if lm := dto.LastMessage; lm != nil {
		c.LastMessage = decryptPreview(l.cipher, lm.Text, key)
		if lm.SenderName != nil {
			c.LastMessageSender = *lm.SenderName
		}
		if lm.Timestamp > 0 {
			c.Timestamp = api.Millis(lm.Timestamp)
		}
	}
	return c
}

// ApplyIncomingMessage updates the preview of the chat a live message belongs
// to. Unknown chats trigger an identity-preserving refresh instead.
func (l *List) ApplyIncomingMessage(ctx context.Context, chatID string, dto api.MessageDTO) error {
	key, _ := l.keys.Get(ctx, chatID)
	preview := decryptPreview(l.cipher, dto.Text, key)
	sender := ""
	if dto.SenderName != nil {
		sender = *dto.SenderName
	}

	var missing bool
	err := l.coord.Exec(func() {
		i := l.indexOf(chatID)
		if i < 0 {
			missing = true
			return
		}
		c := l.chats[i]
		c.LastMessage = preview
		c.LastMessageSender = sender
		c.Timestamp = api.Millis(dto.Timestamp)
		if dto.UserID == "" || dto.UserID != l.currentUserID {
			c.UnreadCount++
		}
		l.chats[i] = c
		l.publish(Change{Kind: ChangeUpdate, Index: i})

		if c.ID != keys.GlobalChatID && outOfPlace(l.chats, i) {
			l.scheduleResort()
		}
	})
	if err != nil {
		return err
	}
	if missing {
		l.log.Info().Str("chat_id", chatID).Msg("message for unknown chat, refreshing")
		return l.Refresh(ctx, true)
	}
	return nil
}

// outOfPlace reports whether chats[i] violates the sort order with a neighbour.
func outOfPlace(chats []Chat, i int) bool {
	c := chats[i]
	if i > 0 {
		prev := chats[i-1]
		if prev.ID != keys.GlobalChatID && prev.Timestamp.Before(c.Timestamp) {
			return true
		}
	}
	if i+1 < len(chats) {
		next := chats[i+1]
		if next.ID == keys.GlobalChatID || next.Timestamp.After(c.Timestamp) {
			return true
		}
	}
	return false
}

func (l *List) scheduleResort() {
	l.resort.Schedule(func() {
		err := l.coord.Post(func() {
			sorted := slices.Clone(l.chats)
			SortChats(sorted)
			if slices.EqualFunc(sorted, l.chats, func(a, b Chat) bool { return a.ID == b.ID }) {
				return
			}
			l.chats = sorted
			l.publish(Change{Kind: ChangeReorder})
		})
		if err != nil {
			l.log.Debug().Err(err).Msg("resort dropped")
		}
	})
}

// MarkRead clears the local unread counter and tells the server.
func (l *List) MarkRead(ctx context.Context, chatID string) error {
	err := l.coord.Exec(func() {
		if i := l.indexOf(chatID); i >= 0 && l.chats[i].UnreadCount != 0 {
			l.chats[i].UnreadCount = 0
			l.publish(Change{Kind: ChangeUpdate, Index: i})
		}
	})
	if err != nil {
		return err
	}
	if err := l.api.MarkRead(ctx, chatID); err != nil {
		l.log.Warn().Err(err).Str("chat_id", chatID).Msg("mark read failed")
		return err
	}
	return nil
}

func (l *List) SetParticipantsCount(chatID string, count int) error {
	return l.coord.Exec(func() {
		if i := l.indexOf(chatID); i >= 0 && l.chats[i].ParticipantsCount != count {
			l.chats[i].ParticipantsCount = count
			l.publish(Change{Kind: ChangeUpdate, Index: i})
		}
	})
}

// ApplyPermissionGranted takes the server's recomputed unread count for a chat
// whose earlier messages just became visible.
func (l *List) ApplyPermissionGranted(ctx context.Context, chatID string, unread int) error {
	var missing bool
	err := l.coord.Exec(func() {
		i := l.indexOf(chatID)
		if i < 0 {
			missing = true
			return
		}
		l.chats[i].UnreadCount = unread
		l.publish(Change{Kind: ChangeUpdate, Index: i})
	})
	if err != nil {
		return err
	}
	if missing {
		return l.Refresh(ctx, true)
	}
	return nil
}

// SetName records a locally renamed chat.
func (l *List) SetName(chatID, name string) error {
	return l.coord.Exec(func() {
		if i := l.indexOf(chatID); i >= 0 {
			l.chats[i].Name = name
			l.chats[i].HasCustomName = true
			l.publish(Change{Kind: ChangeUpdate, Index: i})
		}
	})
}

// Check probes whether passphrase names an existing chat.
func (l *List) Check(ctx context.Context, passphrase string) *Probe {
	probe := NewProbe()
	res, err := l.api.CheckChat(ctx, shacrypt.Hash(passphrase))
	switch {
	case err != nil:
		probe.Resolve(PresenceError{Message: err.Error()})
	case !res.Exists:
		probe.Resolve(PresenceNotExists{})
	default:
		name := res.ChatName
		if shacrypt.IsEnvelope(name) {
			if plain, err := l.cipher.Decrypt(name, passphrase); err == nil {
				name = plain
			}
		}
		if name == "" {
			name = "Unknown"
		}
		probe.Resolve(PresenceExists{ChatID: res.ChatID, Name: name})
	}
	return probe
}

// Create registers a new chat for passphrase and remembers the passphrase.
func (l *List) Create(ctx context.Context, passphrase string) (Chat, error) {
	if passphrase == "" {
		return Chat{}, ErrNoKey
	}
	res, err := l.api.CreateChat(ctx, shacrypt.Hash(passphrase))
	if err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}
	if err := l.keys.Set(ctx, res.ChatID, passphrase); err != nil {
		return Chat{}, fmt.Errorf("store key: %w", err)
	}
	c := Chat{
		LocalID:           uuid.New(),
		ID:                res.ChatID,
		Name:              res.Name,
		Timestamp:         api.Millis(res.CreatedAt),
		ParticipantsCount: 1,
		Key:               passphrase,
	}
	return l.upsert(c)
}

// Join enters an existing chat and remembers the passphrase.
func (l *List) Join(ctx context.Context, chatID, passphrase string) (Chat, error) {
	if passphrase == "" {
		return Chat{}, ErrNoKey
	}
	res, err := l.api.JoinChat(ctx, chatID)
	if err != nil {
		return Chat{}, fmt.Errorf("join chat: %w", err)
	}
	if err := l.keys.Set(ctx, res.ChatID, passphrase); err != nil {
		return Chat{}, fmt.Errorf("store key: %w", err)
	}
	c := Chat{
		LocalID:           uuid.New(),
		ID:                res.ChatID,
		Name:              res.Name,
		Timestamp:         api.Millis(res.CreatedAt),
		ParticipantsCount: res.ParticipantsCount,
		Key:               passphrase,
	}
	return l.upsert(c)
}

func (l *List) upsert(c Chat) (Chat, error) {
	err := l.coord.Exec(func() {
		if i := l.indexOf(c.ID); i >= 0 {
			old := l.chats[i]
			c.LocalID = old.LocalID
			c.LastMessage, c.LastMessageSender = old.LastMessage, old.LastMessageSender
			c.UnreadCount = old.UnreadCount
			if old.Timestamp.After(c.Timestamp) {
				c.Timestamp = old.Timestamp
			}
			l.chats[i] = c
			SortChats(l.chats)
			l.publish(Change{Kind: ChangeReset})
			return
		}
		l.chats = append(l.chats, c)
		SortChats(l.chats)
		l.publish(Change{Kind: ChangeInsert, Index: l.indexOf(c.ID)})
	})
	return c, err
}

// Leave exits a chat and forgets its key.
func (l *List) Leave(ctx context.Context, chatID string) error {
	if chatID == keys.GlobalChatID {
		return keys.ErrReservedChat
	}
	if err := l.api.LeaveChat(ctx, chatID); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	if err := l.keys.Delete(ctx, chatID); err != nil {
		l.log.Warn().Err(err).Str("chat_id", chatID).Msg("forget key failed")
	}
	return l.coord.Exec(func() {
		if i := l.indexOf(chatID); i >= 0 {
			l.chats = slices.Delete(l.chats, i, i+1)
			l.publish(Change{Kind: ChangeRemove, Index: i})
		}
	})
}

// Reset empties the list, as on logout.
func (l *List) Reset() error {
	l.resort.Cancel()
	return l.coord.Exec(func() {
		l.chats = nil
		l.publish(Change{Kind: ChangeReset})
	})
}
