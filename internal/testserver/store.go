package testserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"shainy/internal/api"
	"shainy/internal/keys"
)

var (
	errNoChat     = errors.New("chat not found")
	errNotMember  = errors.New("not a member of this chat")
	errChatExists = errors.New("chat already exists")
	errReadOnly   = errors.New("chat is read-only")
)

type member struct {
	nickname string
	joinedAt time.Time
	lastRead time.Time
}

type message struct {
	id      string
	userID  string
	text    string
	shaHash string
	at      time.Time
	replyTo *api.ReplyDTO
}

type room struct {
	id            string
	keyHash       string
	name          string
	encryptedName string
	createdAt     time.Time
	global        bool
	members       map[string]*member
	messages      []message
	// grants[author][viewer]: viewer may see author's messages.
	grants map[string]map[string]bool
}

func (r *room) canSee(viewer, author string) bool {
	return r.global || viewer == author || r.grants[author][viewer]
}

func (r *room) visible(viewer string) []message {
	var out []message
	for _, m := range r.messages {
		if r.canSee(viewer, m.userID) {
			out = append(out, m)
		}
	}
	return out
}

func (r *room) unread(viewer string, since time.Time) int {
	n := 0
	for _, m := range r.visible(viewer) {
		if m.userID != viewer && m.at.After(since) {
			n++
		}
	}
	return n
}

// Store is the server's chat state. It lives in memory only.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time
}

func NewStore() *Store {
	s := &Store{rooms: make(map[string]*room), now: time.Now}
	s.rooms[keys.GlobalChatID] = &room{
		id:        keys.GlobalChatID,
		name:      "SHAiny Announcements",
		createdAt: s.now(),
		global:    true,
		members:   make(map[string]*member),
		grants:    make(map[string]map[string]bool),
	}
	return s
}

// member returns the membership of userID, creating it for the global chat.
func (s *Store) member(r *room, userID string) (*member, bool) {
	m, ok := r.members[userID]
	if !ok && r.global {
		m = &member{joinedAt: s.now()}
		r.members[userID] = m
		ok = true
	}
	return m, ok
}

func (s *Store) room(chatID, userID string) (*room, *member, error) {
	r, ok := s.rooms[chatID]
	if !ok {
		return nil, nil, errNoChat
	}
	m, ok := s.member(r, userID)
	if !ok {
		return nil, nil, errNotMember
	}
	return r, m, nil
}

func toMillis(t time.Time) float64 { return api.ToMillis(t) }

func (s *Store) senderName(r *room, userID string) *string {
	if m, ok := r.members[userID]; ok && m.nickname != "" {
		name := m.nickname
		return &name
	}
	return nil
}

func (s *Store) toDTO(r *room, m message) api.MessageDTO {
	return api.MessageDTO{
		ID:         m.id,
		UserID:     m.userID,
		SenderName: s.senderName(r, m.userID),
		Text:       m.text,
		SHAHash:    m.shaHash,
		Timestamp:  toMillis(m.at),
		ReplyTo:    m.replyTo,
	}
}

func (s *Store) chatDTO(r *room, userID string) api.ChatDTO {
	mem, _ := s.member(r, userID)
	dto := api.ChatDTO{
		ChatID:            r.id,
		Name:              r.name,
		ParticipantsCount: len(r.members),
		IsGlobal:          r.global,
		IsReadOnly:        r.global,
		UnreadCount:       r.unread(userID, mem.lastRead),
		CreatedAt:         toMillis(r.createdAt),
	}
	if r.encryptedName != "" {
		name := r.encryptedName
		dto.EncryptedName = &name
	}
	if vis := r.visible(userID); len(vis) > 0 {
		last := vis[len(vis)-1]
		dto.LastMessage = &api.LastMessageDTO{
			Text:       last.text,
			Timestamp:  toMillis(last.at),
			SenderName: s.senderName(r, last.userID),
		}
	}
	return dto
}

func (s *Store) ListChats(userID string) []api.ChatDTO {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []api.ChatDTO
	for _, r := range s.rooms {
		if _, ok := s.member(r, userID); ok {
			out = append(out, s.chatDTO(r, userID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Messages pages backwards from the newest visible message: offset 0 is the
// newest page. Each page is returned oldest first.
func (s *Store) Messages(chatID, userID string, limit, offset int) (*api.MessagesPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, _, err := s.room(chatID, userID)
	if err != nil {
		return nil, err
	}
	vis := r.visible(userID)
	total := len(vis)
	end := max(total-offset, 0)
	start := max(end-limit, 0)

	page := &api.MessagesPage{
		Messages: make([]api.MessageDTO, 0, end-start),
		Pagination: api.Pagination{
			Limit:      limit,
			Offset:     offset,
			TotalCount: total,
			HasMore:    start > 0,
		},
	}
	for _, m := range vis[start:end] {
		page.Messages = append(page.Messages, s.toDTO(r, m))
	}
	return page, nil
}

func (s *Store) Check(keyHash string) (api.CheckResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(keyHash)
}

func (s *Store) check(keyHash string) (api.CheckResult, bool) {
	for _, r := range s.rooms {
		if r.keyHash != "" && r.keyHash == keyHash {
			name := r.name
			if r.encryptedName != "" {
				name = r.encryptedName
			}
			return api.CheckResult{Exists: true, ChatID: r.id, ChatName: name}, true
		}
	}
	return api.CheckResult{Exists: false}, false
}

func (s *Store) Create(userID, keyHash string) (api.CreatedChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.check(keyHash); exists {
		return api.CreatedChat{}, errChatExists
	}
	id := uuid.NewString()
	now := s.now()
	r := &room{
		id:        id,
		keyHash:   keyHash,
		name:      "Chat " + id[:8],
		createdAt: now,
		members:   map[string]*member{userID: {joinedAt: now, lastRead: now}},
		grants:    make(map[string]map[string]bool),
	}
	s.rooms[id] = r
	return api.CreatedChat{ChatID: id, Name: r.name, KeyHash: keyHash, CreatedAt: toMillis(now)}, nil
}

// Join adds userID and returns the resulting member ids.
func (s *Store) Join(chatID, userID string) (api.JoinedChat, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[chatID]
	if !ok {
		return api.JoinedChat{}, nil, errNoChat
	}
	if _, ok := r.members[userID]; !ok {
		now := s.now()
		r.members[userID] = &member{joinedAt: now, lastRead: now}
	}
	return api.JoinedChat{
		ChatID:            r.id,
		Name:              r.name,
		ParticipantsCount: len(r.members),
		CreatedAt:         toMillis(r.createdAt),
	}, memberIDs(r), nil
}

// Leave removes userID and returns the remaining member ids.
func (s *Store) Leave(chatID, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _, err := s.room(chatID, userID)
	if err != nil {
		return nil, err
	}
	if r.global {
		return nil, errReadOnly
	}
	delete(r.members, userID)
	return memberIDs(r), nil
}

func memberIDs(r *room) []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) Rename(chatID, userID, encryptedName string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _, err := s.room(chatID, userID)
	if err != nil {
		return nil, err
	}
	if r.global {
		return nil, errReadOnly
	}
	r.encryptedName = encryptedName
	return memberIDs(r), nil
}

func (s *Store) MarkRead(chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, m, err := s.room(chatID, userID)
	if err != nil {
		return err
	}
	m.lastRead = s.now()
	return nil
}

func (s *Store) Nickname(chatID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, m, err := s.room(chatID, userID)
	if err != nil {
		return "", err
	}
	return m.nickname, nil
}

func (s *Store) SetNickname(chatID, userID, nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, m, err := s.room(chatID, userID)
	if err != nil {
		return err
	}
	m.nickname = nickname
	return nil
}

func (s *Store) Participants(chatID, userID string) ([]api.ParticipantDTO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _, err := s.room(chatID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]api.ParticipantDTO, 0, len(r.members))
	for id, m := range r.members {
		p := api.ParticipantDTO{
			UserID:           id,
			CanSeeMyMessages: r.canSee(id, userID),
			IsCurrentUser:    id == userID,
		}
		if m.nickname != "" {
			nick := m.nickname
			p.Nickname = &nick
		}
		joined := toMillis(m.joinedAt)
		p.JoinedAt = &joined
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if *out[i].JoinedAt != *out[j].JoinedAt {
			return *out[i].JoinedAt < *out[j].JoinedAt
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Grant lets viewer see author's messages. It returns the viewer's new unread count.
func (s *Store) Grant(chatID, author, viewer string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _, err := s.room(chatID, author)
	if err != nil {
		return 0, err
	}
	vm, ok := r.members[viewer]
	if !ok {
		return 0, errNotMember
	}
	if r.grants[author] == nil {
		r.grants[author] = make(map[string]bool)
	}
	r.grants[author][viewer] = true
	return r.unread(viewer, vm.lastRead), nil
}

// Post stores a message and returns it with the ids of every member who may
// see it.
func (s *Store) Post(chatID, userID, text, shaHash string, replyTo *api.ReplyDTO) (api.MessageDTO, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _, err := s.room(chatID, userID)
	if err != nil {
		return api.MessageDTO{}, nil, err
	}
	if r.global {
		return api.MessageDTO{}, nil, errReadOnly
	}
	return s.append(r, userID, text, shaHash, replyTo)
}

// Announce posts to the global chat on behalf of the service.
func (s *Store) Announce(text, shaHash string) api.MessageDTO {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _, _ := s.append(s.rooms[keys.GlobalChatID], "", text, shaHash, nil)
	return m
}

func (s *Store) append(r *room, userID, text, shaHash string, replyTo *api.ReplyDTO) (api.MessageDTO, []string, error) {
	at := s.now()
	if n := len(r.messages); n > 0 && !at.After(r.messages[n-1].at) {
		at = r.messages[n-1].at.Add(time.Millisecond)
	}
	m := message{id: uuid.NewString(), userID: userID, text: text, shaHash: shaHash, at: at, replyTo: replyTo}
	r.messages = append(r.messages, m)

	var audience []string
	for id := range r.members {
		if r.canSee(id, userID) {
			audience = append(audience, id)
		}
	}
	return s.toDTO(r, m), audience, nil
}
