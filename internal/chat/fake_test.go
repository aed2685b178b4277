package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"shainy/internal/api"
	"shainy/internal/keys"
	"shainy/internal/live"
	"shainy/internal/shacrypt"
)

var errBoom = errors.New("boom")

// fakeAPI implements ChatAPI, MessageAPI and ParticipantAPI in memory.
type fakeAPI struct {
	mu sync.Mutex

	chats        []api.ChatDTO
	listErr      error
	pages        map[int]*api.MessagesPage // keyed by offset
	offsets      []int
	check        *api.CheckResult
	checkErr     error
	created      *api.CreatedChat
	joined       *api.JoinedChat
	left         []string
	marked       []string
	renamed      string
	nickname     string
	nickCalls    int
	participants []api.ParticipantDTO
	grantErr     error
	granted      []string
}

func (f *fakeAPI) ListChats(context.Context) ([]api.ChatDTO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ChatDTO(nil), f.chats...), f.listErr
}

func (f *fakeAPI) CheckChat(context.Context, string) (*api.CheckResult, error) {
	return f.check, f.checkErr
}

func (f *fakeAPI) CreateChat(context.Context, string) (*api.CreatedChat, error) {
	return f.created, nil
}

func (f *fakeAPI) JoinChat(context.Context, string) (*api.JoinedChat, error) {
	return f.joined, nil
}

func (f *fakeAPI) LeaveChat(_ context.Context, chatID string) error {
	f.left = append(f.left, chatID)
	return nil
}

func (f *fakeAPI) MarkRead(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, chatID)
	return nil
}

func (f *fakeAPI) ListMessages(_ context.Context, _ string, _, offset int) (*api.MessagesPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	page, ok := f.pages[offset]
	if !ok {
		return &api.MessagesPage{}, nil
	}
	return page, nil
}

func (f *fakeAPI) RenameChat(_ context.Context, _, encryptedName string) error {
	f.renamed = encryptedName
	return nil
}

func (f *fakeAPI) GetNickname(context.Context, string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nickCalls++
	return f.nickname, f.nickname != "", nil
}

func (f *fakeAPI) SetNickname(_ context.Context, _, nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nickname = nickname
	return nil
}

func (f *fakeAPI) ListParticipants(context.Context, string) ([]api.ParticipantDTO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ParticipantDTO(nil), f.participants...), nil
}

func (f *fakeAPI) GrantPermission(_ context.Context, _, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grantErr != nil {
		return f.grantErr
	}
	f.granted = append(f.granted, participantID)
	for i := range f.participants {
		if f.participants[i].UserID == participantID {
			f.participants[i].CanSeeMyMessages = true
		}
	}
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []live.OutgoingMessage
	err  error
}

func (s *fakeSender) Send(msg live.OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Sent() []live.OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.OutgoingMessage(nil), s.sent...)
}

type harness struct {
	coord  *Coordinator
	engine *shacrypt.Engine
	keys   *keys.Directory
	api    *fakeAPI
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	coord := NewCoordinator()
	go coord.Run(ctx)
	t.Cleanup(cancel)

	return &harness{
		coord:  coord,
		engine: shacrypt.NewEngine(),
		keys:   keys.NewDirectory(keys.NewMemoryStore(), zerolog.Nop()),
		api:    &fakeAPI{pages: map[int]*api.MessagesPage{}},
	}
}

func (h *harness) seal(t *testing.T, text, key string) string {
	t.Helper()
	env, err := h.engine.Encrypt(text, key)
	require.NoError(t, err)
	return env
}

func (h *harness) message(t *testing.T, id, text, key, userID string, ts float64) api.MessageDTO {
	t.Helper()
	return api.MessageDTO{
		ID:        id,
		UserID:    userID,
		Text:      h.seal(t, text, key),
		SHAHash:   shacrypt.Hash(text),
		Timestamp: ts,
	}
}
