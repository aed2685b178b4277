package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shainy/internal/api"
	"shainy/internal/auth"
	"shainy/internal/keys"
	"shainy/internal/shacrypt"
	"shainy/internal/testserver"
)

type fixture struct {
	ts  *testserver.Server
	url string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ts := testserver.New(testserver.Config{JWTSecret: "api-test"})
	go ts.Run(ctx)
	srv := httptest.NewServer(ts.Handler())
	t.Cleanup(srv.Close)
	return &fixture{ts: ts, url: srv.URL + "/api"}
}

func (f *fixture) client(t *testing.T, codePhrase string) (*api.Client, string) {
	t.Helper()
	token, userID, err := f.ts.Register(codePhrase)
	require.NoError(t, err)
	return api.NewClient(f.url, auth.StaticToken(token)), userID
}

func statusCode(t *testing.T, err error) int {
	t.Helper()
	var se *api.StatusError
	require.True(t, errors.As(err, &se), "want *StatusError, got %v", err)
	return se.Code
}

func participantsByID(t *testing.T, c *api.Client, chatID string) map[string]api.ParticipantDTO {
	t.Helper()
	list, err := c.ListParticipants(context.Background(), chatID)
	require.NoError(t, err)
	out := make(map[string]api.ParticipantDTO, len(list))
	for _, p := range list {
		out[p.UserID] = p
	}
	return out
}

func TestLoginAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, userID := f.client(t, "quiet river stone")

	anon := api.NewClient(f.url, auth.StaticToken(""))
	res, err := anon.Login(ctx, "quiet river stone")
	require.NoError(t, err)
	assert.Equal(t, userID, res.UserID)

	got, err := auth.UserIDFromToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	ok, err := api.NewClient(f.url, auth.StaticToken(res.AccessToken)).VerifyToken(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = api.NewClient(f.url, auth.StaticToken("not-a-jwt")).VerifyToken(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = anon.Login(ctx, "wrong phrase")
	assert.Equal(t, http.StatusUnauthorized, statusCode(t, err))
}

func TestGenerateCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.client(t, "first account")

	phrase, err := c.GenerateCode(ctx, "second account")
	require.NoError(t, err)
	assert.Equal(t, "second account", phrase)

	_, err = api.NewClient(f.url, auth.StaticToken("")).Login(ctx, "second account")
	require.NoError(t, err)

	_, err = c.GenerateCode(ctx, "second account")
	assert.Equal(t, http.StatusConflict, statusCode(t, err))
}

func TestChatLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, aliceID := f.client(t, "alice phrase")
	bob, bobID := f.client(t, "bob phrase")
	keyHash := shacrypt.Hash("shared passphrase")

	check, err := alice.CheckChat(ctx, keyHash)
	require.NoError(t, err)
	assert.False(t, check.Exists)

	created, err := alice.CreateChat(ctx, keyHash)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ChatID)
	assert.Equal(t, keyHash, created.KeyHash)

	_, err = alice.CreateChat(ctx, keyHash)
	assert.Equal(t, http.StatusConflict, statusCode(t, err))

	check, err = bob.CheckChat(ctx, keyHash)
	require.NoError(t, err)
	assert.True(t, check.Exists)
	assert.Equal(t, created.ChatID, check.ChatID)

	joined, err := bob.JoinChat(ctx, created.ChatID)
	require.NoError(t, err)
	assert.Equal(t, 2, joined.ParticipantsCount)

	chats, err := bob.ListChats(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ChatID)
	}
	assert.ElementsMatch(t, []string{keys.GlobalChatID, created.ChatID}, ids)

	_, ok, err := bob.GetNickname(ctx, created.ChatID)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, bob.SetNickname(ctx, created.ChatID, "bobby"))
	nick, ok, err := bob.GetNickname(ctx, created.ChatID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bobby", nick)

	parts := participantsByID(t, alice, created.ChatID)
	require.Len(t, parts, 2)
	assert.True(t, parts[aliceID].IsCurrentUser)
	assert.False(t, parts[bobID].IsCurrentUser)
	assert.False(t, parts[bobID].CanSeeMyMessages)
	require.NotNil(t, parts[bobID].Nickname)
	assert.Equal(t, "bobby", *parts[bobID].Nickname)

	require.NoError(t, alice.GrantPermission(ctx, created.ChatID, bobID))
	parts = participantsByID(t, alice, created.ChatID)
	assert.True(t, parts[bobID].CanSeeMyMessages)

	require.NoError(t, alice.RenameChat(ctx, created.ChatID, "aa:bb:cc"))
	chats, err = bob.ListChats(ctx)
	require.NoError(t, err)
	for _, c := range chats {
		if c.ChatID == created.ChatID {
			require.NotNil(t, c.EncryptedName)
			assert.Equal(t, "aa:bb:cc", *c.EncryptedName)
		}
	}

	require.NoError(t, bob.MarkRead(ctx, created.ChatID))
	require.NoError(t, bob.LeaveChat(ctx, created.ChatID))

	_, err = bob.ListMessages(ctx, created.ChatID, 10, 0)
	assert.Equal(t, http.StatusForbidden, statusCode(t, err))
	_, err = bob.JoinChat(ctx, "no-such-chat")
	assert.Equal(t, http.StatusNotFound, statusCode(t, err))
}

func TestListMessagesPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.client(t, "reader phrase")

	for _, text := range []string{"one", "two", "three"} {
		f.ts.Announce(ctx, "envelope-"+text, shacrypt.Hash(text))
	}

	page, err := c.ListMessages(ctx, keys.GlobalChatID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "envelope-two", page.Messages[0].Text)
	assert.Equal(t, "envelope-three", page.Messages[1].Text)
	assert.True(t, page.Pagination.HasMore)
	assert.Equal(t, 3, page.Pagination.TotalCount)

	page, err = c.ListMessages(ctx, keys.GlobalChatID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "envelope-one", page.Messages[0].Text)
	assert.False(t, page.Pagination.HasMore)
}

func TestMissingCredentialSkipsRequest(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	_, err := api.NewClient(srv.URL, auth.StaticToken("")).ListChats(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoCredential)
	assert.Zero(t, hits)
}

func TestTransportAndProtocolErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"chats": "not a list"`))
	}))
	_, err := api.NewClient(srv.URL, auth.StaticToken("t")).ListChats(context.Background())
	assert.ErrorIs(t, err, api.ErrProtocol)

	url := srv.URL
	srv.Close()
	_, err = api.NewClient(url, auth.StaticToken("t")).ListChats(context.Background())
	assert.ErrorIs(t, err, api.ErrTransport)
}

func TestStatusErrorCarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"error":"short and stout"}`))
	}))
	defer srv.Close()

	err := api.NewClient(srv.URL, auth.StaticToken("t")).MarkRead(context.Background(), "c1")
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTeapot, se.Code)
	assert.Equal(t, "short and stout", se.Message)
	assert.Contains(t, se.Error(), "418")
}
