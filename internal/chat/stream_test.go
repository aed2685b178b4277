package chat

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shainy/internal/api"
	"shainy/internal/live"
	"shainy/internal/shacrypt"
)

func messageIDs(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func (h *harness) stream(sender Sender, readOnly bool) *Stream {
	cfg := StreamConfig{ChatID: "c", Name: "Chat", ReadOnly: readOnly, CurrentUserID: "me", PageSize: 2}
	return NewStream(h.coord, h.api, h.engine, h.keys, sender, cfg, zerolog.Nop())
}

func TestLoadInitialAndMoreDeduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.keys.Set(ctx, "c", "k1"))

	m2 := h.message(t, "m2", "two", "k1", "peer", 2)
	m3 := h.message(t, "m3", "three", "k1", "me", 3)
	m4 := h.message(t, "m4", "four", "k1", "peer", 4)
	h.api.pages[0] = &api.MessagesPage{Messages: []api.MessageDTO{m3, m4}, Pagination: api.Pagination{HasMore: true}}
	h.api.pages[2] = &api.MessagesPage{Messages: []api.MessageDTO{m2, m3}, Pagination: api.Pagination{HasMore: false}}

	s := h.stream(&fakeSender{}, false)
	require.NoError(t, s.LoadInitial(ctx))
	assert.Equal(t, []string{"m3", "m4"}, messageIDs(s.Messages()))
	assert.True(t, s.State().HasMore)

	require.NoError(t, s.LoadMore(ctx))
	msgs := s.Messages()
	assert.Equal(t, []string{"m2", "m3", "m4"}, messageIDs(msgs))
	assert.Equal(t, "two", msgs[0].Text)
	assert.True(t, msgs[1].IsFromCurrentUser)
	assert.Equal(t, IntegrityVerified, msgs[2].Integrity)
	assert.False(t, s.State().HasMore)

	// No more pages: no request goes out.
	require.NoError(t, s.LoadMore(ctx))
	assert.Equal(t, []int{0, 2}, h.api.offsets)
}

func TestLoadDropsUndecryptableHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.keys.Set(ctx, "c", "k1"))

	good := h.message(t, "ok", "fine", "k1", "peer", 1)
	bad := h.message(t, "bad", "other key", "k2", "peer", 2)
	h.api.pages[0] = &api.MessagesPage{Messages: []api.MessageDTO{good, bad}}

	s := h.stream(&fakeSender{}, false)
	require.NoError(t, s.LoadInitial(ctx))
	assert.Equal(t, []string{"ok"}, messageIDs(s.Messages()))
}

func TestApplyLiveEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.keys.Set(ctx, "c", "k1"))
	s := h.stream(&fakeSender{}, false)

	m := h.message(t, "m1", "hello", "k1", "peer", 1)
	require.NoError(t, s.ApplyLiveEvent(ctx, m))
	require.NoError(t, s.ApplyLiveEvent(ctx, m))
	assert.Equal(t, []string{"m1"}, messageIDs(s.Messages()))

	tampered := h.message(t, "m2", "hello", "k1", "peer", 2)
	tampered.SHAHash = shacrypt.Hash("something else")
	require.NoError(t, s.ApplyLiveEvent(ctx, tampered))
	got := s.Messages()[1]
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, IntegrityMismatch, got.Integrity)

	foreign := h.message(t, "m3", "secret", "k2", "peer", 3)
	err := s.ApplyLiveEvent(ctx, foreign)
	assert.ErrorIs(t, err, shacrypt.ErrAuthenticationFailed)
	last := s.Messages()[2]
	assert.False(t, last.Decrypted)
	assert.Equal(t, foreign.Text, last.Text)
}

func TestLiveMessagesSurviveInitialLoad(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.keys.Set(ctx, "c", "k1"))
	s := h.stream(&fakeSender{}, false)

	require.NoError(t, s.ApplyLiveEvent(ctx, h.message(t, "live", "new", "k1", "peer", 10)))
	h.api.pages[0] = &api.MessagesPage{Messages: []api.MessageDTO{h.message(t, "old", "old", "k1", "peer", 5)}}

	require.NoError(t, s.LoadInitial(ctx))
	assert.Equal(t, []string{"old", "live"}, messageIDs(s.Messages()))
}

func TestRedecryptAfterKeyArrives(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.stream(&fakeSender{}, false)

	err := s.ApplyLiveEvent(ctx, h.message(t, "m1", "late", "k1", "peer", 1))
	assert.ErrorIs(t, err, ErrNoKey)
	assert.False(t, s.Messages()[0].Decrypted)

	assert.ErrorIs(t, s.Redecrypt(ctx), ErrNoKey)

	require.NoError(t, h.keys.Set(ctx, "c", "k1"))
	require.NoError(t, s.Redecrypt(ctx))
	m := s.Messages()[0]
	assert.True(t, m.Decrypted)
	assert.Equal(t, "late", m.Text)
}

func TestSendParksTextUntilNickname(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.keys.Set(ctx, "c", "k1"))
	sender := &fakeSender{}
	s := h.stream(sender, false)

	res, err := s.Send(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, SendPendingNickname, res)
	assert.True(t, s.State().NeedsNickname)
	assert.Empty(t, sender.Sent())

	_, err = s.Send(ctx, "second")
	assert.ErrorIs(t, err, ErrNicknamePending)
	assert.Equal(t, "first", s.State().Pending)

	require.NoError(t, s.SetNickname(ctx, "  Alice "))
	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "c", sent[0].ChatID)
	assert.Equal(t, shacrypt.Hash("first"), sent[0].SHAHash)
	plain, err := h.engine.Decrypt(sent[0].EncryptedText, "k1")
	require.NoError(t, err)
	assert.Equal(t, "first", plain)
	assert.False(t, s.State().NeedsNickname)
	assert.Equal(t, "Alice", h.api.nickname)

	res, err = s.Send(ctx, "third")
	require.NoError(t, err)
	assert.Equal(t, SendSent, res)
	assert.Len(t, sender.Sent(), 2)
}

func TestSendWithKnownNicknameAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.keys.Set(ctx, "c", "k1"))
	sender := &fakeSender{}
	s := h.stream(sender, false)

	res, err := s.Send(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, SendIgnored, res)

	res, err = s.Send(ctx, "parked")
	require.NoError(t, err)
	assert.Equal(t, SendPendingNickname, res)
	require.NoError(t, s.CancelPending())
	assert.Empty(t, s.State().Pending)

	h.api.nickname = "Bob"
	res, err = s.Send(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, SendSent, res)
	_, err = s.Send(ctx, "b")
	require.NoError(t, err)
	// Nickname is cached after the first lookup.
	assert.Equal(t, 2, h.api.nickCalls)
	assert.Len(t, sender.Sent(), 2)
}

func TestSendReadOnly(t *testing.T) {
	h := newHarness(t)
	s := h.stream(&fakeSender{}, true)
	_, err := s.Send(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestReplyRestoredWhenSendFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.keys.Set(ctx, "c", "k1"))
	h.api.nickname = "Bob"
	sender := &fakeSender{err: live.ErrNotAuthenticated}
	s := h.stream(sender, false)

	require.NoError(t, s.ApplyLiveEvent(ctx, h.message(t, "m1", "original", "k1", "peer", 1)))
	target := s.Messages()[0]
	require.NoError(t, s.SetReplyTo(&target))

	_, err := s.Send(ctx, "answer")
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "answer", sendErr.Text)
	assert.ErrorIs(t, err, live.ErrNotAuthenticated)
	require.NotNil(t, s.State().ReplyTo)
	assert.Equal(t, "m1", s.State().ReplyTo.ID)

	sender.err = nil
	_, err = s.Send(ctx, "answer")
	require.NoError(t, err)
	assert.Nil(t, s.State().ReplyTo)
	sent := sender.Sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].ReplyTo)
	assert.Equal(t, "m1", sent[0].ReplyTo.MessageID)
	assert.Equal(t, target.EncryptedText, sent[0].ReplyTo.Text)
}

func TestRename(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.stream(&fakeSender{}, false)

	assert.ErrorIs(t, s.Rename(ctx, "Club"), ErrNoKey)
	assert.ErrorIs(t, s.Rename(ctx, " "), ErrEmptyName)

	require.NoError(t, h.keys.Set(ctx, "c", "k1"))
	require.NoError(t, s.Rename(ctx, "Club"))
	assert.Equal(t, "Club", s.State().Name)
	plain, err := h.engine.Decrypt(h.api.renamed, "k1")
	require.NoError(t, err)
	assert.Equal(t, "Club", plain)
}
