package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"shainy/internal/api"
	"shainy/internal/auth"
	"shainy/internal/live"
	"shainy/internal/logging"
	"shainy/internal/shacrypt"
)

var (
	serverURL  = flag.String("server", "http://localhost:3000/api", "REST base url")
	liveURL    = flag.String("live", "ws://localhost:3000/ws", "websocket url")
	adminCode  = flag.String("admin", os.Getenv("LOADTEST_ADMIN_PHRASE"), "seeded code phrase used to invite load test users")
	pairCount  = flag.Int("pairs", 50, "number of user pairs") // Start small, the in-memory server keeps every message.
	msgCount   = flag.Int("messages", 20, "messages per user")
	sendPacing = flag.Duration("pace", 10*time.Millisecond, "pause between sends")
)

var (
	sent     atomic.Int64
	received atomic.Int64
	failures atomic.Int64
)

func main() {
	flag.Parse()
	log := logging.New("info", true)
	if *adminCode == "" {
		log.Fatal().Msg("set -admin or LOADTEST_ADMIN_PHRASE to a code phrase seeded on the server")
	}

	ctx := context.Background()
	anon := api.NewClient(*serverURL, auth.StaticToken(""))
	admin, err := anon.Login(ctx, *adminCode)
	if err != nil {
		log.Fatal().Err(err).Msg("admin login")
	}
	inviter := api.NewClient(*serverURL, auth.StaticToken(admin.AccessToken))

	log.Info().Int("users", *pairCount*2).Int("messages_each", *msgCount).Msg("starting stress test")
	start := time.Now()
	var wg sync.WaitGroup

	// Pairs: user 0a talks to user 0b, 1a to 1b...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(ctx, log, inviter, pairID); err != nil {
				failures.Add(1)
				log.Error().Err(err).Int("pair", pairID).Msg("pair failed")
			}
		}(i)
	}

	wg.Wait()
	log.Info().
		Int64("sent", sent.Load()).
		Int64("received", received.Load()).
		Int64("failed_pairs", failures.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
}

type user struct {
	name   string
	id     string
	client *api.Client
	token  auth.StaticToken
}

func runPair(ctx context.Context, log zerolog.Logger, inviter *api.Client, pairID int) error {
	// 1. Invite and log in both users
	a, err := enroll(ctx, inviter, fmt.Sprintf("loadtest pair %d side a", pairID))
	if err != nil {
		return err
	}
	b, err := enroll(ctx, inviter, fmt.Sprintf("loadtest pair %d side b", pairID))
	if err != nil {
		return err
	}

	// 2. A creates the chat, B joins, both share their messages with the other
	passphrase := fmt.Sprintf("loadtest passphrase %d %d", pairID, time.Now().UnixNano())
	created, err := a.client.CreateChat(ctx, shacrypt.Hash(passphrase))
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	if _, err := b.client.JoinChat(ctx, created.ChatID); err != nil {
		return fmt.Errorf("join chat: %w", err)
	}
	for _, u := range []user{a, b} {
		if err := u.client.SetNickname(ctx, created.ChatID, u.name); err != nil {
			return fmt.Errorf("set nickname: %w", err)
		}
	}
	if err := a.client.GrantPermission(ctx, created.ChatID, b.id); err != nil {
		return err
	}
	if err := b.client.GrantPermission(ctx, created.ChatID, a.id); err != nil {
		return err
	}

	// 3. Start WebSocket spam (both sides)
	var wsWg sync.WaitGroup
	errs := make(chan error, 2)
	for _, u := range []user{a, b} {
		wsWg.Add(1)
		go func(u user) {
			defer wsWg.Done()
			if err := spamChat(ctx, log, u, created.ChatID, passphrase); err != nil {
				errs <- err
			}
		}(u)
	}
	wsWg.Wait()
	close(errs)
	return <-errs
}

func enroll(ctx context.Context, inviter *api.Client, phrase string) (user, error) {
	// Already registered on a previous run is fine.
	if _, err := inviter.GenerateCode(ctx, phrase); err != nil {
		var se *api.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusConflict {
			return user{}, fmt.Errorf("invite: %w", err)
		}
	}
	res, err := api.NewClient(*serverURL, auth.StaticToken("")).Login(ctx, phrase)
	if err != nil {
		return user{}, fmt.Errorf("login: %w", err)
	}
	token := auth.StaticToken(res.AccessToken)
	return user{name: phrase[len(phrase)-6:], id: res.UserID, client: api.NewClient(*serverURL, token), token: token}, nil
}

func spamChat(ctx context.Context, log zerolog.Logger, u user, chatID, passphrase string) error {
	engine := shacrypt.NewEngine()
	authed := make(chan struct{})
	var once sync.Once

	conn := live.NewConn(*liveURL, u.token, func(ev live.Event) {
		switch ev := ev.(type) {
		case live.AuthSuccess:
			once.Do(func() { close(authed) })
		case live.NewMessage:
			if ev.ChatID == chatID {
				received.Add(1)
			}
		}
	})
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("ws connect: %w", err)
	}
	defer conn.Close()

	select {
	case <-authed:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("%s: no auth_success", u.name)
	}

	// Spam loop
	for i := 0; i < *msgCount; i++ {
		text := fmt.Sprintf("LoadTest Msg %d from %s", i, u.name)
		envelope, err := engine.Encrypt(text, passphrase)
		if err != nil {
			return err
		}
		if err := conn.Send(live.OutgoingMessage{ChatID: chatID, EncryptedText: envelope, SHAHash: shacrypt.Hash(text)}); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		sent.Add(1)
		// Small sleep to simulate a real network.
		time.Sleep(*sendPacing)
	}
	// Let the last echoes arrive before hanging up.
	time.Sleep(500 * time.Millisecond)
	log.Info().Str("user", u.name).Int("messages", *msgCount).Msg("finished sending")
	return nil
}
