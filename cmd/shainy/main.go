package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"shainy/internal/api"
	"shainy/internal/auth"
	"shainy/internal/chat"
	"shainy/internal/config"
	"shainy/internal/live"
	"shainy/internal/logging"
	"shainy/internal/session"
	"shainy/internal/shacrypt"
)

const usageText = `usage: shainy [flags] <command> [args]

offline:
  hash <text>                     SHA-256 of text
  encrypt <passphrase> <text>     encrypt text into an envelope
  decrypt <passphrase> <envelope> decrypt an envelope

account:
  login <codePhrase>              exchange a code phrase for an access token
  verify                          check that the configured token is accepted
  invite <codePhrase>             register a code phrase for someone else
  logout                          wipe every stored chat key

chats:
  chats                           list chats
  check <passphrase>              look up a chat by passphrase
  create <passphrase>             create a chat
  join <chatID> <passphrase>      join a chat
  leave <chatID>                  leave a chat
  rename <chatID> <name>          set an encrypted chat name
  messages <chatID> [pages]       print history, newest page first
  send <chatID> <text>            send a message
  participants <chatID>           list participants and sharing state
  grant <chatID> <userID>         let a participant read your messages
  watch                           print live activity until interrupted

flags:
`

type options struct {
	showEncrypted bool
	nickname      string
	timeout       time.Duration
}

func main() {
	// 1. Config & Flags
	configPath := flag.String("config", "", "path to a TOML config file")
	showEncrypted := flag.Bool("show-encrypted", false, "print ciphertext and hash next to each message")
	nickname := flag.String("nick", "", "nickname to register when a chat asks for one")
	timeout := flag.Duration("timeout", 10*time.Second, "how long one-shot commands wait for the server")
	dataDir := flag.String("data-dir", "", "directory for keys.db when no keystore driver is configured (default <user config dir>/shainy)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "shainy:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	dir := *dataDir
	if dir == "" {
		dir, err = config.DefaultDataDir()
	}
	if err == nil {
		err = cfg.PersistKeystore(dir)
	}
	if err != nil {
		log.Warn().Err(err).Msg("no persistent keystore, chat keys last for this run only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{showEncrypted: *showEncrypted, nickname: *nickname, timeout: *timeout}
	if err := run(ctx, os.Stdout, cfg, log, opts, args); err != nil {
		fmt.Fprintln(os.Stderr, "shainy:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("wrong number of arguments")

func need(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("%w: want %d, got %d", errUsage, n, len(args))
	}
	return nil
}

func run(ctx context.Context, out io.Writer, cfg config.Config, log zerolog.Logger, opts options, args []string) error {
	cmd, args := args[0], args[1:]
	engine := shacrypt.NewEngine()

	switch cmd {
	case "hash":
		if err := need(args, 1); err != nil {
			return err
		}
		fmt.Fprintln(out, shacrypt.Hash(strings.Join(args, " ")))
		return nil
	case "encrypt":
		if err := need(args, 2); err != nil {
			return err
		}
		envelope, err := engine.Encrypt(strings.Join(args[1:], " "), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, envelope)
		return nil
	case "decrypt":
		if err := need(args, 2); err != nil {
			return err
		}
		text, err := engine.Decrypt(args[1], args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
		return nil
	case "login":
		if err := need(args, 1); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		res, err := api.NewClient(cfg.ServerURL, auth.StaticToken(""), api.WithLogger(log)).Login(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "user %s\nexport SHAINY_TOKEN=%s\n", res.UserID, res.AccessToken)
		return nil
	}

	if cfg.Token == "" {
		return fmt.Errorf("%s needs an access token; run `shainy login` and set SHAINY_TOKEN", cmd)
	}
	return runSession(ctx, out, cfg, log, opts, cmd, args)
}

func runSession(ctx context.Context, out io.Writer, cfg config.Config, log zerolog.Logger, opts options, cmd string, args []string) error {
	creds := auth.StaticToken(cfg.Token)

	if cmd == "watch" {
		return watch(ctx, out, cfg, creds, log, opts)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	s, err := session.New(ctx, cfg, creds, log)
	if err != nil {
		return err
	}
	defer s.Close()

	switch cmd {
	case "verify":
		ok, err := s.API().VerifyToken(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "token valid: %t (user %s)\n", ok, s.UserID())
		return nil
	case "invite":
		if err := need(args, 1); err != nil {
			return err
		}
		phrase, err := s.API().GenerateCode(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "registered code phrase:", phrase)
		return nil
	case "logout":
		return s.Logout(ctx)
	}

	if err := s.Start(ctx); err != nil {
		return err
	}

	switch cmd {
	case "chats":
		printChats(out, s.List().Chats())
		return nil
	case "check":
		if err := need(args, 1); err != nil {
			return err
		}
		return printPresence(out, s.List().Check(ctx, args[0]))
	case "create":
		if err := need(args, 1); err != nil {
			return err
		}
		c, err := s.List().Create(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s (%s)\n", c.ID, c.Name)
		return nil
	case "join":
		if err := need(args, 2); err != nil {
			return err
		}
		c, err := s.List().Join(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "joined %s (%s), %d participants\n", c.ID, c.Name, c.ParticipantsCount)
		return nil
	case "leave":
		if err := need(args, 1); err != nil {
			return err
		}
		return s.List().Leave(ctx, args[0])
	case "rename":
		if err := need(args, 2); err != nil {
			return err
		}
		st, err := s.OpenChat(ctx, args[0])
		if err != nil {
			return err
		}
		if err := st.Rename(ctx, strings.Join(args[1:], " ")); err != nil {
			return err
		}
		return s.List().SetName(args[0], st.State().Name)
	case "messages":
		if err := need(args, 1); err != nil {
			return err
		}
		return printHistory(ctx, out, s, log, args, opts)
	case "send":
		if err := need(args, 2); err != nil {
			return err
		}
		return send(ctx, out, s, args[0], strings.Join(args[1:], " "), opts)
	case "participants":
		if err := need(args, 1); err != nil {
			return err
		}
		p, err := s.Participants(ctx, args[0])
		if err != nil {
			return err
		}
		printParticipants(out, p)
		return nil
	case "grant":
		if err := need(args, 2); err != nil {
			return err
		}
		p, err := s.Participants(ctx, args[0])
		if err != nil {
			return err
		}
		if err := p.Grant(ctx, args[1]); err != nil {
			return err
		}
		printParticipants(out, p)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

func printHistory(ctx context.Context, out io.Writer, s *session.Session, log zerolog.Logger, args []string, opts options) error {
	pages := 1
	if len(args) > 1 {
		if _, err := fmt.Sscanf(args[1], "%d", &pages); err != nil || pages < 1 {
			return fmt.Errorf("pages must be a positive number, got %q", args[1])
		}
	}
	st, err := s.OpenChat(ctx, args[0])
	if err != nil {
		return err
	}
	for i := 1; i < pages && st.State().HasMore; i++ {
		if err := st.LoadMore(ctx); err != nil {
			return err
		}
	}
	for _, m := range st.Messages() {
		printMessage(out, m, opts.showEncrypted)
	}
	if err := s.List().MarkRead(ctx, args[0]); err != nil {
		log.Debug().Err(err).Msg("mark read")
	}
	return nil
}

func send(ctx context.Context, out io.Writer, s *session.Session, chatID, text string, opts options) error {
	if err := waitAuthenticated(ctx, s.Live()); err != nil {
		return err
	}
	st, err := s.OpenChat(ctx, chatID)
	if err != nil {
		return err
	}

	delivered := make(chan struct{}, 1)
	cancel := st.Subscribe(func(state chat.StreamState) {
		for _, m := range state.Messages {
			if m.IsFromCurrentUser && m.Text == text {
				select {
				case delivered <- struct{}{}:
				default:
				}
				return
			}
		}
	})
	defer cancel()

	res, err := st.Send(ctx, text)
	if err != nil {
		return err
	}
	if res == chat.SendPendingNickname {
		if opts.nickname == "" {
			st.CancelPending()
			return errors.New("this chat needs a nickname first; pass -nick")
		}
		if err := st.SetNickname(ctx, opts.nickname); err != nil {
			return err
		}
	}

	select {
	case <-delivered:
		fmt.Fprintln(out, "sent")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for delivery: %w", ctx.Err())
	}
}

func watch(ctx context.Context, out io.Writer, cfg config.Config, creds auth.CredentialProvider, log zerolog.Logger, opts options) error {
	lost := make(chan error, 1)
	var s *session.Session
	s, err := session.New(ctx, cfg, creds, log, session.WithEventListener(func(ev live.Event) {
		switch ev := ev.(type) {
		case live.NewMessage:
			c, _ := s.List().Get(ev.ChatID)
			line := fmt.Sprintf("[%s] %s: %s", c.Name, senderOf(ev.Message), c.LastMessage)
			if opts.showEncrypted {
				line += fmt.Sprintf("\n    encrypted=%s sha=%s", ev.Message.Text, ev.Message.SHAHash)
			}
			fmt.Fprintln(out, line)
		case live.PermissionGranted:
			fmt.Fprintf(out, "* %s shared their messages in %s\n", ev.AuthorID, ev.ChatID)
		case live.ParticipantsUpdated:
			fmt.Fprintf(out, "* %s now has %d participants\n", ev.ChatID, ev.Count)
		case live.AuthError:
			select {
			case lost <- fmt.Errorf("authentication rejected: %s", ev.Message):
			default:
			}
		case live.ConnectionLost:
			select {
			case lost <- fmt.Errorf("connection lost: %w", ev.Err):
			default:
			}
		}
	}))
	if err != nil {
		return err
	}
	defer s.Close()

	startCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := s.Start(startCtx); err != nil {
		return err
	}
	fmt.Fprintf(out, "watching %d chats, ctrl-c to stop\n", len(s.List().Chats()))

	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		return err
	}
}

func waitAuthenticated(ctx context.Context, conn *live.Conn) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch st := conn.State().(type) {
		case live.Authenticated:
			return nil
		case live.Disconnected:
			if st.Err != nil {
				return st.Err
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for live channel: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// -----------------------------------------------------------------------------
// Output
// -----------------------------------------------------------------------------

func senderOf(m api.MessageDTO) string {
	if m.SenderName != nil && *m.SenderName != "" {
		return *m.SenderName
	}
	return "system"
}

func printChats(out io.Writer, chats []chat.Chat) {
	for _, c := range chats {
		flags := ""
		if c.IsGlobal {
			flags += " global"
		}
		if !c.HasKey() {
			flags += " no-key"
		}
		fmt.Fprintf(out, "%s  %-24s unread=%-3d members=%-3d%s\n", c.ID, c.Name, c.UnreadCount, c.ParticipantsCount, flags)
		if c.LastMessage != "" {
			fmt.Fprintf(out, "    %s: %s\n", c.LastMessageSender, c.LastMessage)
		}
	}
}

func printMessage(out io.Writer, m chat.Message, showEncrypted bool) {
	who := m.SenderName
	switch {
	case m.IsFromCurrentUser:
		who = "me"
	case who == "":
		who = "system"
	}
	text := m.Text
	if !m.Decrypted {
		text = "<encrypted>"
	}
	fmt.Fprintf(out, "%s  %-12s %s", m.Timestamp.Format(time.DateTime), who, text)
	if m.ReplyTo != nil {
		fmt.Fprintf(out, "  (re %s: %s)", m.ReplyTo.SenderName, m.ReplyTo.Text)
	}
	if m.Integrity == chat.IntegrityMismatch {
		fmt.Fprint(out, "  [hash mismatch]")
	}
	fmt.Fprintln(out)
	if showEncrypted {
		fmt.Fprintf(out, "    encrypted=%s\n    sha=%s integrity=%s\n", m.EncryptedText, m.SHAHash, m.Integrity)
	}
}

func printParticipants(out io.Writer, p *chat.Participants) {
	pending := make(map[string]bool)
	for _, pt := range p.NeedsSharing() {
		pending[pt.UserID] = true
	}
	for _, pt := range p.List() {
		state := "can read"
		switch {
		case pt.IsCurrentUser:
			state = "you"
		case pending[pt.UserID]:
			state = "waiting for grant"
		case !pt.CanSeeMyMessages:
			state = "no nickname yet"
		}
		fmt.Fprintf(out, "%s  %-20s %s\n", pt.UserID, pt.DisplayName(), state)
	}
}

func printPresence(out io.Writer, probe *chat.Probe) error {
	switch p := probe.State().(type) {
	case chat.PresenceExists:
		fmt.Fprintf(out, "exists: %s (%s)\n", p.ChatID, p.Name)
	case chat.PresenceNotExists:
		fmt.Fprintln(out, "no chat uses this passphrase")
	case chat.PresenceError:
		return errors.New(p.Message)
	}
	return nil
}
