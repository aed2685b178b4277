package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shainy/internal/config"
	"shainy/internal/keys"
	"shainy/internal/shacrypt"
	"shainy/internal/testserver"
)

func runCmd(t *testing.T, cfg config.Config, opts options, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), &out, cfg, zerolog.Nop(), opts, args)
	return out.String(), err
}

func TestOfflineCommands(t *testing.T) {
	cfg := config.Default()
	opts := options{timeout: time.Second}

	out, err := runCmd(t, cfg, opts, "hash", "hello")
	require.NoError(t, err)
	assert.Equal(t, shacrypt.Hash("hello")+"\n", out)

	envelope, err := runCmd(t, cfg, opts, "encrypt", "phrase", "secret", "text")
	require.NoError(t, err)
	envelope = strings.TrimSpace(envelope)
	assert.True(t, shacrypt.IsEnvelope(envelope))

	out, err = runCmd(t, cfg, opts, "decrypt", "phrase", envelope)
	require.NoError(t, err)
	assert.Equal(t, "secret text\n", out)

	_, err = runCmd(t, cfg, opts, "decrypt", "wrong", envelope)
	assert.ErrorIs(t, err, shacrypt.ErrAuthenticationFailed)

	_, err = runCmd(t, cfg, opts, "encrypt", "only-key")
	assert.ErrorIs(t, err, errUsage)
}

func TestSessionCommandsNeedToken(t *testing.T) {
	_, err := runCmd(t, config.Default(), options{timeout: time.Second}, "chats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHAINY_TOKEN")
}

func TestOnlineCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := testserver.New(testserver.Config{JWTSecret: "cli-test"})
	go ts.Run(ctx)
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	_, _, err := ts.Register("cli user phrase")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.ServerURL = srv.URL + "/api"
	opts := options{timeout: 5 * time.Second, nickname: "cli"}

	out, err := runCmd(t, cfg, opts, "login", "cli user phrase")
	require.NoError(t, err)
	require.Contains(t, out, "export SHAINY_TOKEN=")
	cfg.Token = strings.TrimSpace(out[strings.Index(out, "=")+1:])

	// Keys must outlive a single command, as with the default data dir.
	require.NoError(t, cfg.PersistKeystore(t.TempDir()))
	require.Equal(t, keys.DriverSQLite, cfg.Keystore.Driver)

	out, err = runCmd(t, cfg, opts, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "token valid: true")

	out, err = runCmd(t, cfg, opts, "create", "cli passphrase")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "created "))
	chatID := strings.Fields(out)[1]

	out, err = runCmd(t, cfg, opts, "check", "cli passphrase")
	require.NoError(t, err)
	assert.Contains(t, out, "exists: "+chatID)

	out, err = runCmd(t, cfg, opts, "send", chatID, "hi", "there")
	require.NoError(t, err)
	assert.Equal(t, "sent\n", out)

	opts.showEncrypted = true
	out, err = runCmd(t, cfg, opts, "messages", chatID)
	require.NoError(t, err)
	assert.Contains(t, out, "me")
	assert.Contains(t, out, "hi there")
	assert.Contains(t, out, "sha="+shacrypt.Hash("hi there"))

	out, err = runCmd(t, cfg, opts, "chats")
	require.NoError(t, err)
	assert.Contains(t, out, keys.GlobalChatID)
	assert.Contains(t, out, chatID)

	_, err = runCmd(t, cfg, opts, "bogus")
	assert.Error(t, err)
}
