package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"shainy/internal/keys"
)

const DefaultServerURL = "http://localhost:3000/api"

var (
	ErrBadServerURL = errors.New("invalid server url")
	ErrBadDriver    = errors.New("unknown keystore driver")
	ErrBadSealKey   = errors.New("seal key must be 64 hex characters")
)

type Config struct {
	ServerURL string `toml:"server_url"`
	// LiveURL overrides the WebSocket address derived from ServerURL.
	LiveURL   string   `toml:"live_url"`
	Token     string   `toml:"token"`
	LogLevel  string   `toml:"log_level"`
	LogPretty bool     `toml:"log_pretty"`
	Keystore  Keystore `toml:"keystore"`
	Sync      Sync     `toml:"sync"`
}

type Keystore struct {
	Driver    string `toml:"driver"` // memory, sqlite3, pgx, redis; empty means memory unless persisted
	DSN       string `toml:"dsn"`
	RedisAddr string `toml:"redis_addr"`
	RedisHash string `toml:"redis_hash"`
	SealKey   string `toml:"seal_key"` // hex, optional
}

type Sync struct {
	PageSize    int           `toml:"page_size"`
	ResortDelay time.Duration `toml:"resort_delay"`
}

func Default() Config {
	return Config{
		ServerURL: DefaultServerURL,
		LogLevel:  "info",
		Sync: Sync{
			PageSize:    50,
			ResortDelay: 100 * time.Millisecond,
		},
	}
}

// Load layers defaults, the TOML file at path (skipped when empty) and the
// SHAINY_* environment, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("read config %s: unknown keys %v", path, undecoded)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SHAINY_SERVER_URL":      &c.ServerURL,
		"SHAINY_LIVE_URL":        &c.LiveURL,
		"SHAINY_TOKEN":           &c.Token,
		"SHAINY_LOG_LEVEL":       &c.LogLevel,
		"SHAINY_KEYSTORE_DRIVER": &c.Keystore.Driver,
		"SHAINY_KEYSTORE_DSN":    &c.Keystore.DSN,
		"SHAINY_REDIS_ADDR":      &c.Keystore.RedisAddr,
		"SHAINY_SEAL_KEY":        &c.Keystore.SealKey,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("SHAINY_PAGE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SHAINY_PAGE_SIZE: %w", err)
		}
		c.Sync.PageSize = n
	}
	return nil
}

func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrBadServerURL, c.ServerURL)
	}
	switch c.Keystore.Driver {
	case "", keys.DriverMemory, keys.DriverSQLite, keys.DriverPostgres, keys.DriverRedis:
	default:
		return fmt.Errorf("%w: %q", ErrBadDriver, c.Keystore.Driver)
	}
	if _, err := c.sealKey(); err != nil {
		return err
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.Sync.PageSize)
	}
	return nil
}

// DefaultDataDir is the shainy directory under the user's config directory.
func DefaultDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "shainy"), nil
}

// PersistKeystore points an unset keystore at keys.db in dir, creating dir
// if needed. An explicitly configured driver, memory included, is kept.
func (c *Config) PersistKeystore(dir string) error {
	if c.Keystore.Driver != "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	c.Keystore.Driver = keys.DriverSQLite
	c.Keystore.DSN = filepath.Join(dir, "keys.db")
	return nil
}

func (c Config) sealKey() ([]byte, error) {
	if c.Keystore.SealKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Keystore.SealKey)
	if err != nil || len(key) != 32 {
		return nil, ErrBadSealKey
	}
	return key, nil
}

// LiveEndpoint is LiveURL, or ServerURL with a trailing /api removed, the
// scheme switched to ws/wss and /ws appended.
func (c Config) LiveEndpoint() string {
	if c.LiveURL != "" {
		return c.LiveURL
	}
	base := strings.TrimRight(c.ServerURL, "/")
	base = strings.TrimSuffix(base, "/api")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func (c Config) StoreConfig() (keys.StoreConfig, error) {
	seal, err := c.sealKey()
	if err != nil {
		return keys.StoreConfig{}, err
	}
	return keys.StoreConfig{
		Driver:    c.Keystore.Driver,
		DSN:       c.Keystore.DSN,
		RedisAddr: c.Keystore.RedisAddr,
		RedisHash: c.Keystore.RedisHash,
		SealKey:   seal,
	}, nil
}
