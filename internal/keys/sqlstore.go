package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver "pgx"
	_ "github.com/mattn/go-sqlite3"    // SQLite driver "sqlite3"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// SQLStore keeps chat keys in a single table. It serves both Postgres (pgx)
// and SQLite.
type SQLStore struct {
	db         *sql.DB
	driverName string
}

func OpenSQLStore(ctx context.Context, driverName, dsn string) (*SQLStore, error) {
	if driverName != DriverPostgres && driverName != DriverSQLite {
		return nil, fmt.Errorf("unsupported key store driver %q", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	if driverName == DriverSQLite {
		// :memory: databases are per connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS chat_keys (
		chat_id VARCHAR(128) PRIMARY KEY,
		passphrase TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// rebind turns ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driverName != DriverPostgres {
		return query
	}
	n := strings.Count(query, "?")
	for i := 1; i <= n; i++ {
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
	}
	return query
}

func (s *SQLStore) Get(ctx context.Context, chatID string) (string, error) {
	var key string
	query := s.rebind("SELECT passphrase FROM chat_keys WHERE chat_id = ?")
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *SQLStore) Set(ctx context.Context, chatID, key string) error {
	query := s.rebind(`INSERT INTO chat_keys (chat_id, passphrase, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (chat_id) DO UPDATE SET passphrase = excluded.passphrase, updated_at = CURRENT_TIMESTAMP`)
	_, err := s.db.ExecContext(ctx, query, chatID, key)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, chatID string) error {
	query := s.rebind("DELETE FROM chat_keys WHERE chat_id = ?")
	_, err := s.db.ExecContext(ctx, query, chatID)
	return err
}

func (s *SQLStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM chat_keys")
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
