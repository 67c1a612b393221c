package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// KeyBGHeartbeat holds the microsecond timestamp of the background
// process's most recent heartbeat. The foreground process reads it to
// decide whether background-owned locks are reclaimable.
const KeyBGHeartbeat = "LastBGTaskHeartBeatTime"

// PutInt64 upserts an integer value under key.
func (s *Store) PutInt64(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, strconv.FormatInt(value, 10))
	if err != nil {
		return fmt.Errorf("store: kv put %s: %w", key, err)
	}

	return nil
}

// GetInt64 returns the integer value under key, or (0, false, nil)
// when the key has never been written.
func (s *Store) GetInt64(ctx context.Context, key string) (int64, bool, error) {
	var raw string

	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("store: kv get %s: %w", key, err)
	}

	v, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		return 0, false, fmt.Errorf("store: kv %s holds non-integer %q: %w", key, raw, parseErr)
	}

	return v, true, nil
}
