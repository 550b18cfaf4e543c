package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker implements DB-based deduplication. It is the
// second tier behind the core's in-memory LRU; the 500ms timeout bounds how
// long the single-writer loop can stall on a cold lookup.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if the event already exists in the Postgres event log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil // Not found - not a duplicate
	}

	if err != nil {
		return false, err // DB error
	}

	return true, nil // Found - is duplicate
}

// LoadRecentKeys returns the composite dedup keys of the newest events,
// ordered oldest first so warming the LRU preserves recency.
func (pic *PostgresIdempotencyChecker) LoadRecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM (
			SELECT sequence, event_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}

	return keys, rows.Err()
}
