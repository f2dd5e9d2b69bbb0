package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// queryer abstracts *sql.DB/*sql.Tx for helpers that run under either a bare
// connection or an open transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// generateID mirrors agnt-db's generate_id: prefix_<16-byte random hex>,
// originally produced via SQLite's own randomblob(16). Ported to Go's
// crypto/rand directly rather than round-tripping through a query, since
// database/sql has no equivalent of rusqlite's single-value query_row
// shortcut and the random bytes don't need to come from sqlite itself.
func generateID(prefix string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(buf)), nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
