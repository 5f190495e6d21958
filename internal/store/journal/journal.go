// Package journal is an append-only log of engine events and warnings,
// kept in its own SQLite file so operator queries never contend with the
// main state database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	_ "modernc.org/sqlite"
)

type Kind string

const (
	KindOrderEvent     Kind = "order_event"
	KindDrift          Kind = "drift"
	KindUnprotected    Kind = "unprotected_position"
	KindConsistency    Kind = "consistency_violation"
	KindRejection      Kind = "order_rejected"
	KindCheckpointFail Kind = "checkpoint_write_failure"
	KindLifecycle      Kind = "lifecycle"
)

type Entry struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Symbol    string          `json:"symbol,omitempty"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Query struct {
	Kind   Kind
	Symbol string
	Since  time.Time
	Limit  int
}

type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS engine_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_uuid TEXT NOT NULL,
			kind TEXT NOT NULL,
			symbol TEXT,
			message TEXT,
			payload TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_engine_events_kind ON engine_events(kind);`,
		`CREATE INDEX IF NOT EXISTS idx_engine_events_created ON engine_events(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append records one entry. A nil payload is stored as an empty object so
// downstream gjson filters always have something to match against.
func (j *Journal) Append(ctx context.Context, kind Kind, symbol, message string, payload any) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return fmt.Errorf("journal: closed")
	}
	raw := []byte("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("journal: encode payload: %w", err)
		}
		raw = b
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO engine_events (event_uuid, kind, symbol, message, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), string(kind), strings.ToUpper(strings.TrimSpace(symbol)),
		message, string(raw), time.Now().UnixMilli())
	return err
}

// List returns entries newest first. The symbol filter matches either the
// symbol column or a "symbol" field inside the JSON payload.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	if j == nil {
		return nil, fmt.Errorf("journal: closed")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, fmt.Errorf("journal: closed")
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT event_uuid, kind, symbol, message, payload, created_at FROM engine_events`
	var conds []string
	var args []any
	if q.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(q.Kind))
	}
	symbol := strings.ToUpper(strings.TrimSpace(q.Symbol))
	if symbol != "" {
		// Matched in SQL so the LIMIT counts only matching rows; a filter
		// applied after the query could silently shortchange the page.
		conds = append(conds, "(symbol = ? OR UPPER(IFNULL(json_extract(payload, '$.symbol'), '')) = ?)")
		args = append(args, symbol, symbol)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind, payload string
		var createdAt int64
		if err := rows.Scan(&e.ID, &kind, &e.Symbol, &e.Message, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.UnixMilli(createdAt)
		if symbol != "" && !matchesSymbol(e, symbol) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// matchesSymbol re-checks the SQL predicate on the scanned row. json_extract
// tolerates payloads the gjson parser would not, so the row set is verified
// once more before it goes out.
func matchesSymbol(e Entry, symbol string) bool {
	if strings.EqualFold(e.Symbol, symbol) {
		return true
	}
	got := gjson.GetBytes(e.Payload, "symbol")
	return got.Exists() && strings.EqualFold(got.String(), symbol)
}
