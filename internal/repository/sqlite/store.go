// Package sqlite stores research runs in a local SQLite file for the CLI.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"deep-research-agent/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	research_brief TEXT NOT NULL DEFAULT '',
	final_report TEXT NOT NULL DEFAULT '',
	turns INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd TEXT NOT NULL DEFAULT '0',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_messages_run ON run_messages(run_id, id);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("open sqlite: path is empty")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// GetRun returns the run metadata; the bool is false when it does not exist.
func (s *Store) GetRun(ctx context.Context, researchID string) (domain.RunMeta, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, research_brief, final_report, turns, input_tokens, output_tokens, cost_usd, updated_at
		FROM runs WHERE id = ?`,
		researchID,
	)
	meta, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunMeta{}, false, nil
	}
	if err != nil {
		return domain.RunMeta{}, false, fmt.Errorf("get run: %w", err)
	}
	return meta, true, nil
}

// GetHistory returns the most recent limit messages in chronological order.
// A limit of zero or less returns every message.
func (s *Store) GetHistory(ctx context.Context, researchID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT role, content FROM (
			SELECT id, role, content FROM run_messages WHERE run_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		researchID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ChatMessage, 0)
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

// SaveRun upserts the run and appends its new messages in one transaction.
func (s *Store) SaveRun(ctx context.Context, rec domain.RunRecord) error {
	if strings.TrimSpace(rec.ResearchID) == "" {
		return errors.New("save run: research id is required")
	}
	now := s.now().UTC().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save run: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cost := rec.CostUSD
	if cost == "" {
		cost = "0"
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO runs(id, status, research_brief, final_report, turns, input_tokens, output_tokens, cost_usd, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			research_brief = excluded.research_brief,
			final_report = excluded.final_report,
			turns = excluded.turns,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost_usd = excluded.cost_usd,
			updated_at = excluded.updated_at`,
		rec.ResearchID, string(rec.Status), rec.ResearchBrief, rec.FinalReport, rec.Turns,
		rec.InputTokens, rec.OutputTokens, cost, now, now,
	); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	for _, m := range rec.Messages {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO run_messages(run_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
			rec.ResearchID, m.Role, m.Content, now,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recently updated runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.RunMeta, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, status, research_brief, final_report, turns, input_tokens, output_tokens, cost_usd, updated_at
		FROM runs ORDER BY updated_at DESC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RunMeta, 0)
	for rows.Next() {
		meta, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.RunMeta, error) {
	var meta domain.RunMeta
	var status string
	var updated int64
	if err := row.Scan(
		&meta.ResearchID, &status, &meta.ResearchBrief, &meta.FinalReport, &meta.Turns,
		&meta.InputTokens, &meta.OutputTokens, &meta.CostUSD, &updated,
	); err != nil {
		return domain.RunMeta{}, err
	}
	meta.Status = domain.RunStatus(status)
	meta.LastActivity = time.Unix(updated, 0).UTC().Format(time.RFC3339)
	return meta, nil
}
