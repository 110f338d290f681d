package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/internal/agent"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite records runs in a local database file.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Journal = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
// The path ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db, log: logger.Named("journal")}, nil
}

// Record writes the run, its messages and its actions in one transaction.
func (j *SQLite) Record(ctx context.Context, s *agent.TaskState) (err error) {
	summary, objective, err := summarize(s, time.Now())
	if err != nil {
		return err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				j.log.Error("Failed to rollback transaction", zap.Error(rbErr))
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, toSQLite(sqlInsertRun),
		summary.ID, summary.Provider, string(summary.Outcome), summary.FinalResult,
		summary.FailureReason, string(summary.FailureCode), summary.Steps,
		summary.StartedAt, summary.FinishedAt, objectiveArg(objective),
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", summary.ID, err)
	}
	for _, stmt := range []string{sqlDeleteMessages, sqlDeleteActions} {
		if _, err = tx.ExecContext(ctx, toSQLite(stmt), summary.ID); err != nil {
			return fmt.Errorf("failed to clear previous rows: %w", err)
		}
	}

	if err = insertEach(ctx, tx, toSQLite(`INSERT INTO run_messages (run_id, seq, id, role, content, created_at) VALUES ($1, $2, $3, $4, $5, $6);`),
		len(s.Conversation), func(i int) []any {
			m := s.Conversation[i]
			return []any{summary.ID, i, m.ID, string(m.Role), m.Content, m.Timestamp.UTC()}
		}); err != nil {
		return fmt.Errorf("failed to insert messages: %w", err)
	}
	if err = insertEach(ctx, tx, toSQLite(sqlInsertAction), len(s.ActionLog), func(i int) []any {
		a := s.ActionLog[i]
		return []any{summary.ID, i, string(a.Kind), a.Target, a.Value, a.Label}
	}); err != nil {
		return fmt.Errorf("failed to insert actions: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	j.log.Debug("Recorded run.", zap.String("run_id", summary.ID), zap.String("outcome", string(summary.Outcome)))
	return nil
}

func insertEach(ctx context.Context, tx *sql.Tx, query string, n int, args func(int) []any) error {
	if n == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

// List returns the most recent runs first.
func (j *SQLite) List(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := j.db.QueryContext(ctx, toSQLite(sqlListRuns), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// Show returns one run with its conversation and actions.
func (j *SQLite) Show(ctx context.Context, runID string) (*RunDetail, error) {
	summary, err := scanRun(j.db.QueryRowContext(ctx, toSQLite(sqlGetRun), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{RunSummary: summary}
	if detail.Messages, err = j.messages(ctx, runID); err != nil {
		return nil, err
	}
	if detail.Actions, err = j.actions(ctx, runID); err != nil {
		return nil, err
	}
	return detail, nil
}

// messages and actions each close their rows before returning; an in-memory
// database has a single connection.
func (j *SQLite) messages(ctx context.Context, runID string) ([]agent.Message, error) {
	rows, err := j.db.QueryContext(ctx, toSQLite(sqlGetMessages), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []agent.Message
	for rows.Next() {
		var m agent.Message
		var role string
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = agent.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (j *SQLite) actions(ctx context.Context, runID string) ([]agent.Instruction, error) {
	rows, err := j.db.QueryContext(ctx, toSQLite(sqlGetActions), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []agent.Instruction
	for rows.Next() {
		var a agent.Instruction
		var kind string
		if err := rows.Scan(&kind, &a.Target, &a.Value, &a.Label); err != nil {
			return nil, fmt.Errorf("failed to scan action row: %w", err)
		}
		a.Kind = agent.InstructionKind(kind)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Close closes the database.
func (j *SQLite) Close() error {
	return j.db.Close()
}

// toSQLite rewrites numbered placeholders ($1, $2, ...) to SQLite's positional form.
// Arguments are always passed in order, so ?NNN keeps the numbering.
func toSQLite(query string) string {
	return strings.ReplaceAll(query, "$", "?")
}
