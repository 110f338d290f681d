package journal

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/internal/agent"
)

//go:embed schema_postgres.sql
var postgresSchema string

// DBPool abstracts pgxpool.Pool so the journal can be tested against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	sqlInsertRun = `
        INSERT INTO runs (id, provider, outcome, final_result, failure_reason, failure_code, steps, started_at, finished_at, objective)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            outcome = EXCLUDED.outcome,
            final_result = EXCLUDED.final_result,
            failure_reason = EXCLUDED.failure_reason,
            failure_code = EXCLUDED.failure_code,
            steps = EXCLUDED.steps,
            finished_at = EXCLUDED.finished_at,
            objective = EXCLUDED.objective;
    `
	sqlDeleteMessages = `DELETE FROM run_messages WHERE run_id = $1;`
	sqlDeleteActions  = `DELETE FROM run_actions WHERE run_id = $1;`
	sqlInsertAction   = `
        INSERT INTO run_actions (run_id, seq, kind, target, value, label)
        VALUES ($1, $2, $3, $4, $5, $6);
    `
	sqlListRuns = `
        SELECT id, provider, outcome, final_result, failure_reason, failure_code, steps, started_at, finished_at, objective
        FROM runs
        ORDER BY started_at DESC
        LIMIT $1;
    `
	sqlGetRun = `
        SELECT id, provider, outcome, final_result, failure_reason, failure_code, steps, started_at, finished_at, objective
        FROM runs
        WHERE id = $1;
    `
	sqlGetMessages = `
        SELECT id, role, content, created_at
        FROM run_messages
        WHERE run_id = $1
        ORDER BY seq ASC;
    `
	sqlGetActions = `
        SELECT kind, target, value, label
        FROM run_actions
        WHERE run_id = $1
        ORDER BY seq ASC;
    `
)

var messageColumns = []string{"run_id", "seq", "id", "role", "content", "created_at"}

// Postgres records runs in PostgreSQL.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ Journal = (*Postgres)(nil)

// NewPostgres creates a journal on the pool and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("journal"),
	}, nil
}

// Migrate creates the journal tables when they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply journal schema: %w", err)
	}
	return nil
}

// Record writes the run, its messages and its actions in one transaction.
func (p *Postgres) Record(ctx context.Context, s *agent.TaskState) error {
	summary, objective, err := summarize(s, time.Now())
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			p.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertRun,
		summary.ID, summary.Provider, string(summary.Outcome), summary.FinalResult,
		summary.FailureReason, string(summary.FailureCode), summary.Steps,
		summary.StartedAt, summary.FinishedAt, objectiveArg(objective),
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", summary.ID, err)
	}
	// A run recorded twice replaces its children.
	if _, err := tx.Exec(ctx, sqlDeleteMessages, summary.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteActions, summary.ID); err != nil {
		return fmt.Errorf("failed to clear actions: %w", err)
	}

	if err := p.persistMessages(ctx, tx, summary.ID, s.Conversation); err != nil {
		return err
	}
	if err := p.persistActions(ctx, tx, summary.ID, s.ActionLog); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.log.Debug("Recorded run.", zap.String("run_id", summary.ID), zap.String("outcome", string(summary.Outcome)))
	return nil
}

func (p *Postgres) persistMessages(ctx context.Context, tx pgx.Tx, runID string, msgs []agent.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		rows[i] = []any{runID, i, m.ID, string(m.Role), m.Content, m.Timestamp.UTC()}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"run_messages"}, messageColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy messages: %w", err)
	}
	if int(n) != len(msgs) {
		return fmt.Errorf("mismatch in copied messages count: expected %d, got %d", len(msgs), n)
	}
	return nil
}

func (p *Postgres) persistActions(ctx context.Context, tx pgx.Tx, runID string, actions []agent.Instruction) error {
	if len(actions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, a := range actions {
		batch.Queue(sqlInsertAction, runID, i, string(a.Kind), a.Target, a.Value, a.Label)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := range actions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert action %d: %w", i, err)
		}
	}
	return nil
}

// List returns the most recent runs first.
func (p *Postgres) List(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := p.pool.Query(ctx, sqlListRuns, clampLimit(limit))
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
func (p *Postgres) Show(ctx context.Context, runID string) (*RunDetail, error) {
	rows, err := p.pool.Query(ctx, sqlGetRun, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	var detail *RunDetail
	if rows.Next() {
		summary, scanErr := scanRun(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		detail = &RunDetail{RunSummary: summary}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	if detail == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if detail.Messages, err = p.messages(ctx, runID); err != nil {
		return nil, err
	}
	if detail.Actions, err = p.actions(ctx, runID); err != nil {
		return nil, err
	}
	return detail, nil
}

func (p *Postgres) messages(ctx context.Context, runID string) ([]agent.Message, error) {
	rows, err := p.pool.Query(ctx, sqlGetMessages, runID)
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

func (p *Postgres) actions(ctx context.Context, runID string) ([]agent.Instruction, error) {
	rows, err := p.pool.Query(ctx, sqlGetActions, runID)
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

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunSummary, error) {
	var r RunSummary
	var outcome, code string
	var objective []byte
	if err := row.Scan(&r.ID, &r.Provider, &outcome, &r.FinalResult, &r.FailureReason, &code,
		&r.Steps, &r.StartedAt, &r.FinishedAt, &objective); err != nil {
		return RunSummary{}, fmt.Errorf("failed to scan run row: %w", err)
	}
	r.Outcome = agent.RunOutcome(outcome)
	r.FailureCode = agent.ErrorCode(code)
	obj, err := decodeObjective(objective)
	if err != nil {
		return RunSummary{}, err
	}
	r.Objective = obj
	return r, nil
}

// objectiveArg passes NULL for a run that never produced an objective.
func objectiveArg(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
