// Package journal records finished runs and reads them back.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/internal/agent"
	"github.com/xkilldash9x/mailpilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrRunNotFound is returned by Show for an unknown run ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrDisabled is returned by reads when no journal backend is configured.
	ErrDisabled = errors.New("journal is disabled (journal.type is none)")
)

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID            string
	Provider      string
	Outcome       agent.RunOutcome
	FinalResult   string
	FailureReason string
	FailureCode   agent.ErrorCode
	Steps         int
	StartedAt     time.Time
	FinishedAt    time.Time
	Objective     *agent.Objective
}

// RunDetail is a run with its conversation and dispatched instructions.
type RunDetail struct {
	RunSummary
	Messages []agent.Message
	Actions  []agent.Instruction
}

// Journal persists runs and reads them back.
type Journal interface {
	agent.Journal
	// List returns the most recent runs first.
	List(ctx context.Context, limit int) ([]RunSummary, error)
	Show(ctx context.Context, runID string) (*RunDetail, error)
	Close() error
}

// Open selects the backend named by cfg.Type.
func Open(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (Journal, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Postgres.ConnString())
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		j, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := j.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
	}
}

// Nop discards runs.
type Nop struct{}

func (Nop) Record(context.Context, *agent.TaskState) error { return nil }
func (Nop) List(context.Context, int) ([]RunSummary, error) { return nil, ErrDisabled }
func (Nop) Show(context.Context, string) (*RunDetail, error) { return nil, ErrDisabled }
func (Nop) Close() error { return nil }

// summarize builds the runs row for a finished state.
func summarize(s *agent.TaskState, finished time.Time) (RunSummary, []byte, error) {
	if s == nil || s.RunID == "" {
		return RunSummary{}, nil, errors.New("cannot record a run without an ID")
	}
	summary := RunSummary{
		ID:          s.RunID,
		Provider:    s.Provider,
		Outcome:     s.Outcome(),
		FinalResult: s.FinalResult,
		Steps:       s.Steps,
		StartedAt:   s.StartedAt.UTC(),
		FinishedAt:  finished.UTC(),
		Objective:   s.Objective,
	}
	if s.Status == agent.StatusError {
		summary.FailureReason = s.FailureReason
		summary.FailureCode = s.FailureCode
	}

	var objective []byte
	if s.Objective != nil {
		var err error
		if objective, err = json.Marshal(s.Objective); err != nil {
			return RunSummary{}, nil, fmt.Errorf("failed to encode objective: %w", err)
		}
	}
	return summary, objective, nil
}

func decodeObjective(raw []byte) (*agent.Objective, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var o agent.Objective
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("failed to decode objective: %w", err)
	}
	return &o, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 20
	}
	return limit
}
