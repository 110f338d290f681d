package journal

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/mailpilot/internal/agent"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyTime accepts any value (used for timestamps we can't predict exactly).
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	_, ok := v.(time.Time)
	return ok
})

var runColumns = []string{"id", "provider", "outcome", "final_result", "failure_reason", "failure_code", "steps", "started_at", "finished_at", "objective"}

func newMockJournal(t *testing.T, logger *zap.Logger) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	j, err := NewPostgres(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return j, mockPool
}

func expectRunPrelude(mockPool pgxmock.PgxPoolIface, s *agent.TaskState, objective interface{}) {
	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
		WithArgs(s.RunID, s.Provider, string(s.Outcome()), s.FinalResult, pgxmock.AnyArg(), pgxmock.AnyArg(),
			s.Steps, anyTime, anyTime, objective).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteMessages)).WithArgs(s.RunID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteActions)).WithArgs(s.RunID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
}

func TestNewPostgres(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgres(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should apply the schema on migrate", func(t *testing.T) {
		j, mockPool := newMockJournal(t, zap.NewNop())
		mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS runs")).
			WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

		require.NoError(t, j.Migrate(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist a run with messages and actions", func(t *testing.T) {
		observedCore, observedLogs := observer.New(zapcore.ErrorLevel)
		j, mockPool := newMockJournal(t, zap.New(observedCore))
		state := finishedState("run-1", time.Now())

		expectRunPrelude(mockPool, state, pgxmock.AnyArg())
		mockPool.ExpectCopyFrom(pgx.Identifier{"run_messages"}, messageColumns).
			WillReturnResult(int64(len(state.Conversation)))
		batchExp := mockPool.ExpectBatch()
		for i, a := range state.ActionLog {
			batchExp.ExpectExec(flexibleSQLMatcher(sqlInsertAction)).
				WithArgs("run-1", i, string(a.Kind), a.Target, a.Value, a.Label).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
		}
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, j.Record(ctx, state))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should store NULL objective and skip empty children", func(t *testing.T) {
		j, mockPool := newMockJournal(t, zap.NewNop())
		state := &agent.TaskState{
			RunID:         "run-bare",
			Provider:      "outlook",
			StartedAt:     time.Now(),
			ExitRequested: true,
		}

		expectRunPrelude(mockPool, state, nil)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, j.Record(ctx, state))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		j, mockPool := newMockJournal(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := j.Record(ctx, finishedState("run-1", time.Now()))
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if copying messages fails", func(t *testing.T) {
		j, mockPool := newMockJournal(t, zap.NewNop())
		state := finishedState("run-1", time.Now())
		copyErr := errors.New("copy from failed")

		expectRunPrelude(mockPool, state, pgxmock.AnyArg())
		mockPool.ExpectCopyFrom(pgx.Identifier{"run_messages"}, messageColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := j.Record(ctx, state)
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if inserting actions fails", func(t *testing.T) {
		j, mockPool := newMockJournal(t, zap.NewNop())
		state := finishedState("run-1", time.Now())
		state.ActionLog = state.ActionLog[:1]
		batchErr := errors.New("batch execution failed")

		expectRunPrelude(mockPool, state, pgxmock.AnyArg())
		mockPool.ExpectCopyFrom(pgx.Identifier{"run_messages"}, messageColumns).
			WillReturnResult(int64(len(state.Conversation)))
		a := state.ActionLog[0]
		mockPool.ExpectBatch().ExpectExec(flexibleSQLMatcher(sqlInsertAction)).
			WithArgs("run-1", 0, string(a.Kind), a.Target, a.Value, a.Label).
			WillReturnError(batchErr)
		mockPool.ExpectRollback()

		err := j.Record(ctx, state)
		require.Error(t, err)
		assert.ErrorIs(t, err, batchErr)
		assert.Contains(t, err.Error(), "failed to insert action 0")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a state without a run ID", func(t *testing.T) {
		j, mockPool := newMockJournal(t, zap.NewNop())
		assert.Error(t, j.Record(ctx, &agent.TaskState{}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresList(t *testing.T) {
	j, mockPool := newMockJournal(t, zap.NewNop())
	started := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	rows := pgxmock.NewRows(runColumns).
		AddRow("run-2", "gmail", "succeeded", "Email sent", "", "", 5, started, started.Add(time.Minute),
			[]byte(`{"recipient":"a@b.com","subject":"S","body":"B","priority":"normal"}`)).
		AddRow("run-1", "outlook", "failed", "", "element not found", "ELEMENT_NOT_FOUND", 9, started, started, []byte(nil))
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListRuns)).WithArgs(20).WillReturnRows(rows)

	runs, err := j.List(context.Background(), -1)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, agent.OutcomeSucceeded, runs[0].Outcome)
	require.NotNil(t, runs[0].Objective)
	assert.Equal(t, "a@b.com", runs[0].Objective.Recipient)
	assert.Equal(t, agent.ErrCodeElementNotFound, runs[1].FailureCode)
	assert.Nil(t, runs[1].Objective)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresShow(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the run with children", func(t *testing.T) {
		j, mockPool := newMockJournal(t, zap.NewNop())
		at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetRun)).WithArgs("run-1").
			WillReturnRows(pgxmock.NewRows(runColumns).
				AddRow("run-1", "gmail", "exited", "", "", "", 2, at, at, []byte(nil)))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetMessages)).WithArgs("run-1").
			WillReturnRows(pgxmock.NewRows([]string{"id", "role", "content", "created_at"}).
				AddRow("m1", "human", "exit", at))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetActions)).WithArgs("run-1").
			WillReturnRows(pgxmock.NewRows([]string{"kind", "target", "value", "label"}).
				AddRow("wait", "", "1000", ""))

		detail, err := j.Show(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, agent.OutcomeExited, detail.Outcome)
		require.Len(t, detail.Messages, 1)
		assert.Equal(t, agent.RoleHuman, detail.Messages[0].Role)
		require.Len(t, detail.Actions, 1)
		assert.Equal(t, agent.InstructionWait, detail.Actions[0].Kind)
		assert.Equal(t, "1000", detail.Actions[0].Value)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should report an unknown run", func(t *testing.T) {
		j, mockPool := newMockJournal(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetRun)).WithArgs("missing").
			WillReturnRows(pgxmock.NewRows(runColumns))

		_, err := j.Show(ctx, "missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query failures", func(t *testing.T) {
		j, mockPool := newMockJournal(t, zap.NewNop())
		queryErr := errors.New("connection reset")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetRun)).WithArgs("run-1").WillReturnError(queryErr)

		_, err := j.Show(ctx, "run-1")
		assert.ErrorIs(t, err, queryErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
