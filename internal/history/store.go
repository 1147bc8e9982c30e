// Package history records finished pipeline runs in a local SQLite database.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	defaultPoolSizeConstant     = 4
	defaultListLimitConstant    = 20
	timestampLayoutConstant     = "2006-01-02T15:04:05.000000000Z07:00"
	databaseDirectoryPermission = 0o755

	pathRequiredMessageConstant       = "history database path is required"
	openTemplateConstant              = "history: open %s: %w"
	closeTemplateConstant             = "history: close %s: %w"
	createDirectoryTemplateConstant   = "history: create directory %s: %w"
	pragmaTemplateConstant            = "history: %s: %w"
	schemaTemplateConstant            = "history: create schema: %w"
	takeConnectionTemplateConstant    = "history: take connection: %w"
	beginTransactionTemplateConstant  = "history: begin transaction: %w"
	recordRunTemplateConstant         = "history: record run %s: %w"
	recordInstanceTemplateConstant    = "history: record instance %s of run %s: %w"
	queryRunsTemplateConstant         = "history: query runs: %w"
	queryInstancesTemplateConstant    = "history: query instances of run %s: %w"
	encodeCombinationTemplateConstant = "history: encode combination: %w"
	decodeCombinationTemplateConstant = "history: decode combination of run %s: %w"
	runNotFoundTemplateConstant       = "%w: %s"
	databaseOpenedMessageConstant     = "run history opened"
	databaseClosedMessageConstant     = "run history closed"
	runRecordedMessageConstant        = "run recorded"
	databasePathFieldConstant         = "path"
	runIdentifierFieldConstant        = "run_id"
	runStatusFieldConstant            = "status"
	instanceCountFieldConstant        = "instances"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

const schemaScript = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow    TEXT NOT NULL,
	event       TEXT NOT NULL,
	ref         TEXT NOT NULL,
	status      TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at DESC);
CREATE TABLE IF NOT EXISTS job_instances (
	run_id       TEXT NOT NULL,
	position     INTEGER NOT NULL,
	job_id       TEXT NOT NULL,
	display_name TEXT NOT NULL,
	runs_on      TEXT NOT NULL,
	combination  TEXT NOT NULL,
	status       TEXT NOT NULL,
	exit_code    INTEGER NOT NULL,
	failed_step  TEXT NOT NULL,
	error        TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);
`

const (
	upsertRunStatement = `INSERT OR REPLACE INTO runs
		(id, workflow, event, ref, status, exit_code, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	deleteInstancesStatement = `DELETE FROM job_instances WHERE run_id = ?`
	insertInstanceStatement  = `INSERT INTO job_instances
		(run_id, position, job_id, display_name, runs_on, combination, status, exit_code,
		 failed_step, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectRunsStatement = `SELECT id, workflow, event, ref, status, exit_code, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id LIMIT ?`
	selectRunStatement = `SELECT id, workflow, event, ref, status, exit_code, started_at, finished_at
		FROM runs WHERE id = ?`
	selectInstancesStatement = `SELECT job_id, display_name, runs_on, combination, status, exit_code,
		failed_step, error, started_at, finished_at
		FROM job_instances WHERE run_id = ? ORDER BY position`
)

// ErrRunNotFound indicates that no run with the requested identifier was recorded.
var ErrRunNotFound = errors.New("run not found")

// Run is a recorded pipeline run.
type Run struct {
	ID         string     `json:"id"`
	Workflow   string     `json:"workflow"`
	Event      string     `json:"event"`
	Ref        string     `json:"ref,omitempty"`
	Status     string     `json:"status"`
	ExitCode   int        `json:"exit_code"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Instances  []Instance `json:"instances,omitempty"`
}

// Duration reports how long the run took.
func (run Run) Duration() time.Duration {
	if run.FinishedAt.Before(run.StartedAt) {
		return 0
	}
	return run.FinishedAt.Sub(run.StartedAt)
}

// Instance is a recorded job instance of a run.
type Instance struct {
	JobID       string            `json:"job_id"`
	DisplayName string            `json:"display_name"`
	RunsOn      string            `json:"runs_on,omitempty"`
	Combination map[string]string `json:"combination,omitempty"`
	Status      string            `json:"status"`
	ExitCode    int               `json:"exit_code"`
	FailedStep  string            `json:"failed_step,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Store persists runs in SQLite.
type Store struct {
	pool   *sqlitex.Pool
	path   string
	logger *zap.Logger
}

// Open creates or opens the history database at databasePath.
func Open(databasePath string, logger *zap.Logger) (*Store, error) {
	if databasePath == "" {
		return nil, errors.New(pathRequiredMessageConstant)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if directoryError := os.MkdirAll(filepath.Dir(databasePath), databaseDirectoryPermission); directoryError != nil {
		return nil, fmt.Errorf(createDirectoryTemplateConstant, filepath.Dir(databasePath), directoryError)
	}

	pool, openError := sqlitex.NewPool(databasePath, sqlitex.PoolOptions{
		PoolSize:    defaultPoolSizeConstant,
		PrepareConn: prepareConnection,
	})
	if openError != nil {
		return nil, fmt.Errorf(openTemplateConstant, databasePath, openError)
	}

	logger.Debug(databaseOpenedMessageConstant, zap.String(databasePathFieldConstant, databasePath))
	return &Store{pool: pool, path: databasePath, logger: logger}, nil
}

// Close releases every connection. Borrowed connections must be returned first.
func (store *Store) Close() error {
	if closeError := store.pool.Close(); closeError != nil {
		return fmt.Errorf(closeTemplateConstant, store.path, closeError)
	}
	store.logger.Debug(databaseClosedMessageConstant, zap.String(databasePathFieldConstant, store.path))
	return nil
}

func prepareConnection(connection *sqlite.Conn) error {
	for _, pragma := range sqlitePragmas {
		if pragmaError := sqlitex.ExecuteTransient(connection, pragma, nil); pragmaError != nil {
			return fmt.Errorf(pragmaTemplateConstant, pragma, pragmaError)
		}
	}
	if schemaError := sqlitex.ExecuteScript(connection, schemaScript, nil); schemaError != nil {
		return fmt.Errorf(schemaTemplateConstant, schemaError)
	}
	return nil
}

// RecordRun stores run and its instances, replacing an earlier record with the same identifier.
func (store *Store) RecordRun(executionContext context.Context, run Run) (recordError error) {
	connection, takeError := store.pool.Take(executionContext)
	if takeError != nil {
		return fmt.Errorf(takeConnectionTemplateConstant, takeError)
	}
	defer store.pool.Put(connection)

	endTransaction, beginError := sqlitex.ImmediateTransaction(connection)
	if beginError != nil {
		return fmt.Errorf(beginTransactionTemplateConstant, beginError)
	}
	defer endTransaction(&recordError)

	runError := sqlitex.Execute(connection, upsertRunStatement, &sqlitex.ExecOptions{
		Args: []any{
			run.ID,
			run.Workflow,
			run.Event,
			run.Ref,
			run.Status,
			run.ExitCode,
			formatTimestamp(run.StartedAt),
			formatTimestamp(run.FinishedAt),
		},
	})
	if runError != nil {
		return fmt.Errorf(recordRunTemplateConstant, run.ID, runError)
	}
	if deleteError := sqlitex.Execute(connection, deleteInstancesStatement, &sqlitex.ExecOptions{Args: []any{run.ID}}); deleteError != nil {
		return fmt.Errorf(recordRunTemplateConstant, run.ID, deleteError)
	}

	for position, instance := range run.Instances {
		combination, encodeError := encodeCombination(instance.Combination)
		if encodeError != nil {
			return encodeError
		}
		instanceError := sqlitex.Execute(connection, insertInstanceStatement, &sqlitex.ExecOptions{
			Args: []any{
				run.ID,
				position,
				instance.JobID,
				instance.DisplayName,
				instance.RunsOn,
				combination,
				instance.Status,
				instance.ExitCode,
				instance.FailedStep,
				instance.Error,
				formatTimestamp(instance.StartedAt),
				formatTimestamp(instance.FinishedAt),
			},
		})
		if instanceError != nil {
			return fmt.Errorf(recordInstanceTemplateConstant, instance.DisplayName, run.ID, instanceError)
		}
	}

	store.logger.Debug(
		runRecordedMessageConstant,
		zap.String(runIdentifierFieldConstant, run.ID),
		zap.String(runStatusFieldConstant, run.Status),
		zap.Int(instanceCountFieldConstant, len(run.Instances)),
	)
	return nil
}

// ListRuns returns the most recent runs first, without instances. A non-positive limit uses the default of 20.
func (store *Store) ListRuns(executionContext context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultListLimitConstant
	}
	connection, takeError := store.pool.Take(executionContext)
	if takeError != nil {
		return nil, fmt.Errorf(takeConnectionTemplateConstant, takeError)
	}
	defer store.pool.Put(connection)

	runs := make([]Run, 0, limit)
	queryError := sqlitex.Execute(connection, selectRunsStatement, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(statement *sqlite.Stmt) error {
			runs = append(runs, scanRun(statement))
			return nil
		},
	})
	if queryError != nil {
		return nil, fmt.Errorf(queryRunsTemplateConstant, queryError)
	}
	return runs, nil
}

// GetRun returns one run with its instances in plan order.
func (store *Store) GetRun(executionContext context.Context, runIdentifier string) (Run, error) {
	connection, takeError := store.pool.Take(executionContext)
	if takeError != nil {
		return Run{}, fmt.Errorf(takeConnectionTemplateConstant, takeError)
	}
	defer store.pool.Put(connection)

	var (
		run   Run
		found bool
	)
	queryError := sqlitex.Execute(connection, selectRunStatement, &sqlitex.ExecOptions{
		Args: []any{runIdentifier},
		ResultFunc: func(statement *sqlite.Stmt) error {
			run = scanRun(statement)
			found = true
			return nil
		},
	})
	if queryError != nil {
		return Run{}, fmt.Errorf(queryRunsTemplateConstant, queryError)
	}
	if !found {
		return Run{}, fmt.Errorf(runNotFoundTemplateConstant, ErrRunNotFound, runIdentifier)
	}

	var decodeError error
	queryError = sqlitex.Execute(connection, selectInstancesStatement, &sqlitex.ExecOptions{
		Args: []any{runIdentifier},
		ResultFunc: func(statement *sqlite.Stmt) error {
			combination, combinationError := decodeCombination(statement.ColumnText(3))
			if combinationError != nil {
				decodeError = fmt.Errorf(decodeCombinationTemplateConstant, runIdentifier, combinationError)
				return decodeError
			}
			run.Instances = append(run.Instances, Instance{
				JobID:       statement.ColumnText(0),
				DisplayName: statement.ColumnText(1),
				RunsOn:      statement.ColumnText(2),
				Combination: combination,
				Status:      statement.ColumnText(4),
				ExitCode:    statement.ColumnInt(5),
				FailedStep:  statement.ColumnText(6),
				Error:       statement.ColumnText(7),
				StartedAt:   parseTimestamp(statement.ColumnText(8)),
				FinishedAt:  parseTimestamp(statement.ColumnText(9)),
			})
			return nil
		},
	})
	if decodeError != nil {
		return Run{}, decodeError
	}
	if queryError != nil {
		return Run{}, fmt.Errorf(queryInstancesTemplateConstant, runIdentifier, queryError)
	}
	return run, nil
}

func scanRun(statement *sqlite.Stmt) Run {
	return Run{
		ID:         statement.ColumnText(0),
		Workflow:   statement.ColumnText(1),
		Event:      statement.ColumnText(2),
		Ref:        statement.ColumnText(3),
		Status:     statement.ColumnText(4),
		ExitCode:   statement.ColumnInt(5),
		StartedAt:  parseTimestamp(statement.ColumnText(6)),
		FinishedAt: parseTimestamp(statement.ColumnText(7)),
	}
}

func encodeCombination(combination map[string]string) (string, error) {
	if len(combination) == 0 {
		return "{}", nil
	}
	encoded, encodeError := json.Marshal(combination)
	if encodeError != nil {
		return "", fmt.Errorf(encodeCombinationTemplateConstant, encodeError)
	}
	return string(encoded), nil
}

func decodeCombination(encoded string) (map[string]string, error) {
	combination := map[string]string{}
	if encoded == "" {
		return combination, nil
	}
	if decodeError := json.Unmarshal([]byte(encoded), &combination); decodeError != nil {
		return nil, decodeError
	}
	return combination, nil
}

func formatTimestamp(moment time.Time) string {
	if moment.IsZero() {
		return ""
	}
	return moment.UTC().Format(timestampLayoutConstant)
}

func parseTimestamp(encoded string) time.Time {
	if encoded == "" {
		return time.Time{}
	}
	parsed, parseError := time.Parse(timestampLayoutConstant, encoded)
	if parseError != nil {
		return time.Time{}
	}
	return parsed
}
