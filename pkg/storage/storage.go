// Package storage persists projects, their prompt scripts, and the
// execution records the runner produces. The live conversation log is
// never stored here; executions carry a transcript snapshot taken when
// the run finished.
//
// Backed by database/sql with PostgreSQL, MySQL and SQLite support.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mentatlabs/mentat/pkg/config"
	"github.com/mentatlabs/mentat/pkg/conversation"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound reports a missing project, script or execution.
var ErrNotFound = errors.New("record not found")

// Execution statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Project is a named agent setup: the system prompt every run under
// this project starts from.
type Project struct {
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
}

// Script is one versioned prompt sequence within a project. Versions
// count up from 1 per project.
type Script struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Version   int       `json:"version"`
	Prompts   []string  `json:"prompts"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution records one runner pass over a script: when it ran, how it
// ended, and the conversation transcript it produced.
type Execution struct {
	ID            string                 `json:"id"`
	Project       string                 `json:"project"`
	ScriptID      string                 `json:"script_id"`
	ScriptVersion int                    `json:"script_version"`
	Status        string                 `json:"status"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
	PromptCount   int                    `json:"prompt_count"`
	Transcript    []conversation.Message `json:"transcript"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
}

// scriptRow and executionRow mirror the table schemas; list-valued
// fields ride in JSON text columns.
type scriptRow struct {
	ID        string
	Project   string
	Version   int
	Prompts   string
	CreatedAt time.Time
}

type executionRow struct {
	ID            string
	Project       string
	ScriptID      string
	ScriptVersion int
	Status        string
	StartedAt     time.Time
	FinishedAt    time.Time
	PromptCount   int
	Transcript    string
	ErrorMessage  string
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
    name VARCHAR(255) PRIMARY KEY,
    system_prompt TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS scripts (
    id VARCHAR(255) PRIMARY KEY,
    project VARCHAR(255) NOT NULL,
    version INTEGER NOT NULL,
    prompts TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scripts_project ON scripts(project);

CREATE TABLE IF NOT EXISTS executions (
    id VARCHAR(255) PRIMARY KEY,
    project VARCHAR(255) NOT NULL,
    script_id VARCHAR(255) NOT NULL,
    script_version INTEGER NOT NULL,
    status VARCHAR(50) NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL,
    prompt_count INTEGER NOT NULL,
    transcript TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_project ON executions(project);
CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);
`

// Store is a SQL-backed project/script/execution store.
type Store struct {
	db      *sql.DB
	dialect string
}

// New wraps an existing connection. dialect must be one of postgres,
// mysql or sqlite; the schema is created if missing.
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Open connects per configuration and returns a ready store. The
// sqlite driver registers as "sqlite3", so the config name is mapped.
func Open(cfg *config.StorageConfig) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage configuration is required")
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database %q: %w", cfg.Driver, cfg.DSN, err)
	}

	return New(db, cfg.Driver)
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateProject inserts a project. The name is the primary key, so a
// duplicate fails at the database.
func (s *Store) CreateProject(ctx context.Context, name, systemPrompt string) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	p := &Project{
		Name:         name,
		SystemPrompt: systemPrompt,
		CreatedAt:    time.Now().UTC(),
	}

	query := `INSERT INTO projects (name, system_prompt, created_at) VALUES (?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO projects (name, system_prompt, created_at) VALUES ($1, $2, $3)`
	}

	if _, err := s.db.ExecContext(ctx, query, p.Name, p.SystemPrompt, p.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}
	return p, nil
}

// GetProject fetches one project by name.
func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	query := `SELECT name, system_prompt, created_at FROM projects WHERE name = ?`
	if s.dialect == "postgres" {
		query = `SELECT name, system_prompt, created_at FROM projects WHERE name = $1`
	}

	var p Project
	err := s.db.QueryRowContext(ctx, query, name).Scan(&p.Name, &p.SystemPrompt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return &p, nil
}

// ListProjects returns every project, oldest first.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, system_prompt, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.Name, &p.SystemPrompt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CreateScript stores a new script under the project, allocating the
// next version number.
func (s *Store) CreateScript(ctx context.Context, project string, prompts []string) (*Script, error) {
	if project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("at least one prompt is required")
	}
	if _, err := s.GetProject(ctx, project); err != nil {
		return nil, err
	}

	query := `SELECT COALESCE(MAX(version), 0) FROM scripts WHERE project = ?`
	if s.dialect == "postgres" {
		query = `SELECT COALESCE(MAX(version), 0) FROM scripts WHERE project = $1`
	}

	var latest int
	if err := s.db.QueryRowContext(ctx, query, project).Scan(&latest); err != nil {
		return nil, fmt.Errorf("failed to query latest version: %w", err)
	}

	script := &Script{
		ID:        generateScriptID(),
		Project:   project,
		Version:   latest + 1,
		Prompts:   prompts,
		CreatedAt: time.Now().UTC(),
	}

	row, err := scriptToRow(script)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize script: %w", err)
	}

	query = `INSERT INTO scripts (id, project, version, prompts, created_at) VALUES (?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO scripts (id, project, version, prompts, created_at) VALUES ($1, $2, $3, $4, $5)`
	}

	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.Project, row.Version, row.Prompts, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert script: %w", err)
	}
	return script, nil
}

// GetScript fetches one script by project and version.
func (s *Store) GetScript(ctx context.Context, project string, version int) (*Script, error) {
	query := `
SELECT id, project, version, prompts, created_at
FROM scripts
WHERE project = ? AND version = ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, project, version, prompts, created_at
FROM scripts
WHERE project = $1 AND version = $2
`
	}

	var row scriptRow
	err := s.db.QueryRowContext(ctx, query, project, version).Scan(
		&row.ID, &row.Project, &row.Version, &row.Prompts, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: script version %d in project %s", ErrNotFound, version, project)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query script: %w", err)
	}
	return rowToScript(&row)
}

// LatestScript fetches the highest-versioned script in the project.
func (s *Store) LatestScript(ctx context.Context, project string) (*Script, error) {
	query := `
SELECT id, project, version, prompts, created_at
FROM scripts
WHERE project = ?
ORDER BY version DESC
LIMIT 1
`
	if s.dialect == "postgres" {
		query = `
SELECT id, project, version, prompts, created_at
FROM scripts
WHERE project = $1
ORDER BY version DESC
LIMIT 1
`
	}

	var row scriptRow
	err := s.db.QueryRowContext(ctx, query, project).Scan(
		&row.ID, &row.Project, &row.Version, &row.Prompts, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no script in project %s", ErrNotFound, project)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query script: %w", err)
	}
	return rowToScript(&row)
}

// ListScripts returns the project's scripts, newest version first.
func (s *Store) ListScripts(ctx context.Context, project string) ([]*Script, error) {
	query := `
SELECT id, project, version, prompts, created_at
FROM scripts
WHERE project = ?
ORDER BY version DESC
`
	if s.dialect == "postgres" {
		query = `
SELECT id, project, version, prompts, created_at
FROM scripts
WHERE project = $1
ORDER BY version DESC
`
	}

	rows, err := s.db.QueryContext(ctx, query, project)
	if err != nil {
		return nil, fmt.Errorf("failed to query scripts: %w", err)
	}
	defer rows.Close()

	var out []*Script
	for rows.Next() {
		var row scriptRow
		if err := rows.Scan(&row.ID, &row.Project, &row.Version, &row.Prompts, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan script: %w", err)
		}
		script, err := rowToScript(&row)
		if err != nil {
			return nil, err
		}
		out = append(out, script)
	}
	return out, rows.Err()
}

// SaveExecution inserts one finished execution record, stamping an id
// when absent.
func (s *Store) SaveExecution(ctx context.Context, e *Execution) error {
	if e == nil {
		return fmt.Errorf("execution is required")
	}
	if e.ID == "" {
		e.ID = generateExecutionID()
	}

	row, err := executionToRow(e)
	if err != nil {
		return fmt.Errorf("failed to serialize execution: %w", err)
	}

	query := `
INSERT INTO executions (id, project, script_id, script_version, status, started_at, finished_at, prompt_count, transcript, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	if s.dialect == "postgres" {
		query = `
INSERT INTO executions (id, project, script_id, script_version, status, started_at, finished_at, prompt_count, transcript, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	}

	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.Project, row.ScriptID, row.ScriptVersion, row.Status,
		row.StartedAt, row.FinishedAt, row.PromptCount, row.Transcript, row.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// GetExecution fetches one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
SELECT id, project, script_id, script_version, status, started_at, finished_at, prompt_count, transcript, error_message
FROM executions
WHERE id = ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, project, script_id, script_version, status, started_at, finished_at, prompt_count, transcript, error_message
FROM executions
WHERE id = $1
`
	}

	var row executionRow
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&row.ID, &row.Project, &row.ScriptID, &row.ScriptVersion, &row.Status,
		&row.StartedAt, &row.FinishedAt, &row.PromptCount, &row.Transcript, &row.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	return rowToExecution(&row)
}

// ListExecutions returns the project's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, project string) ([]*Execution, error) {
	query := `
SELECT id, project, script_id, script_version, status, started_at, finished_at, prompt_count, transcript, error_message
FROM executions
WHERE project = ?
ORDER BY started_at DESC
`
	if s.dialect == "postgres" {
		query = `
SELECT id, project, script_id, script_version, status, started_at, finished_at, prompt_count, transcript, error_message
FROM executions
WHERE project = $1
ORDER BY started_at DESC
`
	}

	rows, err := s.db.QueryContext(ctx, query, project)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var row executionRow
		err := rows.Scan(
			&row.ID, &row.Project, &row.ScriptID, &row.ScriptVersion, &row.Status,
			&row.StartedAt, &row.FinishedAt, &row.PromptCount, &row.Transcript, &row.ErrorMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec, err := rowToExecution(&row)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scriptToRow(script *Script) (*scriptRow, error) {
	prompts, err := json.Marshal(script.Prompts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prompts: %w", err)
	}
	return &scriptRow{
		ID:        script.ID,
		Project:   script.Project,
		Version:   script.Version,
		Prompts:   string(prompts),
		CreatedAt: script.CreatedAt,
	}, nil
}

func rowToScript(row *scriptRow) (*Script, error) {
	script := &Script{
		ID:        row.ID,
		Project:   row.Project,
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
	}
	if row.Prompts != "" {
		if err := json.Unmarshal([]byte(row.Prompts), &script.Prompts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prompts: %w", err)
		}
	}
	return script, nil
}

func executionToRow(e *Execution) (*executionRow, error) {
	transcript := []byte("[]")
	if len(e.Transcript) > 0 {
		var err error
		transcript, err = json.Marshal(e.Transcript)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transcript: %w", err)
		}
	}
	return &executionRow{
		ID:            e.ID,
		Project:       e.Project,
		ScriptID:      e.ScriptID,
		ScriptVersion: e.ScriptVersion,
		Status:        e.Status,
		StartedAt:     e.StartedAt,
		FinishedAt:    e.FinishedAt,
		PromptCount:   e.PromptCount,
		Transcript:    string(transcript),
		ErrorMessage:  e.ErrorMessage,
	}, nil
}

func rowToExecution(row *executionRow) (*Execution, error) {
	e := &Execution{
		ID:            row.ID,
		Project:       row.Project,
		ScriptID:      row.ScriptID,
		ScriptVersion: row.ScriptVersion,
		Status:        row.Status,
		StartedAt:     row.StartedAt,
		FinishedAt:    row.FinishedAt,
		PromptCount:   row.PromptCount,
		ErrorMessage:  row.ErrorMessage,
	}
	if row.Transcript != "" && row.Transcript != "[]" {
		if err := json.Unmarshal([]byte(row.Transcript), &e.Transcript); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
		}
	}
	return e, nil
}

func generateScriptID() string {
	return fmt.Sprintf("script-%s", uuid.New().String())
}

func generateExecutionID() string {
	return fmt.Sprintf("exec-%s", uuid.New().String())
}
