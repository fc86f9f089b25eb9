package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// withForeignKeys makes every pooled connection enforce foreign keys,
// not only the one that ran the PRAGMA.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			public_key TEXT NOT NULL UNIQUE,
			private_key TEXT UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS external_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			last_seen DATETIME,
			props TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (external_id, project_id),
			FOREIGN KEY (project_id) REFERENCES projects(id)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			project_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT,
			external_user_id INTEGER,
			parent_run_id TEXT,
			sibling_run_id TEXT,
			created_at DATETIME NOT NULL,
			ended_at DATETIME,
			name TEXT,
			input TEXT,
			output TEXT,
			error TEXT,
			params TEXT,
			metadata TEXT,
			feedback TEXT,
			tags TEXT,
			cost REAL,
			prompt_tokens INTEGER,
			completion_tokens INTEGER,
			template_version_id TEXT,
			runtime TEXT,
			PRIMARY KEY (project_id, id),
			FOREIGN KEY (project_id) REFERENCES projects(id),
			FOREIGN KEY (project_id, parent_run_id) REFERENCES runs(project_id, id),
			FOREIGN KEY (external_user_id) REFERENCES external_users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(project_id, parent_run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT,
			extra TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (project_id) REFERENCES projects(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_run ON logs(project_id, run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ingestion_rules (
			project_id TEXT NOT NULL,
			type TEXT NOT NULL,
			rule TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (project_id, type),
			FOREIGN KEY (project_id) REFERENCES projects(id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify maps SQLite constraint failures onto domain errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %v", domain.ErrDuplicate, err)
		}
	}
	return err
}

// CreateProject creates a new project.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *domain.Project) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, public_key, private_key, created_at) VALUES (?, ?, ?, ?, ?)`,
		project.ID, project.Name, project.PublicKey, nullString(project.PrivateKey), project.CreatedAt)
	return classify(err)
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, name, public_key, private_key, created_at FROM projects WHERE id = ?`, projectID))
}

// GetProjectByKey retrieves a project by its public or private key.
func (s *SQLiteStore) GetProjectByKey(ctx context.Context, key string) (*domain.Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, name, public_key, private_key, created_at FROM projects
		 WHERE public_key = ? OR private_key = ? LIMIT 1`, key, key))
}

func (s *SQLiteStore) scanProject(row *sql.Row) (*domain.Project, error) {
	var project domain.Project
	var privateKey sql.NullString
	err := row.Scan(&project.ID, &project.Name, &project.PublicKey, &privateKey, &project.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	project.PrivateKey = privateKey.String
	return &project, nil
}

const runColumns = `project_id, id, type, status, external_user_id, parent_run_id, sibling_run_id,
	created_at, ended_at, name, input, output, error, params, metadata, feedback, tags,
	cost, prompt_tokens, completion_tokens, template_version_id, runtime`

func runArgs(run *domain.Run) []interface{} {
	return []interface{}{
		run.ProjectID, run.ID, run.Type, nullString(string(run.Status)), nullInt(run.ExternalUserID),
		nullString(run.ParentRunID), nullString(run.SiblingRunID),
		run.CreatedAt, nullTime(run.EndedAt), nullString(run.Name),
		nullRaw(run.Input), nullRaw(run.Output), nullRaw(run.Error),
		nullJSON(run.Params), nullJSON(run.Metadata), nullJSON(run.Feedback), nullJSON(run.Tags),
		nullFloat(run.Cost), nullInt(run.PromptTokens), nullInt(run.CompletionTokens),
		nullString(run.TemplateVersionID), nullString(run.Runtime),
	}
}

// InsertRun inserts a new run. An existing id in the same project yields domain.ErrDuplicate.
func (s *SQLiteStore) InsertRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runArgs(run)...)
	return classify(err)
}

// UpsertRun inserts a run or, on id conflict, refreshes its owner, tags and input.
func (s *SQLiteStore) UpsertRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, id) DO UPDATE SET
			external_user_id = COALESCE(excluded.external_user_id, runs.external_user_id),
			tags = COALESCE(excluded.tags, runs.tags),
			input = COALESCE(excluded.input, runs.input)`,
		runArgs(run)...)
	return err
}

// GetRunByID retrieves a run by ID within a project.
func (s *SQLiteStore) GetRunByID(ctx context.Context, projectID, runID string) (*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = ? AND id = ?`, projectID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstRun(rows)
}

// GetLastChildRun returns the most recently created child of a run.
func (s *SQLiteStore) GetLastChildRun(ctx context.Context, projectID, parentRunID string) (*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = ? AND parent_run_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, projectID, parentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstRun(rows)
}

func firstRun(rows *sql.Rows) (*domain.Run, error) {
	if !rows.Next() {
		return nil, rows.Err()
	}
	run, err := scanRun(rows)
	if err != nil {
		return nil, err
	}
	return run, rows.Err()
}

func scanRun(rows *sql.Rows) (*domain.Run, error) {
	var run domain.Run
	var status, parentRunID, siblingRunID, name, templateVersionID, runtime sql.NullString
	var input, output, errData, params, metadata, feedback, tags sql.NullString
	var externalUserID, promptTokens, completionTokens sql.NullInt64
	var cost sql.NullFloat64
	var endedAt sql.NullTime
	if err := rows.Scan(&run.ProjectID, &run.ID, &run.Type, &status, &externalUserID, &parentRunID, &siblingRunID,
		&run.CreatedAt, &endedAt, &name, &input, &output, &errData, &params, &metadata, &feedback, &tags,
		&cost, &promptTokens, &completionTokens, &templateVersionID, &runtime); err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status.String)
	run.ParentRunID = parentRunID.String
	run.SiblingRunID = siblingRunID.String
	run.Name = name.String
	run.TemplateVersionID = templateVersionID.String
	run.Runtime = runtime.String
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if externalUserID.Valid {
		run.ExternalUserID = &externalUserID.Int64
	}
	if promptTokens.Valid {
		run.PromptTokens = &promptTokens.Int64
	}
	if completionTokens.Valid {
		run.CompletionTokens = &completionTokens.Int64
	}
	if cost.Valid {
		run.Cost = &cost.Float64
	}
	if input.Valid {
		run.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		run.Output = json.RawMessage(output.String)
	}
	if errData.Valid {
		run.Error = json.RawMessage(errData.String)
	}
	if err := unmarshalNull(params, &run.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := unmarshalNull(metadata, &run.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := unmarshalNull(feedback, &run.Feedback); err != nil {
		return nil, fmt.Errorf("decode feedback: %w", err)
	}
	if err := unmarshalNull(tags, &run.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &run, nil
}

// UpdateRun applies a partial update to a run.
func (s *SQLiteStore) UpdateRun(ctx context.Context, projectID, runID string, update domain.RunUpdate) error {
	var sets []string
	var args []interface{}
	set := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.EndedAt != nil {
		set("ended_at", *update.EndedAt)
	}
	if update.Input != nil {
		set("input", string(update.Input))
	}
	if update.Output != nil {
		set("output", string(update.Output))
	}
	if update.Error != nil {
		set("error", string(update.Error))
	}
	if update.PromptTokens != nil {
		set("prompt_tokens", *update.PromptTokens)
	}
	if update.CompletionTokens != nil {
		set("completion_tokens", *update.CompletionTokens)
	}
	if update.Cost != nil {
		set("cost", *update.Cost)
	}
	if update.Metadata != nil {
		set("metadata", nullJSON(update.Metadata))
	}
	if update.Feedback != nil {
		set("feedback", nullJSON(update.Feedback))
	}
	if update.Tags != nil {
		set("tags", nullJSON(update.Tags))
	}
	if update.ExternalUserID != nil {
		set("external_user_id", *update.ExternalUserID)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, projectID, runID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE project_id = ? AND id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return nil
}

// UpsertExternalUser inserts or refreshes an external user and returns its row id.
func (s *SQLiteStore) UpsertExternalUser(ctx context.Context, user *domain.ExternalUser) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO external_users (project_id, external_id, last_seen, props) VALUES (?, ?, ?, ?)
		 ON CONFLICT (external_id, project_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			props = COALESCE(excluded.props, external_users.props)
		 RETURNING id`,
		user.ProjectID, user.ExternalID, user.LastSeen, nullJSON(user.Props)).Scan(&id)
	if err != nil {
		return 0, err
	}
	user.ID = id
	return id, nil
}

// GetExternalUser retrieves an external user by its external id.
func (s *SQLiteStore) GetExternalUser(ctx context.Context, projectID, externalID string) (*domain.ExternalUser, error) {
	var user domain.ExternalUser
	var lastSeen sql.NullTime
	var props sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, external_id, last_seen, props FROM external_users
		 WHERE project_id = ? AND external_id = ?`, projectID, externalID).
		Scan(&user.ID, &user.ProjectID, &user.ExternalID, &lastSeen, &props)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		user.LastSeen = lastSeen.Time
	}
	if err := unmarshalNull(props, &user.Props); err != nil {
		return nil, fmt.Errorf("decode props: %w", err)
	}
	return &user, nil
}

// InsertLog inserts a log line.
func (s *SQLiteStore) InsertLog(ctx context.Context, log *domain.Log) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (id, project_id, run_id, level, message, extra, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.ProjectID, log.RunID, log.Level, nullRaw(log.Message), nullJSON(log.Extra), log.CreatedAt)
	return classify(err)
}

// ListLogs lists the logs attached to a run.
func (s *SQLiteStore) ListLogs(ctx context.Context, projectID, runID string) ([]domain.Log, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, run_id, level, message, extra, created_at FROM logs
		 WHERE project_id = ? AND run_id = ? ORDER BY created_at ASC`, projectID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.Log
	for rows.Next() {
		var log domain.Log
		var message, extra sql.NullString
		if err := rows.Scan(&log.ID, &log.ProjectID, &log.RunID, &log.Level, &message, &extra, &log.CreatedAt); err != nil {
			return nil, err
		}
		if message.Valid {
			log.Message = json.RawMessage(message.String)
		}
		if err := unmarshalNull(extra, &log.Extra); err != nil {
			return nil, fmt.Errorf("decode extra: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// GetIngestionRule retrieves the project's rule of the given type.
func (s *SQLiteStore) GetIngestionRule(ctx context.Context, projectID, ruleType string) (*domain.IngestionRule, error) {
	var rule domain.IngestionRule
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, type, rule, updated_at FROM ingestion_rules WHERE project_id = ? AND type = ?`,
		projectID, ruleType).Scan(&rule.ProjectID, &rule.Type, &rule.Rule, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// SetIngestionRule creates or replaces the project's rule of the given type.
func (s *SQLiteStore) SetIngestionRule(ctx context.Context, rule *domain.IngestionRule) error {
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_rules (project_id, type, rule, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (project_id, type) DO UPDATE SET rule = excluded.rule, updated_at = excluded.updated_at`,
		rule.ProjectID, rule.Type, rule.Rule, rule.UpdatedAt)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullJSON[T any](v T) sql.NullString {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalNull(s sql.NullString, dst interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
