// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the reference durable backend for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fluxio/flux/internal/backend"
	"github.com/fluxio/flux/internal/execution"
	fluxerrors "github.com/fluxio/flux/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ backend.Backend = (*Backend)(nil)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so keep a single connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			kind TEXT NOT NULL,
			body BLOB,
			secret_requests TEXT,
			requirements TEXT,
			output_storage TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			input BLOB,
			state TEXT NOT NULL,
			worker TEXT,
			output BLOB,
			error TEXT,
			resume_input BLOB,
			checkpoint_seq INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_name)`,
		`CREATE TABLE IF NOT EXISTS execution_events (
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			source_id TEXT,
			name TEXT,
			value BLOB,
			timestamp TEXT NOT NULL,
			PRIMARY KEY (execution_id, seq),
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			name TEXT PRIMARY KEY,
			session_token_hash TEXT,
			runtime TEXT,
			resources TEXT,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_cache (
			task_name TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			value BLOB,
			created_at TEXT NOT NULL,
			PRIMARY KEY (task_name, fingerprint)
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveWorkflow persists a new workflow version.
func (b *Backend) SaveWorkflow(ctx context.Context, wf *backend.Workflow) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT MAX(version) FROM workflows WHERE name = ?", wf.Name,
	).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("failed to query workflow versions: %w", err)
	}

	next := 1
	if maxVersion.Valid {
		next = int(maxVersion.Int64) + 1
	}
	if wf.Version == 0 {
		wf.Version = next
	} else if wf.Version != next {
		return &fluxerrors.ConflictError{Resource: "workflow", ID: wf.Name, Reason: "duplicate version"}
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}

	requirementsJSON, err := json.Marshal(wf.Requirements)
	if err != nil {
		return fmt.Errorf("failed to marshal requirements: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (name, version, kind, body, secret_requests, requirements, output_storage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.Name, wf.Version, string(wf.Kind), wf.Body,
		strings.Join(wf.SecretRequests, ","), string(requirementsJSON),
		nullString(wf.OutputStorage), wf.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return tx.Commit()
}

// GetWorkflow loads a workflow; version <= 0 selects the latest.
func (b *Backend) GetWorkflow(ctx context.Context, name string, version int) (*backend.Workflow, error) {
	query := `
		SELECT name, version, kind, body, secret_requests, requirements, output_storage, created_at
		FROM workflows WHERE name = ?`
	args := []any{name}
	if version > 0 {
		query += " AND version = ?"
		args = append(args, version)
	} else {
		query += " ORDER BY version DESC LIMIT 1"
	}

	wf, err := scanWorkflow(b.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &fluxerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns the latest version of every workflow.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*backend.Workflow, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT w.name, w.version, w.kind, w.body, w.secret_requests, w.requirements, w.output_storage, w.created_at
		FROM workflows w
		INNER JOIN (SELECT name, MAX(version) AS version FROM workflows GROUP BY name) latest
			ON w.name = latest.name AND w.version = latest.version
		ORDER BY w.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	return collectWorkflows(rows)
}

// ListWorkflowVersions returns every version of one workflow.
func (b *Backend) ListWorkflowVersions(ctx context.Context, name string) ([]*backend.Workflow, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT name, version, kind, body, secret_requests, requirements, output_storage, created_at
		FROM workflows WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow versions: %w", err)
	}
	defer rows.Close()

	workflows, err := collectWorkflows(rows)
	if err != nil {
		return nil, err
	}
	if len(workflows) == 0 {
		return nil, &fluxerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	return workflows, nil
}

// CreateExecution persists a fresh execution record.
func (b *Backend) CreateExecution(ctx context.Context, rec *execution.Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_name, workflow_id, input, state, worker, checkpoint_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowName, rec.WorkflowID, rec.Input,
		string(rec.State), nullString(rec.Worker), rec.CheckpointSeq,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return &fluxerrors.ConflictError{Resource: "execution", ID: rec.ID, Reason: "already exists"}
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution loads an execution including its ordered events.
func (b *Backend) GetExecution(ctx context.Context, id string) (*execution.Record, error) {
	rec, err := scanExecution(b.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, workflow_id, input, state, worker, output, error, resume_input, checkpoint_seq, created_at, updated_at
		FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &fluxerrors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	rec.Events, err = b.loadEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListExecutionsByState returns up to limit executions in state, oldest first.
func (b *Backend) ListExecutionsByState(ctx context.Context, state execution.State, limit int) ([]*execution.Record, error) {
	query := `
		SELECT id, workflow_name, workflow_id, input, state, worker, output, error, resume_input, checkpoint_seq, created_at, updated_at
		FROM executions WHERE state = ? ORDER BY created_at`
	args := []any{string(state)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.Record
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TransitionExecution moves an execution between states with a
// compare-and-set on the current state.
func (b *Backend) TransitionExecution(ctx context.Context, id string, from []execution.State, next execution.State, worker string) (*execution.Record, error) {
	workerClause := "worker"
	args := []any{string(next)}
	if worker != "" || next == execution.StateScheduled {
		workerClause = "?"
		args = append(args, nullString(worker))
	}
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano), id)

	placeholders := make([]string, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	query := fmt.Sprintf(`
		UPDATE executions SET state = ?, worker = %s, updated_at = ?
		WHERE id = ? AND state IN (%s)`, workerClause, strings.Join(placeholders, ","))

	result, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition execution: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		rec, getErr := b.GetExecution(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &fluxerrors.ConflictError{
			Resource: "execution",
			ID:       id,
			Reason:   "state is " + string(rec.State),
		}
	}

	return b.GetExecution(ctx, id)
}

// SetResumeInput stores the pending resume input on the record.
func (b *Backend) SetResumeInput(ctx context.Context, id string, input []byte) error {
	result, err := b.db.ExecContext(ctx,
		"UPDATE executions SET resume_input = ?, updated_at = ? WHERE id = ?",
		input, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to set resume input: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &fluxerrors.NotFoundError{Resource: "execution", ID: id}
	}
	return nil
}

// AppendEvents appends checkpointed events atomically. baseSeq must
// equal the stored checkpoint_seq or the whole append is rejected.
func (b *Backend) AppendEvents(ctx context.Context, id string, baseSeq int64, events []execution.Event) (*execution.Record, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanExecution(tx.QueryRowContext(ctx, `
		SELECT id, workflow_name, workflow_id, input, state, worker, output, error, resume_input, checkpoint_seq, created_at, updated_at
		FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &fluxerrors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	if rec.State.IsTerminal() {
		return nil, &fluxerrors.ConflictError{Resource: "execution", ID: id, Reason: "execution is terminal"}
	}
	if rec.CheckpointSeq != baseSeq {
		return nil, &fluxerrors.ConflictError{Resource: "execution", ID: id, Reason: "stale checkpoint_seq"}
	}
	want := baseSeq
	for _, e := range events {
		want++
		if e.Seq != want {
			return nil, &fluxerrors.ValidationError{Field: "events", Message: "sequence gap in checkpoint"}
		}
	}

	for _, e := range events {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO execution_events (execution_id, seq, type, source_id, name, value, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, e.Seq, string(e.Type), nullString(e.SourceID), nullString(e.Name),
			e.Value, e.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to append event: %w", err)
		}
	}

	// Fold into the record to re-derive state, output and error, then
	// write the folded projection back.
	prior, err := loadEventsTx(ctx, tx, id, baseSeq)
	if err != nil {
		return nil, err
	}
	rec.Events = prior
	rec.ApplyEvents(events)

	var errJSON any
	if rec.Error != nil {
		data, mErr := json.Marshal(rec.Error)
		if mErr != nil {
			return nil, fmt.Errorf("failed to marshal error: %w", mErr)
		}
		errJSON = string(data)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET state = ?, output = ?, error = ?, checkpoint_seq = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.State), rec.Output, errJSON, rec.CheckpointSeq,
		rec.UpdatedAt.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return rec, nil
}

// UpsertWorker registers or refreshes a worker.
func (b *Backend) UpsertWorker(ctx context.Context, w *backend.Worker) error {
	runtimeJSON, err := json.Marshal(w.Runtime)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime: %w", err)
	}
	resourcesJSON, err := json.Marshal(w.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}
	lastSeen := w.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workers (name, session_token_hash, runtime, resources, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			session_token_hash = excluded.session_token_hash,
			runtime = excluded.runtime,
			resources = excluded.resources,
			last_seen = excluded.last_seen`,
		w.Name, nullString(w.SessionTokenHash), string(runtimeJSON), string(resourcesJSON),
		lastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}
	return nil
}

// GetWorker loads a worker by name.
func (b *Backend) GetWorker(ctx context.Context, name string) (*backend.Worker, error) {
	w, err := scanWorker(b.db.QueryRowContext(ctx,
		"SELECT name, session_token_hash, runtime, resources, last_seen FROM workers WHERE name = ?", name))
	if err == sql.ErrNoRows {
		return nil, &fluxerrors.NotFoundError{Resource: "worker", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all registered workers.
func (b *Backend) ListWorkers(ctx context.Context) ([]*backend.Worker, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT name, session_token_hash, runtime, resources, last_seen FROM workers ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var out []*backend.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorker removes a worker registration.
func (b *Backend) DeleteWorker(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM workers WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	return nil
}

// TouchWorker updates a worker's last-seen timestamp.
func (b *Backend) TouchWorker(ctx context.Context, name string, at time.Time) error {
	result, err := b.db.ExecContext(ctx,
		"UPDATE workers SET last_seen = ? WHERE name = ?",
		at.UTC().Format(time.RFC3339Nano), name)
	if err != nil {
		return fmt.Errorf("failed to touch worker: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &fluxerrors.NotFoundError{Resource: "worker", ID: name}
	}
	return nil
}

// PutSecret stores ciphertext under name, replacing any prior value.
func (b *Backend) PutSecret(ctx context.Context, name string, ciphertext []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO secrets (name, ciphertext) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET ciphertext = excluded.ciphertext`,
		name, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to put secret: %w", err)
	}
	return nil
}

// GetSecret loads ciphertext by name.
func (b *Backend) GetSecret(ctx context.Context, name string) ([]byte, error) {
	var ciphertext []byte
	err := b.db.QueryRowContext(ctx,
		"SELECT ciphertext FROM secrets WHERE name = ?", name).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return nil, &fluxerrors.NotFoundError{Resource: "secret", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	return ciphertext, nil
}

// ListSecrets returns secret names only, never values.
func (b *Backend) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT name FROM secrets ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteSecret removes a secret.
func (b *Backend) DeleteSecret(ctx context.Context, name string) error {
	result, err := b.db.ExecContext(ctx, "DELETE FROM secrets WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &fluxerrors.NotFoundError{Resource: "secret", ID: name}
	}
	return nil
}

// PutCacheEntry stores a task output; existing entries are immutable.
func (b *Backend) PutCacheEntry(ctx context.Context, entry *backend.CacheEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO task_cache (task_name, fingerprint, value, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_name, fingerprint) DO NOTHING`,
		entry.TaskName, entry.Fingerprint, entry.Value, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry loads a cached output.
func (b *Backend) GetCacheEntry(ctx context.Context, taskName, fingerprint string) (*backend.CacheEntry, error) {
	entry := &backend.CacheEntry{TaskName: taskName, Fingerprint: fingerprint}
	var createdAt string
	err := b.db.QueryRowContext(ctx,
		"SELECT value, created_at FROM task_cache WHERE task_name = ? AND fingerprint = ?",
		taskName, fingerprint).Scan(&entry.Value, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &fluxerrors.NotFoundError{Resource: "cache entry", ID: taskName}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return entry, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// loadEvents reads the ordered event log for one execution.
func (b *Backend) loadEvents(ctx context.Context, id string) ([]execution.Event, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, type, source_id, name, value, timestamp
		FROM execution_events WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// loadEventsTx reads events up to and including maxSeq inside a transaction.
func loadEventsTx(ctx context.Context, tx *sql.Tx, id string, maxSeq int64) ([]execution.Event, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, type, source_id, name, value, timestamp
		FROM execution_events WHERE execution_id = ? AND seq <= ? ORDER BY seq`, id, maxSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]execution.Event, error) {
	var events []execution.Event
	for rows.Next() {
		var e execution.Event
		var typ string
		var sourceID, name, timestamp sql.NullString
		if err := rows.Scan(&e.Seq, &typ, &sourceID, &name, &e.Value, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = execution.EventType(typ)
		e.SourceID = sourceID.String
		e.Name = name.String
		if timestamp.Valid {
			e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*execution.Record, error) {
	var rec execution.Record
	var state string
	var worker, errJSON sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&rec.ID, &rec.WorkflowName, &rec.WorkflowID, &rec.Input,
		&state, &worker, &rec.Output, &errJSON, &rec.ResumeInput,
		&rec.CheckpointSeq, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = execution.State(state)
	rec.Worker = worker.String
	if errJSON.Valid && errJSON.String != "" {
		var we fluxerrors.WorkflowError
		if err := json.Unmarshal([]byte(errJSON.String), &we); err == nil {
			rec.Error = &we
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

func scanWorkflow(row scanner) (*backend.Workflow, error) {
	var wf backend.Workflow
	var kind string
	var secretRequests, requirementsJSON, outputStorage sql.NullString
	var createdAt string

	err := row.Scan(&wf.Name, &wf.Version, &kind, &wf.Body,
		&secretRequests, &requirementsJSON, &outputStorage, &createdAt)
	if err != nil {
		return nil, err
	}

	wf.Kind = backend.WorkflowKind(kind)
	if secretRequests.Valid && secretRequests.String != "" {
		wf.SecretRequests = strings.Split(secretRequests.String, ",")
	}
	if requirementsJSON.Valid && requirementsJSON.String != "" {
		if err := json.Unmarshal([]byte(requirementsJSON.String), &wf.Requirements); err != nil {
			return nil, fmt.Errorf("failed to unmarshal requirements: %w", err)
		}
	}
	wf.OutputStorage = outputStorage.String
	wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &wf, nil
}

func collectWorkflows(rows *sql.Rows) ([]*backend.Workflow, error) {
	var out []*backend.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func scanWorker(row scanner) (*backend.Worker, error) {
	var w backend.Worker
	var tokenHash, runtimeJSON, resourcesJSON sql.NullString
	var lastSeen string

	err := row.Scan(&w.Name, &tokenHash, &runtimeJSON, &resourcesJSON, &lastSeen)
	if err != nil {
		return nil, err
	}

	w.SessionTokenHash = tokenHash.String
	if runtimeJSON.Valid && runtimeJSON.String != "" {
		if err := json.Unmarshal([]byte(runtimeJSON.String), &w.Runtime); err != nil {
			return nil, fmt.Errorf("failed to unmarshal runtime: %w", err)
		}
	}
	if resourcesJSON.Valid && resourcesJSON.String != "" {
		if err := json.Unmarshal([]byte(resourcesJSON.String), &w.Resources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
		}
	}
	w.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &w, nil
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
