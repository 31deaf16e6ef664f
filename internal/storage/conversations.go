// Package storage persists conversation payloads in SQLite, one row per
// conversation keyed by client.
package storage

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

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	apperrors "github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/tools"
)

// defaultTitle is used when a payload carries no usable title.
const defaultTitle = "新的会话"

// ConversationStore provides SQLite-backed conversation storage.
type ConversationStore struct {
	db  *sqlx.DB
	log *logger.Logger

	// workspaceBase guards deletes: cleanup only ever removes paths that
	// resolve strictly inside it.
	workspaceBase string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type conversationRow struct {
	ID             string         `db:"id"`
	ClientID       string         `db:"client_id"`
	Title          string         `db:"title"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	Payload        string         `db:"payload"`
	WorkspaceRoot  sql.NullString `db:"workspace_root"`
	WorkspaceMount sql.NullString `db:"workspace_mount"`
	SessionID      sql.NullString `db:"session_id"`
	GitCommit      sql.NullString `db:"git_commit"`
	GitDirty       sql.NullString `db:"git_dirty"`
}

// NewConversationStore opens (or creates) the database at dbPath.
// workspaceBase is the configured workspace storage root used to bound
// cleanup on delete.
func NewConversationStore(dbPath, workspaceBase string, log *logger.Logger) (*ConversationStore, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &ConversationStore{
		db:            db,
		log:           log.WithFields(zap.String("component", "conversation_store")),
		workspaceBase: workspaceBase,
		locks:         make(map[string]*sync.Mutex),
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	store.log.Info("conversation store initialised", zap.String("path", dbPath))
	return store, nil
}

func (s *ConversationStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS okc_conversations (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		payload TEXT NOT NULL,
		workspace_root TEXT,
		workspace_mount TEXT,
		session_id TEXT,
		git_commit TEXT,
		git_dirty TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_client_updated
		ON okc_conversations(client_id, updated_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

// conversationLock serialises writes per conversation id; writes across
// ids proceed in parallel.
func (s *ConversationStore) conversationLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// List returns the client's conversations ordered newest-first.
func (s *ConversationStore) List(ctx context.Context, clientID string) ([]map[string]any, error) {
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, client_id, title, created_at, updated_at, payload,
		       workspace_root, workspace_mount, session_id, git_commit, git_dirty
		FROM okc_conversations WHERE client_id = ? ORDER BY updated_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	result := make([]map[string]any, 0, len(rows))
	for i := range rows {
		result = append(result, rowToPayload(&rows[i]))
	}
	return result, nil
}

// Get returns one conversation. A row owned by another client is treated
// as missing.
func (s *ConversationStore) Get(ctx context.Context, clientID, id string) (map[string]any, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, client_id, title, created_at, updated_at, payload,
		       workspace_root, workspace_mount, session_id, git_commit, git_dirty
		FROM okc_conversations WHERE id = ?
	`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if row.ClientID != clientID {
		return nil, apperrors.NotFound("conversation", id)
	}
	return rowToPayload(&row), nil
}

// Save upserts a conversation payload. The row keeps its original
// client_id; an attempt to overwrite another client's conversation fails
// with a client mismatch. Timestamps and workspace fields are normalised
// before writing.
func (s *ConversationStore) Save(ctx context.Context, clientID string, conversation map[string]any) (map[string]any, error) {
	id := normaliseString(conversation["id"])
	if id == "" {
		return nil, apperrors.ValidationError("id", "conversation payload must include an 'id'")
	}

	now := time.Now().UTC()
	createdAt := normaliseTimestamp(conversation["createdAt"], now)
	updatedAt := normaliseTimestamp(conversation["updatedAt"], createdAt)
	title := normaliseString(conversation["title"])
	if title == "" {
		title = defaultTitle
	}

	paths, git := workspaceSections(conversation)
	workspaceRoot := nullString(firstString(paths, "internal_root", "internalRoot"))
	workspaceMount := nullString(normaliseString(paths["mount"]))
	sessionID := nullString(firstString(paths, "session_id", "sessionId"))
	gitCommit := nullString(firstString(git, "commit", "head"))
	gitDirty := nullString(dirtyFlag(git["is_dirty"]))

	payloadJSON, err := json.Marshal(conversation)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation: %w", err)
	}

	lock := s.conversationLock(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.GetContext(ctx, &owner, `SELECT client_id FROM okc_conversations WHERE id = ?`, id)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO okc_conversations
				(id, client_id, title, created_at, updated_at, payload,
				 workspace_root, workspace_mount, session_id, git_commit, git_dirty)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, clientID, title, createdAt, updatedAt, string(payloadJSON),
			workspaceRoot, workspaceMount, sessionID, gitCommit, gitDirty)
	case err != nil:
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	case owner != clientID:
		return nil, apperrors.ClientMismatch(id)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE okc_conversations
			SET title = ?, updated_at = ?, payload = ?,
			    workspace_root = ?, workspace_mount = ?, session_id = ?,
			    git_commit = ?, git_dirty = ?
			WHERE id = ?
		`, title, updatedAt, string(payloadJSON),
			workspaceRoot, workspaceMount, sessionID, gitCommit, gitDirty, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conversation: %w", err)
	}
	return conversation, nil
}

// Delete removes the conversation row, then best-effort removes the
// workspace directory and deployments recorded in the payload. The
// cleanup report is returned alongside success.
func (s *ConversationStore) Delete(ctx context.Context, clientID, id string) (map[string]any, error) {
	lock := s.conversationLock(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row conversationRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, client_id, title, created_at, updated_at, payload,
		       workspace_root, workspace_mount, session_id, git_commit, git_dirty
		FROM okc_conversations WHERE id = ?
	`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if row.ClientID != clientID {
		return nil, apperrors.NotFound("conversation", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM okc_conversations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}

	return s.cleanupWorkspace(rowToPayload(&row)), nil
}

// cleanupWorkspace removes the workspace directory named in a deleted
// conversation, refusing anything that does not resolve strictly inside
// the configured workspace base.
func (s *ConversationStore) cleanupWorkspace(payload map[string]any) map[string]any {
	summary := map[string]any{"removed": false}
	paths, _ := workspaceSections(payload)
	internalRoot := firstString(paths, "internal_root", "internalRoot")
	if internalRoot == "" {
		return summary
	}

	resolvedRoot, err := filepath.Abs(internalRoot)
	if err != nil {
		summary["error"] = err.Error()
		summary["path"] = internalRoot
		return summary
	}
	base, err := filepath.Abs(s.workspaceBase)
	if err != nil || base == "" {
		summary["error"] = "workspace base is not configured"
		return summary
	}
	rel, err := filepath.Rel(base, resolvedRoot)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		summary["error"] = "workspace outside configured root"
		summary["path"] = resolvedRoot
		return summary
	}
	if rel == "." {
		summary["error"] = "refusing to delete workspace root"
		summary["path"] = resolvedRoot
		return summary
	}

	summary["path"] = resolvedRoot
	if _, err := os.Stat(resolvedRoot); err == nil {
		if err := os.RemoveAll(resolvedRoot); err != nil {
			summary["error"] = err.Error()
		} else {
			summary["removed"] = true
		}
	}

	if sessionID := firstString(paths, "session_id", "sessionId"); sessionID != "" {
		deployments := tools.CleanupSessionDeployments(filepath.Join(filepath.Dir(resolvedRoot), "deployments"), sessionID)
		if len(deployments.Removed) > 0 || len(deployments.Errors) > 0 {
			summary["deployments"] = deployments
		}
	}
	return summary
}

// rowToPayload decodes the stored payload and backfills identity,
// timestamps, and workspace columns so older payloads stay complete.
func rowToPayload(row *conversationRow) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(row.Payload), &data); err != nil || data == nil {
		data = map[string]any{}
	}

	setDefault(data, "id", row.ID)
	setDefault(data, "title", row.Title)
	setDefault(data, "createdAt", row.CreatedAt.UTC().Format(time.RFC3339))
	setDefault(data, "updatedAt", row.UpdatedAt.UTC().Format(time.RFC3339))

	workspace, _ := data["workspace"].(map[string]any)
	if workspace == nil {
		workspace = map[string]any{}
	}
	paths, _ := workspace["paths"].(map[string]any)
	if paths == nil {
		paths = map[string]any{}
	}
	if row.WorkspaceRoot.Valid {
		setDefault(paths, "internal_root", row.WorkspaceRoot.String)
	}
	if row.WorkspaceMount.Valid {
		setDefault(paths, "mount", row.WorkspaceMount.String)
	}
	if row.SessionID.Valid {
		setDefault(paths, "session_id", row.SessionID.String)
	}
	if len(paths) > 0 {
		workspace["paths"] = paths
	}

	git, _ := workspace["git"].(map[string]any)
	if git == nil {
		git = map[string]any{}
	}
	if row.GitCommit.Valid {
		setDefault(git, "commit", row.GitCommit.String)
	}
	if row.GitDirty.Valid {
		setDefault(git, "is_dirty", row.GitDirty.String == "1")
	}
	if len(git) > 0 {
		workspace["git"] = git
	}
	if len(workspace) > 0 {
		data["workspace"] = workspace
	}
	return data
}

func workspaceSections(conversation map[string]any) (paths, git map[string]any) {
	paths = map[string]any{}
	git = map[string]any{}
	workspace, ok := conversation["workspace"].(map[string]any)
	if !ok {
		return paths, git
	}
	if raw, ok := workspace["paths"].(map[string]any); ok {
		paths = raw
	}
	if raw, ok := workspace["git"].(map[string]any); ok {
		git = raw
	}
	return paths, git
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func normaliseString(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := normaliseString(m[key]); s != "" {
			return s
		}
	}
	return ""
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// normaliseTimestamp parses ISO timestamps, tolerating a trailing Z and a
// missing zone (assumed UTC). Unparseable values use the fallback.
func normaliseTimestamp(value any, fallback time.Time) time.Time {
	raw := normaliseString(value)
	if raw == "" {
		return fallback
	}
	if strings.HasSuffix(raw, "Z") {
		raw = strings.TrimSuffix(raw, "Z") + "+00:00"
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return fallback
}

// dirtyFlag folds bool-ish payload values to the stored "1"/"0" flags.
func dirtyFlag(value any) string {
	switch v := value.(type) {
	case bool:
		if v {
			return "1"
		}
		return "0"
	case float64:
		if v != 0 {
			return "1"
		}
		return "0"
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return "1"
		case "0", "false", "no", "off":
			return "0"
		}
	}
	return ""
}
