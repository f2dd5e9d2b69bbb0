package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertProject finds the project rooted at rootDir, creating it if absent.
// If name is non-nil and differs from the stored name, the stored name is
// updated. Grounded on Sessions::upsert_project.
func (s *Store) UpsertProject(ctx context.Context, rootDir string, name *string) (Project, error) {
	now := nowMs()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("session: upsert project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := queryProjectByRootDir(ctx, tx, rootDir)
	if err != nil {
		return Project{}, err
	}

	var project Project
	if existing != nil {
		project = *existing
		if name != nil && !stringPtrEqual(project.Name, name) {
			if _, err := tx.ExecContext(ctx,
				"UPDATE projects SET name = ?, updated_at_ms = ? WHERE id = ?",
				name, now, project.ID,
			); err != nil {
				return Project{}, fmt.Errorf("session: update project name: %w", err)
			}
			project.Name = name
			project.UpdatedAtMs = now
		}
	} else {
		id, err := generateID("proj")
		if err != nil {
			return Project{}, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO projects (id, root_dir, name, created_at_ms, updated_at_ms) VALUES (?, ?, ?, ?, ?)",
			id, rootDir, name, now, now,
		); err != nil {
			return Project{}, fmt.Errorf("session: insert project: %w", err)
		}
		project = Project{ID: id, RootDir: rootDir, Name: name, CreatedAtMs: now, UpdatedAtMs: now}
	}

	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("session: upsert project: %w", err)
	}
	return project, nil
}

// ProjectByRootDir looks up a project by its workspace root path.
func (s *Store) ProjectByRootDir(ctx context.Context, rootDir string) (*Project, error) {
	return queryProjectByRootDir(ctx, s.db, rootDir)
}

// GetProject looks up a project by id.
func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, root_dir, name, created_at_ms, updated_at_ms FROM projects WHERE id = ?",
		projectID,
	)
	return scanProject(row)
}

func queryProjectByRootDir(ctx context.Context, q queryer, rootDir string) (*Project, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, root_dir, name, created_at_ms, updated_at_ms FROM projects WHERE root_dir = ?",
		rootDir,
	)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var name sql.NullString
	if err := row.Scan(&p.ID, &p.RootDir, &name, &p.CreatedAtMs, &p.UpdatedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: scan project: %w", err)
	}
	p.Name = nullStringToPtr(name)
	return &p, nil
}

// CreateSession creates a new, empty session (no turns yet) under a project.
func (s *Store) CreateSession(ctx context.Context, input CreateSessionInput) (Session, error) {
	now := nowMs()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("session: create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureProjectExists(ctx, tx, input.ProjectID); err != nil {
		return Session{}, err
	}

	id, err := generateID("sess")
	if err != nil {
		return Session{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, title, root_turn_id, current_turn_id, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, NULL, NULL, ?, ?)`,
		id, input.ProjectID, input.Title, now, now,
	); err != nil {
		return Session{}, fmt.Errorf("session: insert session: %w", err)
	}

	if err := insertSessionOp(ctx, tx, id, OpSessionCreated, map[string]any{
		"session_id": id,
		"project_id": input.ProjectID,
		"title":      input.Title,
	}, now); err != nil {
		return Session{}, err
	}

	sess, err := queryFullSession(ctx, tx, id)
	if err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("session: create session: %w", err)
	}
	return *sess, nil
}

// GetSession looks up a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return queryFullSession(ctx, s.db, sessionID)
}

// ListSessionsForProject returns up to limit sessions for a project, most
// recently updated first.
func (s *Store) ListSessionsForProject(ctx context.Context, projectID string, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, root_turn_id, current_turn_id, created_at_ms, updated_at_ms
		 FROM sessions WHERE project_id = ? ORDER BY updated_at_ms DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("session: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetSessionTitleIfMissing sets a session's title only if it currently has
// none (or only whitespace). A no-op trimmed-empty title is silently
// ignored, matching the original's early return.
func (s *Store) SetSessionTitleIfMissing(ctx context.Context, sessionID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}

	now := nowMs()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: set title: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureSessionExists(ctx, tx, sessionID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at_ms = ?
		 WHERE id = ? AND (title IS NULL OR trim(title) = '')`,
		title, now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("session: set title: %w", err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session: set title: %w", err)
	}

	if changed > 0 {
		if err := insertSessionOp(ctx, tx, sessionID, OpSessionTitleSet, map[string]any{"title": title}, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// AppendTurn adds a new turn to a session's DAG, branching from
// input.ParentTurnID (or the session's current checkout turn when nil).
func (s *Store) AppendTurn(ctx context.Context, input AppendTurnInput) (Turn, error) {
	now := nowMs()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("session: append turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := queryFullSession(ctx, tx, input.SessionID)
	if err != nil {
		return Turn{}, err
	}
	if sess == nil {
		return Turn{}, &ErrSessionNotFound{SessionID: input.SessionID}
	}

	parentTurnID := input.ParentTurnID
	if parentTurnID == nil {
		parentTurnID = sess.CurrentTurnID
	}
	if parentTurnID != nil {
		if err := ensureTurnBelongsToSession(ctx, tx, input.SessionID, *parentTurnID); err != nil {
			var mismatch *ErrTurnSessionMismatch
			var notFound *ErrTurnNotFound
			switch {
			case errors.As(err, &notFound):
				return Turn{}, &ErrTurnNotFound{TurnID: *parentTurnID}
			case errors.As(err, &mismatch):
				return Turn{}, &ErrParentTurnSessionMismatch{SessionID: input.SessionID, ParentTurnID: *parentTurnID}
			default:
				return Turn{}, err
			}
		}
	}

	turnID, err := generateID("turn")
	if err != nil {
		return Turn{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (
			id, session_id, parent_turn_id,
			user_parts_json, assistant_parts_json, conversation_state_json, usage_json, created_at_ms
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turnID, input.SessionID, parentTurnID,
		input.UserPartsJSON, input.AssistantPartsJSON, input.ConversationStateJSON, input.UsageJSON, now,
	); err != nil {
		return Turn{}, fmt.Errorf("session: insert turn: %w", err)
	}

	rootTurnID := sess.RootTurnID
	if rootTurnID == nil {
		rootTurnID = &turnID
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET root_turn_id = ?, current_turn_id = ?, updated_at_ms = ? WHERE id = ?",
		rootTurnID, turnID, now, input.SessionID,
	); err != nil {
		return Turn{}, fmt.Errorf("session: update session checkout: %w", err)
	}

	if err := insertSessionOp(ctx, tx, input.SessionID, OpTurnAppended, map[string]any{
		"turn_id":            turnID,
		"parent_turn_id":     parentTurnID,
		"user_parts":         rawJSON(input.UserPartsJSON),
		"assistant_parts":    rawJSON(input.AssistantPartsJSON),
		"conversation_state": rawJSON(input.ConversationStateJSON),
		"usage":              rawJSONPtr{s: input.UsageJSON},
	}, now); err != nil {
		return Turn{}, err
	}

	turn, err := queryTurn(ctx, tx, turnID)
	if err != nil {
		return Turn{}, err
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("session: append turn: %w", err)
	}
	return *turn, nil
}

// GetTurn looks up a turn by id.
func (s *Store) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	return queryTurn(ctx, s.db, turnID)
}

// CheckoutTurn moves a session's current checkout pointer to turnID, which
// must already belong to the session.
func (s *Store) CheckoutTurn(ctx context.Context, sessionID, turnID string) (Session, error) {
	now := nowMs()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("session: checkout turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureSessionExists(ctx, tx, sessionID); err != nil {
		return Session{}, err
	}
	if err := ensureTurnBelongsToSession(ctx, tx, sessionID, turnID); err != nil {
		return Session{}, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET current_turn_id = ?, updated_at_ms = ? WHERE id = ?",
		turnID, now, sessionID,
	); err != nil {
		return Session{}, fmt.Errorf("session: checkout turn: %w", err)
	}

	if err := insertSessionOp(ctx, tx, sessionID, OpSessionCheckout, map[string]any{"turn_id": turnID}, now); err != nil {
		return Session{}, err
	}

	sess, err := queryFullSession(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("session: checkout turn: %w", err)
	}
	return *sess, nil
}

// CurrentTurn returns the turn a session is currently checked out on, or nil
// if the session has no turns yet.
func (s *Store) CurrentTurn(ctx context.Context, sessionID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT t.id, t.session_id, t.parent_turn_id,
		        t.user_parts_json, t.assistant_parts_json, t.conversation_state_json, t.usage_json, t.created_at_ms
		 FROM sessions s JOIN turns t ON t.id = s.current_turn_id
		 WHERE s.id = ?`,
		sessionID,
	)
	return scanTurn(row)
}

// TurnPathToCurrent returns the root-to-current chain of turns for a
// session, root first, via a recursive CTE walking parent_turn_id.
func (s *Store) TurnPathToCurrent(ctx context.Context, sessionID string) ([]TurnPathItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE chain(id, parent_turn_id, depth) AS (
			SELECT t.id, t.parent_turn_id, 0
			FROM turns t JOIN sessions s ON s.current_turn_id = t.id
			WHERE s.id = ?
			UNION ALL
			SELECT p.id, p.parent_turn_id, chain.depth + 1
			FROM turns p JOIN chain ON chain.parent_turn_id = p.id
		 )
		 SELECT
		    t.id, t.session_id, t.parent_turn_id,
		    t.user_parts_json, t.assistant_parts_json, t.conversation_state_json, t.usage_json, t.created_at_ms,
		    chain.depth
		 FROM chain JOIN turns t ON t.id = chain.id
		 ORDER BY chain.depth DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session: turn path: %w", err)
	}
	defer rows.Close()

	var out []TurnPathItem
	for rows.Next() {
		var t Turn
		var parentTurnID, usageJSON sql.NullString
		var depth int64
		if err := rows.Scan(&t.ID, &t.SessionID, &parentTurnID,
			&t.UserPartsJSON, &t.AssistantPartsJSON, &t.ConversationStateJSON, &usageJSON, &t.CreatedAtMs, &depth); err != nil {
			return nil, fmt.Errorf("session: scan turn path row: %w", err)
		}
		t.ParentTurnID = nullStringToPtr(parentTurnID)
		t.UsageJSON = nullStringToPtr(usageJSON)
		out = append(out, TurnPathItem{Turn: t, Depth: int(depth)})
	}
	return out, rows.Err()
}

// ListSessionOps returns a session's operation log entries with seq >
// afterSeq (or from the start when afterSeq is nil), oldest first.
func (s *Store) ListSessionOps(ctx context.Context, sessionID string, afterSeq *int64, limit int) ([]SessionOp, error) {
	var after int64
	if afterSeq != nil {
		after = *afterSeq
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, session_id, op_type, payload_json, created_at_ms
		 FROM session_ops WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("session: list ops: %w", err)
	}
	defer rows.Close()

	var out []SessionOp
	for rows.Next() {
		var op SessionOp
		if err := rows.Scan(&op.Seq, &op.SessionID, &op.OpType, &op.PayloadJSON, &op.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("session: scan op row: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func ensureProjectExists(ctx context.Context, q queryer, projectID string) error {
	var exists int
	if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM projects WHERE id = ?)", projectID).Scan(&exists); err != nil {
		return fmt.Errorf("session: check project exists: %w", err)
	}
	if exists == 0 {
		return &ErrProjectNotFound{ProjectID: projectID}
	}
	return nil
}

func ensureSessionExists(ctx context.Context, q queryer, sessionID string) error {
	var exists int
	if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)", sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("session: check session exists: %w", err)
	}
	if exists == 0 {
		return &ErrSessionNotFound{SessionID: sessionID}
	}
	return nil
}

func ensureTurnBelongsToSession(ctx context.Context, q queryer, sessionID, turnID string) error {
	var owner sql.NullString
	err := q.QueryRowContext(ctx, "SELECT session_id FROM turns WHERE id = ?", turnID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &ErrTurnNotFound{TurnID: turnID}
	case err != nil:
		return fmt.Errorf("session: check turn ownership: %w", err)
	case owner.String != sessionID:
		return &ErrTurnSessionMismatch{SessionID: sessionID, TurnID: turnID}
	default:
		return nil
	}
}

func queryFullSession(ctx context.Context, q queryer, sessionID string) (*Session, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, project_id, title, root_turn_id, current_turn_id, created_at_ms, updated_at_ms
		 FROM sessions WHERE id = ?`,
		sessionID,
	)
	var title, rootTurnID, currentTurnID sql.NullString
	var sess Session
	if err := row.Scan(&sess.ID, &sess.ProjectID, &title, &rootTurnID, &currentTurnID, &sess.CreatedAtMs, &sess.UpdatedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: scan session: %w", err)
	}
	sess.Title = nullStringToPtr(title)
	sess.RootTurnID = nullStringToPtr(rootTurnID)
	sess.CurrentTurnID = nullStringToPtr(currentTurnID)
	return &sess, nil
}

func scanSessionRow(rows *sql.Rows) (Session, error) {
	var title, rootTurnID, currentTurnID sql.NullString
	var sess Session
	if err := rows.Scan(&sess.ID, &sess.ProjectID, &title, &rootTurnID, &currentTurnID, &sess.CreatedAtMs, &sess.UpdatedAtMs); err != nil {
		return Session{}, fmt.Errorf("session: scan session row: %w", err)
	}
	sess.Title = nullStringToPtr(title)
	sess.RootTurnID = nullStringToPtr(rootTurnID)
	sess.CurrentTurnID = nullStringToPtr(currentTurnID)
	return sess, nil
}

func queryTurn(ctx context.Context, q queryer, turnID string) (*Turn, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, session_id, parent_turn_id,
		        user_parts_json, assistant_parts_json, conversation_state_json, usage_json, created_at_ms
		 FROM turns WHERE id = ?`,
		turnID,
	)
	return scanTurn(row)
}

func scanTurn(row *sql.Row) (*Turn, error) {
	var t Turn
	var parentTurnID, usageJSON sql.NullString
	if err := row.Scan(&t.ID, &t.SessionID, &parentTurnID,
		&t.UserPartsJSON, &t.AssistantPartsJSON, &t.ConversationStateJSON, &usageJSON, &t.CreatedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: scan turn: %w", err)
	}
	t.ParentTurnID = nullStringToPtr(parentTurnID)
	t.UsageJSON = nullStringToPtr(usageJSON)
	return &t, nil
}

func insertSessionOp(ctx context.Context, tx *sql.Tx, sessionID, opType string, payload map[string]any, now int64) error {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return fmt.Errorf("session: marshal op payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO session_ops (session_id, op_type, payload_json, created_at_ms) VALUES (?, ?, ?, ?)",
		sessionID, opType, payloadJSON, now,
	); err != nil {
		return fmt.Errorf("session: insert op: %w", err)
	}
	return nil
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func nullStringToPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

