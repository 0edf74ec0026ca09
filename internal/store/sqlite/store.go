package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agent_town/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS planning_sessions (
	id TEXT PRIMARY KEY,
	room TEXT NOT NULL,
	description TEXT NOT NULL,
	steps TEXT NOT NULL,
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_planning_sessions_room ON planning_sessions(room, created_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL DEFAULT '',
	room TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_session ON decision_log(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decision_log_room ON decision_log(room, created_at);

CREATE TABLE IF NOT EXISTS chat_messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	room TEXT NOT NULL,
	role TEXT NOT NULL,
	agent TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_room ON chat_messages(room, seq);

CREATE TABLE IF NOT EXISTS collaborative_results (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	room TEXT NOT NULL,
	description TEXT NOT NULL,
	summary TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collaborative_results_room ON collaborative_results(room, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, room string, session domain.PlanningSession) error {
	steps, err := json.Marshal(session.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	created := session.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO planning_sessions(id, room, description, steps, status, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, '', ?, ?)`,
		session.ID, room, session.Description, string(steps), string(domain.SessionStatusAnimating),
		created.UnixMilli(), created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, lastError string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE planning_sessions SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.PlanningSession, domain.SessionStatus, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, description, steps, status, created_at FROM planning_sessions WHERE id = ?`,
		sessionID,
	)
	var session domain.PlanningSession
	var steps, status string
	var created int64
	if err := row.Scan(&session.ID, &session.Description, &steps, &status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PlanningSession{}, "", fmt.Errorf("get session %s: %w", sessionID, ErrNotFound)
		}
		return domain.PlanningSession{}, "", fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &session.Steps); err != nil {
		return domain.PlanningSession{}, "", fmt.Errorf("decode session steps: %w", err)
	}
	session.CreatedAt = time.UnixMilli(created).UTC()
	return session, domain.SessionStatus(status), nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.Payload) == 0 {
		entry.Payload = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(session_id, room, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Room, entry.Actor, entry.Action, entry.Reason, string(entry.Payload), entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListSessionDecisions(ctx context.Context, sessionID string, limit int) ([]domain.DecisionLog, error) {
	return s.listDecisions(ctx, `session_id = ?`, sessionID, limit)
}

func (s *Store) ListRoomDecisions(ctx context.Context, room string, limit int) ([]domain.DecisionLog, error) {
	return s.listDecisions(ctx, `room = ?`, room, limit)
}

func (s *Store) listDecisions(ctx context.Context, where string, arg string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, room, actor, action, reason, payload, created_at FROM (
			SELECT * FROM decision_log WHERE `+where+` ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		arg, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var d domain.DecisionLog
		var payload string
		var created int64
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Room, &d.Actor, &d.Action, &d.Reason, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Payload = json.RawMessage(payload)
		d.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

func (s *Store) AppendChatMessage(ctx context.Context, room string, msg domain.ChatMessage) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO chat_messages(id, room, role, agent, content, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), room, string(msg.Role), msg.Agent, msg.Content, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns the newest limit messages of room, oldest first.
func (s *Store) ListChatMessages(ctx context.Context, room string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT role, agent, content FROM (
			SELECT seq, role, agent, content FROM chat_messages WHERE room = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		room, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ChatMessage, 0)
	for rows.Next() {
		var m domain.ChatMessage
		var role string
		if err := rows.Scan(&role, &m.Agent, &m.Content); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Role = domain.ChatRole(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return out, nil
}

func (s *Store) ClearChat(ctx context.Context, room string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE room = ?`, room); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	return nil
}

func (s *Store) SaveResult(ctx context.Context, rec domain.ResultRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO collaborative_results(id, session_id, room, description, summary, result, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Room, rec.Description, rec.Result.Summary, string(raw), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// ListResults returns the newest results of room first.
func (s *Store) ListResults(ctx context.Context, room string, limit int) ([]domain.ResultRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, room, description, result, created_at
		FROM collaborative_results WHERE room = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		room, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ResultRecord, 0)
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

func (s *Store) GetResult(ctx context.Context, id string) (domain.ResultRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, session_id, room, description, result, created_at FROM collaborative_results WHERE id = ?`,
		id,
	)
	rec, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResultRecord{}, fmt.Errorf("get result %s: %w", id, ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (domain.ResultRecord, error) {
	var rec domain.ResultRecord
	var raw string
	var created int64
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Room, &rec.Description, &raw, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ResultRecord{}, err
		}
		return domain.ResultRecord{}, fmt.Errorf("scan result: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &rec.Result); err != nil {
		return domain.ResultRecord{}, fmt.Errorf("decode result: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}
