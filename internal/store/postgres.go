package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RLAsoftware/category-of-one/internal/interview"
)

// PostgresStore persists sessions, transcripts, and profiles in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			company TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_clients_email ON clients (lower(email));`,
		`CREATE TABLE IF NOT EXISTS user_roles (
			user_id TEXT PRIMARY KEY,
			role TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS interview_sessions (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			flagged_for_review BOOLEAN NOT NULL DEFAULT FALSE,
			last_message_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_interview_sessions_client_created ON interview_sessions (client_id, created_at DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_interview_sessions_one_active
			ON interview_sessions (client_id)
			WHERE deleted_at IS NULL AND status IN ('chatting', 'generating_profile');`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES interview_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session_order ON chat_messages (session_id, created_at, seq);`,
		`CREATE TABLE IF NOT EXISTS category_of_one_profiles (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			session_id TEXT NOT NULL UNIQUE REFERENCES interview_sessions(id) ON DELETE CASCADE,
			document JSONB NOT NULL,
			category_of_one_md TEXT NOT NULL DEFAULT '',
			business_profile_md TEXT NOT NULL DEFAULT '',
			raw_response TEXT NOT NULL DEFAULT '',
			synthesis_attempts INTEGER NOT NULL DEFAULT 1,
			synthesis_error TEXT,
			needs_review BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_client_created ON category_of_one_profiles (client_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS llm_configs (
			name TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			chat_system_prompt TEXT NOT NULL,
			synthesis_system_prompt TEXT NOT NULL,
			updated_by TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const sessionColumns = `id, client_id, status, message_count, flagged_for_review, last_message_at, completed_at, deleted_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (interview.Session, error) {
	var (
		sess   interview.Session
		status string
	)
	err := row.Scan(
		&sess.ID,
		&sess.ClientID,
		&status,
		&sess.MessageCount,
		&sess.FlaggedForReview,
		&sess.LastMessageAt,
		&sess.CompletedAt,
		&sess.DeletedAt,
		&sess.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return interview.Session{}, interview.ErrNotFound
		}
		return interview.Session{}, err
	}
	sess.Status = interview.Status(status)
	return sess, nil
}

// isUniqueViolation reports a hit on a unique index, optionally a specific one.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func (s *PostgresStore) CreateSession(ctx context.Context, clientID string) (interview.Session, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO interview_sessions (id, client_id, status, created_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+sessionColumns,
		uuid.NewString(),
		clientID,
		string(interview.StatusChatting),
		time.Now().UTC(),
	)
	sess, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err, "idx_interview_sessions_one_active") {
			return interview.Session{}, interview.ErrActiveSessionExists
		}
		return interview.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (interview.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM interview_sessions WHERE id=$1`, sessionID))
	if err != nil && !errors.Is(err, interview.ErrNotFound) {
		return interview.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, err
}

func (s *PostgresStore) ActiveSession(ctx context.Context, clientID string) (interview.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM interview_sessions
		 WHERE client_id=$1 AND deleted_at IS NULL AND status IN ('chatting', 'generating_profile')
		 ORDER BY created_at DESC LIMIT 1`, clientID))
	if err != nil && !errors.Is(err, interview.ErrNotFound) {
		return interview.Session{}, fmt.Errorf("active session: %w", err)
	}
	return sess, err
}

func (s *PostgresStore) ListSessions(ctx context.Context, clientID string, filter SessionFilter) ([]interview.Session, error) {
	var (
		where = []string{"client_id=$1"}
		args  = []any{clientID}
	)
	if filter.Deleted {
		where = append(where, "deleted_at IS NOT NULL")
	} else {
		where = append(where, "deleted_at IS NULL")
	}
	switch filter.Status {
	case FilterInProgress:
		where = append(where, "status IN ('chatting', 'generating_profile')")
	case FilterCompleted:
		where = append(where, "status = 'completed'")
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM chat_messages m WHERE m.session_id = interview_sessions.id AND m.content ILIKE $%d)", len(args)))
	}
	query := `SELECT ` + sessionColumns + ` FROM interview_sessions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]interview.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, sessionID string, from []interview.Status, to interview.Status) (interview.Session, error) {
	fromStrs := make([]string, 0, len(from))
	for _, st := range from {
		fromStrs = append(fromStrs, string(st))
	}
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`UPDATE interview_sessions SET status=$2
		 WHERE id=$1 AND status = ANY($3)
		 RETURNING `+sessionColumns,
		sessionID, string(to), fromStrs))
	if errors.Is(err, interview.ErrNotFound) {
		current, getErr := s.GetSession(ctx, sessionID)
		if getErr != nil {
			return interview.Session{}, getErr
		}
		return current, interview.ErrStatusConflict
	}
	if err != nil {
		if isUniqueViolation(err, "idx_interview_sessions_one_active") {
			return interview.Session{}, interview.ErrActiveSessionExists
		}
		return interview.Session{}, fmt.Errorf("transition status: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) RecordExchange(ctx context.Context, sessionID string, delta int, at time.Time) (interview.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`UPDATE interview_sessions SET message_count = message_count + $2, last_message_at = $3
		 WHERE id=$1
		 RETURNING `+sessionColumns,
		sessionID, delta, at.UTC()))
	if err != nil && !errors.Is(err, interview.ErrNotFound) {
		return interview.Session{}, fmt.Errorf("record exchange: %w", err)
	}
	return sess, err
}

func (s *PostgresStore) FlagForReview(ctx context.Context, sessionID string) (interview.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`UPDATE interview_sessions SET flagged_for_review = TRUE WHERE id=$1 RETURNING `+sessionColumns,
		sessionID))
	if err != nil && !errors.Is(err, interview.ErrNotFound) {
		return interview.Session{}, fmt.Errorf("flag session: %w", err)
	}
	return sess, err
}

func (s *PostgresStore) SetDeleted(ctx context.Context, sessionID string, at *time.Time) (interview.Session, error) {
	var deletedAt *time.Time
	if at != nil {
		t := at.UTC()
		deletedAt = &t
	}
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`UPDATE interview_sessions SET deleted_at=$2 WHERE id=$1 RETURNING `+sessionColumns,
		sessionID, deletedAt))
	if err != nil {
		if isUniqueViolation(err, "idx_interview_sessions_one_active") {
			return interview.Session{}, interview.ErrActiveSessionExists
		}
		if errors.Is(err, interview.ErrNotFound) {
			return interview.Session{}, err
		}
		return interview.Session{}, fmt.Errorf("set deleted: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ResetSession(ctx context.Context, sessionID string) (interview.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return interview.Session{}, fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chat_messages WHERE session_id=$1`, sessionID); err != nil {
		return interview.Session{}, fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM category_of_one_profiles WHERE session_id=$1`, sessionID); err != nil {
		return interview.Session{}, fmt.Errorf("delete profile: %w", err)
	}
	sess, err := scanSession(tx.QueryRow(ctx,
		`UPDATE interview_sessions
		 SET status=$2, message_count=0, flagged_for_review=FALSE, completed_at=NULL, last_message_at=NULL
		 WHERE id=$1
		 RETURNING `+sessionColumns,
		sessionID, string(interview.StatusChatting)))
	if err != nil {
		if isUniqueViolation(err, "idx_interview_sessions_one_active") {
			return interview.Session{}, interview.ErrActiveSessionExists
		}
		if errors.Is(err, interview.ErrNotFound) {
			return interview.Session{}, err
		}
		return interview.Session{}, fmt.Errorf("reset session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return interview.Session{}, fmt.Errorf("commit reset tx: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) CompleteWithProfile(ctx context.Context, profile interview.Profile, completedAt time.Time) (interview.Profile, interview.Session, error) {
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(profile.Document)
	if err != nil {
		return interview.Profile{}, interview.Session{}, fmt.Errorf("encode profile document: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return interview.Profile{}, interview.Session{}, fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := scanSession(tx.QueryRow(ctx,
		`UPDATE interview_sessions SET status=$2, completed_at=$3
		 WHERE id=$1 AND status=$4
		 RETURNING `+sessionColumns,
		profile.SessionID,
		string(interview.StatusCompleted),
		completedAt.UTC(),
		string(interview.StatusGeneratingProfile),
	))
	if errors.Is(err, interview.ErrNotFound) {
		current, getErr := s.GetSession(ctx, profile.SessionID)
		if getErr != nil {
			return interview.Profile{}, interview.Session{}, getErr
		}
		return interview.Profile{}, current, interview.ErrStatusConflict
	}
	if err != nil {
		return interview.Profile{}, interview.Session{}, fmt.Errorf("complete session: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO category_of_one_profiles
		 (id, client_id, session_id, document, category_of_one_md, business_profile_md, raw_response,
		  synthesis_attempts, synthesis_error, needs_review, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		profile.ID,
		profile.ClientID,
		profile.SessionID,
		doc,
		profile.FullDocumentMD,
		profile.BusinessProfileMD,
		profile.RawResponse,
		profile.SynthesisAttempts,
		profile.SynthesisError,
		profile.NeedsReview,
		profile.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return interview.Profile{}, sess, interview.ErrProfileExists
		}
		return interview.Profile{}, interview.Session{}, fmt.Errorf("insert profile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return interview.Profile{}, interview.Session{}, fmt.Errorf("commit complete tx: %w", err)
	}
	return profile, sess, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg interview.Message) (interview.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID,
		msg.SessionID,
		string(msg.Role),
		msg.Content,
		msg.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return interview.Message{}, interview.ErrNotFound
		}
		return interview.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]interview.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM chat_messages WHERE session_id=$1 ORDER BY created_at ASC, seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]interview.Message, 0)
	for rows.Next() {
		var (
			m    interview.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = interview.Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

const profileColumns = `id, client_id, session_id, document, category_of_one_md, business_profile_md, raw_response,
	synthesis_attempts, synthesis_error, needs_review, created_at`

func scanProfile(row rowScanner) (interview.Profile, error) {
	var (
		p   interview.Profile
		doc []byte
	)
	err := row.Scan(
		&p.ID,
		&p.ClientID,
		&p.SessionID,
		&doc,
		&p.FullDocumentMD,
		&p.BusinessProfileMD,
		&p.RawResponse,
		&p.SynthesisAttempts,
		&p.SynthesisError,
		&p.NeedsReview,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return interview.Profile{}, interview.ErrNotFound
		}
		return interview.Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	if err := json.Unmarshal(doc, &p.Document); err != nil {
		return interview.Profile{}, fmt.Errorf("decode profile document: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetProfileBySession(ctx context.Context, sessionID string) (interview.Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM category_of_one_profiles WHERE session_id=$1`, sessionID))
}

func (s *PostgresStore) LatestProfile(ctx context.Context, clientID string) (interview.Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM category_of_one_profiles
		 WHERE client_id=$1
		   AND session_id IN (SELECT id FROM interview_sessions WHERE deleted_at IS NULL)
		 ORDER BY created_at DESC LIMIT 1`, clientID))
}

func (s *PostgresStore) GetLLMConfig(ctx context.Context, name string) (interview.LLMConfig, error) {
	var cfg interview.LLMConfig
	err := s.pool.QueryRow(ctx,
		`SELECT name, model, chat_system_prompt, synthesis_system_prompt, updated_by, updated_at
		 FROM llm_configs WHERE name=$1`, name,
	).Scan(&cfg.Name, &cfg.Model, &cfg.ChatSystemPrompt, &cfg.SynthesisSystemPrompt, &cfg.UpdatedBy, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return interview.LLMConfig{}, interview.ErrNotFound
		}
		return interview.LLMConfig{}, fmt.Errorf("get llm config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) SaveLLMConfig(ctx context.Context, cfg interview.LLMConfig) (interview.LLMConfig, error) {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_configs (name, model, chat_system_prompt, synthesis_system_prompt, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE SET
		   model = EXCLUDED.model,
		   chat_system_prompt = EXCLUDED.chat_system_prompt,
		   synthesis_system_prompt = EXCLUDED.synthesis_system_prompt,
		   updated_by = EXCLUDED.updated_by,
		   updated_at = EXCLUDED.updated_at`,
		cfg.Name, cfg.Model, cfg.ChatSystemPrompt, cfg.SynthesisSystemPrompt, cfg.UpdatedBy, cfg.UpdatedAt,
	)
	if err != nil {
		return interview.LLMConfig{}, fmt.Errorf("save llm config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) scanClient(row rowScanner) (interview.Client, error) {
	var (
		c      interview.Client
		userID *string
	)
	if err := row.Scan(&c.ID, &userID, &c.Name, &c.Email, &c.Company); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return interview.Client{}, interview.ErrNotFound
		}
		return interview.Client{}, fmt.Errorf("scan client: %w", err)
	}
	if userID != nil {
		c.UserID = *userID
	}
	return c, nil
}

func (s *PostgresStore) ClientByEmail(ctx context.Context, email string) (interview.Client, error) {
	return s.scanClient(s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, email, company FROM clients WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email)))
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (interview.Client, error) {
	return s.scanClient(s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, email, company FROM clients WHERE id=$1`, clientID))
}

func (s *PostgresStore) UserRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx, `SELECT role FROM user_roles WHERE user_id=$1`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", interview.ErrNotFound
		}
		return "", fmt.Errorf("get user role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
