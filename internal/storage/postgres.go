package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/xaenox/chatstream/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

// DB exposes the underlying handle so the rate limiter can share the
// connection pool and the rate_limits table.
func (s *PostgresStorage) DB() *sql.DB {
	return s.db
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	query := `
		INSERT INTO threads (id, user_id, title, status, model_id, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		thread.ID, thread.UserID, thread.Title, thread.Status, thread.ModelID, thread.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating thread: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	query := `
		SELECT id, user_id, COALESCE(title, ''), status, model_id, created_at
		FROM threads
		WHERE id = $1`

	thread := &models.Thread{}
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(
		&thread.ID, &thread.UserID, &thread.Title, &thread.Status, &thread.ModelID, &thread.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStorage) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = $1 WHERE id = $2`, title, threadID)
	if err != nil {
		return fmt.Errorf("error updating thread title: %w", err)
	}
	return checkOneRow(result)
}

func (s *PostgresStorage) UpdateThreadStatus(ctx context.Context, threadID string, status models.ThreadStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = $1 WHERE id = $2`, status, threadID)
	if err != nil {
		return fmt.Errorf("error updating thread status: %w", err)
	}
	return checkOneRow(result)
}

func (s *PostgresStorage) ListThreadsByUser(ctx context.Context, userID string, opts models.PaginationOpts) (*models.ThreadPage, error) {
	offset, num, err := offsetAndLimit(opts, 50)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, user_id, COALESCE(title, ''), status, model_id, created_at
		FROM threads
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, userID, num+1, offset)
	if err != nil {
		return nil, fmt.Errorf("error querying threads: %w", err)
	}
	defer rows.Close()

	threads, err := scanThreads(rows)
	if err != nil {
		return nil, err
	}

	page := &models.ThreadPage{IsDone: len(threads) <= num}
	if len(threads) > num {
		threads = threads[:num]
	}
	page.Items = threads
	page.ContinueCursor = strconv.Itoa(offset + len(threads))
	return page, nil
}

func (s *PostgresStorage) SearchThreadsByTitle(ctx context.Context, userID, query string, limit int) ([]*models.Thread, error) {
	if limit <= 0 {
		limit = 20
	}

	q := `
		SELECT id, user_id, COALESCE(title, ''), status, model_id, created_at
		FROM threads
		WHERE user_id = $1 AND lower(title) LIKE '%' || lower($2) || '%'
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error searching threads: %w", err)
	}
	defer rows.Close()

	return scanThreads(rows)
}

func (s *PostgresStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting append transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the thread row so concurrent appends serialize on position
	// assignment.
	var threadID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM threads WHERE id = $1 FOR UPDATE`, msg.ThreadID).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrThreadNotFound
	}
	if err != nil {
		return fmt.Errorf("error locking thread: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM messages WHERE thread_id = $1`,
		msg.ThreadID).Scan(&msg.Position)
	if err != nil {
		return fmt.Errorf("error assigning message position: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, user_id, role, position, content, streaming, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ThreadID, msg.UserID, msg.Role, msg.Position, msg.Content, msg.Streaming, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting message: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStorage) ListMessages(ctx context.Context, threadID string, opts models.PaginationOpts) (*models.MessagePage, error) {
	after := -1
	if opts.Cursor != "" {
		pos, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return nil, ErrBadCursor
		}
		after = pos
	}
	num := opts.NumItems
	if num <= 0 {
		num = 50
	}

	query := `
		SELECT id, thread_id, user_id, role, position, content, streaming, created_at
		FROM messages
		WHERE thread_id = $1 AND position > $2
		ORDER BY position ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, threadID, after, num+1)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	page := &models.MessagePage{IsDone: len(msgs) <= num}
	if len(msgs) > num {
		msgs = msgs[:num]
	}
	page.Items = msgs
	if len(msgs) > 0 {
		page.ContinueCursor = strconv.Itoa(msgs[len(msgs)-1].Position)
	}
	return page, nil
}

func (s *PostgresStorage) LatestMessages(ctx context.Context, threadID string, n int) ([]*models.Message, error) {
	if n <= 0 {
		n = 10
	}

	query := `
		SELECT id, thread_id, user_id, role, position, content, streaming, created_at
		FROM (
			SELECT id, thread_id, user_id, role, position, content, streaming, created_at
			FROM messages
			WHERE thread_id = $1
			ORDER BY position DESC
			LIMIT $2
		) latest
		ORDER BY position ASC`

	rows, err := s.db.QueryContext(ctx, query, threadID, n)
	if err != nil {
		return nil, fmt.Errorf("error querying latest messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *PostgresStorage) CountMessages(ctx context.Context, threadID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = $1`, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting messages: %w", err)
	}
	return count, nil
}

func (s *PostgresStorage) DeleteMessagesBatch(ctx context.Context, threadID string, n int) (int, error) {
	query := `
		DELETE FROM messages
		WHERE id IN (
			SELECT id FROM messages
			WHERE thread_id = $1
			ORDER BY position ASC
			LIMIT $2
		)`

	result, err := s.db.ExecContext(ctx, query, threadID, n)
	if err != nil {
		return 0, fmt.Errorf("error deleting messages: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error getting rows affected: %w", err)
	}
	return int(deleted), nil
}

func (s *PostgresStorage) AppendDelta(ctx context.Context, messageID string, seq int, text string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting delta transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = content || $1 WHERE id = $2`, text, messageID)
	if err != nil {
		return fmt.Errorf("error appending delta content: %w", err)
	}
	if err := checkOneRowMessage(result); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO message_deltas (message_id, seq, text) VALUES ($1, $2, $3)`,
		messageID, seq, text)
	if err != nil {
		return fmt.Errorf("error inserting delta: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStorage) SyncStreams(ctx context.Context, threadID string, cursors []models.StreamCursor) ([]models.StreamDelta, error) {
	seen := make(map[string]int, len(cursors))
	for _, c := range cursors {
		seen[c.MessageID] = c.Seq
	}

	query := `
		SELECT d.message_id, d.seq, d.text
		FROM message_deltas d
		JOIN messages m ON m.id = d.message_id
		WHERE m.thread_id = $1 AND m.streaming
		ORDER BY d.message_id, d.seq ASC`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("error querying stream deltas: %w", err)
	}
	defer rows.Close()

	var out []models.StreamDelta
	for rows.Next() {
		var d models.StreamDelta
		if err := rows.Scan(&d.MessageID, &d.Seq, &d.Text); err != nil {
			return nil, fmt.Errorf("error scanning delta: %w", err)
		}
		after, ok := seen[d.MessageID]
		if !ok {
			after = -1
		}
		if d.Seq > after {
			out = append(out, d)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStorage) FinalizeMessage(ctx context.Context, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting finalize transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE messages SET streaming = FALSE WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("error finalizing message: %w", err)
	}
	if err := checkOneRowMessage(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_deltas WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("error clearing deltas: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStorage) ListUsersWithThreads(ctx context.Context, opts models.PaginationOpts) (*models.UserPage, error) {
	after := opts.Cursor
	num := opts.NumItems
	if num <= 0 {
		num = 100
	}

	query := `
		SELECT DISTINCT user_id
		FROM threads
		WHERE user_id > $1
		ORDER BY user_id ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, after, num+1)
	if err != nil {
		return nil, fmt.Errorf("error querying users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("error scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &models.UserPage{IsDone: len(users) <= num}
	if len(users) > num {
		users = users[:num]
	}
	page.Users = users
	if len(users) > 0 {
		page.ContinueCursor = users[len(users)-1]
	}
	return page, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func scanThreads(rows *sql.Rows) ([]*models.Thread, error) {
	var threads []*models.Thread
	for rows.Next() {
		t := &models.Thread{}
		err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Status, &t.ModelID, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var msgs []*models.Message
	for rows.Next() {
		m := &models.Message{}
		err := rows.Scan(&m.ID, &m.ThreadID, &m.UserID, &m.Role, &m.Position, &m.Content, &m.Streaming, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func offsetAndLimit(opts models.PaginationOpts, fallback int) (int, int, error) {
	offset := 0
	if opts.Cursor != "" {
		o, err := strconv.Atoi(opts.Cursor)
		if err != nil || o < 0 {
			return 0, 0, ErrBadCursor
		}
		offset = o
	}
	num := opts.NumItems
	if num <= 0 {
		num = fallback
	}
	return offset, num, nil
}

func checkOneRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func checkOneRowMessage(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}
