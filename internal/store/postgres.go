package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agora/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified, created_at, updated_at
		FROM users
		WHERE email = LOWER($1) AND deactivated_at IS NULL
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, role, is_email_verified, created_at, updated_at
		FROM users
		WHERE id = $1 AND deactivated_at IS NULL
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, used_at=NULL
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ---- refresh sessions + revoked access tokens ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role, u.is_email_verified
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- issues ----

const issueColumns = `id, slug, title, description, content, thumbnail_url, category, created_by, created_at, updated_at`

func scanIssue(row interface{ Scan(dest ...any) error }) (Issue, error) {
	var issue Issue
	err := row.Scan(&issue.ID, &issue.Slug, &issue.Title, &issue.Description, &issue.Content,
		&issue.ThumbnailURL, &issue.Category, &issue.CreatedBy, &issue.CreatedAt, &issue.UpdatedAt)
	return issue, err
}

func (s *PostgresStore) ListIssues(ctx context.Context) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

func (s *PostgresStore) ListIssuesByCategory(ctx context.Context, category string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues WHERE category=$1 ORDER BY created_at DESC
	`, category)
	if err != nil {
		return nil, fmt.Errorf("list issues by category: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

func collectIssues(rows *sql.Rows) ([]Issue, error) {
	items := make([]Issue, 0)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetIssueBySlug(ctx context.Context, slug string) (Issue, error) {
	return scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE slug=$1`, slug))
}

func (s *PostgresStore) CreateIssue(ctx context.Context, issue Issue) (Issue, error) {
	issue.ID = util.NewID("iss")
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO issues (id, slug, title, description, content, thumbnail_url, category, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+issueColumns+`
	`, issue.ID, issue.Slug, issue.Title, issue.Description, issue.Content, issue.ThumbnailURL, issue.Category, issue.CreatedBy)
	created, err := scanIssue(row)
	if err != nil {
		return Issue{}, fmt.Errorf("create issue: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateIssue(ctx context.Context, issue Issue) (Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE issues
		SET title=$2, description=$3, content=$4, thumbnail_url=$5, category=$6, updated_at=NOW()
		WHERE slug=$1
		RETURNING `+issueColumns+`
	`, issue.Slug, issue.Title, issue.Description, issue.Content, issue.ThumbnailURL, issue.Category)
	updated, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Issue{}, err
		}
		return Issue{}, fmt.Errorf("update issue: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteIssue(ctx context.Context, slug string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE slug=$1`, slug)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- chat messages ----

func (s *PostgresStore) InsertChatMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	msg.ID = util.NewID("msg")
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, issue_slug, sender_name, body, stance, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, msg.ID, msg.IssueSlug, msg.SenderName, msg.Body, msg.Stance, msg.NetworkIdentity).Scan(&msg.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, issueSlug string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_slug, sender_name, body, stance, ip_address, created_at
		FROM chat_messages
		WHERE issue_slug=$1
		ORDER BY created_at ASC
	`, issueSlug)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.IssueSlug, &msg.SenderName, &msg.Body, &msg.Stance, &msg.NetworkIdentity, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

// ---- banned_ips ----

func (s *PostgresStore) InsertBan(ctx context.Context, ban BanRecord) error {
	if ban.ID == "" {
		ban.ID = util.NewID("ban")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO banned_ips (id, ip_address, reason, banned_until)
		VALUES ($1, $2, $3, $4)
	`, ban.ID, ban.NetworkIdentity, ban.Reason, ban.BannedUntil)
	if err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	return nil
}

// ActiveBan returns the unexpired ban with the furthest banned_until for the
// identity, or nil when none is active.
func (s *PostgresStore) ActiveBan(ctx context.Context, networkIdentity string) (*BanRecord, error) {
	var ban BanRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ip_address, reason, banned_until, created_at
		FROM banned_ips
		WHERE ip_address=$1 AND banned_until > NOW()
		ORDER BY banned_until DESC
		LIMIT 1
	`, networkIdentity).Scan(&ban.ID, &ban.NetworkIdentity, &ban.Reason, &ban.BannedUntil, &ban.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup active ban: %w", err)
	}
	return &ban, nil
}
