package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, linkedin, company, role, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.DisplayName, strings.ToLower(strings.TrimSpace(user.Email)), user.LinkedIn, user.Company, user.Role, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, display_name, email, linkedin, company, role, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.LinkedIn, &user.Company, &user.Role, &user.PasswordHash, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email)))
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) InsertDeal(ctx context.Context, deal Deal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deals (id, title, company, contact_name, contact_email, contact_linkedin)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, deal.ID, deal.Title, deal.Company, deal.ContactName, deal.ContactEmail, deal.ContactLinkedIn)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeal(ctx context.Context, id string) (Deal, error) {
	var deal Deal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, company, contact_name, contact_email, contact_linkedin, created_at
		FROM deals WHERE id=$1
	`, id).Scan(&deal.ID, &deal.Title, &deal.Company, &deal.ContactName, &deal.ContactEmail, &deal.ContactLinkedIn, &deal.CreatedAt)
	if err != nil {
		return Deal{}, notFound(err)
	}
	return deal, nil
}

const connectionColumns = `
	id, from_user_id, to_user_id, deal_id,
	from_name, from_email, from_linkedin, to_name, to_email, to_linkedin, to_company,
	admin_approved, client_approved, admin_final_approved, draft_locked,
	draft_message, draft_generated_at, client_approved_at,
	email_sent_at, email_status, last_sent_message,
	client_goals, related_signal_id, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (Connection, error) {
	var (
		c                                       Connection
		draftGenerated, clientApproved, emailed sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.FromUserID, &c.ToUserID, &c.DealID,
		&c.FromName, &c.FromEmail, &c.FromLinkedIn, &c.ToName, &c.ToEmail, &c.ToLinkedIn, &c.ToCompany,
		&c.AdminApproved, &c.ClientApproved, &c.AdminFinalApproved, &c.DraftLocked,
		&c.DraftMessage, &draftGenerated, &clientApproved,
		&emailed, &c.EmailStatus, &c.LastSentMessage,
		&c.ClientGoals, &c.RelatedSignalID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Connection{}, err
	}
	c.DraftGeneratedAt = nullTime(draftGenerated)
	c.ClientApprovedAt = nullTime(clientApproved)
	c.EmailSentAt = nullTime(emailed)
	c.Status = c.DerivedStatus()
	return c, nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func toNullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func (s *PostgresStore) CreateConnection(ctx context.Context, c Connection) (string, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (
			id, from_user_id, to_user_id, deal_id,
			from_name, from_email, from_linkedin, to_name, to_email, to_linkedin, to_company,
			status, client_goals, related_signal_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, c.ID, c.FromUserID, c.ToUserID, c.DealID,
		c.FromName, c.FromEmail, c.FromLinkedIn, c.ToName, c.ToEmail, c.ToLinkedIn, c.ToCompany,
		string(c.DerivedStatus()), c.ClientGoals, c.RelatedSignalID, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err, "connections_peer_pair_idx") {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", fmt.Errorf("insert connection: %w", err)
	}
	return c.ID, nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (Connection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id=$1`, id))
	if err != nil {
		return Connection{}, notFound(err)
	}
	return c, nil
}

// UpdateConnection applies the patch under a row lock so writers from other
// processes serialize on the same record. The patch precondition sees the
// locked row, not the caller's earlier read.
func (s *PostgresStore) UpdateConnection(ctx context.Context, id string, patch ConnectionPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update connection: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanConnection(tx.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return notFound(err)
	}
	if patch.Precondition != nil {
		if err := patch.Precondition(current); err != nil {
			return err
		}
	}
	next := patch.Apply(current)
	_, err = tx.ExecContext(ctx, `
		UPDATE connections SET
			status=$2, admin_approved=$3, client_approved=$4, admin_final_approved=$5, draft_locked=$6,
			draft_message=$7, draft_generated_at=$8, client_approved_at=$9,
			email_sent_at=$10, email_status=$11, last_sent_message=$12,
			to_name=$13, to_email=$14, updated_at=$15
		WHERE id=$1
	`, id, string(next.Status), next.AdminApproved, next.ClientApproved, next.AdminFinalApproved, next.DraftLocked,
		next.DraftMessage, toNullTime(next.DraftGeneratedAt), toNullTime(next.ClientApprovedAt),
		toNullTime(next.EmailSentAt), next.EmailStatus, next.LastSentMessage,
		next.ToName, next.ToEmail, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) listConnections(ctx context.Context, query string, args ...any) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	items := make([]Connection, 0)
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListByParty(ctx context.Context, userID string) ([]Connection, error) {
	return s.listConnections(ctx, `SELECT `+connectionColumns+` FROM connections WHERE from_user_id=$1 ORDER BY created_at DESC, id DESC`, userID)
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]Connection, error) {
	return s.listConnections(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY created_at DESC, id DESC`)
}

func (s *PostgresStore) FindPeerConnection(ctx context.Context, userA, userB string) (*Connection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE deal_id = '' AND (
			(from_user_id=$1 AND to_user_id=$2) OR (from_user_id=$2 AND to_user_id=$1)
		)
		LIMIT 1
	`, userA, userB))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find peer connection: %w", err)
	}
	return &c, nil
}

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

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", notFound(err)
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
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

func (s *PostgresStore) SaveMailCredential(ctx context.Context, cred MailCredential) error {
	var expires *time.Time
	if !cred.ExpiresAt.IsZero() {
		expires = &cred.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mail_credentials (user_id, email, access_token, refresh_token, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			email=EXCLUDED.email, access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token, expires_at=EXCLUDED.expires_at
	`, cred.UserID, cred.Email, cred.AccessToken, cred.RefreshToken, toNullTime(expires))
	if err != nil {
		return fmt.Errorf("save mail credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMailCredential(ctx context.Context, userID string) (MailCredential, error) {
	var (
		cred    MailCredential
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, access_token, refresh_token, expires_at
		FROM mail_credentials WHERE user_id=$1
	`, userID).Scan(&cred.UserID, &cred.Email, &cred.AccessToken, &cred.RefreshToken, &expires)
	if err != nil {
		return MailCredential{}, notFound(err)
	}
	if expires.Valid {
		cred.ExpiresAt = expires.Time
	}
	return cred, nil
}
