package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/sessiongate/internal/model"
)

const sessionColumns = `id, user_id, email, access_token, refresh_token, auth_method,
	issued_at, expires_at, created_at, updated_at`

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Upsert はセッションを作成し、既存の場合は上書きする。
// created_atは初回作成時の値を維持する。
func (r *PostgresSessionRepo) Upsert(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, email, access_token, refresh_token, auth_method,
		                       issued_at, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
		     user_id       = EXCLUDED.user_id,
		     email         = EXCLUDED.email,
		     access_token  = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     auth_method   = EXCLUDED.auth_method,
		     issued_at     = EXCLUDED.issued_at,
		     expires_at    = EXCLUDED.expires_at,
		     updated_at    = now()`,
		session.ID, session.UserID, session.Email, session.AccessToken, session.RefreshToken,
		string(session.AuthMethod), session.IssuedAt, session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`,
		id,
	)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// UpdateAuthMethod は認証方式を更新し、更新後のセッションを返す。
func (r *PostgresSessionRepo) UpdateAuthMethod(ctx context.Context, id string, method model.AuthMethod) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE sessions SET auth_method = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+sessionColumns,
		id, string(method),
	)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update session auth method: %w", err)
	}
	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func scanSession(row *sql.Row) (*model.Session, error) {
	s := &model.Session{}
	var method string
	err := row.Scan(
		&s.ID, &s.UserID, &s.Email, &s.AccessToken, &s.RefreshToken, &method,
		&s.IssuedAt, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.AuthMethod = model.AuthMethod(method)
	return s, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
