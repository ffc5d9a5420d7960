package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/sessiongate/internal/model"
)

// PostgresAgencyUserRepo はPostgreSQLを使用した代理店ユーザーリポジトリ。
type PostgresAgencyUserRepo struct {
	db *sql.DB
}

// NewPostgresAgencyUserRepo はPostgresAgencyUserRepoを生成する。
func NewPostgresAgencyUserRepo(db *sql.DB) *PostgresAgencyUserRepo {
	return &PostgresAgencyUserRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresAgencyUserRepo) FindByID(ctx context.Context, id string) (*model.AgencyUser, error) {
	user := &model.AgencyUser{}
	var agencyID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, role, agency_id, created_at FROM agency_users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email, &user.Role, &agencyID, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find agency user by ID: %w", err)
	}
	if agencyID.Valid {
		user.AgencyID = &agencyID.String
	}
	return user, nil
}

// Create はプロフィールを作成し、DBが決めたroleとcreated_atを書き戻す。
// 同じIDが既に存在する場合は何もせずfalseを返す。
func (r *PostgresAgencyUserRepo) Create(ctx context.Context, user *model.AgencyUser) (bool, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO agency_users (id, email) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING role, created_at`,
		user.ID, user.Email,
	).Scan(&user.Role, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert agency user: %w", err)
	}
	return true, nil
}

// compile-time interface check
var _ AgencyUserRepository = (*PostgresAgencyUserRepo)(nil)
