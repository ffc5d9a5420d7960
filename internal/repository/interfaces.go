// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/sessiongate/internal/model"
)

// SessionRepository はクライアント単位のIdPセッションの永続化インターフェース。
// IDはブラウザクライアントのCookie値で、1クライアントにつき最大1件。
type SessionRepository interface {
	// Upsert はセッションを作成し、既存の場合はトークンと認証方式を上書きする。
	Upsert(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// アクセストークンの期限切れは呼び出し元で判定する。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateAuthMethod は認証方式を更新し、更新後のセッションを返す。
	// 見つからない場合はnilを返す。
	UpdateAuthMethod(ctx context.Context, id string, method model.AuthMethod) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// AgencyUserRepository は代理店ユーザーのプロフィールの永続化インターフェース。
type AgencyUserRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AgencyUser, error)
	// Create はプロフィールを作成する。roleとagency_idはDBのデフォルト値を使う。
	// 同じIDが既に存在する場合は作成せずfalseを返す。
	Create(ctx context.Context, user *model.AgencyUser) (bool, error)
}
