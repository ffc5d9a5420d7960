// Package model はドメインモデルを定義する。
package model

import "time"

// AuthMethod はIdPがセッション発行時に記録した認証方式を表す。
// アクセストークンのamrクレームの先頭要素から取得する。
type AuthMethod string

const (
	// AuthMethodPassword はメールアドレスとパスワードによる認証。
	AuthMethodPassword AuthMethod = "password"
	// AuthMethodOTP はワンタイムコード（マジックリンク含む）による認証。
	AuthMethodOTP AuthMethod = "otp"
	// AuthMethodMagicLink はマジックリンクによる認証。
	AuthMethodMagicLink AuthMethod = "magiclink"
	// AuthMethodInvite は招待リンクによる認証。
	AuthMethodInvite AuthMethod = "invite"
	// AuthMethodUnknown はamrクレームが存在しない場合の値。
	AuthMethodUnknown AuthMethod = "unknown"
)

// Session はIdPが発行した認証セッションをクライアント単位でキャッシュしたもの。
// IDはブラウザクライアントを識別するCookie値と同一。
type Session struct {
	ID           string
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	AuthMethod   AuthMethod
	IssuedAt     time.Time
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsPasswordAuthenticated はパスワードで認証されたセッションかどうかを返す。
func (s *Session) IsPasswordAuthenticated() bool {
	return s != nil && s.AuthMethod == AuthMethodPassword
}

// IsExpired はアクセストークンが指定時刻の時点で期限切れかどうかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone はセッションのコピーを返す。nilの場合はnilを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
