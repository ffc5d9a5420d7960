package model

import "time"

// AuthEventType はIdPが発行する認証イベントの種別。
type AuthEventType string

const (
	AuthEventSignedIn       AuthEventType = "SIGNED_IN"
	AuthEventSignedOut      AuthEventType = "SIGNED_OUT"
	AuthEventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
	AuthEventUserUpdated    AuthEventType = "USER_UPDATED"
)

// AuthEvent はIdPからクライアントに通知される認証状態の変化。
// Sessionはイベント発生後のセッション全体で、サインアウト時はnil。
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
	At      time.Time
}
