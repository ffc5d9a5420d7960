package model

import "time"

// AgencyUser はパスワード設定完了後に作成される代理店ユーザーのプロフィール。
// roleとagency_idはDBのデフォルト値に任せる。
type AgencyUser struct {
	ID        string
	Email     string
	Role      string
	AgencyID  *string
	CreatedAt time.Time
}
