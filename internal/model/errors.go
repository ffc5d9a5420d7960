package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials      = "INVALID_CREDENTIALS"
	ErrCodeSignInFailed            = "SIGN_IN_FAILED"
	ErrCodeInvalidLink             = "INVALID_LINK"
	ErrCodeSessionExpired          = "SESSION_EXPIRED"
	ErrCodePasswordPolicy          = "PASSWORD_POLICY"
	ErrCodePasswordMismatch        = "PASSWORD_MISMATCH"
	ErrCodePasswordUpdateFailed    = "PASSWORD_UPDATE_FAILED"
	ErrCodeProfileCompletionFailed = "PROFILE_COMPLETION_FAILED"
	ErrCodeInvalidProfileRequest   = "INVALID_PROFILE_REQUEST"
)

// AsAPIError はerrorチェーンから*APIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// NewInvalidCredentialsError はログイン情報の誤りを表す固定メッセージのエラーを生成する。
// IdPの生メッセージは表示しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して、もう一度お試しください。",
	}
}

// NewSignInFailedError はログイン情報の誤り以外のログイン失敗エラーを生成する。
// IdPのメッセージをそのまま表示する。
func NewSignInFailedError(providerMessage string) *APIError {
	return &APIError{
		Code:     ErrCodeSignInFailed,
		Message:  providerMessage,
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidLinkError は招待リンク・マジックリンクの検証失敗エラーを生成する。
func NewInvalidLinkError(providerMessage string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLink,
		Message:  providerMessage,
		Category: "auth",
		Action:   "リンクの有効期限が切れている可能性があります。招待メールを再送してもらってください。",
	}
}

// NewSessionExpiredError はセッションが存在しない状態でのパスワード設定エラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れました。",
		Category: "auth",
		Action:   "招待リンクからもう一度お試しください。",
	}
}

// NewPasswordPolicyError はパスワードポリシー違反のエラーを生成する。
func NewPasswordPolicyError(missing []string) *APIError {
	return &APIError{
		Code:     ErrCodePasswordPolicy,
		Message:  fmt.Sprintf("パスワードが要件を満たしていません: %v", missing),
		Category: "validation",
		Action:   "8文字以上で、大文字・数字・記号をそれぞれ1文字以上含めてください。",
	}
}

// NewPasswordMismatchError は確認用パスワード不一致のエラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "確認用パスワードが一致しません。",
		Category: "validation",
		Action:   "同じパスワードを2回入力してください。",
	}
}

// NewPasswordUpdateFailedError はIdPによるパスワード更新拒否のエラーを生成する。
// IdPのメッセージをそのまま表示する。
func NewPasswordUpdateFailedError(providerMessage string) *APIError {
	return &APIError{
		Code:     ErrCodePasswordUpdateFailed,
		Message:  providerMessage,
		Category: "auth",
		Action:   "別のパスワードで再度お試しください。",
	}
}

// NewProfileCompletionFailedError はバックエンドでのプロフィール作成失敗エラーを生成する。
// パスワード変更はロールバックされない。
func NewProfileCompletionFailedError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileCompletionFailed,
		Message:  "プロフィールの作成に失敗しました: " + detail,
		Category: "profile",
		Action:   "パスワードは保存されています。もう一度送信してください。",
	}
}

// NewInvalidProfileRequestError はプロフィール作成リクエストの検証エラーを生成する。
func NewInvalidProfileRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidProfileRequest,
		Message:  fmt.Sprintf("無効なリクエストです: %s", reason),
		Category: "validation",
		Action:   "user_idにはUUID、emailには有効なメールアドレスを指定してください。",
	}
}
