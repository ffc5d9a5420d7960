// Package auth はIdP（Supabase Auth）との連携、ログイン、パスワード設定フローを提供する。
package auth

import (
	"context"
	"log/slog"

	"github.com/hitoshi/sessiongate/internal/metrics"
	"github.com/hitoshi/sessiongate/internal/model"
	"github.com/hitoshi/sessiongate/internal/password"
)

// ProviderFactory はクライアントIDごとのSessionProviderを返す。
type ProviderFactory interface {
	For(clientID string) SessionProvider
}

// ProfileCompleter はバックエンドでのプロフィール作成を行う。
// 失敗時のerr.Error()はバックエンドが返した詳細メッセージ。
type ProfileCompleter interface {
	Complete(ctx context.Context, userID, email string) error
}

// 招待メール・マジックリンクで受け付けるリンク種別
var allowedLinkTypes = map[string]bool{
	"invite":    true,
	"magiclink": true,
	"signup":    true,
	"recovery":  true,
	"email":     true,
}

// Service はログインとパスワード設定に関するビジネスロジックを提供する。
type Service struct {
	providers ProviderFactory
	profiles  ProfileCompleter
	metrics   metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(providers ProviderFactory, profiles ProfileCompleter, m metrics.MetricsCollector) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{
		providers: providers,
		profiles:  profiles,
		metrics:   m,
	}
}

// SignIn はメールアドレスとパスワードでログインする。
// ログイン情報の誤りは固定メッセージ、それ以外はIdPのメッセージをそのまま返す。
func (s *Service) SignIn(ctx context.Context, clientID, email, pw string) (*model.Session, error) {
	session, err := s.providers.For(clientID).SignInWithPassword(ctx, email, pw)
	if err != nil {
		if IsInvalidCredentials(err) {
			s.metrics.RecordSignIn("invalid_credentials")
			return nil, model.NewInvalidCredentialsError()
		}
		s.metrics.RecordSignIn("failure")
		slog.Warn("sign in failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSignInFailedError(ProviderMessage(err))
	}

	s.metrics.RecordSignIn("success")
	slog.Info("user signed in",
		slog.String("client_id", clientID),
		slog.String("user_id", session.UserID),
		slog.String("auth_method", string(session.AuthMethod)),
	)
	return session, nil
}

// SignInWithLink は招待リンク・マジックリンクのtoken_hashを検証してセッションを確立する。
// 確立したセッションはパスワード認証ではないため、保護ページへの遷移時にパスワード設定へ誘導される。
func (s *Service) SignInWithLink(ctx context.Context, clientID, linkType, tokenHash string) (*model.Session, error) {
	if tokenHash == "" || !allowedLinkTypes[linkType] {
		return nil, model.NewInvalidLinkError("リンクが無効です。")
	}

	session, err := s.providers.For(clientID).VerifyLink(ctx, linkType, tokenHash)
	if err != nil {
		s.metrics.RecordSignIn("link_failure")
		return nil, model.NewInvalidLinkError(ProviderMessage(err))
	}

	s.metrics.RecordSignIn("link_success")
	slog.Info("user signed in with link",
		slog.String("client_id", clientID),
		slog.String("user_id", session.UserID),
		slog.String("link_type", linkType),
	)
	return session, nil
}

// SignOut はログアウトする。
func (s *Service) SignOut(ctx context.Context, clientID string) error {
	if err := s.providers.For(clientID).SignOut(ctx); err != nil {
		return err
	}
	slog.Info("user signed out", slog.String("client_id", clientID))
	return nil
}

// SetPassword は招待ユーザーのパスワード設定フローを実行する。
//
//  1. セッションがない場合はSESSION_EXPIRED
//  2. パスワードポリシーと確認用パスワードの一致を検証する
//  3. IdPでパスワードを更新する（失敗時はIdPのメッセージをそのまま返す）
//  4. バックエンドでプロフィールを作成する（失敗してもパスワード変更は戻さない）
//  5. セッションをパスワード認証済みとして記録する
//
// 成功した場合のみ保護ページへ遷移できる状態になる。
func (s *Service) SetPassword(ctx context.Context, clientID string, session *model.Session, pw, confirm string) error {
	if session == nil {
		s.metrics.RecordPasswordSet("session_expired")
		return model.NewSessionExpiredError()
	}

	result := password.Check(pw)
	if !result.Valid() {
		s.metrics.RecordPasswordSet("policy")
		missing := make([]string, 0, 4)
		for _, r := range result.Missing() {
			missing = append(missing, string(r))
		}
		return model.NewPasswordPolicyError(missing)
	}
	if pw != confirm {
		s.metrics.RecordPasswordSet("mismatch")
		return model.NewPasswordMismatchError()
	}

	provider := s.providers.For(clientID)

	if err := provider.UpdateUserPassword(ctx, pw); err != nil {
		s.metrics.RecordPasswordSet("update_failed")
		slog.Warn("password update rejected",
			slog.String("client_id", clientID),
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		return model.NewPasswordUpdateFailedError(ProviderMessage(err))
	}

	if err := s.profiles.Complete(ctx, session.UserID, session.Email); err != nil {
		s.metrics.RecordPasswordSet("profile_failed")
		s.metrics.RecordProfileCompletion("failure")
		slog.Error("profile completion failed after password update",
			slog.String("client_id", clientID),
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		return model.NewProfileCompletionFailedError(err.Error())
	}
	s.metrics.RecordProfileCompletion("success")

	if _, err := provider.ConfirmPasswordSet(ctx); err != nil {
		s.metrics.RecordPasswordSet("confirm_failed")
		return model.NewPasswordUpdateFailedError(err.Error())
	}

	s.metrics.RecordPasswordSet("success")
	slog.Info("password set completed",
		slog.String("client_id", clientID),
		slog.String("user_id", session.UserID),
	)
	return nil
}
