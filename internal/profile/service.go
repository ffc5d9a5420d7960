// Package profile は招待ユーザーのプロフィール作成（agency_usersの登録）を提供する。
//
// Serviceはバックエンド側の処理、Clientはパスワード設定フローから
// バックエンドの /complete-profile を呼び出すクライアント。
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"

	"github.com/google/uuid"

	"github.com/hitoshi/sessiongate/internal/model"
	"github.com/hitoshi/sessiongate/internal/repository"
)

const (
	// MessageCreated はプロフィールを新規作成した場合の応答メッセージ。
	MessageCreated = "User profile completed successfully."
	// MessageAlreadyExists はプロフィールが既に存在する場合の応答メッセージ。
	MessageAlreadyExists = "Profile already exists."
)

// Result はプロフィール作成の結果。
type Result struct {
	Created bool
	Message string
}

// Service はプロフィール作成のビジネスロジックを提供する。
type Service struct {
	repo repository.AgencyUserRepository
}

// NewService はServiceを生成する。
func NewService(repo repository.AgencyUserRepository) *Service {
	return &Service{repo: repo}
}

// Complete はユーザーのプロフィールを作成する。
// 既に存在する場合は何もせず成功を返す（冪等）。
// roleとagency_idはテーブルのデフォルト値を使う。
func (s *Service) Complete(ctx context.Context, userID, email string) (*Result, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, model.NewInvalidProfileRequestError("user_id must be a valid UUID")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, model.NewInvalidProfileRequestError("email must be a valid email address")
	}

	existing, err := s.repo.FindByID(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("Failed to create user profile: %w", err)
	}
	if existing != nil {
		return &Result{Created: false, Message: MessageAlreadyExists}, nil
	}

	// 確認後に別のリクエストが作成した場合もCreateがfalseを返す
	user := &model.AgencyUser{ID: id.String(), Email: email}
	created, err := s.repo.Create(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("Failed to create user profile: %w", err)
	}
	if !created {
		return &Result{Created: false, Message: MessageAlreadyExists}, nil
	}

	slog.Info("agency user profile created",
		slog.String("user_id", user.ID),
		slog.String("role", user.Role),
	)
	return &Result{Created: true, Message: MessageCreated}, nil
}
