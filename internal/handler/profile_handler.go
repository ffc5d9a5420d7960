package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/sessiongate/internal/model"
	"github.com/hitoshi/sessiongate/internal/profile"
)

// maxProfileRequestBytes はプロフィール作成リクエストの最大サイズ。
const maxProfileRequestBytes = 4 << 10

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	Complete(ctx context.Context, userID, email string) (*profile.Result, error)
}

// ProfileHandler はプロフィール作成APIのHTTPハンドラー。
// エラー時はパスワード設定フローのクライアントが解釈する {"detail": "..."} を返す。
type ProfileHandler struct {
	service ProfileServiceInterface
	token   string
}

// NewProfileHandler はProfileHandlerを生成する。
// tokenが空でない場合はBearerトークンによる認証を必須とする。
func NewProfileHandler(service ProfileServiceInterface, token string) *ProfileHandler {
	return &ProfileHandler{
		service: service,
		token:   token,
	}
}

type completeProfileRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type detailResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

// CompleteProfile はパスワード設定後のユーザープロフィールを作成する。
// 既に存在する場合も200を返す。
// POST /api/v1/complete-profile
func (h *ProfileHandler) CompleteProfile(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, detailResponse{Detail: "Not authenticated"})
		return
	}

	var req completeProfileRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxProfileRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, detailResponse{
			Detail: "リクエストボディが不正です。",
			Code:   model.ErrCodeInvalidProfileRequest,
		})
		return
	}

	result, err := h.service.Complete(r.Context(), req.UserID, req.Email)
	if err != nil {
		if apiErr, ok := model.AsAPIError(err); ok {
			writeJSON(w, mapAPIErrorToHTTPStatus(apiErr), detailResponse{
				Detail: apiErr.Message,
				Code:   apiErr.Code,
			})
			return
		}
		slog.Error("profile completion failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, detailResponse{Detail: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: result.Message})
}

func (h *ProfileHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}
