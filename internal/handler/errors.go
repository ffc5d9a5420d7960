package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/sessiongate/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// pageError はページに表示するAPIErrorとステータスコードを返す。
// APIError以外のエラーは内部エラーとしてログに記録し、一般的なメッセージにする。
func pageError(err error) (int, *model.APIError) {
	if apiErr, ok := model.AsAPIError(err); ok {
		return mapAPIErrorToHTTPStatus(apiErr), apiErr
	}
	slog.Error("internal server error", slog.String("error", err.Error()))
	return http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidCredentials, model.ErrCodeSessionExpired:
		return http.StatusUnauthorized
	case model.ErrCodeSignInFailed, model.ErrCodeInvalidLink:
		return http.StatusBadRequest
	case model.ErrCodePasswordPolicy, model.ErrCodePasswordMismatch,
		model.ErrCodePasswordUpdateFailed, model.ErrCodeInvalidProfileRequest:
		return http.StatusUnprocessableEntity
	case model.ErrCodeProfileCompletionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
