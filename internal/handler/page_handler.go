package handler

import (
	"net/http"

	"github.com/hitoshi/sessiongate/internal/gate"
)

// PageHandler は保護ページと待機ページのHTTPハンドラー。
// 保護ページはルートガード配下に置き、表示時点でパスワード認証済みのセッションがある。
type PageHandler struct {
	render *renderer
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler() *PageHandler {
	return &PageHandler{render: mustNewRenderer()}
}

// Dashboard はホーム画面を表示する。
// GET /
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	h.renderProtected(w, r, pageDashboard, "ダッシュボード")
}

// Upload はアップロード画面を表示する。
// GET /upload
func (h *PageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	h.renderProtected(w, r, pageUpload, "アップロード")
}

// Summaries はサマリー画面を表示する。
// GET /summaries
func (h *PageHandler) Summaries(w http.ResponseWriter, r *http.Request) {
	h.renderProtected(w, r, pageSummaries, "サマリー")
}

func (h *PageHandler) renderProtected(w http.ResponseWriter, r *http.Request, name, title string) {
	data := sessionPageData(title, gate.SessionFromContext(r.Context()))
	data.Gated = true
	h.render.render(w, r, http.StatusOK, name, data)
}

// Waiting は認証状態の解決待ちの中立的な画面を返す。
// 遷移は行わず、1秒後に同じURLを再読み込みさせる。
func (h *PageHandler) Waiting(w http.ResponseWriter, r *http.Request) {
	h.render.render(w, r, http.StatusServiceUnavailable, pageWaiting, PageData{
		Title:          "読み込み中",
		RefreshSeconds: 1,
	})
}

// NotFound は存在しないパスの画面を返す。
func (h *PageHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.render.render(w, r, http.StatusNotFound, pageErrorPage, PageData{
		Title: "ページが見つかりません",
	})
}
