// Package handler はHTTPハンドラーと画面テンプレートを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/sessiongate/internal/gate"
	"github.com/hitoshi/sessiongate/internal/middleware"
	"github.com/hitoshi/sessiongate/internal/model"
	"github.com/hitoshi/sessiongate/internal/password"
)

// syncTimeout はログイン等の直後に認証状態の反映を待つ最大時間。
const syncTimeout = 2 * time.Second

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignIn(ctx context.Context, clientID, email, pw string) (*model.Session, error)
	SignInWithLink(ctx context.Context, clientID, linkType, tokenHash string) (*model.Session, error)
	SignOut(ctx context.Context, clientID string) error
	SetPassword(ctx context.Context, clientID string, session *model.Session, pw, confirm string) error
}

// AuthHandler はログイン、招待リンク確認、ログアウト、パスワード設定のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	stores  gate.StoreGetter
	paths   gate.Paths
	render  *renderer
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, stores gate.StoreGetter, paths gate.Paths) *AuthHandler {
	return &AuthHandler{
		service: service,
		stores:  stores,
		paths:   paths,
		render:  mustNewRenderer(),
	}
}

type loginData struct {
	Email string
}

type setPasswordData struct {
	Policy            password.Result
	SpecialCharacters string
}

// LoginPage はログイン画面を表示する。
// 既にログイン済みの場合はホームへ遷移させ、以降の判定はルートガードに任せる。
// GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if clientID, err := middleware.ClientIDFromContext(r.Context()); err == nil && !middleware.ClientIDIsNew(r.Context()) {
		if h.stores.Get(clientID).State().Authenticated() {
			http.Redirect(w, r, h.paths.Home(), http.StatusFound)
			return
		}
	}
	h.render.render(w, r, http.StatusOK, pageLogin, PageData{
		Title: "ログイン",
		Data:  loginData{},
	})
}

// Login はメールアドレスとパスワードでログインする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	pw := r.PostFormValue("password")
	if email == "" || pw == "" {
		h.renderLoginError(w, r, email, model.NewInvalidCredentialsError())
		return
	}

	// イベントを受け取れるよう、ログイン前にStoreを起動しておく
	h.stores.Get(clientID)
	if _, err := h.service.SignIn(r.Context(), clientID, email, pw); err != nil {
		h.renderLoginError(w, r, email, err)
		return
	}

	h.syncStore(r.Context(), clientID)
	http.Redirect(w, r, h.paths.Home(), http.StatusSeeOther)
}

func (h *AuthHandler) renderLoginError(w http.ResponseWriter, r *http.Request, email string, err error) {
	status, apiErr := pageError(err)
	h.render.render(w, r, status, pageLogin, PageData{
		Title: "ログイン",
		Error: apiErr,
		Data:  loginData{Email: email},
	})
}

// Confirm は招待メール・マジックリンクのトークンを検証してログインする。
// パスワード未設定のセッションはパスワード設定画面へ遷移させる。
// GET /auth/confirm?token_hash=xxx&type=invite
func (h *AuthHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	tokenHash := q.Get("token_hash")
	linkType := q.Get("type")
	if tokenHash == "" {
		h.renderLoginError(w, r, "", model.NewInvalidLinkError("リンクにトークンが含まれていません。"))
		return
	}

	h.stores.Get(clientID)
	session, err := h.service.SignInWithLink(r.Context(), clientID, linkType, tokenHash)
	if err != nil {
		h.renderLoginError(w, r, "", err)
		return
	}

	h.syncStore(r.Context(), clientID)

	location := h.paths.Home()
	if !session.IsPasswordAuthenticated() {
		location = h.paths.SetPassword
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// Logout はログアウトしてログイン画面へ遷移させる。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}

	h.stores.Get(clientID)
	if err := h.service.SignOut(r.Context(), clientID); err != nil {
		slog.Error("failed to sign out",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	h.syncStore(r.Context(), clientID)
	http.Redirect(w, r, h.paths.Login, http.StatusSeeOther)
}

// SetPasswordPage はパスワード設定画面を表示する。
// ルートガード配下で、未ログインの場合はガードがログイン画面へ遷移させる。
// GET /set-password
func (h *AuthHandler) SetPasswordPage(w http.ResponseWriter, r *http.Request) {
	session := gate.SessionFromContext(r.Context())
	data := sessionPageData("パスワード設定", session)
	data.Gated = true
	data.Data = setPasswordData{SpecialCharacters: password.SpecialCharacters}
	h.render.render(w, r, http.StatusOK, pageSetPassword, data)
}

// SetPassword はパスワードを設定し、プロフィール作成が成功した場合のみホームへ遷移させる。
// 失敗した場合はエラーを表示してこの画面に留まる。
// POST /set-password
func (h *AuthHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}

	session := gate.SessionFromContext(r.Context())
	pw := r.PostFormValue("password")
	confirm := r.PostFormValue("confirm_password")

	if err := h.service.SetPassword(r.Context(), clientID, session, pw, confirm); err != nil {
		status, apiErr := pageError(err)
		data := sessionPageData("パスワード設定", session)
		data.Gated = true
		data.Error = apiErr
		data.Data = setPasswordData{
			Policy:            password.Check(pw),
			SpecialCharacters: password.SpecialCharacters,
		}
		h.render.render(w, r, status, pageSetPassword, data)
		return
	}

	h.syncStore(r.Context(), clientID)
	http.Redirect(w, r, h.paths.Home(), http.StatusSeeOther)
}

// clientID はリクエストのクライアントIDを返す。
// クライアントミドルウェアを通過していない場合は500を書き込みfalseを返す。
func (h *AuthHandler) clientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil {
		slog.Error("client id missing from request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return "", false
	}
	return clientID, true
}

// syncStore はIdPイベントがクライアントのStoreに反映されるまで待つ。
// 遷移先のルートガードが最新の認証状態で判定できるようにする。
func (h *AuthHandler) syncStore(ctx context.Context, clientID string) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := h.stores.Get(clientID).Sync(ctx); err != nil {
		slog.Warn("auth state sync failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
	}
}
