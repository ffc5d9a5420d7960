package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/hitoshi/sessiongate/internal/middleware"
	"github.com/hitoshi/sessiongate/internal/model"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ページテンプレート名
const (
	pageLogin       = "login.html"
	pageSetPassword = "set_password.html"
	pageWaiting     = "waiting.html"
	pageDashboard   = "dashboard.html"
	pageUpload      = "upload.html"
	pageSummaries   = "summaries.html"
	pageErrorPage   = "error.html"
)

var pageNames = []string{
	pageLogin, pageSetPassword, pageWaiting,
	pageDashboard, pageUpload, pageSummaries, pageErrorPage,
}

// PageData は全ページ共通のテンプレートデータ。
type PageData struct {
	Title          string
	CurrentPath    string
	CSRFToken      string
	Email          string
	Gated          bool // ルートガード配下のページかどうか
	Authenticated  bool
	PasswordSet    bool
	RefreshSeconds int
	Error          *model.APIError
	Data           any
}

// renderer は埋め込みテンプレートからHTMLページを描画する。
// ページごとにベーステンプレートを複製してから解析し、"content"ブロックの衝突を避ける。
type renderer struct {
	pages map[string]*template.Template
}

func newRenderer() (*renderer, error) {
	base, err := template.New("").ParseFS(templatesFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parse base template: %w", err)
	}

	r := &renderer{pages: make(map[string]*template.Template, len(pageNames))}
	for _, name := range pageNames {
		tmpl, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone template: %w", err)
		}
		if _, err := tmpl.ParseFS(templatesFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parse page template %s: %w", name, err)
		}
		r.pages[name] = tmpl
	}
	return r, nil
}

// mustNewRenderer は埋め込みテンプレートが壊れている場合にpanicする。
func mustNewRenderer() *renderer {
	r, err := newRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// render はページを描画する。CurrentPathとCSRFTokenはリクエストから補完する。
// 描画結果はバッファしてから書き込むため、テンプレートエラー時は500を返せる。
func (rn *renderer) render(w http.ResponseWriter, r *http.Request, status int, name string, data PageData) {
	tmpl, ok := rn.pages[name]
	if !ok {
		slog.Error("unknown page template", slog.String("template", name))
		middleware.WriteInternalServerError(w)
		return
	}

	data.CurrentPath = r.URL.Path
	if data.CSRFToken == "" {
		data.CSRFToken = middleware.CSRFTokenFromContext(r.Context())
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		slog.Error("failed to render page",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// staticHandler は埋め込みの静的ファイルを /static/ 配下で配信する。
func staticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// sessionPageData はセッションから共通のページデータを組み立てる。
func sessionPageData(title string, session *model.Session) PageData {
	data := PageData{Title: title}
	if session != nil {
		data.Email = session.Email
		data.Authenticated = true
		data.PasswordSet = session.IsPasswordAuthenticated()
	}
	return data
}
