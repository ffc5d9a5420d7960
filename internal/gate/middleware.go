package gate

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/sessiongate/internal/authstate"
	"github.com/hitoshi/sessiongate/internal/metrics"
	"github.com/hitoshi/sessiongate/internal/middleware"
	"github.com/hitoshi/sessiongate/internal/model"
)

// StoreGetter はクライアントIDに対応するStoreを返す。
type StoreGetter interface {
	Get(clientID string) *authstate.Store
}

// Config はルートガードミドルウェアの設定。
type Config struct {
	Paths       Paths
	ResolveWait time.Duration // 認証状態の解決を待つ最大時間
	Now         func() time.Time
}

type sessionContextKey struct{}

// NewMiddleware はルートガードのミドルウェアを返す。
// クライアントのStoreが解決前の場合はResolveWaitまで待ち、それでも解決しなければ待機ページを返す。
// waitingがnilの場合は503のテキストを返す。
// クライアントミドルウェアの後に配置する必要がある。
func NewMiddleware(stores StoreGetter, config Config, m metrics.MetricsCollector, waiting http.Handler) func(next http.Handler) http.Handler {
	if m == nil {
		m = metrics.Nop{}
	}
	if waiting == nil {
		waiting = http.HandlerFunc(defaultWaiting)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := resolveState(r, stores, config)
			d := Decide(st, r.URL.Path, config.Paths)
			m.RecordGateDecision(d.State.String(), d.Action.String())

			switch d.Action {
			case Wait:
				w.Header().Set("Retry-After", "1")
				waiting.ServeHTTP(w, r)
			case Redirect:
				slog.Debug("gate redirect",
					slog.String("path", r.URL.Path),
					slog.String("location", d.Location),
					slog.String("state", d.State.String()),
				)
				code := http.StatusFound
				if r.Method != http.MethodGet && r.Method != http.MethodHead {
					code = http.StatusSeeOther
				}
				http.Redirect(w, r, d.Location, code)
			default:
				ctx := r.Context()
				if st.Session != nil {
					ctx = ContextWithSession(ctx, st.Session)
				}
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

// resolveState はクライアントの現在の認証状態を返す。
// 解決前であればwaitまで最初の解決を待つ。
// アクセストークンが期限切れであればリフレッシュしてから返す。
// このリクエストで発行したクライアントIDはセッションを持たないため、Storeを生成しない。
func resolveState(r *http.Request, stores StoreGetter, config Config) authstate.State {
	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil || middleware.ClientIDIsNew(r.Context()) {
		return authstate.State{}
	}

	store := stores.Get(clientID)
	st := store.State()
	if st.Loading && config.ResolveWait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), config.ResolveWait)
		defer cancel()
		if err := store.WaitResolved(ctx); err != nil {
			slog.Debug("auth state not resolved in time",
				slog.String("client_id", clientID),
				slog.String("error", err.Error()),
			)
		}
		st = store.State()
	}

	now := time.Now
	if config.Now != nil {
		now = config.Now
	}
	if st.Loading || st.Session == nil || !st.Session.IsExpired(now()) {
		return st
	}

	if err := store.Refresh(r.Context()); err != nil {
		slog.Warn("session refresh failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		// 期限切れのセッションでは保護ページを表示しない
		return authstate.State{}
	}
	return store.State()
}

func defaultWaiting(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("loading"))
}

// SessionFromContext はルートガードを通過したリクエストのセッションを返す。
// セッションがない場合はnilを返す。
func SessionFromContext(ctx context.Context) *model.Session {
	s, _ := ctx.Value(sessionContextKey{}).(*model.Session)
	return s
}

// ContextWithSession はコンテキストにセッションを注入する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}
