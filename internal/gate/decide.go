// Package gate はルートガード（保護ページの表示可否の判定）を提供する。
//
// 判定は認証状態とパスのみから決まる純粋関数Decideで行い、
// ミドルウェアはその結果に従って表示・待機・リダイレクトする。
package gate

import "github.com/hitoshi/sessiongate/internal/authstate"

// GuardState はルートガードから見た認証状態。
type GuardState int

const (
	Loading GuardState = iota
	Unauthenticated
	Authenticated
)

// String はメトリクスとログ用のラベルを返す。
func (s GuardState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// StateOf はAuthStateをGuardStateに変換する。
func StateOf(st authstate.State) GuardState {
	switch {
	case st.Loading:
		return Loading
	case st.Session == nil:
		return Unauthenticated
	default:
		return Authenticated
	}
}

// Action はルートガードの判定結果の種別。
type Action int

const (
	// Render は要求されたページをそのまま表示する。
	Render Action = iota
	// Wait は認証状態の解決まで中立的な待機表示を返す。遷移はしない。
	Wait
	// Redirect はLocationへ遷移させる。
	Redirect
)

// String はメトリクスとログ用のラベルを返す。
func (a Action) String() string {
	switch a {
	case Render:
		return "render"
	case Wait:
		return "wait"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Paths はルートガードが扱うパスの定義。
type Paths struct {
	Login       string
	SetPassword string
	Protected   []string
}

// DefaultPaths はコンソールのパス定義を返す。
func DefaultPaths() Paths {
	return Paths{
		Login:       "/login",
		SetPassword: "/set-password",
		Protected:   []string{"/", "/upload", "/summaries"},
	}
}

// IsProtected は保護ページのパスかどうかを返す。
func (p Paths) IsProtected(path string) bool {
	for _, protected := range p.Protected {
		if path == protected {
			return true
		}
	}
	return false
}

// Home はログイン後の遷移先（最初の保護ページ）を返す。
func (p Paths) Home() string {
	if len(p.Protected) == 0 {
		return "/"
	}
	return p.Protected[0]
}

// Decision はルートガードの判定結果。
type Decision struct {
	Action   Action
	Location string // Redirectの場合のみ
	State    GuardState
}

// Decide は認証状態と要求パスから表示可否を判定する。
//
// 保護ページ:
//   - 解決前は待機する
//   - セッションがなければログインへ（要求パスは保持しない）
//   - パスワード以外で認証されていればパスワード設定へ
//   - パスワードで認証されていれば表示する
//
// パスワード設定ページはセッションがなければログインへ、それ以外は表示する。
// その他のパスは常に表示する。
func Decide(st authstate.State, path string, paths Paths) Decision {
	state := StateOf(st)

	switch {
	case paths.IsProtected(path):
		switch state {
		case Loading:
			return Decision{Action: Wait, State: state}
		case Unauthenticated:
			return Decision{Action: Redirect, Location: paths.Login, State: state}
		}
		if !st.Session.IsPasswordAuthenticated() {
			return Decision{Action: Redirect, Location: paths.SetPassword, State: state}
		}
		return Decision{Action: Render, State: state}

	case path == paths.SetPassword:
		switch state {
		case Loading:
			return Decision{Action: Wait, State: state}
		case Unauthenticated:
			return Decision{Action: Redirect, Location: paths.Login, State: state}
		}
		return Decision{Action: Render, State: state}
	}

	return Decision{Action: Render, State: state}
}
