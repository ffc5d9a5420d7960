package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/sessiongate/internal/authstate"
	"github.com/hitoshi/sessiongate/internal/gate"
	"github.com/hitoshi/sessiongate/internal/middleware"
)

const (
	// wsWriteWait は1メッセージの書き込みに許す時間。
	wsWriteWait = 10 * time.Second
	// wsPongWait はpongを待つ最大時間。
	wsPongWait = 60 * time.Second
	// wsPingPeriod はpingの送信間隔。wsPongWaitより短くする。
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsReadLimit はクライアントから受け付けるメッセージの最大サイズ。
	wsReadLimit = 512
)

// userView はセッションのユーザー情報の公開用表現。
type userView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// authStateResponse はクライアントの認証状態の公開用表現。
// トークンは含めない。
type authStateResponse struct {
	Loading          bool       `json:"loading"`
	Authenticated    bool       `json:"authenticated"`
	PasswordSet      bool       `json:"password_set"`
	NeedsPasswordSet bool       `json:"needs_password_set"`
	Version          uint64     `json:"version"`
	User             *userView  `json:"user,omitempty"`
	AuthMethod       string     `json:"auth_method,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

func newAuthStateResponse(st authstate.State) authStateResponse {
	resp := authStateResponse{
		Loading: st.Loading,
		Version: st.Version,
	}
	if s := st.Session; s != nil {
		expiresAt := s.ExpiresAt
		resp.Authenticated = true
		resp.PasswordSet = s.IsPasswordAuthenticated()
		resp.NeedsPasswordSet = !resp.PasswordSet
		resp.User = &userView{ID: s.UserID, Email: s.Email}
		resp.AuthMethod = string(s.AuthMethod)
		resp.ExpiresAt = &expiresAt
	}
	return resp
}

// SessionHandler はクライアントの認証状態を公開するHTTPハンドラー。
type SessionHandler struct {
	stores   gate.StoreGetter
	upgrader websocket.Upgrader
}

// NewSessionHandler はSessionHandlerを生成する。
// WebSocketのOriginはgorilla/websocketの既定の検査（Hostとの一致）に従う。
func NewSessionHandler(stores gate.StoreGetter) *SessionHandler {
	return &SessionHandler{
		stores: stores,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// GetSession は現在の認証状態をJSONで返す。
// 解決前の場合はloading=trueを返し、待機はしない。
// GET /auth/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil || middleware.ClientIDIsNew(r.Context()) {
		writeJSON(w, http.StatusOK, authStateResponse{})
		return
	}
	writeJSON(w, http.StatusOK, newAuthStateResponse(h.stores.Get(clientID).State()))
}

// AuthStateSocket は認証状態が変化するたびにWebSocketで最新の状態を送信する。
// 接続直後に現在の状態を1件送信する。
// GET /ws/auth-state
func (h *SessionHandler) AuthStateSocket(w http.ResponseWriter, r *http.Request) {
	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "client not identified", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade error",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return
	}

	updates, cancel := h.stores.Get(clientID).Subscribe()
	slog.Debug("auth state socket connected", slog.String("client_id", clientID))

	go readPump(conn, cancel)
	writePump(conn, updates)

	cancel()
	slog.Debug("auth state socket disconnected", slog.String("client_id", clientID))
}

// readPump はクライアントからのメッセージを読み捨て、切断を検知したら購読を解除する。
func readPump(conn *websocket.Conn, cancel func()) {
	defer cancel()
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump は状態の更新とpingを送信する。購読チャネルが閉じられたら接続を閉じる。
func writePump(conn *websocket.Conn, updates <-chan authstate.State) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case st, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(newAuthStateResponse(st)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
