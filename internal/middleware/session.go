// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
)

// ClientCookieName はブラウザクライアントを識別するCookieの名前。
const ClientCookieName = "sg_client"

// clientIDBytes はクライアントIDのバイト長（hexで64文字）。
const clientIDBytes = 32

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// clientIDContextKey はリクエストコンテキストにクライアントIDを格納するためのキー。
	clientIDContextKey = contextKey("client_id")
	// clientIDNewContextKey はクライアントIDがこのリクエストで発行されたことを示すキー。
	clientIDNewContextKey = contextKey("client_id_new")
)

// ClientCookieConfig はクライアントCookieの発行設定。
type ClientCookieConfig struct {
	MaxAge int // 秒
	Secure bool
	Domain string
}

// NewClientMiddleware はHTTP Only Cookieからブラウザクライアントを識別するミドルウェアを返す。
// Cookieがない、または形式が不正な場合は新しいクライアントIDを発行する。
// クライアントIDはリクエストコンテキストに注入する。
// 新しく発行したIDはClientIDIsNewで判別できる。
func NewClientMiddleware(config ClientCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if cookie, err := r.Cookie(ClientCookieName); err == nil && isValidClientID(cookie.Value) {
				clientID = cookie.Value
			}

			fresh := clientID == ""
			if fresh {
				id, err := GenerateClientID()
				if err != nil {
					slog.Error("failed to generate client id",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				clientID = id
				http.SetCookie(w, &http.Cookie{
					Name:     ClientCookieName,
					Value:    clientID,
					Path:     "/",
					Domain:   config.Domain,
					MaxAge:   config.MaxAge,
					HttpOnly: true,
					Secure:   config.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			ctx := ContextWithClientID(r.Context(), clientID)
			if fresh {
				ctx = ContextWithNewClientID(r.Context(), clientID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GenerateClientID は暗号的に安全なクライアントIDを生成する。
func GenerateClientID() (string, error) {
	b := make([]byte, clientIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func isValidClientID(v string) bool {
	if len(v) != clientIDBytes*2 {
		return false
	}
	_, err := hex.DecodeString(v)
	return err == nil
}

// ClientIDFromContext はリクエストコンテキストからクライアントIDを取得する。
// クライアントミドルウェアを通過したリクエストでのみ有効。
func ClientIDFromContext(ctx context.Context) (string, error) {
	clientID, ok := ctx.Value(clientIDContextKey).(string)
	if !ok || clientID == "" {
		return "", fmt.Errorf("client ID not found in context")
	}
	return clientID, nil
}

// ContextWithClientID はコンテキストにクライアントIDを注入する。
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDContextKey, clientID)
}

// ContextWithNewClientID はこのリクエストで発行したクライアントIDをコンテキストに注入する。
func ContextWithNewClientID(ctx context.Context, clientID string) context.Context {
	ctx = ContextWithClientID(ctx, clientID)
	return context.WithValue(ctx, clientIDNewContextKey, true)
}

// ClientIDIsNew はクライアントIDがこのリクエストで発行されたものかどうかを返す。
// 発行直後のクライアントはまだCookieを保持しておらず、セッションも存在しない。
func ClientIDIsNew(ctx context.Context) bool {
	fresh, _ := ctx.Value(clientIDNewContextKey).(bool)
	return fresh
}
