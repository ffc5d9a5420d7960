// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizer は外部サービスから受け取ったエラーメッセージを
// 画面に表示する前にプレーンテキストへ変換する。
// bluemondayのStrictPolicyですべてのタグを除去する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxMessageLength は表示するメッセージの最大文字数。
const DefaultMaxMessageLength = 500

// MessageSanitizerService はメッセージのサニタイズ機能のインターフェースを定義する。
type MessageSanitizerService interface {
	// Sanitize はメッセージからタグを除去し、空白を正規化したプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。
	Sanitize(raw string) string
}

// messageSanitizer はMessageSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに利用できる。
type messageSanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewMessageSanitizer はMessageSanitizerServiceの新しいインスタンスを生成する。
// maxLengthが0以下の場合はDefaultMaxMessageLengthを使用する。
func NewMessageSanitizer(maxLength int) *messageSanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &messageSanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// Sanitize はメッセージをプレーンテキストに変換する。
// テンプレート側でエスケープするため、bluemondayが付与した実体参照は元に戻す。
func (s *messageSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > s.maxLength {
		runes := []rune(text)
		text = string(runes[:s.maxLength]) + "…"
	}
	return text
}

// compile-time interface check
var _ MessageSanitizerService = (*messageSanitizer)(nil)
