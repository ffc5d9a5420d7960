package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/sessiongate/internal/security"
)

// defaultFailureDetail はバックエンドが詳細を返さなかった場合のメッセージ。
const defaultFailureDetail = "Unknown error"

// ClientConfig はプロフィール作成APIの接続設定。
type ClientConfig struct {
	BaseURL string // 例: http://localhost:8080/api/v1
	Token   string // 空でなければBearerトークンとして送信する
	Timeout time.Duration

	// テスト用にオーバーライド可能なHTTPクライアント
	HTTPClient *http.Client
}

// Client はバックエンドの POST /complete-profile を呼び出す。
type Client struct {
	config    ClientConfig
	client    *http.Client
	sanitizer security.MessageSanitizerService
}

// CompletionError はプロフィール作成の失敗を表す。
// Error()はバックエンドが返した詳細メッセージ（サニタイズ済み）。
type CompletionError struct {
	Status int
	Detail string
}

// Error はerrorインターフェースを実装する。
func (e *CompletionError) Error() string {
	return e.Detail
}

type completeRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

// NewClient はClientを生成する。
func NewClient(config ClientConfig, sanitizer security.MessageSanitizerService) *Client {
	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if sanitizer == nil {
		sanitizer = security.NewMessageSanitizer(0)
	}
	return &Client{config: config, client: client, sanitizer: sanitizer}
}

// Complete はプロフィール作成を要求する。リトライはしない。
// 2xx以外の場合はCompletionErrorを返す。
func (c *Client) Complete(ctx context.Context, userID, email string) error {
	body, err := json.Marshal(completeRequest{UserID: userID, Email: email})
	if err != nil {
		return fmt.Errorf("failed to encode profile request: %w", err)
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/complete-profile"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &CompletionError{Detail: c.sanitizer.Sanitize(err.Error())}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read profile response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	return &CompletionError{
		Status: resp.StatusCode,
		Detail: c.detailFrom(respBody),
	}
}

// detailFrom はエラーレスポンスのdetailを取り出す。
// detailは文字列の場合と、バリデーションエラーの配列の場合がある。
func (c *Client) detailFrom(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Detail) == 0 {
		return defaultFailureDetail
	}

	var text string
	if err := json.Unmarshal(eb.Detail, &text); err != nil {
		text = string(eb.Detail)
	}

	detail := c.sanitizer.Sanitize(text)
	if detail == "" {
		return defaultFailureDetail
	}
	return detail
}
