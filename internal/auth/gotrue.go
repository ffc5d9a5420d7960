package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sessiongate/internal/metrics"
)

// GoTrueConfig はSupabase Auth（GoTrue）REST APIの接続設定。
type GoTrueConfig struct {
	BaseURL string // 例: https://project.supabase.co
	AnonKey string
	Timeout time.Duration

	// テスト用にオーバーライド可能なHTTPクライアント
	HTTPClient *http.Client
}

// GoTrueClient はGoTrueのREST APIを呼び出す薄いバインディング。
// パスワードログイン、トークン更新、リンク検証、パスワード更新、ログアウトのみを扱う。
type GoTrueClient struct {
	config  GoTrueConfig
	client  *http.Client
	metrics metrics.MetricsCollector
}

// NewGoTrueClient はGoTrueClientを生成する。
func NewGoTrueClient(config GoTrueConfig, m metrics.MetricsCollector) *GoTrueClient {
	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &GoTrueClient{config: config, client: client, metrics: m}
}

// TokenResponse はGoTrueのトークン発行レスポンス。
type TokenResponse struct {
	AccessToken  string     `json:"access_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int        `json:"expires_in"`
	ExpiresAt    int64      `json:"expires_at"`
	RefreshToken string     `json:"refresh_token"`
	User         GoTrueUser `json:"user"`
}

// GoTrueUser はGoTrueのユーザー表現のうち利用する項目。
type GoTrueUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// ProviderError はGoTrueが返したエラーレスポンス。
// Messageは画面にそのまま表示できるIdPのメッセージ。
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return e.Message
}

// goTrueErrorBody はGoTrueのエラーレスポンス。
// バージョンにより {code, error_code, msg} と {error, error_description} の2形式がある。
type goTrueErrorBody struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// IsInvalidCredentials はメールアドレスまたはパスワードの誤りによるエラーかどうかを判定する。
func IsInvalidCredentials(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == "invalid_credentials" || pe.Code == "invalid_grant"
}

// ProviderMessage はエラーから画面表示用のメッセージを取り出す。
// IdPのエラーはメッセージをそのまま返し、通信エラーはerr.Error()を返す。
func ProviderMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

// SignInWithPassword はメールアドレスとパスワードでトークンを発行する。
func (c *GoTrueClient) SignInWithPassword(ctx context.Context, email, password string) (*TokenResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var resp TokenResponse
	if err := c.do(ctx, "token_password", http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &resp); err != nil {
		return nil, err
	}
	return validateToken(&resp)
}

// RefreshToken はリフレッシュトークンでアクセストークンを再発行する。
func (c *GoTrueClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var resp TokenResponse
	if err := c.do(ctx, "token_refresh", http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, err
	}
	return validateToken(&resp)
}

// Verify は招待リンク・マジックリンクのtoken_hashを検証してトークンを発行する。
func (c *GoTrueClient) Verify(ctx context.Context, linkType, tokenHash string) (*TokenResponse, error) {
	body := map[string]string{"type": linkType, "token_hash": tokenHash}
	var resp TokenResponse
	if err := c.do(ctx, "verify", http.MethodPost, "/auth/v1/verify", "", body, &resp); err != nil {
		return nil, err
	}
	return validateToken(&resp)
}

// UpdatePassword はアクセストークンのユーザーのパスワードを更新する。
func (c *GoTrueClient) UpdatePassword(ctx context.Context, accessToken, password string) error {
	body := map[string]string{"password": password}
	return c.do(ctx, "update_user", http.MethodPut, "/auth/v1/user", accessToken, body, nil)
}

// Logout はアクセストークンに紐づくリフレッシュトークンを失効させる。
func (c *GoTrueClient) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, "logout", http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
}

// requestIDHeader はIdP側のログと突き合わせるためのリクエストIDヘッダー。
const requestIDHeader = "X-Request-Id"

// do はGoTrueへのリクエストを送信し、2xx以外はProviderErrorに変換する。
func (c *GoTrueClient) do(ctx context.Context, operation, method, path, accessToken string, in, out any) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("apikey", c.config.AnonKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, requestID)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	c.metrics.RecordProviderLatency(operation, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := parseProviderError(resp.StatusCode, respBody)
		slog.Warn("identity provider returned an error",
			slog.String("operation", operation),
			slog.String("request_id", requestID),
			slog.Int("status", pe.Status),
			slog.String("code", pe.Code),
		)
		return pe
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", operation, err)
	}
	return nil
}

func parseProviderError(status int, body []byte) *ProviderError {
	pe := &ProviderError{Status: status}

	var eb goTrueErrorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		pe.Code = eb.ErrorCode
		if pe.Code == "" {
			pe.Code = eb.Error
		}
		switch {
		case eb.Msg != "":
			pe.Message = eb.Msg
		case eb.Message != "":
			pe.Message = eb.Message
		case eb.ErrorDescription != "":
			pe.Message = eb.ErrorDescription
		}
	}
	if pe.Message == "" {
		pe.Message = fmt.Sprintf("identity provider returned status %d", status)
	}
	return pe
}

func validateToken(resp *TokenResponse) (*TokenResponse, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return resp, nil
}
