package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/sessiongate/internal/model"
	"github.com/hitoshi/sessiongate/internal/repository"
)

// Provider はブラウザクライアント1つから見たIdPのインターフェース。
type Provider interface {
	// GetCurrentSession は現在のセッションを返す。セッションがない場合はnilを返す。
	GetCurrentSession(ctx context.Context) (*model.Session, error)
	// Subscribe は認証イベントの購読を開始し、購読解除関数を返す。
	Subscribe(fn func(model.AuthEvent)) (unsubscribe func())
	// SignInWithPassword はメールアドレスとパスワードでログインする。
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	// SignOut はログアウトする。
	SignOut(ctx context.Context) error
	// UpdateUserPassword は現在のユーザーのパスワードを更新する。
	UpdateUserPassword(ctx context.Context, password string) error
}

// SessionProvider はProviderに招待リンク検証とパスワード設定完了の記録を加えたもの。
type SessionProvider interface {
	Provider
	// VerifyLink は招待リンク・マジックリンクを検証してセッションを確立する。
	VerifyLink(ctx context.Context, linkType, tokenHash string) (*model.Session, error)
	// ConfirmPasswordSet は現在のセッションをパスワード認証済みとして記録する。
	ConfirmPasswordSet(ctx context.Context) (*model.Session, error)
}

// goTrueAPI はClientProviderが利用するGoTrueの操作。
type goTrueAPI interface {
	SignInWithPassword(ctx context.Context, email, password string) (*TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
	Verify(ctx context.Context, linkType, tokenHash string) (*TokenResponse, error)
	UpdatePassword(ctx context.Context, accessToken, password string) error
	Logout(ctx context.Context, accessToken string) error
}

// Broker はクライアントID単位で認証イベントを購読者に配信する。
// Publishは購読者のコールバックを同期的に呼び出す。
type Broker struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func(model.AuthEvent)
}

// NewBroker はBrokerを生成する。
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[uint64]func(model.AuthEvent))}
}

// Subscribe はクライアントIDのイベント購読を登録し、購読解除関数を返す。
func (b *Broker) Subscribe(clientID string, fn func(model.AuthEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[clientID] == nil {
		b.subs[clientID] = make(map[uint64]func(model.AuthEvent))
	}
	b.subs[clientID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[clientID], id)
			if len(b.subs[clientID]) == 0 {
				delete(b.subs, clientID)
			}
		})
	}
}

// Publish はクライアントIDの全購読者にイベントを配信する。
func (b *Broker) Publish(clientID string, event model.AuthEvent) {
	b.mu.Lock()
	fns := make([]func(model.AuthEvent), 0, len(b.subs[clientID]))
	for _, fn := range b.subs[clientID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Hub はクライアントIDごとのClientProviderを生成する。
type Hub struct {
	gotrue      goTrueAPI
	parser      *ClaimsParser
	sessionRepo repository.SessionRepository
	broker      *Broker
	now         func() time.Time

	// refreshMu はクライアントIDごとのリフレッシュ用ロック
	refreshMu sync.Map
}

// NewHub はHubを生成する。
func NewHub(gotrue goTrueAPI, parser *ClaimsParser, sessionRepo repository.SessionRepository, broker *Broker) *Hub {
	return &Hub{
		gotrue:      gotrue,
		parser:      parser,
		sessionRepo: sessionRepo,
		broker:      broker,
		now:         time.Now,
	}
}

// For はクライアントIDに紐づくSessionProviderを返す。
func (h *Hub) For(clientID string) SessionProvider {
	return &ClientProvider{hub: h, clientID: clientID}
}

// ClientProvider はブラウザクライアント1つ分のIdPセッションを扱う。
// トークンはsessionsテーブルにクライアントIDをキーとして保存する。
type ClientProvider struct {
	hub      *Hub
	clientID string
}

// lockRefresh はクライアントIDのリフレッシュ用ロックを取得し、解放関数を返す。
func (h *Hub) lockRefresh(clientID string) func() {
	v, _ := h.refreshMu.LoadOrStore(clientID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetCurrentSession は保存済みセッションを返す。
// アクセストークンが期限切れの場合はリフレッシュし、TOKEN_REFRESHEDを配信する。
// リフレッシュできない場合はセッションを削除し、SIGNED_OUTを配信する。
func (p *ClientProvider) GetCurrentSession(ctx context.Context) (*model.Session, error) {
	session, err := p.hub.sessionRepo.FindByID(ctx, p.clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || !session.IsExpired(p.hub.now()) {
		return session, nil
	}

	// リフレッシュトークンは使い捨てのため同じクライアントのリフレッシュを直列化する
	unlock := p.hub.lockRefresh(p.clientID)
	defer unlock()

	// ロック待ちの間に別のリクエストがリフレッシュを済ませている場合がある
	session, err = p.hub.sessionRepo.FindByID(ctx, p.clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil || !session.IsExpired(p.hub.now()) {
		return session, nil
	}

	if session.RefreshToken == "" {
		return nil, p.dropSession(ctx)
	}

	tok, err := p.hub.gotrue.RefreshToken(ctx, session.RefreshToken)
	if err != nil {
		slog.Warn("token refresh failed, clearing session",
			slog.String("client_id", p.clientID),
			slog.String("error", err.Error()),
		)
		return nil, p.dropSession(ctx)
	}

	refreshed, err := p.hub.parser.SessionFromToken(p.clientID, tok, p.hub.now())
	if err != nil {
		return nil, err
	}
	// パスワード設定済みの記録はリフレッシュ後も維持する
	if session.IsPasswordAuthenticated() {
		refreshed.AuthMethod = model.AuthMethodPassword
	}
	if err := p.hub.sessionRepo.Upsert(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("failed to save refreshed session: %w", err)
	}

	p.publish(model.AuthEventTokenRefreshed, refreshed)
	return refreshed, nil
}

// Subscribe はこのクライアントの認証イベントを購読する。
func (p *ClientProvider) Subscribe(fn func(model.AuthEvent)) func() {
	return p.hub.broker.Subscribe(p.clientID, fn)
}

// SignInWithPassword はパスワードでログインし、SIGNED_INを配信する。
func (p *ClientProvider) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	tok, err := p.hub.gotrue.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, tok)
}

// VerifyLink は招待リンク・マジックリンクを検証し、SIGNED_INを配信する。
func (p *ClientProvider) VerifyLink(ctx context.Context, linkType, tokenHash string) (*model.Session, error) {
	tok, err := p.hub.gotrue.Verify(ctx, linkType, tokenHash)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, tok)
}

// SignOut はIdPのセッションを失効させ、結果にかかわらずローカルのセッションを削除する。
func (p *ClientProvider) SignOut(ctx context.Context) error {
	session, err := p.hub.sessionRepo.FindByID(ctx, p.clientID)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}

	if session != nil && session.AccessToken != "" {
		if err := p.hub.gotrue.Logout(ctx, session.AccessToken); err != nil {
			slog.Warn("provider logout failed",
				slog.String("client_id", p.clientID),
				slog.String("error", err.Error()),
			)
		}
	}

	return p.dropSession(ctx)
}

// UpdateUserPassword は現在のユーザーのパスワードを更新し、USER_UPDATEDを配信する。
// アクセストークンが期限切れの場合は先にリフレッシュする。
// 認証方式の記録はConfirmPasswordSetまで変更しない。
func (p *ClientProvider) UpdateUserPassword(ctx context.Context, password string) error {
	session, err := p.GetCurrentSession(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("no active session")
	}

	if err := p.hub.gotrue.UpdatePassword(ctx, session.AccessToken, password); err != nil {
		return err
	}

	p.publish(model.AuthEventUserUpdated, session)
	return nil
}

// ConfirmPasswordSet はセッションの認証方式をpasswordに更新し、USER_UPDATEDを配信する。
func (p *ClientProvider) ConfirmPasswordSet(ctx context.Context) (*model.Session, error) {
	session, err := p.hub.sessionRepo.UpdateAuthMethod(ctx, p.clientID, model.AuthMethodPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to update auth method: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("no active session")
	}

	p.publish(model.AuthEventUserUpdated, session)
	return session, nil
}

func (p *ClientProvider) establish(ctx context.Context, tok *TokenResponse) (*model.Session, error) {
	session, err := p.hub.parser.SessionFromToken(p.clientID, tok, p.hub.now())
	if err != nil {
		return nil, err
	}
	if err := p.hub.sessionRepo.Upsert(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	p.publish(model.AuthEventSignedIn, session)
	return session, nil
}

func (p *ClientProvider) dropSession(ctx context.Context) error {
	if err := p.hub.sessionRepo.DeleteByID(ctx, p.clientID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	p.publish(model.AuthEventSignedOut, nil)
	return nil
}

func (p *ClientProvider) publish(eventType model.AuthEventType, session *model.Session) {
	p.hub.broker.Publish(p.clientID, model.AuthEvent{
		Type:    eventType,
		Session: session.Clone(),
		At:      p.hub.now(),
	})
}

// compile-time interface check
var (
	_ SessionProvider = (*ClientProvider)(nil)
	_ goTrueAPI       = (*GoTrueClient)(nil)
)
