package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/sessiongate/internal/model"
)

// --- モック定義 ---

type mockGoTrue struct {
	signInFn   func(ctx context.Context, email, password string) (*TokenResponse, error)
	refreshFn  func(ctx context.Context, refreshToken string) (*TokenResponse, error)
	verifyFn   func(ctx context.Context, linkType, tokenHash string) (*TokenResponse, error)
	updateFn   func(ctx context.Context, accessToken, password string) error
	logoutFn   func(ctx context.Context, accessToken string) error
	logoutCall int
}

func (m *mockGoTrue) SignInWithPassword(ctx context.Context, email, password string) (*TokenResponse, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, errors.New("not implemented")
}

func (m *mockGoTrue) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, errors.New("not implemented")
}

func (m *mockGoTrue) Verify(ctx context.Context, linkType, tokenHash string) (*TokenResponse, error) {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, linkType, tokenHash)
	}
	return nil, errors.New("not implemented")
}

func (m *mockGoTrue) UpdatePassword(ctx context.Context, accessToken, password string) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, accessToken, password)
	}
	return nil
}

func (m *mockGoTrue) Logout(ctx context.Context, accessToken string) error {
	m.logoutCall++
	if m.logoutFn != nil {
		return m.logoutFn(ctx, accessToken)
	}
	return nil
}

// memorySessionRepo はテスト用のインメモリSessionRepository。
type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	findErr  error
}

func newMemorySessionRepo() *memorySessionRepo {
	return &memorySessionRepo{sessions: make(map[string]*model.Session)}
}

func (r *memorySessionRepo) Upsert(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *memorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.sessions[id].Clone(), nil
}

func (r *memorySessionRepo) UpdateAuthMethod(_ context.Context, id string, method model.AuthMethod) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	s.AuthMethod = method
	return s.Clone(), nil
}

func (r *memorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// eventRecorder はBrokerから配信されたイベントを記録する。
type eventRecorder struct {
	mu     sync.Mutex
	events []model.AuthEvent
}

func (e *eventRecorder) record(ev model.AuthEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventRecorder) types() []model.AuthEventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.AuthEventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

type providerFixture struct {
	gotrue   *mockGoTrue
	repo     *memorySessionRepo
	hub      *Hub
	recorder *eventRecorder
	now      time.Time
}

func newProviderFixture(t *testing.T, clientID string) *providerFixture {
	t.Helper()
	f := &providerFixture{
		gotrue:   &mockGoTrue{},
		repo:     newMemorySessionRepo(),
		recorder: &eventRecorder{},
		now:      time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	broker := NewBroker()
	f.hub = NewHub(f.gotrue, NewClaimsParser(testJWTSecret), f.repo, broker)
	f.hub.now = func() time.Time { return f.now }
	unsubscribe := broker.Subscribe(clientID, f.recorder.record)
	t.Cleanup(unsubscribe)
	return f
}

func (f *providerFixture) token(t *testing.T, subject string, method string) *TokenResponse {
	t.Helper()
	var amr []AMREntry
	if method != "" {
		amr = []AMREntry{{Method: method}}
	}
	exp := f.now.Add(time.Hour)
	return &TokenResponse{
		AccessToken:  signTestToken(t, testJWTSecret, subject, amr, exp),
		RefreshToken: "refresh-" + subject,
		ExpiresAt:    exp.Unix(),
		User:         GoTrueUser{ID: subject, Email: subject + "@example.com"},
	}
}

func TestBroker_PublishOnlyToSameClient(t *testing.T) {
	broker := NewBroker()
	var a, b eventRecorder
	unsubA := broker.Subscribe("client-a", a.record)
	unsubB := broker.Subscribe("client-b", b.record)
	defer unsubB()

	broker.Publish("client-a", model.AuthEvent{Type: model.AuthEventSignedIn})
	if len(a.types()) != 1 || len(b.types()) != 0 {
		t.Fatalf("a=%v b=%v, want a=1 b=0", a.types(), b.types())
	}

	unsubA()
	unsubA() // 二重解除しても安全
	broker.Publish("client-a", model.AuthEvent{Type: model.AuthEventSignedOut})
	if len(a.types()) != 1 {
		t.Errorf("events after unsubscribe = %d, want 1", len(a.types()))
	}
}

func TestClientProvider_SignInWithPassword_SavesAndPublishes(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.gotrue.signInFn = func(_ context.Context, email, password string) (*TokenResponse, error) {
		return f.token(t, "user-1", "password"), nil
	}

	p := f.hub.For("client-1")
	session, err := p.SignInWithPassword(context.Background(), "user-1@example.com", "Secret1!")
	if err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}
	if !session.IsPasswordAuthenticated() {
		t.Errorf("AuthMethod = %q, want password", session.AuthMethod)
	}

	stored, _ := f.repo.FindByID(context.Background(), "client-1")
	if stored == nil || stored.UserID != "user-1" {
		t.Fatalf("stored session = %+v", stored)
	}
	if got := f.recorder.types(); len(got) != 1 || got[0] != model.AuthEventSignedIn {
		t.Errorf("events = %v, want [SIGNED_IN]", got)
	}
}

func TestClientProvider_SignInWithPassword_ErrorNoEvent(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.gotrue.signInFn = func(context.Context, string, string) (*TokenResponse, error) {
		return nil, &ProviderError{Status: 400, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}

	_, err := f.hub.For("client-1").SignInWithPassword(context.Background(), "a@example.com", "x")
	if !IsInvalidCredentials(err) {
		t.Errorf("expected invalid credentials error, got %v", err)
	}
	if len(f.recorder.types()) != 0 {
		t.Errorf("events = %v, want none", f.recorder.types())
	}
}

func TestClientProvider_GetCurrentSession_NoSession(t *testing.T) {
	f := newProviderFixture(t, "client-1")

	session, err := f.hub.For("client-1").GetCurrentSession(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentSession() error = %v", err)
	}
	if session != nil {
		t.Errorf("expected nil session, got %+v", session)
	}
}

func TestClientProvider_GetCurrentSession_RefreshesExpiredToken(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.repo.Upsert(context.Background(), &model.Session{
		ID:           "client-1",
		UserID:       "user-1",
		AccessToken:  "old",
		RefreshToken: "refresh-old",
		AuthMethod:   model.AuthMethodPassword,
		ExpiresAt:    f.now.Add(-time.Minute),
	})
	f.gotrue.refreshFn = func(_ context.Context, refreshToken string) (*TokenResponse, error) {
		if refreshToken != "refresh-old" {
			t.Errorf("refreshToken = %q, want %q", refreshToken, "refresh-old")
		}
		// リフレッシュ後のトークンのamrは招待時のまま
		return f.token(t, "user-1", "invite"), nil
	}

	session, err := f.hub.For("client-1").GetCurrentSession(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentSession() error = %v", err)
	}
	if session == nil {
		t.Fatal("expected refreshed session")
	}
	if session.AccessToken == "old" {
		t.Error("access token was not refreshed")
	}
	if !session.IsPasswordAuthenticated() {
		t.Errorf("AuthMethod = %q, password marker must survive refresh", session.AuthMethod)
	}
	if got := f.recorder.types(); len(got) != 1 || got[0] != model.AuthEventTokenRefreshed {
		t.Errorf("events = %v, want [TOKEN_REFRESHED]", got)
	}
}

func TestClientProvider_GetCurrentSession_RefreshFailure_SignsOut(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.repo.Upsert(context.Background(), &model.Session{
		ID:           "client-1",
		UserID:       "user-1",
		RefreshToken: "refresh-old",
		ExpiresAt:    f.now.Add(-time.Minute),
	})
	f.gotrue.refreshFn = func(context.Context, string) (*TokenResponse, error) {
		return nil, &ProviderError{Status: 400, Code: "invalid_grant", Message: "Invalid Refresh Token"}
	}

	session, err := f.hub.For("client-1").GetCurrentSession(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentSession() error = %v", err)
	}
	if session != nil {
		t.Errorf("expected nil session, got %+v", session)
	}
	if stored, _ := f.repo.FindByID(context.Background(), "client-1"); stored != nil {
		t.Error("expired session should be deleted")
	}
	if got := f.recorder.types(); len(got) != 1 || got[0] != model.AuthEventSignedOut {
		t.Errorf("events = %v, want [SIGNED_OUT]", got)
	}
}

func TestClientProvider_SignOut_DeletesEvenIfProviderFails(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.repo.Upsert(context.Background(), &model.Session{ID: "client-1", UserID: "user-1", AccessToken: "access"})
	f.gotrue.logoutFn = func(context.Context, string) error {
		return errors.New("network down")
	}

	if err := f.hub.For("client-1").SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if f.gotrue.logoutCall != 1 {
		t.Errorf("logout calls = %d, want 1", f.gotrue.logoutCall)
	}
	if stored, _ := f.repo.FindByID(context.Background(), "client-1"); stored != nil {
		t.Error("session should be deleted")
	}
	events := f.recorder.types()
	if len(events) != 1 || events[0] != model.AuthEventSignedOut {
		t.Errorf("events = %v, want [SIGNED_OUT]", events)
	}
}

func TestClientProvider_UpdateUserPassword_KeepsAuthMethod(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.repo.Upsert(context.Background(), &model.Session{
		ID: "client-1", UserID: "user-1", AccessToken: "access", AuthMethod: model.AuthMethodInvite,
	})
	var gotToken string
	f.gotrue.updateFn = func(_ context.Context, accessToken, password string) error {
		gotToken = accessToken
		return nil
	}

	if err := f.hub.For("client-1").UpdateUserPassword(context.Background(), "Secret1!"); err != nil {
		t.Fatalf("UpdateUserPassword() error = %v", err)
	}
	if gotToken != "access" {
		t.Errorf("access token = %q, want %q", gotToken, "access")
	}
	stored, _ := f.repo.FindByID(context.Background(), "client-1")
	if stored.AuthMethod != model.AuthMethodInvite {
		t.Errorf("AuthMethod = %q, want invite until confirmation", stored.AuthMethod)
	}
	if got := f.recorder.types(); len(got) != 1 || got[0] != model.AuthEventUserUpdated {
		t.Errorf("events = %v, want [USER_UPDATED]", got)
	}
}

func TestClientProvider_UpdateUserPassword_NoSession(t *testing.T) {
	f := newProviderFixture(t, "client-1")

	if err := f.hub.For("client-1").UpdateUserPassword(context.Background(), "Secret1!"); err == nil {
		t.Fatal("expected error without session")
	}
}

func TestClientProvider_UpdateUserPassword_RefreshesExpiredToken(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.repo.Upsert(context.Background(), &model.Session{
		ID:           "client-1",
		UserID:       "user-1",
		AccessToken:  "expired",
		RefreshToken: "refresh-old",
		AuthMethod:   model.AuthMethodInvite,
		ExpiresAt:    f.now.Add(-time.Second),
	})
	refreshed := f.token(t, "user-1", "invite")
	f.gotrue.refreshFn = func(context.Context, string) (*TokenResponse, error) {
		return refreshed, nil
	}
	var gotToken string
	f.gotrue.updateFn = func(_ context.Context, accessToken, _ string) error {
		gotToken = accessToken
		return nil
	}

	if err := f.hub.For("client-1").UpdateUserPassword(context.Background(), "Secret1!"); err != nil {
		t.Fatalf("UpdateUserPassword() error = %v", err)
	}
	if gotToken != refreshed.AccessToken {
		t.Errorf("access token = %q, want refreshed token", gotToken)
	}
	got := f.recorder.types()
	if len(got) != 2 || got[0] != model.AuthEventTokenRefreshed || got[1] != model.AuthEventUserUpdated {
		t.Errorf("events = %v, want [TOKEN_REFRESHED USER_UPDATED]", got)
	}
}

func TestClientProvider_UpdateUserPassword_RefreshFailure(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.repo.Upsert(context.Background(), &model.Session{
		ID:          "client-1",
		UserID:      "user-1",
		AccessToken: "expired",
		ExpiresAt:   f.now.Add(-time.Second),
	})
	f.gotrue.updateFn = func(context.Context, string, string) error {
		t.Error("UpdatePassword must not be called with an expired token")
		return nil
	}

	if err := f.hub.For("client-1").UpdateUserPassword(context.Background(), "Secret1!"); err == nil {
		t.Fatal("expected error when session cannot be refreshed")
	}
	if got := f.recorder.types(); len(got) != 1 || got[0] != model.AuthEventSignedOut {
		t.Errorf("events = %v, want [SIGNED_OUT]", got)
	}
}

func TestClientProvider_GetCurrentSession_ConcurrentRefreshOnce(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.repo.Upsert(context.Background(), &model.Session{
		ID:           "client-1",
		UserID:       "user-1",
		AccessToken:  "old",
		RefreshToken: "refresh-old",
		ExpiresAt:    f.now.Add(-time.Minute),
	})
	refreshed := f.token(t, "user-1", "password")
	var mu sync.Mutex
	calls := 0
	f.gotrue.refreshFn = func(context.Context, string) (*TokenResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls > 1 {
			return nil, &ProviderError{Status: 400, Code: "invalid_grant", Message: "Refresh Token Already Used"}
		}
		return refreshed, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := f.hub.For("client-1").GetCurrentSession(context.Background())
			if err != nil {
				t.Errorf("GetCurrentSession() error = %v", err)
				return
			}
			if session == nil || session.AccessToken != refreshed.AccessToken {
				t.Errorf("session = %+v, want refreshed session", session)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestClientProvider_ConfirmPasswordSet_MarksPassword(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.repo.Upsert(context.Background(), &model.Session{
		ID: "client-1", UserID: "user-1", AuthMethod: model.AuthMethodOTP,
	})

	session, err := f.hub.For("client-1").ConfirmPasswordSet(context.Background())
	if err != nil {
		t.Fatalf("ConfirmPasswordSet() error = %v", err)
	}
	if !session.IsPasswordAuthenticated() {
		t.Errorf("AuthMethod = %q, want password", session.AuthMethod)
	}

	f.recorder.mu.Lock()
	last := f.recorder.events[len(f.recorder.events)-1]
	f.recorder.mu.Unlock()
	if last.Type != model.AuthEventUserUpdated || !last.Session.IsPasswordAuthenticated() {
		t.Errorf("last event = %+v, want USER_UPDATED with password session", last)
	}
}

func TestClientProvider_VerifyLink_EstablishesNonPasswordSession(t *testing.T) {
	f := newProviderFixture(t, "client-1")
	f.gotrue.verifyFn = func(_ context.Context, linkType, tokenHash string) (*TokenResponse, error) {
		return f.token(t, "user-9", "otp"), nil
	}

	session, err := f.hub.For("client-1").VerifyLink(context.Background(), "invite", "hash")
	if err != nil {
		t.Fatalf("VerifyLink() error = %v", err)
	}
	if session.IsPasswordAuthenticated() {
		t.Error("link session must not be password-authenticated")
	}
	if got := f.recorder.types(); len(got) != 1 || got[0] != model.AuthEventSignedIn {
		t.Errorf("events = %v, want [SIGNED_IN]", got)
	}
}
