package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/sessiongate/internal/authstate"
	"github.com/hitoshi/sessiongate/internal/middleware"
	"github.com/hitoshi/sessiongate/internal/model"
	"github.com/hitoshi/sessiongate/internal/profile"
)

// --- IdPのイベントを模したSource ---

type testSource struct {
	mu      sync.Mutex
	session *model.Session
	subs    map[int]func(model.AuthEvent)
	nextID  int
}

func (s *testSource) GetCurrentSession(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone(), nil
}

func (s *testSource) Subscribe(fn func(model.AuthEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(model.AuthEvent))
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// publish はセッションを更新し、購読者へ同期的にイベントを配信する。
func (s *testSource) publish(eventType model.AuthEventType, session *model.Session) {
	s.mu.Lock()
	s.session = session.Clone()
	fns := make([]func(model.AuthEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	ev := model.AuthEvent{Type: eventType, Session: session.Clone(), At: time.Now()}
	for _, fn := range fns {
		fn(ev)
	}
}

// --- クライアントごとのStore ---

type testStores struct {
	t       *testing.T
	mu      sync.Mutex
	stores  map[string]*authstate.Store
	sources map[string]*testSource
}

func newTestStores(t *testing.T) *testStores {
	return &testStores{
		t:       t,
		stores:  make(map[string]*authstate.Store),
		sources: make(map[string]*testSource),
	}
}

func (s *testStores) source(clientID string) *testSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[clientID]
	if !ok {
		src = &testSource{}
		s.sources[clientID] = src
	}
	return src
}

// seed はStore生成前のセッションを設定する。
func (s *testStores) seed(clientID string, session *model.Session) {
	src := s.source(clientID)
	src.mu.Lock()
	src.session = session
	src.mu.Unlock()
}

// Get はStoreを生成して起動し、最初の解決まで待ってから返す。
func (s *testStores) Get(clientID string) *authstate.Store {
	src := s.source(clientID)

	s.mu.Lock()
	store, ok := s.stores[clientID]
	if !ok {
		store = authstate.NewStore(src, nil)
		store.Start(context.Background())
		s.stores[clientID] = store
		s.t.Cleanup(store.Close)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := store.WaitResolved(ctx); err != nil {
		s.t.Fatalf("WaitResolved() error = %v", err)
	}
	return store
}

// --- モック定義 ---

type mockAuthService struct {
	signInFn         func(ctx context.Context, clientID, email, pw string) (*model.Session, error)
	signInWithLinkFn func(ctx context.Context, clientID, linkType, tokenHash string) (*model.Session, error)
	signOutFn        func(ctx context.Context, clientID string) error
	setPasswordFn    func(ctx context.Context, clientID string, session *model.Session, pw, confirm string) error
}

func (m *mockAuthService) SignIn(ctx context.Context, clientID, email, pw string) (*model.Session, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, clientID, email, pw)
	}
	return nil, nil
}

func (m *mockAuthService) SignInWithLink(ctx context.Context, clientID, linkType, tokenHash string) (*model.Session, error) {
	if m.signInWithLinkFn != nil {
		return m.signInWithLinkFn(ctx, clientID, linkType, tokenHash)
	}
	return nil, nil
}

func (m *mockAuthService) SignOut(ctx context.Context, clientID string) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, clientID)
	}
	return nil
}

func (m *mockAuthService) SetPassword(ctx context.Context, clientID string, session *model.Session, pw, confirm string) error {
	if m.setPasswordFn != nil {
		return m.setPasswordFn(ctx, clientID, session, pw, confirm)
	}
	return nil
}

type mockProfileService struct {
	completeFn func(ctx context.Context, userID, email string) (*profile.Result, error)
}

func (m *mockProfileService) Complete(ctx context.Context, userID, email string) (*profile.Result, error) {
	if m.completeFn != nil {
		return m.completeFn(ctx, userID, email)
	}
	return &profile.Result{Created: true, Message: profile.MessageCreated}, nil
}

// --- ヘルパー ---

const testClientID = "client-abc"

func inviteSession(clientID string) *model.Session {
	return &model.Session{
		ID:         clientID,
		UserID:     "6f1c2a52-9a59-4c59-9a4e-1d1f9d4b8f10",
		Email:      "invitee@example.com",
		AuthMethod: model.AuthMethodOTP,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func passwordSession(clientID string) *model.Session {
	s := inviteSession(clientID)
	s.AuthMethod = model.AuthMethodPassword
	return s
}

// newClientRequest はクライアントIDをコンテキストに持つリクエストを作る。
func newClientRequest(method, target string, body io.Reader, clientID string) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if clientID != "" {
		req = req.WithContext(middleware.ContextWithClientID(req.Context(), clientID))
	}
	return req
}

func formBody(values url.Values) io.Reader {
	return strings.NewReader(values.Encode())
}
