// Package authstate はブラウザクライアント単位の認証状態（AuthState）を保持する。
//
// Storeは起動時にIdPから現在のセッションを1回だけ非同期に取得し、
// 以後はIdPの認証イベントでセッション全体を置き換える。
// 状態の更新は単一のゴルーチンが1本のチャネルから順に適用する。
package authstate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/sessiongate/internal/model"
)

// ErrClosed はClose済みのStoreに対する操作で返される。
var ErrClosed = errors.New("authstate: store closed")

// Source はStoreが参照するIdPの操作。
type Source interface {
	GetCurrentSession(ctx context.Context) (*model.Session, error)
	Subscribe(fn func(model.AuthEvent)) (unsubscribe func())
}

// State はクライアントの認証状態。
// Loadingは起動直後のみtrueで、最初の解決後は二度とtrueに戻らない。
type State struct {
	Session *model.Session
	Loading bool
	Version uint64
}

// Authenticated はセッションが存在するかどうかを返す。
func (s State) Authenticated() bool {
	return !s.Loading && s.Session != nil
}

type updateKind int

const (
	updateFetch updateKind = iota
	updateEvent
	updateRefresh
	updateBarrier
)

type update struct {
	kind    updateKind
	session *model.Session
	event   model.AuthEvent
	done    chan struct{}
}

// Store は1クライアント分のAuthStateを保持する。
type Store struct {
	source Source
	logger *slog.Logger

	updates chan update
	stop    chan struct{}
	done    chan struct{}

	mu       sync.RWMutex
	state    State
	resolved chan struct{}

	subMu     sync.Mutex
	nextSubID uint64
	subs      map[uint64]chan State

	// reducerゴルーチンのみが参照する
	eventApplied bool

	startOnce   sync.Once
	closeOnce   sync.Once
	unsubscribe func()
	cancelFetch context.CancelFunc
}

// NewStore はLoading状態のStoreを生成する。Startを呼ぶまで状態は変化しない。
func NewStore(source Source, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		source:   source,
		logger:   logger,
		updates:  make(chan update, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    State{Loading: true},
		resolved: make(chan struct{}),
		subs:     make(map[uint64]chan State),
	}
}

// Start はIdPのイベント購読を開始し、続けて現在のセッションを非同期に取得する。
// 購読を先に登録するため、取得中に発生したイベントを取りこぼさない。
// 2回目以降の呼び出しは何もしない。
func (s *Store) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		fetchCtx, cancel := context.WithCancel(ctx)
		s.cancelFetch = cancel

		s.unsubscribe = s.source.Subscribe(func(ev model.AuthEvent) {
			s.enqueue(update{kind: updateEvent, event: ev})
		})

		go s.reduce()
		go s.fetch(fetchCtx)
	})
}

func (s *Store) fetch(ctx context.Context) {
	session, err := s.source.GetCurrentSession(ctx)
	if err != nil {
		// 初期化エラーは利用者に通知せず、セッションなしとして解決する
		s.logger.Warn("failed to fetch current session",
			slog.String("error", err.Error()),
		)
		session = nil
	}
	s.enqueue(update{kind: updateFetch, session: session})
}

// Refresh はIdPに現在のセッションを問い合わせ、結果で状態を置き換える。
// 期限切れのアクセストークンはSource側でリフレッシュされ、
// TOKEN_REFRESHEDまたはSIGNED_OUTのイベントも配信される。
// 結果が適用されるまで待ってから戻る。
func (s *Store) Refresh(ctx context.Context) error {
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}

	session, err := s.source.GetCurrentSession(ctx)
	if err != nil {
		return err
	}
	if !s.enqueue(update{kind: updateRefresh, session: session}) {
		return ErrClosed
	}
	return s.Sync(ctx)
}

// SubscriberCount は現在の購読者数を返す。
func (s *Store) SubscriberCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (s *Store) enqueue(u update) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.updates <- u:
		return true
	case <-s.stop:
		return false
	}
}

func (s *Store) reduce() {
	defer close(s.done)
	for {
		select {
		case u := <-s.updates:
			s.apply(u)
		case <-s.stop:
			return
		}
	}
}

func (s *Store) apply(u update) {
	switch u.kind {
	case updateBarrier:
		close(u.done)
		return
	case updateFetch:
		if s.eventApplied {
			s.logger.Debug("initial session fetch ignored, event already applied")
			return
		}
		s.set(u.session)
	case updateRefresh:
		// 同じ内容のイベントが先に適用済みであれば版を進めない
		s.eventApplied = true
		if st := s.State(); !st.Loading && sameSession(st.Session, u.session) {
			return
		}
		s.set(u.session)
	case updateEvent:
		s.eventApplied = true
		s.logger.Info("auth event applied",
			slog.String("event", string(u.event.Type)),
			slog.Bool("has_session", u.event.Session != nil),
		)
		s.set(u.event.Session)
	}
}

// sameSession はトークンと認証方式が一致するかどうかを返す。
func sameSession(a, b *model.Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AccessToken == b.AccessToken &&
		a.AuthMethod == b.AuthMethod &&
		a.ExpiresAt.Equal(b.ExpiresAt)
}

// set はセッションを丸ごと置き換え、Loadingを解除する。
func (s *Store) set(session *model.Session) {
	s.mu.Lock()
	first := s.state.Loading
	s.state = State{
		Session: session.Clone(),
		Loading: false,
		Version: s.state.Version + 1,
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if first {
		close(s.resolved)
	}
	s.notify(snapshot)
}

func (s *Store) snapshotLocked() State {
	st := s.state
	st.Session = st.Session.Clone()
	return st
}

// State は現在の状態のコピーを返す。
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Subscribe は状態変化を受け取るチャネルを返す。
// チャネルは常に最新の状態のみを保持し、登録直後に現在の状態が1件入る。
// cancelを呼ぶとチャネルはクローズされる。
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.subMu.Lock()
	ch <- s.State()
	select {
	case <-s.stop:
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (s *Store) notify(st State) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// Sync はこれまでにキューに入った更新がすべて適用されるまで待つ。
func (s *Store) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !s.enqueue(update{kind: updateBarrier, done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrClosed
	}
}

// WaitResolved は最初の解決（Loadingの解除）まで待つ。
func (s *Store) WaitResolved(ctx context.Context) error {
	select {
	case <-s.resolved:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrClosed
	}
}

// Close はイベント購読を解除し、reducerと購読チャネルを停止する。
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		// 未起動の場合は以後のStartを無効化する
		s.startOnce.Do(func() {})

		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.cancelFetch != nil {
			s.cancelFetch()
		}
		close(s.stop)
		if s.cancelFetch != nil {
			<-s.done
		}

		s.subMu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	})
}
