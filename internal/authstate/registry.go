package authstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/sessiongate/internal/logger"
	"github.com/hitoshi/sessiongate/internal/metrics"
)

// SourceFactory はクライアントIDに対応するSourceを返す。
type SourceFactory func(clientID string) Source

// RegistryConfig はRegistryの設定を保持する。
type RegistryConfig struct {
	IdleTimeout     time.Duration // 最終アクセスからStoreを破棄するまでの時間
	CleanupInterval time.Duration // アイドルStoreのクリーンアップ間隔
}

// DefaultRegistryConfig はデフォルトのRegistry設定を返す。
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		IdleTimeout:     30 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type registryEntry struct {
	store      *Store
	lastAccess time.Time
}

// Registry はクライアントIDごとのStoreを管理する。
// Storeは最初のアクセスで生成・起動し、一定時間アクセスがなければ破棄する。
type Registry struct {
	config  RegistryConfig
	factory SourceFactory
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	// Storeの寿命はリクエストではなくRegistryに従う
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[string]*registryEntry

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry は新しいRegistryを生成する。
// バックグラウンドでアイドルStoreのクリーンアップを開始する。
func NewRegistry(config RegistryConfig, factory SourceFactory, log *slog.Logger, m metrics.MetricsCollector) *Registry {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultRegistryConfig().IdleTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRegistryConfig().CleanupInterval
	}
	if m == nil {
		m = metrics.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		config:  config,
		factory: factory,
		logger:  logger.ForComponent(log, "authstate"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*registryEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Get はクライアントIDのStoreを取得し、存在しない場合は生成して起動する。
func (r *Registry) Get(clientID string) *Store {
	r.mu.RLock()
	e, exists := r.entries[clientID]
	r.mu.RUnlock()

	if exists {
		r.mu.Lock()
		e.lastAccess = r.now()
		r.mu.Unlock()
		return e.store
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// ダブルチェック
	if e, exists := r.entries[clientID]; exists {
		e.lastAccess = r.now()
		return e.store
	}

	store := NewStore(r.factory(clientID), r.logger.With(slog.String("client_id", clientID)))
	store.Start(r.ctx)
	r.entries[clientID] = &registryEntry{store: store, lastAccess: r.now()}
	r.metrics.SetActiveStores(len(r.entries))

	return store
}

// Count は現在管理しているStoreの数を返す。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stop はクリーンアップを停止し、すべてのStoreをクローズする。
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.cancel()

		r.mu.Lock()
		stores := make([]*Store, 0, len(r.entries))
		for id, e := range r.entries {
			stores = append(stores, e.store)
			delete(r.entries, id)
		}
		r.mu.Unlock()

		for _, s := range stores {
			s.Close()
		}
		r.metrics.SetActiveStores(0)
	})
}

// cleanupLoop はバックグラウンドでアイドルStoreを定期的に破棄する。
func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからIdleTimeoutを超えたStoreをクローズして削除する。
// 購読者のいるStoreは破棄しない。
func (r *Registry) cleanup() {
	now := r.now()

	r.mu.Lock()
	var idle []*Store
	for id, e := range r.entries {
		// 状態を購読中の接続があるStoreはアクセス中として扱う
		if e.store.SubscriberCount() > 0 {
			e.lastAccess = now
			continue
		}
		if now.Sub(e.lastAccess) > r.config.IdleTimeout {
			idle = append(idle, e.store)
			delete(r.entries, id)
		}
	}
	count := len(r.entries)
	r.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		r.logger.Info("idle stores evicted",
			slog.Int("evicted", len(idle)),
			slog.Int("active", count),
		)
	}
	r.metrics.SetActiveStores(count)
}
