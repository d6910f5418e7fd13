package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/huddle/internal/model"
)

// 永続化操作のラベル
const (
	OpSave   = "save"
	OpDelete = "delete"
)

// Store はセッションストアに必要な操作。
// repository.SessionRepositoryの部分集合として定義する。
type Store interface {
	Save(ctx context.Context, session *model.Session) error
	FindByID(ctx context.Context, id string) (*model.Session, error)
	DeleteByID(ctx context.Context, id string) error
}

// FailureRecorder は永続化のリトライと失敗を記録するインターフェース。
// metrics.Collectorが実装する。
type FailureRecorder interface {
	RecordSessionStoreFailure(op string)
	RecordSessionStoreRetry(op string)
	RecordSessionWriteLatency(duration time.Duration)
}

// PersisterConfig は非同期永続化の設定。
type PersisterConfig struct {
	MaxAttempts    int           // 1操作あたりの最大試行回数
	InitialBackoff time.Duration // 初回リトライまでの待機時間
	MaxBackoff     time.Duration // 待機時間の上限
	AttemptTimeout time.Duration // 1試行あたりのタイムアウト
	MaxInFlight    int           // 同時に実行する書き込みの上限
}

// DefaultPersisterConfig はデフォルトの永続化設定を返す。
// 初回50ms、2倍ずつ増加、最大2秒、3回試行。
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		AttemptTimeout: 5 * time.Second,
		MaxInFlight:    32,
	}
}

// Persister はセッションの保存と削除をレスポンスと非同期に実行する。
// 失敗は指数バックオフでリトライし、最終的な失敗はログとメトリクスに記録する。
// リクエストへのエラー伝播は行わない。
//
// 削除したIDは一定時間トゥームストーンとして保持し、
// リトライ中の古い保存が削除済みの行を復活させないようにする。
type Persister struct {
	store    Store
	recorder FailureRecorder
	logger   *slog.Logger
	config   PersisterConfig

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	deleted map[string]time.Time
}

// NewPersister はPersisterを生成する。
// recorderがnilの場合は記録を行わない。
func NewPersister(store Store, recorder FailureRecorder, logger *slog.Logger, config PersisterConfig) *Persister {
	defaults := DefaultPersisterConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = defaults.MaxInFlight
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Persister{
		store:    store,
		recorder: recorder,
		logger:   logger,
		config:   config,
		sem:      make(chan struct{}, config.MaxInFlight),
		deleted:  make(map[string]time.Time),
	}
}

// Save はセッションを非同期に保存する。
// ctxのキャンセル（クライアント切断）は書き込みに伝播しない。
func (p *Persister) Save(ctx context.Context, sess *model.Session) {
	snapshot := *sess
	if sess.Data != nil {
		data := *sess.Data
		snapshot.Data = &data
	}
	p.run(ctx, OpSave, snapshot.ID, func(ctx context.Context) error {
		if p.isDeleted(snapshot.ID) {
			p.logger.Debug("session save skipped after delete",
				slog.String("session_id", snapshot.ID),
			)
			return nil
		}
		if err := p.store.Save(ctx, &snapshot); err != nil {
			return err
		}
		// 書き込み中に削除された場合は削除をやり直す
		if p.isDeleted(snapshot.ID) {
			return p.store.DeleteByID(ctx, snapshot.ID)
		}
		return nil
	})
}

// Delete はセッションを非同期に削除する。
// 同じIDに対する以降の保存は破棄される。
func (p *Persister) Delete(ctx context.Context, id string) {
	p.markDeleted(id)
	p.run(ctx, OpDelete, id, func(ctx context.Context) error {
		return p.store.DeleteByID(ctx, id)
	})
}

// Wait は実行中の書き込みがすべて完了するまで待機する。
// ctxが先に終了した場合はそのエラーを返す。
func (p *Persister) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Persister) run(ctx context.Context, op, sessionID string, fn func(ctx context.Context) error) {
	detached := context.WithoutCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		start := time.Now()
		err := p.withRetry(detached, op, fn)
		p.recorder.RecordSessionWriteLatency(time.Since(start))
		if err != nil {
			p.recorder.RecordSessionStoreFailure(op)
			p.logger.Error("session store write failed",
				slog.String("op", op),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (p *Persister) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			p.recorder.RecordSessionStoreRetry(op)
			time.Sleep(p.backoff(attempt - 1))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		p.logger.Warn("session store write attempt failed",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("session %s failed after %d attempts: %w", op, p.config.MaxAttempts, err)
}

func (p *Persister) markDeleted(id string) {
	now := time.Now()
	ttl := p.tombstoneTTL()

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, at := range p.deleted {
		if now.Sub(at) > ttl {
			delete(p.deleted, k)
		}
	}
	p.deleted[id] = now
}

func (p *Persister) isDeleted(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.deleted[id]
	return ok
}

// tombstoneTTL は1操作がリトライを含めて取り得る最長時間。
func (p *Persister) tombstoneTTL() time.Duration {
	n := time.Duration(p.config.MaxAttempts)
	return n*(p.config.AttemptTimeout+p.config.MaxBackoff) + time.Minute
}

// backoff はリトライ回数に基づく待機時間を返す。
func (p *Persister) backoff(retries int) time.Duration {
	delay := p.config.InitialBackoff
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay > p.config.MaxBackoff {
			return p.config.MaxBackoff
		}
	}
	return delay
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionStoreFailure(string)        {}
func (nopRecorder) RecordSessionStoreRetry(string)          {}
func (nopRecorder) RecordSessionWriteLatency(time.Duration) {}
