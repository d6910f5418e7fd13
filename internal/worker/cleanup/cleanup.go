// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// セッションの読み込み時にも期限は判定されるため、このジョブはテーブルの肥大化を防ぐためだけに動く。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredSessionPurger は期限切れセッションの削除インターフェース。
// repository.SessionRepository が満たす。
type ExpiredSessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Recorder は削除件数の記録先。
type Recorder interface {
	RecordExpiredSessionsDeleted(count int64)
}

// CleanupJob は期限切れセッションの削除ジョブ。
// 冪等であり、複数のworkerから同時に実行されても問題ない。
type CleanupJob struct {
	sessions ExpiredSessionPurger
	recorder Recorder
	logger   *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(sessions ExpiredSessionPurger, recorder Recorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
	}
}

// Run は期限切れセッションを1回削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordExpiredSessionsDeleted(deleted)
	}

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションクリーンアップを開始しました",
		slog.Duration("interval", interval),
	)

	// エラーはRun内でログ済み
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
