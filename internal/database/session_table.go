package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EnsureSessionTable は設定されたテーブル名でセッションテーブルと期限切れ検索用インデックスを作成する。
// 既に存在する場合は何もしない（冪等）。
func EnsureSessionTable(ctx context.Context, db Executor, table string) error {
	for _, stmt := range SessionTableDDL(table) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure session table %s: %w", table, err)
		}
	}
	return nil
}

// SessionTableDDL はセッションテーブル作成用のDDLを返す。
// テーブル名はpq.QuoteIdentifierでクオートする。
func SessionTableDDL(table string) []string {
	quoted := pq.QuoteIdentifier(table)
	index := pq.QuoteIdentifier("idx_" + table + "_expires_at")
	userIndex := pq.QuoteIdentifier("idx_" + table + "_user_id")

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			user_id    UUID REFERENCES users (id) ON DELETE CASCADE,
			data       JSONB NOT NULL DEFAULT '{}'::jsonb,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, quoted),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)`, index, quoted),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (user_id)`, userIndex, quoted),
	}
}
