package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/huddle/internal/model"
	"github.com/lib/pq"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// テーブル名は設定（SESSION_DB_COLLECTION）で決まる。
type PostgresSessionRepo struct {
	db    *sql.DB
	table string // クオート済み
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB, table string) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db, table: pq.QuoteIdentifier(table)}
}

// Save はセッションをUPSERTする。
func (r *PostgresSessionRepo) Save(ctx context.Context, session *model.Session) error {
	data, err := encodeSessionData(session.Data)
	if err != nil {
		return err
	}

	userID := sql.NullString{String: session.UserID, Valid: session.UserID != ""}

	_, err = r.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, data, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = EXCLUDED.user_id,
		     data = EXCLUDED.data,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at`, r.table),
		session.ID, userID, data, session.ExpiresAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	var (
		userID sql.NullString
		data   []byte
	)
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, user_id, data, expires_at, created_at, updated_at
		 FROM %s
		 WHERE id = $1 AND expires_at > now()`, r.table),
		id,
	).Scan(&session.ID, &userID, &data, &session.ExpiresAt, &session.CreatedAt, &session.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	session.UserID = userID.String
	session.Data, err = decodeSessionData(data)
	if err != nil {
		return nil, err
	}

	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.table),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, r.table),
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= now()`, r.table),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// encodeSessionData はセッションのidentity payloadをJSONBに変換する。
// 匿名セッションは空オブジェクトとして保存する。
func encodeSessionData(payload *model.IdentityPayload) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return data, nil
}

// decodeSessionData はJSONBからidentity payloadを復元する。
// userIdを持たないデータは匿名セッションとしてnilを返す。
func decodeSessionData(data []byte) (*model.IdentityPayload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var payload model.IdentityPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	if payload.UserID == "" {
		return nil, nil
	}
	return &payload, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
