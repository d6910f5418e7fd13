package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/huddle/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = pq.ErrorCode("23505")

// usernameConstraint はusers.usernameの一意制約名（000001_create_users）。
const usernameConstraint = "users_username_key"

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
// 認証方式はpassword_hashの有無と最初に紐付いたidentityから復元する。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	var (
		passwordHash   sql.NullString
		provider       sql.NullString
		providerUserID sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.given_name, u.family_name, u.username, u.picture_url,
		        u.password_hash, u.created_at, u.updated_at, i.provider, i.provider_user_id
		 FROM users u
		 LEFT JOIN identities i ON i.user_id = u.id
		 WHERE u.id = $1
		 ORDER BY i.created_at
		 LIMIT 1`,
		id,
	).Scan(
		&user.ID, &user.Email, &user.GivenName, &user.FamilyName, &user.Username, &user.PictureURL,
		&passwordHash, &user.CreatedAt, &user.UpdatedAt, &provider, &providerUserID,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	user.Auth = authMethodFromColumns(passwordHash, provider, providerUserID)
	return user, nil
}

// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var passwordHash sql.NullString
	if pw, ok := user.Auth.(model.PasswordMethod); ok {
		passwordHash = sql.NullString{String: pw.Hash, Valid: true}
	}

	// ユーザーを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, given_name, family_name, username, picture_url, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.Email, user.GivenName, user.FamilyName, user.Username, user.PictureURL,
		passwordHash, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUsernameConflict(err) {
			return fmt.Errorf("failed to insert user %s: %w", user.Username, model.ErrDuplicateUsername)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	// identityを作成
	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to insert identity %s/%s: %w", identity.Provider, identity.ProviderUserID, model.ErrDuplicateIdentity)
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するidentitiesはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// authMethodFromColumns はusers/identitiesの列からAuthMethodを復元する。
func authMethodFromColumns(passwordHash, provider, providerUserID sql.NullString) model.AuthMethod {
	if passwordHash.Valid {
		return model.PasswordMethod{Hash: passwordHash.String}
	}
	if provider.Valid {
		return model.OAuthMethod{Provider: provider.String, ExternalID: providerUserID.String}
	}
	return nil
}

// isUniqueViolation はエラーがPostgreSQLの一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// isUsernameConflict はエラーがユーザー名の一意制約違反かどうかを判定する。
func isUsernameConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == usernameConstraint
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
