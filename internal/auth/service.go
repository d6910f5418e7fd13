// Package auth はFacebook OAuthによるログインハンドシェイクを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/hitoshi/huddle/internal/model"
	"github.com/hitoshi/huddle/internal/session"
)

// UserResolver は外部プロフィールからユーザーを検索または作成するインターフェース。
// user.Serviceが実装する。
type UserResolver interface {
	FindOrCreate(ctx context.Context, profile *model.ExternalProfile, accessToken string) (*model.User, error)
}

// Service はログインハンドシェイクのビジネスロジックを提供する。
//
//  1. BeginHandshake: stateを付与した同意画面URLを返す
//  2. CompleteHandshake: 認可コードからユーザーを解決し、セッションに格納する識別情報を返す
type Service struct {
	provider OAuthProvider
	users    UserResolver
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(provider OAuthProvider, users UserResolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		users:    users,
		logger:   logger,
	}
}

// BeginHandshake は同意画面のURLを返す。
func (s *Service) BeginHandshake(state string) string {
	return s.provider.GetLoginURL(state)
}

// CompleteHandshake は認可コードを交換してユーザーを解決し、セッション用の識別情報を返す。
// 失敗時は Kind を持つ *Error を返す。認可コードが空の場合は同意拒否とみなす。
func (s *Service) CompleteHandshake(ctx context.Context, code string) (*model.IdentityPayload, error) {
	if code == "" {
		return nil, &Error{Kind: KindConsentDenied, Err: errors.New("authorization code is missing")}
	}

	// 1. 認可コードをトークンに交換し、プロフィールを取得
	result, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		var authErr *Error
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &Error{Kind: KindProvider, Err: err}
	}

	// 2. ユーザーを検索または作成
	user, err := s.users.FindOrCreate(ctx, result.Profile, result.AccessToken)
	if err != nil {
		return nil, &Error{Kind: KindPersistence, Err: err}
	}

	// 3. セッションに格納する識別情報へ変換
	payload, err := session.Serialize(user)
	if err != nil {
		return nil, &Error{Kind: KindShape, Err: err}
	}

	s.logger.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("provider", result.Profile.Provider),
	)
	return payload, nil
}

// GenerateState はCSRF対策用のランダムなstate値を生成する。
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
