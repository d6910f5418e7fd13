// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/huddle/internal/model"
	"github.com/hitoshi/huddle/internal/repository"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultResolveTimeout は共有されたユーザー解決1回あたりの上限時間。
	defaultResolveTimeout = 10 * time.Second
	// maxUsernameAttempts はユーザー名衝突時の作成試行回数。
	maxUsernameAttempts = 3
)

// SessionDeleter はユーザーのセッション一括削除インターフェース。
type SessionDeleter interface {
	DeleteByUserID(ctx context.Context, userID string) error
}

// CreationRecorder はユーザー作成を記録するインターフェース。
// metrics.Collectorが実装する。
type CreationRecorder interface {
	RecordUserCreated()
}

// Service はユーザー管理のサービス層。
// ログイン時のユーザー解決と退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo SessionDeleter
	recorder    CreationRecorder

	usernames      *UsernameGenerator
	group          singleflight.Group
	resolveTimeout time.Duration
	now            func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// recorderはnilでもよい。
func NewService(
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo SessionDeleter,
	recorder CreationRecorder,
) *Service {
	return &Service{
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		recorder:    recorder,
		usernames:   NewUsernameGenerator(),
		now:         time.Now,

		resolveTimeout: defaultResolveTimeout,
	}
}

// FindOrCreate は外部プロフィールに対応するユーザーを返す。
// (provider, external id) に紐付くユーザーが存在しなければ作成する。
// 返すユーザーは呼び出しごとのコピーで、accessTokenはメモリ上にのみ付与する。
//
// 同一の外部IDに対する同時呼び出しは1回の実行にまとめる。共有される実行は
// 呼び出し元のキャンセルから切り離して resolveTimeout まで続行し、
// 各呼び出し元は自身のctxが終了した時点で待機をやめる。
func (s *Service) FindOrCreate(ctx context.Context, profile *model.ExternalProfile, accessToken string) (*model.User, error) {
	if profile == nil || profile.Provider == "" || profile.ExternalID == "" {
		return nil, fmt.Errorf("profile must have provider and external id")
	}

	key := profile.Provider + ":" + profile.ExternalID
	ch := s.group.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.resolveTimeout)
		defer cancel()
		return s.findOrCreate(shared, profile)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	user := *res.Val.(*model.User)
	user.AccessToken = accessToken
	return &user, nil
}

func (s *Service) findOrCreate(ctx context.Context, profile *model.ExternalProfile) (*model.User, error) {
	// 1. identitiesテーブルで既存ユーザーを検索
	user, err := s.findExisting(ctx, profile)
	if err != nil || user != nil {
		return user, err
	}

	// 2. 新規ユーザー: usersレコードとidentitiesレコードを同時に作成
	for attempt := 1; ; attempt++ {
		user, err = s.create(ctx, profile)
		switch {
		case err == nil:
			return user, nil

		case errors.Is(err, model.ErrDuplicateIdentity):
			// 別プロセスが先に作成した。作成済みのユーザーを読み直す
			existing, findErr := s.findExisting(ctx, profile)
			if findErr != nil {
				return nil, findErr
			}
			if existing == nil {
				return nil, fmt.Errorf("failed to create user and identity: %w", err)
			}
			slog.Info("user created concurrently, reusing existing user",
				slog.String("user_id", existing.ID),
				slog.String("provider", profile.Provider),
			)
			return existing, nil

		case errors.Is(err, model.ErrDuplicateUsername) && attempt < maxUsernameAttempts:
			slog.Warn("username collision, retrying with a new username",
				slog.String("provider", profile.Provider),
				slog.Int("attempt", attempt),
			)

		default:
			return nil, fmt.Errorf("failed to create user and identity: %w", err)
		}
	}
}

// findExisting は外部IDに紐付くユーザーを返す。紐付けがなければnilを返す。
func (s *Service) findExisting(ctx context.Context, profile *model.ExternalProfile) (*model.User, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, profile.Provider, profile.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		return nil, nil
	}

	user, err := s.userRepo.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("identity %s/%s references missing user %s",
			profile.Provider, profile.ExternalID, identity.UserID)
	}
	return user, nil
}

// create は新しいユーザー名でユーザーとidentityを作成する。
func (s *Service) create(ctx context.Context, profile *model.ExternalProfile) (*model.User, error) {
	now := s.now()
	user := &model.User{
		ID:         uuid.New().String(),
		Email:      profile.PrimaryEmail(),
		GivenName:  profile.GivenName,
		FamilyName: profile.FamilyName,
		Username:   s.usernames.Next(profile.GivenName, profile.FamilyName, now),
		PictureURL: profile.PictureURL,
		Auth: model.OAuthMethod{
			Provider:   profile.Provider,
			ExternalID: profile.ExternalID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       profile.Provider,
		ProviderUserID: profile.ExternalID,
		CreatedAt:      now,
	}

	if err := s.userRepo.CreateWithIdentity(ctx, user, newIdentity); err != nil {
		return nil, err
	}

	if s.recorder != nil {
		s.recorder.RecordUserCreated()
	}
	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("provider", profile.Provider),
	)

	return user, nil
}

// FindByID は指定IDのユーザーを返す。見つからない場合はnilを返す。
func (s *Service) FindByID(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → user（+ CASCADE: identities）
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	// ユーザー存在確認
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. セッションを削除
	if s.sessionRepo != nil {
		if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	// 2. ユーザーを削除（identitiesはCASCADE削除）
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
