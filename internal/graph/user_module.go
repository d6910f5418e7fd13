package graph

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/graphql-go/graphql"

	"github.com/hitoshi/huddle/internal/middleware"
	"github.com/hitoshi/huddle/internal/model"
)

// UserFinder はユーザー取得のインターフェース。見つからない場合はnilを返す。
type UserFinder interface {
	FindByID(ctx context.Context, userID string) (*model.User, error)
}

// Session はリゾルバーから見たリクエストのセッション。
type Session interface {
	UserID() string
	Destroy()
}

// sessionFromContext はセッションミドルウェアが注入したセッションを返す。
func sessionFromContext(ctx context.Context) Session {
	if st := middleware.SessionFromContext(ctx); st != nil {
		return st
	}
	return nil
}

// userType はGraphQLのUser型。トークンは公開しない。
var userType = graphql.NewObject(graphql.ObjectConfig{
	Name: "User",
	Fields: graphql.Fields{
		"id":         &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
		"email":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"givenName":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"familyName": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"username":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"pictureUrl": &graphql.Field{
			Type: graphql.String,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				u, ok := p.Source.(*model.User)
				if !ok || u.PictureURL == "" {
					return nil, nil
				}
				return u.PictureURL, nil
			},
		},
		"createdAt": &graphql.Field{
			Type: graphql.String,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				u, ok := p.Source.(*model.User)
				if !ok || u.CreatedAt.IsZero() {
					return nil, nil
				}
				return u.CreatedAt.UTC().Format(time.RFC3339), nil
			},
		},
	},
})

// UserModule はログインユーザーに関する組み込みのクエリとミューテーション。
type UserModule struct {
	users       UserFinder
	sessionFrom func(ctx context.Context) Session
}

// NewUserModule はUserModuleを生成する。
func NewUserModule(users UserFinder) *UserModule {
	return &UserModule{
		users:       users,
		sessionFrom: sessionFromContext,
	}
}

// Queries はme, userを返す。
func (m *UserModule) Queries() graphql.Fields {
	return graphql.Fields{
		"me": &graphql.Field{
			Type:        userType,
			Description: "ログイン中のユーザー。未ログインの場合はnull。",
			Resolve:     m.resolveMe,
		},
		"user": &graphql.Field{
			Type:        userType,
			Description: "IDを指定してユーザーを取得する。ログインが必要。",
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
			},
			Resolve: m.resolveUser,
		},
	}
}

// Mutations はlogoutを返す。
func (m *UserModule) Mutations() graphql.Fields {
	return graphql.Fields{
		"logout": &graphql.Field{
			Type:        graphql.NewNonNull(graphql.Boolean),
			Description: "セッションを破棄する。",
			Resolve:     m.resolveLogout,
		},
	}
}

func (m *UserModule) currentUserID(ctx context.Context) string {
	sess := m.sessionFrom(ctx)
	if sess == nil {
		return ""
	}
	return sess.UserID()
}

func (m *UserModule) resolveMe(p graphql.ResolveParams) (interface{}, error) {
	userID := m.currentUserID(p.Context)
	if userID == "" {
		return nil, nil
	}
	return m.findUser(p.Context, userID)
}

func (m *UserModule) resolveUser(p graphql.ResolveParams) (interface{}, error) {
	if m.currentUserID(p.Context) == "" {
		return nil, errUnauthorized()
	}
	id, _ := p.Args["id"].(string)
	// UUIDとして解釈できないIDは存在しないユーザーとして扱う
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return m.findUser(p.Context, id)
}

func (m *UserModule) findUser(ctx context.Context, userID string) (interface{}, error) {
	u, err := m.users.FindByID(ctx, userID)
	if err != nil {
		// 詳細はログのみに記録する
		slog.ErrorContext(ctx, "failed to load user",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, errors.New("failed to load user")
	}
	// 型付きnilを返すとnullにならない
	if u == nil {
		return nil, nil
	}
	return u, nil
}

func (m *UserModule) resolveLogout(p graphql.ResolveParams) (interface{}, error) {
	sess := m.sessionFrom(p.Context)
	if sess == nil {
		return false, nil
	}
	sess.Destroy()
	return true, nil
}
