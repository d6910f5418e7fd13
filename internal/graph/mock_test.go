package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/graphql-go/graphql"

	"github.com/hitoshi/huddle/internal/model"
)

// mockUserFinder はUserFinderのモック。
type mockUserFinder struct {
	findByIDFn func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockUserFinder) FindByID(ctx context.Context, userID string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, userID)
	}
	return nil, nil
}

// fakeSession はテスト用のセッション。
type fakeSession struct {
	mu        sync.Mutex
	userID    string
	destroyed bool
}

func (s *fakeSession) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ""
	}
	return s.userID
}

func (s *fakeSession) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
}

type sessionKey struct{}

// withFakeSession はsessionFromをコンテキスト参照に差し替えたモジュールを返す。
func withFakeSession(m *UserModule) *UserModule {
	m.sessionFrom = func(ctx context.Context) Session {
		if s, ok := ctx.Value(sessionKey{}).(*fakeSession); ok {
			return s
		}
		return nil
	}
	return m
}

func contextWithSession(s *fakeSession) context.Context {
	return context.WithValue(context.Background(), sessionKey{}, s)
}

func mustSchema(t *testing.T, modules ...Module) graphql.Schema {
	t.Helper()
	schema, err := NewSchema(modules...)
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}
	return schema
}

func execute(t *testing.T, schema graphql.Schema, ctx context.Context, query string, vars map[string]interface{}) *graphql.Result {
	t.Helper()
	return graphql.Do(graphql.Params{
		Schema:         schema,
		RequestString:  query,
		VariableValues: vars,
		Context:        ctx,
	})
}
