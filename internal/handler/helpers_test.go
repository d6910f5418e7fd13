package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/huddle/internal/middleware"
	"github.com/hitoshi/huddle/internal/model"
	"github.com/hitoshi/huddle/internal/session"
)

const (
	testCookieName = "sid"
	testSecret     = "test-session-secret-32bytes-long!"
)

// memSessionStore はテスト用のインメモリセッションストア。
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*model.Session)}
}

func (s *memSessionStore) Save(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessionStore) FindByID(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessionStore) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memSessionStore) DeleteByUserID(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *memSessionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// memUserStore はUserRepositoryとIdentityRepositoryのインメモリ実装。
type memUserStore struct {
	mu         sync.Mutex
	users      map[string]*model.User
	identities map[string]*model.Identity
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		users:      make(map[string]*model.User),
		identities: make(map[string]*model.Identity),
	}
}

func (m *memUserStore) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memUserStore) CreateWithIdentity(_ context.Context, user *model.User, identity *model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identity.Provider + ":" + identity.ProviderUserID
	if _, ok := m.identities[key]; ok {
		return fmt.Errorf("failed to insert identity: %w", model.ErrDuplicateIdentity)
	}
	cp := *user
	cp.AccessToken = ""
	m.users[user.ID] = &cp
	id := *identity
	m.identities[key] = &id
	return nil
}

func (m *memUserStore) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	for key, ident := range m.identities {
		if ident.UserID == id {
			delete(m.identities, key)
		}
	}
	return nil
}

func (m *memUserStore) FindByProviderAndProviderUserID(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.identities[provider+":"+providerUserID]
	if !ok {
		return nil, nil
	}
	cp := *ident
	return &cp, nil
}

func (m *memUserStore) allUsers() []*model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]*model.User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		users = append(users, &cp)
	}
	return users
}

// mockLoginRecorder はログイン結果を記録するモック。
type mockLoginRecorder struct {
	mu       sync.Mutex
	outcomes []string
	statuses []int
}

func (m *mockLoginRecorder) RecordLogin(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *mockLoginRecorder) RecordHTTPStatus(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, statusCode)
}

func (m *mockLoginRecorder) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

// sessionFixture は実際のセッションマネージャーをインメモリストアで組み立てる。
type sessionFixture struct {
	store     *memSessionStore
	codec     *session.Codec
	persister *session.Persister
	manager   *session.Manager
}

func newSessionFixture() *sessionFixture {
	store := newMemSessionStore()
	codec := session.NewCodec(testSecret)
	persister := session.NewPersister(store, nil, slog.Default(), session.PersisterConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	manager := session.NewManager(store, codec, persister, session.Options{
		CookieName: testCookieName,
		Lifetime:   time.Hour,
	}, slog.Default())
	return &sessionFixture{store: store, codec: codec, persister: persister, manager: manager}
}

// wrap はハンドラーをセッションミドルウェアで包む。
func (f *sessionFixture) wrap(h http.HandlerFunc) http.Handler {
	return middleware.NewSessionMiddleware(f.manager)(h)
}

// login はストアに認証済みセッションを作成し、署名済みCookieを返す。
func (f *sessionFixture) login(t *testing.T, payload *model.IdentityPayload) *http.Cookie {
	t.Helper()
	id := "s-" + payload.UserID
	p := *payload
	f.store.Save(context.Background(), &model.Session{
		ID:        id,
		UserID:    payload.UserID,
		Data:      &p,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	token, err := f.codec.Encode(id, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: token}
}

// wait は非同期のセッション書き込みを待つ。
func (f *sessionFixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.persister.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

// findCookie はレスポンスから指定名のCookieを探す。
func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func testPayload(userID string) *model.IdentityPayload {
	return &model.IdentityPayload{
		UserID:     userID,
		FamilyName: "Lovelace",
		GivenName:  "Ada",
		Email:      "ada@example.com",
		Token:      "fb-access-token",
	}
}
