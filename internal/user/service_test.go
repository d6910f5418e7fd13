package user

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/huddle/internal/model"
	"github.com/hitoshi/huddle/internal/repository"
)

// --- モック ---

// memRepo はUserRepositoryとIdentityRepositoryのインメモリ実装。
type memRepo struct {
	mu         sync.Mutex
	users      map[string]*model.User
	identities map[string]*model.Identity // key: provider + ":" + provider_user_id
	creates    int
	deletes    []string

	createErr error
	findErr   error

	// onCreate は作成処理の前にロックを保持したまま呼ばれる。nil以外を返すと作成しない。
	onCreate func(m *memRepo, user *model.User, identity *model.Identity) error
	// onFind はidentity検索の前にロックなしで呼ばれる。
	onFind func(ctx context.Context) error
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:      make(map[string]*model.User),
		identities: make(map[string]*model.Identity),
	}
}

func (m *memRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memRepo) CreateWithIdentity(_ context.Context, user *model.User, identity *model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.onCreate != nil {
		if err := m.onCreate(m, user, identity); err != nil {
			return err
		}
	}
	key := identity.Provider + ":" + identity.ProviderUserID
	if _, ok := m.identities[key]; ok {
		return fmt.Errorf("failed to insert identity: %w", model.ErrDuplicateIdentity)
	}
	m.creates++
	cp := *user
	m.users[user.ID] = &cp
	id := *identity
	m.identities[key] = &id
	return nil
}

func (m *memRepo) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, id)
	delete(m.users, id)
	return nil
}

func (m *memRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.onFind != nil {
		if err := m.onFind(ctx); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	ident, ok := m.identities[provider+":"+providerUserID]
	if !ok {
		return nil, nil
	}
	cp := *ident
	return &cp, nil
}

func (m *memRepo) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

type mockSessionDeleter struct {
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionDeleter) DeleteByUserID(ctx context.Context, userID string) error {
	return m.deleteByUserIDFn(ctx, userID)
}

type countingRecorder struct {
	mu      sync.Mutex
	created int
}

func (r *countingRecorder) RecordUserCreated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*memRepo)(nil)
var _ repository.IdentityRepository = (*memRepo)(nil)

func fbProfile(externalID string) *model.ExternalProfile {
	return &model.ExternalProfile{
		Provider:   "facebook",
		ExternalID: externalID,
		Emails:     []string{"ada@example.com", "ada@work.example.com"},
		GivenName:  "Ada",
		FamilyName: "Lovelace",
		PictureURL: "https://cdn.example.com/ada.jpg",
	}
}

var usernamePattern = regexp.MustCompile(`^AdaLovelace\d+$`)

// --- テスト ---

// TestFindOrCreate_NewUser_CreatesUserWithIdentity は初回ログインでユーザーとidentityが作成されることを検証する。
func TestFindOrCreate_NewUser_CreatesUserWithIdentity(t *testing.T) {
	repo := newMemRepo()
	rec := &countingRecorder{}
	svc := NewService(repo, repo, nil, rec)

	user, err := svc.FindOrCreate(context.Background(), fbProfile("10001"), "token-1")
	if err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}

	if user.ID == "" {
		t.Error("user ID should be assigned")
	}
	if user.Email != "ada@example.com" {
		t.Errorf("Email = %q, want first profile email", user.Email)
	}
	if user.GivenName != "Ada" || user.FamilyName != "Lovelace" {
		t.Errorf("names = %q %q", user.GivenName, user.FamilyName)
	}
	if !usernamePattern.MatchString(user.Username) {
		t.Errorf("Username = %q, want AdaLovelace<millis>", user.Username)
	}
	if user.PictureURL != "https://cdn.example.com/ada.jpg" {
		t.Errorf("PictureURL = %q", user.PictureURL)
	}
	if user.AccessToken != "token-1" {
		t.Errorf("AccessToken = %q, want token-1", user.AccessToken)
	}
	auth, ok := user.Auth.(model.OAuthMethod)
	if !ok || auth.Provider != "facebook" || auth.ExternalID != "10001" {
		t.Errorf("Auth = %#v, want OAuthMethod{facebook 10001}", user.Auth)
	}

	stored, _ := repo.FindByID(context.Background(), user.ID)
	if stored == nil {
		t.Fatal("user should be persisted")
	}
	if stored.AccessToken != "" {
		t.Error("access token should not be persisted")
	}
	if rec.created != 1 {
		t.Errorf("created = %d, want 1", rec.created)
	}
}

// TestFindOrCreate_SameExternalID_ReturnsSameUser は同一外部IDの2回目のログインで同じユーザーが返ることを検証する。
func TestFindOrCreate_SameExternalID_ReturnsSameUser(t *testing.T) {
	repo := newMemRepo()
	rec := &countingRecorder{}
	svc := NewService(repo, repo, nil, rec)
	ctx := context.Background()

	first, err := svc.FindOrCreate(ctx, fbProfile("10001"), "token-1")
	if err != nil {
		t.Fatalf("first FindOrCreate() error = %v", err)
	}
	second, err := svc.FindOrCreate(ctx, fbProfile("10001"), "token-2")
	if err != nil {
		t.Fatalf("second FindOrCreate() error = %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("IDs differ: %q vs %q", first.ID, second.ID)
	}
	if first.Username != second.Username {
		t.Errorf("Username changed: %q vs %q", first.Username, second.Username)
	}
	if repo.createCount() != 1 {
		t.Errorf("creates = %d, want 1", repo.createCount())
	}
	if rec.created != 1 {
		t.Errorf("created metric = %d, want 1", rec.created)
	}
	if second.AccessToken != "token-2" {
		t.Errorf("AccessToken = %q, want token-2", second.AccessToken)
	}
	if first.AccessToken != "token-1" {
		t.Errorf("first AccessToken mutated to %q", first.AccessToken)
	}
}

// TestFindOrCreate_DistinctExternalIDs_SameTick は同名ユーザーが同じ時刻に作成されても別ユーザー・別ユーザー名になることを検証する。
func TestFindOrCreate_DistinctExternalIDs_SameTick(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, repo, nil, nil)
	fixed := time.UnixMilli(1700000000000)
	svc.now = func() time.Time { return fixed }
	ctx := context.Background()

	a, err := svc.FindOrCreate(ctx, fbProfile("10001"), "token-a")
	if err != nil {
		t.Fatalf("FindOrCreate(a) error = %v", err)
	}
	b, err := svc.FindOrCreate(ctx, fbProfile("10002"), "token-b")
	if err != nil {
		t.Fatalf("FindOrCreate(b) error = %v", err)
	}

	if a.ID == b.ID {
		t.Error("distinct external IDs should map to distinct users")
	}
	if a.Username == b.Username {
		t.Errorf("usernames should differ, both %q", a.Username)
	}
	if a.Username != "AdaLovelace1700000000000" {
		t.Errorf("first Username = %q", a.Username)
	}
	if b.Username != "AdaLovelace1700000000001" {
		t.Errorf("second Username = %q", b.Username)
	}
}

// TestFindOrCreate_Concurrent_CreatesOnce は同一外部IDの同時ログインで1件だけ作成されることを検証する。
func TestFindOrCreate_Concurrent_CreatesOnce(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, repo, nil, nil)

	const callers = 20
	var wg sync.WaitGroup
	users := make([]*model.User, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			users[i], errs[i] = svc.FindOrCreate(context.Background(), fbProfile("10001"), fmt.Sprintf("token-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if users[i].ID != users[0].ID {
			t.Errorf("caller %d got user %q, want %q", i, users[i].ID, users[0].ID)
		}
		if want := fmt.Sprintf("token-%d", i); users[i].AccessToken != want {
			t.Errorf("caller %d AccessToken = %q, want %q", i, users[i].AccessToken, want)
		}
	}
	if repo.createCount() != 1 {
		t.Errorf("creates = %d, want 1", repo.createCount())
	}
}

// TestFindOrCreate_PersistenceFailure_ReturnsError は永続化の失敗を握りつぶさないことを検証する。
func TestFindOrCreate_PersistenceFailure_ReturnsError(t *testing.T) {
	dbErr := errors.New("connection refused")

	tests := []struct {
		name    string
		setup   func(r *memRepo)
		wantErr error
	}{
		{"identity lookup fails", func(r *memRepo) { r.findErr = dbErr }, dbErr},
		{"create fails", func(r *memRepo) { r.createErr = dbErr }, dbErr},
		{"duplicate identity race", func(r *memRepo) {
			r.createErr = fmt.Errorf("failed to insert identity: %w", model.ErrDuplicateIdentity)
		}, model.ErrDuplicateIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			tt.setup(repo)
			svc := NewService(repo, repo, nil, nil)

			user, err := svc.FindOrCreate(context.Background(), fbProfile("10001"), "token")
			if user != nil {
				t.Error("user should be nil on failure")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want wrapping %v", err, tt.wantErr)
			}
		})
	}
}

// TestFindOrCreate_DuplicateIdentity_ReturnsExistingUser は別プロセスが先にidentityを作成した場合に
// 作成済みのユーザーを読み直して返すことを検証する。
func TestFindOrCreate_DuplicateIdentity_ReturnsExistingUser(t *testing.T) {
	repo := newMemRepo()
	repo.onCreate = func(m *memRepo, _ *model.User, identity *model.Identity) error {
		m.users["other-replica-user"] = &model.User{ID: "other-replica-user", Email: "ada@example.com", Username: "AdaLovelace1"}
		m.identities[identity.Provider+":"+identity.ProviderUserID] = &model.Identity{
			ID:             "i-other",
			UserID:         "other-replica-user",
			Provider:       identity.Provider,
			ProviderUserID: identity.ProviderUserID,
		}
		return fmt.Errorf("failed to insert identity: %w", model.ErrDuplicateIdentity)
	}
	rec := &countingRecorder{}
	svc := NewService(repo, repo, nil, rec)

	user, err := svc.FindOrCreate(context.Background(), fbProfile("10001"), "token")
	if err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}
	if user.ID != "other-replica-user" {
		t.Errorf("user ID = %q, want other-replica-user", user.ID)
	}
	if user.AccessToken != "token" {
		t.Errorf("AccessToken = %q, want token", user.AccessToken)
	}
	if rec.created != 0 {
		t.Errorf("created metric = %d, want 0", rec.created)
	}
}

// TestFindOrCreate_UsernameConflict_RetriesWithNewUsername はユーザー名の一意制約違反で
// 別のユーザー名を生成して作成し直すことを検証する。
func TestFindOrCreate_UsernameConflict_RetriesWithNewUsername(t *testing.T) {
	repo := newMemRepo()
	var attempted []string
	repo.onCreate = func(_ *memRepo, user *model.User, _ *model.Identity) error {
		attempted = append(attempted, user.Username)
		if len(attempted) == 1 {
			return fmt.Errorf("failed to insert user: %w", model.ErrDuplicateUsername)
		}
		return nil
	}
	svc := NewService(repo, repo, nil, nil)
	fixed := time.UnixMilli(1700000000000)
	svc.now = func() time.Time { return fixed }

	user, err := svc.FindOrCreate(context.Background(), fbProfile("10001"), "token")
	if err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}
	if len(attempted) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempted))
	}
	if attempted[0] == attempted[1] {
		t.Errorf("retry reused username %q", attempted[0])
	}
	if user.Username != attempted[1] {
		t.Errorf("Username = %q, want %q", user.Username, attempted[1])
	}
	if repo.createCount() != 1 {
		t.Errorf("creates = %d, want 1", repo.createCount())
	}
}

func TestFindOrCreate_UsernameConflict_GivesUpAfterMaxAttempts(t *testing.T) {
	repo := newMemRepo()
	attempts := 0
	repo.onCreate = func(_ *memRepo, _ *model.User, _ *model.Identity) error {
		attempts++
		return fmt.Errorf("failed to insert user: %w", model.ErrDuplicateUsername)
	}
	svc := NewService(repo, repo, nil, nil)

	_, err := svc.FindOrCreate(context.Background(), fbProfile("10001"), "token")
	if !errors.Is(err, model.ErrDuplicateUsername) {
		t.Errorf("error = %v, want wrapping ErrDuplicateUsername", err)
	}
	if attempts != maxUsernameAttempts {
		t.Errorf("attempts = %d, want %d", attempts, maxUsernameAttempts)
	}
}

// TestFindOrCreate_CallerCancellation_DoesNotAbortSharedResolution は先行した呼び出し元が切断しても
// 共有中の解決処理が継続し、後続の呼び出し元が結果を受け取れることを検証する。
func TestFindOrCreate_CallerCancellation_DoesNotAbortSharedResolution(t *testing.T) {
	repo := newMemRepo()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	repo.onFind = func(ctx context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	svc := NewService(repo, repo, nil, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := svc.FindOrCreate(leaderCtx, fbProfile("10001"), "token-leader")
		leaderErr <- err
	}()
	<-entered

	type result struct {
		user *model.User
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		u, err := svc.FindOrCreate(context.Background(), fbProfile("10001"), "token-follower")
		follower <- result{u, err}
	}()
	time.Sleep(20 * time.Millisecond)

	// 先行した呼び出し元の切断
	cancelLeader()
	select {
	case err := <-leaderErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("leader error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("leader should return once its context is cancelled")
	}

	close(release)
	select {
	case r := <-follower:
		if r.err != nil {
			t.Fatalf("follower error = %v", r.err)
		}
		if r.user.AccessToken != "token-follower" {
			t.Errorf("AccessToken = %q, want token-follower", r.user.AccessToken)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not receive a result")
	}

	if repo.createCount() != 1 {
		t.Errorf("creates = %d, want 1", repo.createCount())
	}
}

func TestFindOrCreate_SharedResolutionTimesOut(t *testing.T) {
	repo := newMemRepo()
	repo.onFind = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	svc := NewService(repo, repo, nil, nil)
	svc.resolveTimeout = 20 * time.Millisecond

	_, err := svc.FindOrCreate(context.Background(), fbProfile("10001"), "token")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestFindOrCreate_DanglingIdentity_ReturnsError(t *testing.T) {
	repo := newMemRepo()
	repo.identities["facebook:10001"] = &model.Identity{ID: "i1", UserID: "deleted-user", Provider: "facebook", ProviderUserID: "10001"}
	svc := NewService(repo, repo, nil, nil)

	if _, err := svc.FindOrCreate(context.Background(), fbProfile("10001"), "token"); err == nil {
		t.Fatal("expected error for identity without user")
	}
}

func TestFindOrCreate_InvalidProfile_ReturnsError(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, repo, nil, nil)

	for _, p := range []*model.ExternalProfile{nil, {Provider: "facebook"}, {ExternalID: "1"}} {
		if _, err := svc.FindOrCreate(context.Background(), p, "token"); err == nil {
			t.Errorf("FindOrCreate(%+v) should fail", p)
		}
	}
	if repo.createCount() != 0 {
		t.Errorf("creates = %d, want 0", repo.createCount())
	}
}

// TestService_Withdraw は退会処理がセッションとユーザーを削除することを検証する。
func TestService_Withdraw(t *testing.T) {
	repo := newMemRepo()
	repo.users["user-1"] = &model.User{ID: "user-1", Email: "test@example.com"}

	sessionDeleteCalled := false
	sessions := &mockSessionDeleter{
		deleteByUserIDFn: func(ctx context.Context, userID string) error {
			sessionDeleteCalled = true
			if _, ok := repo.users[userID]; !ok {
				t.Error("sessions should be deleted before the user")
			}
			return nil
		},
	}

	svc := NewService(repo, repo, sessions, nil)

	if err := svc.Withdraw(context.Background(), "user-1"); err != nil {
		t.Fatalf("Withdraw returned error: %v", err)
	}
	if !sessionDeleteCalled {
		t.Error("expected sessions DeleteByUserID to be called")
	}
	if len(repo.deletes) != 1 || repo.deletes[0] != "user-1" {
		t.Errorf("deletes = %v, want [user-1]", repo.deletes)
	}
}

// TestService_Withdraw_UserNotFound は存在しないユーザーの退会がエラーになることを検証する。
func TestService_Withdraw_UserNotFound(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, repo, nil, nil)

	err := svc.Withdraw(context.Background(), "nonexistent-user")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
		t.Fatalf("error = %v, want USER_NOT_FOUND", err)
	}
}

func TestService_Withdraw_SessionDeleteFails_KeepsUser(t *testing.T) {
	repo := newMemRepo()
	repo.users["user-1"] = &model.User{ID: "user-1"}
	sessions := &mockSessionDeleter{
		deleteByUserIDFn: func(context.Context, string) error { return errors.New("db down") },
	}
	svc := NewService(repo, repo, sessions, nil)

	if err := svc.Withdraw(context.Background(), "user-1"); err == nil {
		t.Fatal("expected error")
	}
	if len(repo.deletes) != 0 {
		t.Error("user should not be deleted when session deletion fails")
	}
}
