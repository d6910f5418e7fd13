package session

import (
	"sync"
	"time"

	"github.com/hitoshi/huddle/internal/model"
)

// State は1リクエストの間に扱うセッションの状態。
// ミドルウェアがリクエスト開始時に生成し、レスポンスヘッダー書き込み時にコミットする。
//
// 状態遷移:
//
//	NoSession → SessionLoaded → (Authenticated | Anonymous)
//
// ハンドラーが Login を呼ぶまで新規セッションは作成されない。
type State struct {
	mu sync.Mutex

	id        string
	payload   *model.IdentityPayload
	createdAt time.Time
	loaded    bool // ストアに既存のレコードがある
	hadCookie bool // リクエストにセッションCookieが付いていた

	modified   bool
	regenerate bool
	destroyed  bool
	committed  bool
}

// newAnonymousState はセッションを持たない状態を返す。
func newAnonymousState(hadCookie bool) *State {
	return &State{hadCookie: hadCookie}
}

// newLoadedState はストアから読み込んだセッションの状態を返す。
func newLoadedState(sess *model.Session) *State {
	return &State{
		id:        sess.ID,
		payload:   sess.Data,
		createdAt: sess.CreatedAt,
		loaded:    true,
		hadCookie: true,
	}
}

// ID はセッションIDを返す。セッションが存在しない場合は空文字を返す。
func (s *State) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Authenticated はセッションに識別情報が格納されているかを返す。
func (s *State) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.destroyed && s.payload != nil && s.payload.UserID != ""
}

// Identity はセッションの識別情報のコピーを返す。匿名の場合はnil。
func (s *State) Identity() *model.IdentityPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.payload == nil {
		return nil
	}
	p := *s.payload
	return &p
}

// UserID は認証済みユーザーのIDを返す。匿名の場合は空文字を返す。
func (s *State) UserID() string {
	id, err := Deserialize(s.Identity())
	if err != nil {
		return ""
	}
	return id
}

// Login はセッションに識別情報を格納する。
// セッション固定攻撃を防ぐため、コミット時にセッションIDを再生成する。
func (s *State) Login(payload *model.IdentityPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *payload
	s.payload = &p
	s.modified = true
	s.regenerate = true
	s.destroyed = false
}

// Destroy はセッションを破棄する。コミット時にCookieを削除し、ストアからも削除する。
func (s *State) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = nil
	s.destroyed = true
	s.modified = false
	s.regenerate = false
}
