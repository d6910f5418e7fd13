package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/huddle/internal/model"
)

// Options はセッションCookieの設定。
type Options struct {
	CookieName string
	Lifetime   time.Duration
	Secure     bool // 公開URLがhttpsの場合にtrue
}

// Manager はリクエストごとのセッションの読み込みとコミットを行う。
type Manager struct {
	store     Store
	codec     *Codec
	persister *Persister
	opts      Options
	logger    *slog.Logger

	now   func() time.Time
	newID func() (string, error)
}

// NewManager はManagerを生成する。
func NewManager(store Store, codec *Codec, persister *Persister, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		codec:     codec,
		persister: persister,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		newID:     generateSessionID,
	}
}

// CookieName はセッションCookie名を返す。
func (m *Manager) CookieName() string {
	return m.opts.CookieName
}

// Load はリクエストのCookieからセッションを読み込む。
// Cookieがない、署名が不正、未知または期限切れのID、ストアの読み込みエラーの場合は
// 匿名の状態を返す。ストアの読み込みエラーはログに記録する。
func (m *Manager) Load(r *http.Request) *State {
	cookie, err := r.Cookie(m.opts.CookieName)
	if err != nil || cookie.Value == "" {
		return newAnonymousState(false)
	}

	id, err := m.codec.Decode(cookie.Value)
	if err != nil {
		m.logger.Debug("session cookie rejected",
			slog.String("error", err.Error()),
		)
		return newAnonymousState(true)
	}

	sess, err := m.store.FindByID(r.Context(), id)
	if err != nil {
		m.logger.Error("failed to load session",
			slog.String("error", err.Error()),
		)
		return newAnonymousState(true)
	}
	if sess == nil {
		return newAnonymousState(true)
	}

	return newLoadedState(sess)
}

// Commit はセッションの状態をレスポンスに反映し、永続化を予約する。
// 1つのStateに対して2回目以降の呼び出しは何もしない。
//
//   - 破棄されたセッション: Cookieを削除し、ストアから非同期に削除する
//   - 読み込み済みまたは変更されたセッション: 有効期限を延長して署名済みCookieを再発行し、非同期に保存する
//   - ログイン直後: セッションIDを再生成し、旧IDを削除する
//   - 未初期化のセッション: 何もしない
func (m *Manager) Commit(ctx context.Context, w http.ResponseWriter, st *State) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.committed {
		return
	}
	st.committed = true

	if st.destroyed {
		if st.loaded {
			m.persister.Delete(ctx, st.id)
		}
		if st.hadCookie || st.loaded {
			http.SetCookie(w, m.clearCookie())
		}
		return
	}

	if !st.loaded && !st.modified {
		return
	}

	now := m.now()

	if st.regenerate {
		newID, err := m.newID()
		if err != nil {
			m.logger.Error("failed to generate session ID",
				slog.String("error", err.Error()),
			)
			return
		}
		if st.loaded {
			m.persister.Delete(ctx, st.id)
		}
		st.id = newID
		st.createdAt = now
		st.regenerate = false
	}
	if st.createdAt.IsZero() {
		st.createdAt = now
	}

	expiresAt := now.Add(m.opts.Lifetime)
	token, err := m.codec.Encode(st.id, expiresAt)
	if err != nil {
		m.logger.Error("failed to encode session cookie",
			slog.String("error", err.Error()),
		)
		return
	}

	sess := &model.Session{
		ID:        st.id,
		Data:      st.payload,
		ExpiresAt: expiresAt,
		CreatedAt: st.createdAt,
		UpdatedAt: now,
	}
	if st.payload != nil {
		sess.UserID = st.payload.UserID
	}
	m.persister.Save(ctx, sess)

	http.SetCookie(w, m.cookie(token, expiresAt))
}

// cookie はセッションCookieを生成する。Max-Age は1秒以上（0はブラウザセッションCookieになる）。
func (m *Manager) cookie(value string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   max(1, int(m.opts.Lifetime/time.Second)),
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (m *Manager) clearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
