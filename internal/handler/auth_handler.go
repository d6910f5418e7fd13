// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/huddle/internal/auth"
	"github.com/hitoshi/huddle/internal/metrics"
	"github.com/hitoshi/huddle/internal/middleware"
	"github.com/hitoshi/huddle/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginHandshake(state string) string
	CompleteHandshake(ctx context.Context, code string) (*model.IdentityPayload, error)
}

// LoginRecorder はログイン結果の記録先。
type LoginRecorder interface {
	RecordLogin(outcome string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	AppDomain    string // ログアウト後・失敗時の戻り先（MY_DOMAIN）
	SuccessURL   string
	FailurePath  string
	CookieSecure bool
}

// AuthHandler はFacebookログインのHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	recorder LoginRecorder
	config   AuthHandlerConfig

	generateState func() (string, error)
}

// NewAuthHandler はAuthHandlerを生成する。recorderはnilでもよい。
func NewAuthHandler(service AuthServiceInterface, recorder LoginRecorder, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:       service,
		recorder:      recorder,
		config:        config,
		generateState: auth.GenerateState,
	}
}

// Login はFacebookの同意画面へリダイレクトする。
// GET FB_LOGIN_PATH
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := h.generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	// IdPからのトップレベル遷移で送信させるためLaxにする
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.BeginHandshake(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// 成功時はセッションにログインして成功URLへ、失敗時はエラー内容を含めず失敗パスへリダイレクトする。
// GET FB_LOGIN_CB_PATH?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch")
		h.fail(w, r, metrics.OutcomeStateMismatch)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 同意拒否（error=access_denied）は認可コードなしで戻ってくる
	code := ""
	if r.URL.Query().Get("error") == "" {
		code = r.URL.Query().Get("code")
	}

	// 3. ハンドシェイクの完了
	payload, err := h.service.CompleteHandshake(r.Context(), code)
	if err != nil {
		kind := auth.KindOf(err)
		slog.Error("oauth callback failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		h.fail(w, r, string(kind))
		return
	}

	// 4. セッションにログイン（コミット時にIDを再生成する）
	st := middleware.SessionFromContext(r.Context())
	if st == nil {
		slog.Error("session middleware is not installed for callback route")
		h.fail(w, r, metrics.OutcomePersistence)
		return
	}
	st.Login(payload)

	h.record(metrics.OutcomeSuccess)
	http.Redirect(w, r, h.config.SuccessURL, http.StatusFound)
}

// Failure はログイン失敗時の着地点。フロントエンドへ戻す。
// GET FB_LOGIN_FAIL_PATH
func (h *AuthHandler) Failure(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.config.AppDomain, http.StatusFound)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if st := middleware.SessionFromContext(r.Context()); st != nil {
		st.Destroy()
	}
	http.Redirect(w, r, h.config.AppDomain, http.StatusFound)
}

// Me は現在のログインユーザーの識別情報を返す。トークンは含めない。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	st := middleware.SessionFromContext(r.Context())
	if st == nil || !st.Authenticated() {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	identity := st.Identity()
	identity.Token = ""
	writeJSON(w, http.StatusOK, identity)
}

func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, outcome string) {
	h.record(outcome)
	http.Redirect(w, r, h.config.FailurePath, http.StatusFound)
}

func (h *AuthHandler) record(outcome string) {
	if h.recorder != nil {
		h.recorder.RecordLogin(outcome)
	}
}
