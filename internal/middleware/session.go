// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/hitoshi/huddle/internal/model"
	"github.com/hitoshi/huddle/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// sessionContextKey はリクエストコンテキストにセッション状態を格納するためのキー。
	sessionContextKey = contextKey("session")
	// userIDContextKey はセッションを経由せずにユーザーIDを注入するためのキー。
	userIDContextKey = contextKey("user_id")
)

// SessionManager はセッションの読み込みとコミットに必要なインターフェース。
// session.Managerが実装する。
type SessionManager interface {
	Load(r *http.Request) *session.State
	Commit(ctx context.Context, w http.ResponseWriter, st *session.State)
}

// NewSessionMiddleware はCookieからセッションを読み込み、
// リクエストコンテキストにセッション状態を注入するミドルウェアを返す。
// 匿名リクエストもそのまま通過させる。
// セッションはレスポンスヘッダーの書き込み直前にコミットされる。
func NewSessionMiddleware(manager SessionManager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := manager.Load(r)

			sw := &sessionWriter{ResponseWriter: w}
			sw.commit = func() { manager.Commit(r.Context(), w, st) }

			ctx := context.WithValue(r.Context(), sessionContextKey, st)
			next.ServeHTTP(sw, r.WithContext(ctx))

			// ハンドラーが何も書き込まなかった場合
			sw.commitOnce()
		})
	}
}

// RequireAuthentication は未認証のリクエストに401を返すミドルウェアを返す。
// NewSessionMiddlewareの後に配置する。
func RequireAuthentication() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := UserIDFromContext(r.Context()); err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sessionWriter はhttp.ResponseWriterをラップし、
// 最初のWriteHeader/Writeの直前にセッションをコミットする。
type sessionWriter struct {
	http.ResponseWriter
	once   sync.Once
	commit func()
}

func (sw *sessionWriter) commitOnce() {
	sw.once.Do(sw.commit)
}

// WriteHeader はセッションをコミットしてから委譲する。
func (sw *sessionWriter) WriteHeader(code int) {
	sw.commitOnce()
	sw.ResponseWriter.WriteHeader(code)
}

// Write はセッションをコミットしてから委譲する。
func (sw *sessionWriter) Write(b []byte) (int, error) {
	sw.commitOnce()
	return sw.ResponseWriter.Write(b)
}

// Flush は下位のResponseWriterがhttp.Flusherを実装している場合に委譲する。
func (sw *sessionWriter) Flush() {
	sw.commitOnce()
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap はhttp.ResponseControllerのために元のResponseWriterを返す。
func (sw *sessionWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// SessionFromContext はリクエストコンテキストからセッション状態を取得する。
// セッションミドルウェアを通過していない場合はnilを返す。
func SessionFromContext(ctx context.Context) *session.State {
	st, _ := ctx.Value(sessionContextKey).(*session.State)
	return st
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーのIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	if st := SessionFromContext(ctx); st != nil {
		if userID := st.UserID(); userID != "" {
			return userID, nil
		}
	}
	if userID, ok := ctx.Value(userIDContextKey).(string); ok && userID != "" {
		return userID, nil
	}
	return "", fmt.Errorf("user ID not found in context")
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
