// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrDuplicateIdentity は同一の外部IDを持つidentityが既に存在する場合のエラー。
// 並行ログインによる一意制約違反で発生する。
var ErrDuplicateIdentity = errors.New("identity already exists")

// ErrDuplicateUsername は生成したユーザー名が既存ユーザーと衝突した場合のエラー。
// 複数プロセスが同名ユーザーを同じミリ秒に作成したときに発生する。
var ErrDuplicateUsername = errors.New("username already exists")

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeUserNotFound = "USER_NOT_FOUND"
	ErrCodeRateLimited  = "RATE_LIMIT_EXCEEDED"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	}
}
