package auth

import (
	"errors"
	"fmt"
)

// ErrorKind は認証失敗の分類。
type ErrorKind string

const (
	// KindConsentDenied はユーザーが同意を拒否した、または認可コードが無効な場合。
	KindConsentDenied ErrorKind = "consent_denied"
	// KindProvider はIdPとの通信に失敗した場合。
	KindProvider ErrorKind = "provider"
	// KindProfile はIdPのプロフィールに必須項目が欠けている場合。
	KindProfile ErrorKind = "profile"
	// KindPersistence はユーザーの検索・作成に失敗した場合。
	KindPersistence ErrorKind = "persistence"
	// KindShape はユーザーをセッションに格納できない場合。
	KindShape ErrorKind = "shape"
)

// Error は認証ハンドシェイクの失敗を表す。
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
}

// Unwrap は原因のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf はエラーの分類を返す。認証エラーでない場合は KindProvider とみなす。
func KindOf(err error) ErrorKind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindProvider
}
