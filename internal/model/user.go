// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// AccessTokenはOAuthハンドシェイク時にメモリ上のオブジェクトへ付与されるだけで、永続化しない。
type User struct {
	ID         string
	Email      string
	GivenName  string
	FamilyName string
	Username   string
	PictureURL string
	Auth       AuthMethod
	CreatedAt  time.Time
	UpdatedAt  time.Time

	AccessToken string `json:"-"`
}

// AuthMethod はユーザーの認証方式を表すタグ付きバリアント。
// OAuthMethod または PasswordMethod のいずれかを取る。
type AuthMethod interface {
	authMethod()
}

// OAuthMethod は外部IdP経由で作成されたアカウントを表す。
// パスワードを持たない。
type OAuthMethod struct {
	Provider   string
	ExternalID string
}

// PasswordMethod はパスワード認証のアカウントを表す。
type PasswordMethod struct {
	Hash string
}

func (OAuthMethod) authMethod()    {}
func (PasswordMethod) authMethod() {}

// Identity は外部IdPとの紐付け情報を表す。
// (Provider, ProviderUserID) はユーザー間で一意。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はサーバー側で保持するセッションレコードを表す。
// Dataが nil の場合は匿名セッション。
type Session struct {
	ID        string
	UserID    string
	Data      *IdentityPayload
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdentityPayload はセッションに格納するユーザーの最小限の射影。
// パスワードやプロバイダーのシークレットは含めない。
type IdentityPayload struct {
	UserID     string `json:"userId"`
	FamilyName string `json:"familyName"`
	GivenName  string `json:"givenName"`
	Email      string `json:"email"`
	Token      string `json:"token,omitempty"`
}

// ExternalProfile は外部IdPから取得し、境界で検証済みのプロフィール。
type ExternalProfile struct {
	Provider   string
	ExternalID string
	Emails     []string
	GivenName  string
	FamilyName string
	PictureURL string // 任意
}

// PrimaryEmail はプロフィールの先頭のメールアドレスを返す。
func (p *ExternalProfile) PrimaryEmail() string {
	if len(p.Emails) == 0 {
		return ""
	}
	return p.Emails[0]
}
