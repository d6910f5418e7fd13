// Package session はCookieベースのサーバーサイドセッションを提供する。
//
// Cookieには署名付きJWT（HS256）でセッションIDのみを格納し、
// セッション本体はセッションストアに保存する。
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCookie はCookieの署名検証や形式検証に失敗した場合のエラー。
var ErrInvalidCookie = errors.New("invalid session cookie")

// Codec はセッションIDと署名付きCookie値の相互変換を行う。
type Codec struct {
	secret []byte
}

// NewCodec はCodecを生成する。
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encode はセッションIDを署名付きトークンに変換する。
func (c *Codec) Encode(sessionID string, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}
	return signed, nil
}

// Decode は署名付きトークンを検証し、セッションIDを返す。
// 署名不一致、期限切れ、HS256以外のアルゴリズムはすべて ErrInvalidCookie を返す。
func (c *Codec) Decode(value string) (string, error) {
	if value == "" {
		return "", ErrInvalidCookie
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCookie, err)
	}
	if claims.ID == "" {
		return "", ErrInvalidCookie
	}
	return claims.ID, nil
}
